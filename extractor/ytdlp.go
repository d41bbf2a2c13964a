package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"
)

// DefaultInfoTimeout bounds a single metadata resolution. Sources that
// stall longer than this (bot checks, dead hosts) fail the job instead of
// hanging the worker forever.
const DefaultInfoTimeout = 30 * time.Second

// CookieSource provides the path of a cookie jar file when one has been
// uploaded. Implemented by cookies.Jar.
type CookieSource interface {
	Path() (string, bool)
}

// YTDLP resolves media URLs by shelling out to the yt-dlp binary.
type YTDLP struct {
	// Binary is the yt-dlp executable, "yt-dlp" by default.
	Binary string

	// Timeout bounds each Info call. Zero means DefaultInfoTimeout.
	Timeout time.Duration

	// Cookies, when non-nil and populated, is passed to yt-dlp to get
	// past authentication walls and bot detection.
	Cookies CookieSource

	Log *log.Logger
}

// NewYTDLP returns a YTDLP extractor, checking that the binary is present
// on PATH (or at the given path).
func NewYTDLP(binary string, timeout time.Duration, cookies CookieSource, logger *log.Logger) (*YTDLP, error) {
	if binary == "" {
		binary = "yt-dlp"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("yt-dlp binary not found: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultInfoTimeout
	}
	return &YTDLP{Binary: binary, Timeout: timeout, Cookies: cookies, Log: logger}, nil
}

// Info runs yt-dlp -J against url and maps the info document to an Info.
func (y *YTDLP) Info(ctx context.Context, url string) (*Info, error) {
	ctx, cancel := context.WithTimeout(ctx, y.Timeout)
	defer cancel()

	args := []string{"-J", "--no-playlist", "--no-warnings"}
	if y.Cookies != nil {
		if path, ok := y.Cookies.Path(); ok {
			args = append(args, "--cookies", path)
		}
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, y.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if y.Log != nil {
		y.Log.Printf("Resolving %s ...", url)
	}
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &Error{URL: url, Err: fmt.Errorf("timed out after %s", y.Timeout)}
		}
		return nil, &Error{URL: url, Output: tail(stderr.String()), Err: err}
	}
	if stdout.Len() == 0 {
		return nil, &Error{URL: url, Err: fmt.Errorf("empty info document")}
	}

	info, err := parseInfo(stdout.Bytes())
	if err != nil {
		return nil, &Error{URL: url, Err: err}
	}
	return info, nil
}

// Version reports the version string of the underlying binary.
func (y *YTDLP) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, y.Binary, "--version").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// infoJSON mirrors the subset of the yt-dlp info document we consume.
type infoJSON struct {
	Title     string       `json:"title"`
	Duration  float64      `json:"duration"`
	Thumbnail string       `json:"thumbnail"`
	Uploader  string       `json:"uploader"`
	ViewCount int64        `json:"view_count"`
	Formats   []formatJSON `json:"formats"`
}

type formatJSON struct {
	FormatID       string  `json:"format_id"`
	URL            string  `json:"url"`
	Ext            string  `json:"ext"`
	Height         int     `json:"height"`
	Width          int     `json:"width"`
	FPS            float64 `json:"fps"`
	TBR            float64 `json:"tbr"`
	ABR            float64 `json:"abr"`
	VCodec         string  `json:"vcodec"`
	ACodec         string  `json:"acodec"`
	Filesize       int64   `json:"filesize"`
	FilesizeApprox int64   `json:"filesize_approx"`
}

func parseInfo(doc []byte) (*Info, error) {
	var raw infoJSON
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("decoding info document: %w", err)
	}

	info := &Info{
		Title:     raw.Title,
		Duration:  int(raw.Duration),
		Thumbnail: raw.Thumbnail,
		Uploader:  raw.Uploader,
		ViewCount: raw.ViewCount,
	}

	for _, f := range raw.Formats {
		hasVideo := f.VCodec != "" && f.VCodec != "none"
		hasAudio := f.ACodec != "" && f.ACodec != "none"

		// Storyboards and other non-media entries carry neither track.
		if f.URL == "" || (!hasVideo && !hasAudio) {
			continue
		}

		bitrate := f.TBR
		if !hasVideo && f.ABR > 0 {
			bitrate = f.ABR
		}
		size := f.Filesize
		if size == 0 {
			size = f.FilesizeApprox
		}

		info.Streams = append(info.Streams, Stream{
			ID:         f.FormatID,
			URL:        f.URL,
			Container:  strings.ToLower(f.Ext),
			Height:     f.Height,
			Width:      f.Width,
			FPS:        int(f.FPS),
			Bitrate:    bitrate,
			HasVideo:   hasVideo,
			HasAudio:   hasAudio,
			VideoCodec: f.VCodec,
			AudioCodec: f.ACodec,
			Filesize:   size,
		})
	}

	if len(info.Streams) == 0 {
		return nil, fmt.Errorf("no usable streams in info document")
	}
	return info, nil
}

// tail keeps the last few lines of tool output for error messages.
func tail(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "\n")
}
