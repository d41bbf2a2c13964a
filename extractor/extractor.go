// Package extractor resolves a media URL to its metadata and candidate
// source streams. The actual resolution is delegated to an external tool;
// the rest of the service only sees the Extractor interface.
package extractor

import (
	"context"
	"fmt"
)

// Stream describes one downloadable source stream of a media resource.
// Adaptive streams carry only video or only audio; progressive (muxed)
// streams carry both.
type Stream struct {
	// ID is the source-side format identifier (eg. a yt-dlp format id).
	ID string

	// URL is the direct download location of the stream payload.
	URL string

	// Container is the file extension of the stream (mp4, webm, m4a, ...).
	Container string

	Height int
	Width  int
	FPS    int

	// Bitrate in kbit/s. For audio streams this is the audio bitrate,
	// for video streams the total bitrate.
	Bitrate float64

	HasVideo bool
	HasAudio bool

	VideoCodec string
	AudioCodec string

	// Filesize in bytes, 0 when the source does not report one.
	Filesize int64
}

// Info is the resolved metadata of a media URL.
type Info struct {
	Title     string
	Duration  int // seconds
	Thumbnail string
	Uploader  string
	ViewCount int64
	Streams   []Stream
}

// Extractor is the collaborator contract for metadata resolution. Info
// blocks until the source answers or ctx expires.
type Extractor interface {
	Info(ctx context.Context, url string) (*Info, error)
}

// Error wraps a failed extraction attempt. Authentication walls, bot
// checks and unsupported URLs all surface through here; the worker treats
// them uniformly.
type Error struct {
	URL    string
	Output string // trailing tool output, for diagnostics
	Err    error
}

func (e *Error) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("extracting %s: %s: %s", e.URL, e.Err, e.Output)
	}
	return fmt.Sprintf("extracting %s: %s", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
