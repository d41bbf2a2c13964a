// Package muxer shells out to ffmpeg to combine and convert downloaded
// streams. Video bitstreams are never re-encoded; audio is transcoded to the
// codec the target container expects.
package muxer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/Kvazar-213452/FastYt/job"
)

// DefaultTimeout bounds a single ffmpeg invocation.
const DefaultTimeout = 10 * time.Minute

// Muxer is implemented by anything that can merge and convert media files.
type Muxer interface {
	// Merge combines a video-only and an audio-only file into out.
	Merge(ctx context.Context, videoPath, audioPath, outPath, format string) Result

	// Convert rewrites a single input into the target format. With
	// audioOnly set the video track is dropped.
	Convert(ctx context.Context, inPath, outPath, format string, audioOnly bool) Result
}

// Result reports the outcome of an ffmpeg run. A failed merge is an expected
// condition the caller recovers from, not an error that unwinds the job.
type Result struct {
	OK bool

	// Output holds the tail of ffmpeg's stderr on failure.
	Output string

	Err error
}

func (r Result) String() string {
	if r.OK {
		return "ok"
	}
	return fmt.Sprintf("failed: %s (%s)", r.Err, r.Output)
}

// FFmpeg runs a local ffmpeg binary.
type FFmpeg struct {
	// Binary is the ffmpeg executable, resolved through PATH when not
	// absolute.
	Binary string

	// Timeout bounds each invocation. Zero means DefaultTimeout.
	Timeout time.Duration

	Log *log.Logger
}

// NewFFmpeg verifies the binary is present and returns a ready muxer.
func NewFFmpeg(binary string, timeout time.Duration, logger *log.Logger) (*FFmpeg, error) {
	if binary == "" {
		binary = "ffmpeg"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("ffmpeg binary %q not found: %s", binary, err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &FFmpeg{Binary: binary, Timeout: timeout, Log: logger}, nil
}

// Merge implements Muxer. The video track is copied bit for bit and the
// audio track is encoded to the container's codec.
func (f *FFmpeg) Merge(ctx context.Context, videoPath, audioPath, outPath, format string) Result {
	args := []string{
		"-nostdin", "-y",
		"-i", videoPath,
		"-i", audioPath,
		"-c:v", "copy",
		"-c:a", audioCodecFor(format),
		"-map", "0:v:0",
		"-map", "1:a:0",
	}
	args = append(args, containerFlags(format)...)
	args = append(args, outPath)
	return f.run(ctx, args)
}

// Convert implements Muxer.
func (f *FFmpeg) Convert(ctx context.Context, inPath, outPath, format string, audioOnly bool) Result {
	args := []string{"-nostdin", "-y", "-i", inPath}
	if audioOnly {
		args = append(args, "-vn")
	} else {
		args = append(args, "-c:v", "copy")
	}
	args = append(args, "-c:a", audioCodecFor(format))
	args = append(args, containerFlags(format)...)
	args = append(args, outPath)
	return f.run(ctx, args)
}

func (f *FFmpeg) run(ctx context.Context, args []string) Result {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if f.Log != nil {
		f.Log.Printf("Running %s %s", f.Binary, strings.Join(args, " "))
	}
	err := cmd.Run()
	if err == nil {
		return Result{OK: true}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("ffmpeg timed out after %s", timeout)
	}
	return Result{Err: err, Output: tail(stderr.String(), 5)}
}

// audioCodecFor maps a target container to the audio encoder ffmpeg should
// use.
func audioCodecFor(format string) string {
	switch format {
	case job.FormatWebM:
		return "libopus"
	case job.FormatMP3:
		return "libmp3lame"
	default:
		return "aac"
	}
}

// containerFlags returns extra output flags per container. mp4 gets the
// index moved to the front so files stream before they finish transferring.
func containerFlags(format string) []string {
	if format == job.FormatMP4 {
		return []string{"-movflags", "+faststart"}
	}
	return nil
}

// tail returns the last n non-empty lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	var kept []string
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			kept = append(kept, l)
		}
	}
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return strings.Join(kept, "\n")
}
