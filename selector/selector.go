// Package selector picks the source streams a download worker should
// transfer, given the resolved stream list and the requested settings.
// Selection is deterministic: identical inputs always yield the identical
// choice.
package selector

import (
	"errors"
	"sort"

	"github.com/Kvazar-213452/FastYt/extractor"
	"github.com/Kvazar-213452/FastYt/job"
)

// ErrNoMatchingFormat is returned when no acceptable stream combination
// exists for the requested settings.
var ErrNoMatchingFormat = errors.New("no matching format")

// Selection names the stream(s) to transfer.
//
// Exactly one of these shapes is produced:
//   - Video + Audio: an adaptive pair that needs merging.
//   - Video only with Muxed=true: a progressive stream, usable directly.
//   - Audio only: an audio-only download.
type Selection struct {
	Video *extractor.Stream
	Audio *extractor.Stream

	// Muxed marks Video as a progressive stream already carrying audio.
	Muxed bool
}

// Select applies the stream-selection policy:
//
//  1. Audio-only requests pick the highest-bitrate audio stream, preferring
//     the target container.
//  2. Otherwise adaptive (video-only) streams in the requested container are
//     preferred, paired with the best audio stream, to reach resolutions
//     progressive streams don't offer.
//  3. A requested tier with no exact match falls back to the best stream
//     below it; it never fails just because the exact tier is missing.
//  4. Without an adaptive video+audio combination the best progressive
//     stream in the requested container is used.
func Select(streams []extractor.Stream, settings job.Settings) (Selection, error) {
	if settings.AudioOnly || settings.Format == job.FormatMP3 {
		return selectAudio(streams, settings)
	}
	return selectVideo(streams, settings)
}

func selectAudio(streams []extractor.Stream, settings job.Settings) (Selection, error) {
	audio := audioStreams(streams, settings.Format)
	if len(audio) == 0 {
		// Any audio track will do; the worker transcodes to the target.
		audio = audioStreams(streams, "")
	}
	if len(audio) > 0 {
		return Selection{Audio: &audio[0]}, nil
	}

	// No separate audio track published; take the best progressive stream
	// and strip the audio out of it later.
	muxed := muxedStreams(streams, "")
	if len(muxed) > 0 {
		return Selection{Video: &muxed[0], Muxed: true}, nil
	}
	return Selection{}, ErrNoMatchingFormat
}

func selectVideo(streams []extractor.Stream, settings job.Settings) (Selection, error) {
	video := videoStreams(streams, settings)
	audio := audioStreams(streams, settings.Format)
	if len(audio) == 0 {
		audio = audioStreams(streams, "")
	}

	if len(video) > 0 && len(audio) > 0 {
		chosen := pickByQuality(video, settings)
		return Selection{Video: chosen, Audio: &audio[0]}, nil
	}

	// No adaptive pair: fall back to the highest-resolution progressive
	// stream in the requested container.
	muxed := muxedStreams(streams, settings.Format)
	if len(muxed) > 0 {
		return Selection{Video: &muxed[0], Muxed: true}, nil
	}
	return Selection{}, ErrNoMatchingFormat
}

// videoStreams returns the adaptive video candidates for the requested
// container, best first. A codec preference narrows the field only when at
// least one candidate matches it.
func videoStreams(streams []extractor.Stream, settings job.Settings) []extractor.Stream {
	var out []extractor.Stream
	for _, s := range streams {
		if s.HasVideo && !s.HasAudio && containerMatches(s.Container, settings.Format) {
			out = append(out, s)
		}
	}
	if settings.VideoCodec != "" {
		var preferred []extractor.Stream
		for _, s := range out {
			if hasCodecPrefix(s.VideoCodec, settings.VideoCodec) {
				preferred = append(preferred, s)
			}
		}
		if len(preferred) > 0 {
			out = preferred
		}
	}
	sortStreams(out)
	return out
}

// audioStreams returns audio-only candidates, highest bitrate first.
// An empty format accepts any container.
func audioStreams(streams []extractor.Stream, format string) []extractor.Stream {
	var out []extractor.Stream
	for _, s := range streams {
		if !s.HasVideo && s.HasAudio {
			if format == "" || containerMatches(s.Container, format) {
				out = append(out, s)
			}
		}
	}
	sortStreams(out)
	return out
}

// muxedStreams returns progressive candidates, highest resolution first.
func muxedStreams(streams []extractor.Stream, format string) []extractor.Stream {
	var out []extractor.Stream
	for _, s := range streams {
		if s.HasVideo && s.HasAudio {
			if format == "" || containerMatches(s.Container, format) {
				out = append(out, s)
			}
		}
	}
	sortStreams(out)
	return out
}

// pickByQuality resolves the quality tier against candidates sorted best
// first: exact height if present, else the best height below the requested
// tier, else the closest height above it. Candidates must be non-empty.
func pickByQuality(candidates []extractor.Stream, settings job.Settings) *extractor.Stream {
	height, tiered := settings.QualityHeight()
	if !tiered {
		return &candidates[0]
	}

	for i := range candidates {
		if candidates[i].Height == height {
			return &candidates[i]
		}
	}
	for i := range candidates {
		if candidates[i].Height < height {
			return &candidates[i]
		}
	}
	// Everything available is above the requested tier; the last entry is
	// the smallest of them.
	return &candidates[len(candidates)-1]
}

// containerMatches reports whether a stream container satisfies the target
// format. The mp4 family includes m4a audio; mp3 targets accept any audio
// container since the muxer transcodes.
func containerMatches(container, format string) bool {
	switch format {
	case job.FormatMP4:
		return container == "mp4" || container == "m4a"
	case job.FormatWebM:
		return container == "webm"
	case job.FormatMP3:
		return true
	}
	return false
}

func hasCodecPrefix(codec, prefix string) bool {
	if len(codec) < len(prefix) {
		return false
	}
	return codec[:len(prefix)] == prefix
}

// sortStreams orders candidates best first: resolution, then fps, then
// bitrate, with the stream id as a stable tie break.
func sortStreams(streams []extractor.Stream) {
	sort.SliceStable(streams, func(i, j int) bool {
		a, b := streams[i], streams[j]
		if a.Height != b.Height {
			return a.Height > b.Height
		}
		if a.Width != b.Width {
			return a.Width > b.Width
		}
		if a.FPS != b.FPS {
			return a.FPS > b.FPS
		}
		if a.Bitrate != b.Bitrate {
			return a.Bitrate > b.Bitrate
		}
		return a.ID < b.ID
	})
}
