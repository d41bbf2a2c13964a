package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// State represents the lifecycle state of a download job.
// For valid values see constants below.
type State string

// The available states of a Job. A job moves strictly
// FetchingInfo -> Downloading -> Processing -> Completed, with Error
// reachable from any non-terminal state. Completed and Error are terminal.
const (
	StateFetchingInfo State = "fetching_info"
	StateDownloading  State = "downloading"
	StateProcessing   State = "processing"
	StateCompleted    State = "completed"
	StateError        State = "error"
)

// Supported target containers.
const (
	FormatMP4  = "mp4"
	FormatWebM = "webm"
	FormatMP3  = "mp3"
)

// QualityHighest selects the maximum available resolution.
const QualityHighest = "highest"

// qualityHeights maps the accepted quality tiers to pixel heights.
var qualityHeights = map[string]int{
	"2160p": 2160,
	"1440p": 1440,
	"1080p": 1080,
	"720p":  720,
	"480p":  480,
	"360p":  360,
}

// Settings is the immutable snapshot of the requested download options.
type Settings struct {
	// Target container: mp4, webm or mp3.
	Format string `json:"format"`

	// Quality tier ("highest" or one of 2160p...360p). Missing exact
	// tiers fall back to the best stream below the requested height.
	Quality string `json:"quality"`

	// Preferred video codec prefix (eg. "avc1", "vp9"). Advisory only:
	// ignored when no candidate stream matches.
	VideoCodec string `json:"video_codec,omitempty"`

	// AudioOnly skips video streams entirely.
	AudioOnly bool `json:"audio_only,omitempty"`

	// CallbackURL, when set, receives a JSON callback once the job
	// reaches a terminal state.
	CallbackURL string `json:"callback_url,omitempty"`
}

// QualityHeight returns the pixel height of the requested tier. The second
// return value is false for "highest", where no height cap applies.
func (s Settings) QualityHeight() (int, bool) {
	h, ok := qualityHeights[s.Quality]
	return h, ok
}

// Request is a user submission for downloading a media URL.
type Request struct {
	URL      string
	Settings Settings
}

// UnmarshalJSON populates and validates a Request from the submitted JSON
// document. Absent settings get their documented defaults (mp4, highest).
func (r *Request) UnmarshalJSON(b []byte) error {
	var tmp map[string]interface{}

	err := json.Unmarshal(b, &tmp)
	if err != nil {
		return err
	}

	dlURL, ok := tmp["url"].(string)
	if !ok || dlURL == "" {
		return errors.New("url must be a non-empty string")
	}
	_, err = url.ParseRequestURI(dlURL)
	if err != nil {
		return errors.New("Could not parse URL: " + err.Error())
	}
	r.URL = dlURL

	r.Settings.Format = FormatMP4
	if f, ok := tmp["format"]; ok {
		format, ok := f.(string)
		if !ok {
			return errors.New("format must be a string")
		}
		format = strings.ToLower(format)
		switch format {
		case FormatMP4, FormatWebM, FormatMP3:
			r.Settings.Format = format
		default:
			return fmt.Errorf("unsupported format %q", format)
		}
	}

	r.Settings.Quality = QualityHighest
	if q, ok := tmp["quality"]; ok {
		quality, ok := q.(string)
		if !ok {
			return errors.New("quality must be a string")
		}
		quality = strings.ToLower(quality)
		if _, known := qualityHeights[quality]; !known && quality != QualityHighest {
			return fmt.Errorf("unsupported quality %q", quality)
		}
		r.Settings.Quality = quality
	}

	if vc, ok := tmp["video_codec"]; ok {
		codec, ok := vc.(string)
		if !ok {
			return errors.New("video_codec must be a string")
		}
		r.Settings.VideoCodec = strings.ToLower(codec)
	}

	if ao, ok := tmp["audio_only"]; ok {
		audioOnly, ok := ao.(bool)
		if !ok {
			return errors.New("audio_only must be a boolean")
		}
		r.Settings.AudioOnly = audioOnly
	}

	if cb, ok := tmp["callback_url"]; ok {
		cbURL, ok := cb.(string)
		if !ok {
			return errors.New("callback_url must be a string")
		}
		if cbURL != "" {
			_, err = url.ParseRequestURI(cbURL)
			if err != nil {
				return errors.New("Could not parse callback URL: " + err.Error())
			}
			r.Settings.CallbackURL = cbURL
		}
	}

	return nil
}

// Metadata holds the source metadata resolved during the info fetch.
// It is written once, on the transition to Downloading, and never changes.
type Metadata struct {
	Title          string `json:"title"`
	Duration       int    `json:"duration"`
	DurationString string `json:"duration_string"`
	Thumbnail      string `json:"thumbnail,omitempty"`
	Uploader       string `json:"uploader,omitempty"`
	ViewCount      int64  `json:"view_count,omitempty"`
}

// Job represents a user request for downloading a media resource.
//
// It is the core entity of the service and holds all info and state of
// the download. Jobs live in the registry; the download worker is the only
// writer while the job is active, the reaper the only writer afterwards.
type Job struct {
	// Auto-generated, immutable.
	ID string

	// The URL pointing to the media to be downloaded.
	URL string

	// Immutable snapshot of the request options.
	Settings Settings

	State State

	// Progress percent, 0-100. Monotonically non-decreasing while
	// Downloading and capped at 99 until the job completes.
	Progress int

	Metadata Metadata

	// Transfer counters, written only by the progress tracker.
	DownloadedBytes int64
	TotalBytes      int64
	Speed           int64 // bytes/sec
	ETA             int64 // seconds

	// OutputPath is set if and only if State == Completed.
	OutputPath string

	// OutputFormat is the resolved container of the final artifact. It may
	// differ from Settings.Format when a progressive fallback was used.
	OutputFormat string

	// Error is set if and only if State == Error.
	Error string

	// Removed is true once the reaper has deleted the artifact.
	Removed bool

	CreatedAt time.Time
	StartedAt time.Time
}

// New returns a Job in the initial FetchingInfo state.
func New(id string, req Request) *Job {
	now := time.Now()
	return &Job{
		ID:        id,
		URL:       req.URL,
		Settings:  req.Settings,
		State:     StateFetchingInfo,
		CreatedAt: now,
		StartedAt: now,
	}
}

// Snapshot is the poll representation of a Job.
type Snapshot struct {
	ID              string    `json:"id"`
	URL             string    `json:"url"`
	State           State     `json:"status"`
	Progress        int       `json:"progress"`
	Metadata        *Metadata `json:"metadata,omitempty"`
	DownloadedBytes int64     `json:"downloaded_bytes,omitempty"`
	TotalBytes      int64     `json:"total_bytes,omitempty"`
	Speed           int64     `json:"speed,omitempty"`
	ETA             int64     `json:"eta,omitempty"`
	OutputFormat    string    `json:"output_format,omitempty"`
	Error           string    `json:"error,omitempty"`
	Removed         bool      `json:"removed"`
	DownloadURL     string    `json:"download_url,omitempty"`
}

// Snapshot returns the externally visible view of j. The download URL is
// derived only for completed jobs whose artifact has not been removed.
func (j *Job) Snapshot() Snapshot {
	s := Snapshot{
		ID:              j.ID,
		URL:             j.URL,
		State:           j.State,
		Progress:        j.Progress,
		DownloadedBytes: j.DownloadedBytes,
		TotalBytes:      j.TotalBytes,
		Speed:           j.Speed,
		ETA:             j.ETA,
		OutputFormat:    j.OutputFormat,
		Error:           j.Error,
		Removed:         j.Removed,
	}
	if j.Metadata.Title != "" || j.Metadata.Duration > 0 {
		m := j.Metadata
		s.Metadata = &m
	}
	if j.State == StateCompleted && !j.Removed {
		s.DownloadURL = "/file/" + j.ID
	}
	return s
}

// DisplayName returns the filename presented to clients fetching the
// artifact: the title stripped down to alphanumerics, spaces, hyphens and
// underscores, plus the resolved extension. Falls back to the job id when
// nothing survives sanitization.
func (j *Job) DisplayName() string {
	var b strings.Builder
	for _, r := range j.Metadata.Title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	name := strings.TrimSpace(b.String())
	if name == "" {
		name = j.ID
	}
	ext := j.OutputFormat
	if ext == "" {
		ext = j.Settings.Format
	}
	return name + "." + ext
}

// DurationString formats a duration in seconds as [H:]MM:SS.
func DurationString(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func (j Job) String() string {
	return fmt.Sprintf("Job{ID:%s, URL:%s, State:%s, Format:%s, Quality:%s, AudioOnly:%t}",
		j.ID, j.URL, j.State, j.Settings.Format, j.Settings.Quality, j.Settings.AudioOnly)
}
