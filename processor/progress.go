package processor

import (
	"io"
	"time"

	"github.com/Kvazar-213452/FastYt/job"
	"github.com/Kvazar-213452/FastYt/registry"
)

// flushInterval bounds how often the tracker writes to the registry. Byte
// counts arrive once per read during a transfer; pushing every one of them
// through the registry lock would starve pollers.
const flushInterval = 200 * time.Millisecond

// tracker accumulates transferred bytes for one job and publishes progress
// snapshots to the registry. It is owned by a single worker goroutine.
type tracker struct {
	reg   *registry.Registry
	id    string
	start time.Time

	// total is the expected byte count across all selected streams.
	// Zero means the size is unknown and the percentage stays at zero.
	total int64

	downloaded int64
	lastFlush  time.Time
	now        func() time.Time
}

func newTracker(reg *registry.Registry, id string, total int64) *tracker {
	t := &tracker{reg: reg, id: id, total: total, now: time.Now}
	t.start = t.now()
	return t
}

// count records n more transferred bytes, flushing to the registry at most
// once per flushInterval.
func (t *tracker) count(n int) {
	t.downloaded += int64(n)
	if t.now().Sub(t.lastFlush) < flushInterval {
		return
	}
	t.flush()
}

// flush publishes the current byte count, percentage, speed and eta. A job
// that vanished from the registry mid-transfer is ignored.
func (t *tracker) flush() {
	t.lastFlush = t.now()
	downloaded := t.downloaded

	percent := 0
	if t.total > 0 {
		percent = int(downloaded * 100 / t.total)
		if percent > 99 {
			// 100 is reserved for a completed job.
			percent = 99
		}
		if percent < 0 {
			percent = 0
		}
	}

	var speed float64
	elapsed := t.now().Sub(t.start).Seconds()
	if elapsed > 0 {
		speed = float64(downloaded) / elapsed
	}

	var eta int64
	if speed > 0 && t.total > downloaded {
		eta = int64(float64(t.total-downloaded) / speed)
	}

	t.reg.Update(t.id, func(j *job.Job) {
		j.DownloadedBytes = downloaded
		if t.total > 0 {
			j.TotalBytes = t.total
		}
		// Progress never moves backwards, even if the size estimate
		// turns out short.
		if percent > j.Progress {
			j.Progress = percent
		}
		j.Speed = int64(speed)
		j.ETA = eta
	})
}

// finished publishes the final byte count and moves the job to the
// processing state. The percentage stays below 100 until the output file is
// in place.
func (t *tracker) finished() {
	t.flush()
	t.reg.Update(t.id, func(j *job.Job) {
		j.State = job.StateProcessing
	})
}

// countingWriter forwards writes to w and feeds the byte count to t.
type countingWriter struct {
	w io.Writer
	t *tracker
}

func (cw countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.t.count(n)
	}
	return n, err
}
