// Package reaper retires completed downloads. Every completed job gets a
// retention timer; when it fires the artifact is deleted and the job is
// marked removed, and a second grace timer later purges the record so a
// late poller still learns the file is gone before the id disappears.
package reaper

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/Kvazar-213452/FastYt/filestore"
	"github.com/Kvazar-213452/FastYt/job"
	"github.com/Kvazar-213452/FastYt/registry"
	"github.com/Kvazar-213452/FastYt/stats"
)

const (
	// DefaultRetention is how long an artifact stays downloadable.
	DefaultRetention = 1 * time.Hour

	// DefaultGrace is how long a removed record stays pollable.
	DefaultGrace = 5 * time.Minute

	statsDeletions = "deletions" // Counter
	statsPurges    = "purges"    // Counter
	statsFailures  = "failures"  // Counter
)

// Reaper owns the deferred cleanup timers. All methods are safe for
// concurrent use.
type Reaper struct {
	Registry *registry.Registry
	Store    filestore.Store
	Log      *log.Logger

	retention time.Duration
	grace     time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool

	stats *stats.Stats
}

// New returns a Reaper. Non-positive durations fall back to the defaults.
func New(reg *registry.Registry, store filestore.Store, retention, grace time.Duration, logger *log.Logger) *Reaper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Reaper{
		Registry:  reg,
		Store:     store,
		Log:       logger,
		retention: retention,
		grace:     grace,
		timers:    make(map[string]*time.Timer),
		stats:     stats.New("Reaper", time.Minute, nil),
	}
}

// Schedule arms the retention timer for id. Re-scheduling an armed id
// replaces its timer.
func (r *Reaper) Schedule(id string) {
	r.arm(id, r.retention, func() { r.reap(id) })
}

// Cancel disarms any pending timer for id.
func (r *Reaper) Cancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
}

// Stop disarms all timers. The reaper accepts no schedules afterwards;
// records and artifacts are left as they are for the next run.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

func (r *Reaper) arm(id string, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if t, ok := r.timers[id]; ok {
		t.Stop()
	}
	r.timers[id] = time.AfterFunc(d, func() {
		r.disarm(id)
		fn()
	})
}

func (r *Reaper) disarm(id string) {
	r.mu.Lock()
	delete(r.timers, id)
	r.mu.Unlock()
}

// reap deletes the artifact and marks the job removed, then arms the purge
// timer. A job that was already purged is a no-op; a failed deletion is
// logged and retried next time the id is scheduled.
func (r *Reaper) reap(id string) {
	jb, err := r.Registry.Get(id)
	if err != nil {
		return
	}

	if jb.OutputPath != "" {
		name := filepath.Base(jb.OutputPath)
		if err := r.Store.Delete(name); err != nil {
			r.Log.Printf("Error deleting artifact %s for job %s: %s", name, id, err)
			r.stats.Add(statsFailures, 1)
		} else {
			r.Log.Printf("Deleted artifact %s for job %s", name, id)
			r.stats.Add(statsDeletions, 1)
		}
	}

	r.Registry.Update(id, func(j *job.Job) {
		j.Removed = true
	})

	r.arm(id, r.grace, func() { r.purge(id) })
}

// purge drops the job record.
func (r *Reaper) purge(id string) {
	if err := r.Registry.Remove(id); err != nil {
		return
	}
	r.stats.Add(statsPurges, 1)
	r.Log.Printf("Purged job %s", id)
}
