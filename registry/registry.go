// Package registry is the in-memory store for job records. It is the only
// shared mutable state in the service: the API reads snapshots out of it,
// download workers write progress into it and the reaper purges it. Every
// access goes through the registry lock; the raw map is never exposed.
package registry

import (
	"errors"
	"sync"

	"github.com/Kvazar-213452/FastYt/job"
)

// ErrNotFound is returned when the requested job id was never issued or
// has been purged by the reaper.
var ErrNotFound = errors.New("job not found")

// ErrExists is returned by Add when the job id is already registered.
// Ids are generated and never reused, so hitting this indicates a bug.
var ErrExists = errors.New("job already exists")

// Registry holds all live job records keyed by id.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{jobs: make(map[string]*job.Job)}
}

// Add registers a new job record. The registry takes ownership of j;
// callers must not retain the pointer.
func (r *Registry) Add(j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[j.ID]; ok {
		return ErrExists
	}
	r.jobs[j.ID] = j
	return nil
}

// Get returns a copy of the job with the given id, or ErrNotFound.
func (r *Registry) Get(id string) (job.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return job.Job{}, ErrNotFound
	}
	return *j, nil
}

// Update applies fn to the job with the given id while holding the
// registry lock. It is the single write path for workers, the progress
// tracker and the reaper. Updates for unknown ids return ErrNotFound and
// leave the registry untouched.
func (r *Registry) Update(id string, fn func(*job.Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	fn(j)
	return nil
}

// Remove purges the record with the given id. The id subsequently resolves
// to ErrNotFound for every operation.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(r.jobs, id)
	return nil
}

// Counts reports the number of jobs in an active (non-terminal) state,
// the number of completed jobs and the total number of records.
func (r *Registry) Counts() (active, completed, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, j := range r.jobs {
		switch j.State {
		case job.StateCompleted:
			completed++
		case job.StateError:
		default:
			active++
		}
	}
	return active, completed, len(r.jobs)
}
