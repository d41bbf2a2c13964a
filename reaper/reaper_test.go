package reaper

import (
	"log"
	"os"
	"testing"
	"time"

	"github.com/Kvazar-213452/FastYt/filestore"
	"github.com/Kvazar-213452/FastYt/job"
	"github.com/Kvazar-213452/FastYt/registry"
)

var testLog = log.New(os.Stderr, "[test-reaper] ", log.Ldate|log.Ltime)

func storedJob(t *testing.T, reg *registry.Registry, fs *filestore.FileSystem, id string) *job.Job {
	t.Helper()
	name := id + ".mp4"
	f, err := os.CreateTemp(t.TempDir(), "artifact-")
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("payload")
	f.Close()
	if err := fs.Promote(f.Name(), name); err != nil {
		t.Fatal(err)
	}

	j := job.New(id, job.Request{URL: "https://example.com/v"})
	j.State = job.StateCompleted
	j.Progress = 100
	j.OutputPath = fs.Path(name)
	if err := reg.Add(j); err != nil {
		t.Fatal(err)
	}
	return j
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestReapThenPurge(t *testing.T) {
	reg := registry.New()
	fs, err := filestore.NewFileSystem(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	r := New(reg, fs, 20*time.Millisecond, 20*time.Millisecond, testLog)
	defer r.Stop()

	storedJob(t, reg, fs, "job1")
	r.Schedule("job1")

	// First the artifact goes away and the record is marked removed.
	waitFor(t, time.Second, func() bool {
		j, err := reg.Get("job1")
		return err == nil && j.Removed
	})
	if fs.Exists("job1.mp4") {
		t.Error("Expected artifact to be deleted")
	}

	// Then the record itself is purged.
	waitFor(t, time.Second, func() bool {
		_, err := reg.Get("job1")
		return err == registry.ErrNotFound
	})
}

func TestScheduleIsIdempotent(t *testing.T) {
	reg := registry.New()
	fs, err := filestore.NewFileSystem(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	r := New(reg, fs, 20*time.Millisecond, time.Hour, testLog)
	defer r.Stop()

	storedJob(t, reg, fs, "job1")
	r.Schedule("job1")
	r.Schedule("job1")
	r.Schedule("job1")

	waitFor(t, time.Second, func() bool {
		j, err := reg.Get("job1")
		return err == nil && j.Removed
	})
}

func TestCancel(t *testing.T) {
	reg := registry.New()
	fs, err := filestore.NewFileSystem(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	r := New(reg, fs, 20*time.Millisecond, time.Hour, testLog)
	defer r.Stop()

	storedJob(t, reg, fs, "job1")
	r.Schedule("job1")
	r.Cancel("job1")

	time.Sleep(60 * time.Millisecond)
	j, err := reg.Get("job1")
	if err != nil {
		t.Fatal(err)
	}
	if j.Removed {
		t.Error("Expected canceled job to keep its artifact")
	}
	if !fs.Exists("job1.mp4") {
		t.Error("Expected artifact to still exist")
	}
}

func TestStopPreventsScheduling(t *testing.T) {
	reg := registry.New()
	fs, err := filestore.NewFileSystem(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	r := New(reg, fs, 10*time.Millisecond, time.Hour, testLog)

	storedJob(t, reg, fs, "job1")
	r.Stop()
	r.Schedule("job1")

	time.Sleep(50 * time.Millisecond)
	j, err := reg.Get("job1")
	if err != nil {
		t.Fatal(err)
	}
	if j.Removed {
		t.Error("Expected no reaping after Stop")
	}
}

func TestReapUnknownJob(t *testing.T) {
	reg := registry.New()
	fs, err := filestore.NewFileSystem(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	r := New(reg, fs, 10*time.Millisecond, 10*time.Millisecond, testLog)
	defer r.Stop()

	// Scheduling an id that never existed must not blow up.
	r.Schedule("ghost")
	time.Sleep(50 * time.Millisecond)
}
