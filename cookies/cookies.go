// Package cookies manages the Netscape cookie file handed to yt-dlp for
// age-restricted or member-only media.
package cookies

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Jar is a single cookie file on disk. Uploads replace it atomically so a
// concurrent extraction never reads a half-written file.
type Jar struct {
	path string

	mu sync.Mutex
}

// Status describes the jar for the API.
type Status struct {
	Exists   bool      `json:"exists"`
	Size     int64     `json:"size,omitempty"`
	Modified time.Time `json:"modified,omitempty"`
}

// NewJar creates the jar's parent directory if needed.
func NewJar(path string) (*Jar, error) {
	if path == "" {
		return nil, fmt.Errorf("cookie file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), os.FileMode(0755)); err != nil {
		return nil, fmt.Errorf("creating cookie directory: %s", err)
	}
	return &Jar{path: path}, nil
}

// Save replaces the jar with the contents of r. The new file is written
// next to the jar and renamed into place.
func (j *Jar) Save(r io.Reader) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(j.path), ".cookies-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), j.path)
}

// Delete removes the jar. Deleting a missing jar is not an error.
func (j *Jar) Delete() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	err := os.Remove(j.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Status reports whether the jar exists and its size and mtime.
func (j *Jar) Status() Status {
	fi, err := os.Stat(j.path)
	if err != nil {
		return Status{}
	}
	return Status{Exists: true, Size: fi.Size(), Modified: fi.ModTime()}
}

// Path returns the jar location and whether a cookie file is present. It
// satisfies the extractor's cookie source.
func (j *Jar) Path() (string, bool) {
	if _, err := os.Stat(j.path); err != nil {
		return "", false
	}
	return j.path, true
}
