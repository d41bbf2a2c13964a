package filestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileSystem stores completed downloads under a single directory.
type FileSystem struct {
	RootDir string
}

// NewFileSystem creates the root directory if needed.
func NewFileSystem(rootdir string) (*FileSystem, error) {
	if err := os.MkdirAll(rootdir, os.FileMode(0755)); err != nil {
		return nil, fmt.Errorf("creating store directory: %s", err)
	}
	abs, err := filepath.Abs(rootdir)
	if err != nil {
		return nil, err
	}
	return &FileSystem{RootDir: abs}, nil
}

// Promote implements Store. Rename is tried first; when the scratch
// directory lives on another filesystem it falls back to copy and remove.
func (fs *FileSystem) Promote(srcpath string, name string) error {
	dest := fs.Path(name)

	err := os.Rename(srcpath, dest)
	if err == nil {
		return nil
	}

	fsrc, err := os.Open(srcpath)
	if err != nil {
		return err
	}
	defer fsrc.Close()

	fdest, err := os.Create(dest)
	if err != nil {
		return err
	}

	if _, err = io.Copy(fdest, fsrc); err != nil {
		fdest.Close()
		os.Remove(dest)
		return err
	}
	if err = fdest.Close(); err != nil {
		return err
	}
	return os.Remove(srcpath)
}

// Delete implements Store.
func (fs *FileSystem) Delete(name string) error {
	err := os.Remove(fs.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exists implements Store.
func (fs *FileSystem) Exists(name string) bool {
	_, err := os.Stat(fs.Path(name))
	return err == nil
}

// Path implements Store. Name is reduced to its base so a crafted id
// cannot escape the root directory.
func (fs *FileSystem) Path(name string) string {
	return filepath.Join(fs.RootDir, filepath.Base(name))
}

// Size implements Store.
func (fs *FileSystem) Size(name string) (int64, error) {
	fi, err := os.Stat(fs.Path(name))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
