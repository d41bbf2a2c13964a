// Package filestore keeps the finished downloads the HTTP API serves.
// Workers assemble files in a scratch directory and promote them here once
// complete, so a file is either absent or whole, never half written.
package filestore

// Store is the destination for completed downloads.
type Store interface {
	// Promote moves srcpath into the store under name, replacing any
	// previous file of that name. The source is consumed.
	Promote(srcpath string, name string) error

	// Delete removes a stored file. Deleting a missing file is not an
	// error.
	Delete(name string) error

	// Exists reports whether a stored file is present.
	Exists(name string) bool

	// Path returns the absolute path of a stored file whether or not it
	// exists yet.
	Path(name string) string

	// Size returns the byte size of a stored file.
	Size(name string) (int64, error)
}
