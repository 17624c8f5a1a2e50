package store

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"time"
)

var (
	// ErrNotFound is returned when the named file does not exist at the origin.
	ErrNotFound = errors.New("file not found")

	// ErrInvalidName is returned for names that are empty, absolute, or
	// traverse outside the store's namespace.
	ErrInvalidName = errors.New("invalid file name")
)

// Metadata describes one stored file. Hash is the SHA-256 of the file's
// bytes and is what the pipeline hands out as the ETag.
type Metadata struct {
	Name        string
	Size        int64
	ContentType string
	ModTime     time.Time
	Hash        string
}

// Store is the origin: the authoritative, durable home of file content.
// Caches hold derived copies only and always defer to the Store.
type Store interface {
	// Exists reports whether the named file is present.
	Exists(ctx context.Context, name string) (bool, error)

	// Stat returns the metadata for the named file, or ErrNotFound.
	Stat(ctx context.Context, name string) (*Metadata, error)

	// Open returns a streaming reader over the file's bytes along with its
	// metadata. The caller owns closing the reader.
	Open(ctx context.Context, name string) (io.ReadCloser, *Metadata, error)

	// Put replaces the named file with the bytes read from r. It reports
	// whether the file was newly created and returns the resulting
	// metadata. Partial writes are never observable.
	Put(ctx context.Context, name, contentType string, r io.Reader) (*Metadata, bool, error)

	// Delete removes the named file, or returns ErrNotFound.
	Delete(ctx context.Context, name string) error

	Close() error
}

// ValidName reports whether name addresses a file inside the store's flat
// namespace. Slash-separated relative paths are allowed; anything that
// could escape the base directory is not.
func ValidName(name string) bool {
	return fs.ValidPath(name) && name != "."
}
