// Package backend abstracts the blob store holding fragment bytes. A blob is
// addressed by (collection, id); the catalog owns all other metadata.
package backend

import (
	"context"
	"io"
	"regexp"

	"github.com/pkg/errors"

	"github.com/fraglake/fraglake/pkg/errs"
)

// ErrDoesNotExist is returned by Read when the blob is absent.
var ErrDoesNotExist = errors.New("blob does not exist")

// BlobWriter is a scoped writer. Bytes become visible only after a
// successful Close; Abort discards everything written so far. Implementations
// release any per-key lock on both exits.
type BlobWriter interface {
	io.Writer
	Close() error
	Abort() error
}

// Writer writes and deletes blobs.
type Writer interface {
	// CreateCollection creates the namespace, idempotently.
	CreateCollection(ctx context.Context, collection string) error
	// Write opens a scoped writer for (collection, id).
	Write(ctx context.Context, collection string, id string) (BlobWriter, error)
	// Delete removes the given blobs, best effort: missing blobs are not fatal.
	Delete(ctx context.Context, collection string, ids []string) error
	// DeleteCollection removes every blob in the namespace.
	DeleteCollection(ctx context.Context, collection string) error
}

// Reader reads blobs.
type Reader interface {
	// Read opens the blob for reading. Fails with ErrDoesNotExist if absent.
	Read(ctx context.Context, collection string, id string) (io.ReadCloser, error)
	// Size returns the blob size in bytes, 0 if absent.
	Size(ctx context.Context, collection string, id string) (int64, error)
	// Path returns a locator the SQL engine can open directly.
	Path(collection string, id string) string
	// Shutdown releases backend resources.
	Shutdown()
}

var keyRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateKeys rejects any key part containing characters outside
// [A-Za-z0-9_-].
func ValidateKeys(parts ...string) error {
	for _, part := range parts {
		if !keyRegexp.MatchString(part) {
			return errs.Invariant("invalid blob key %q: must match [A-Za-z0-9_-]+", part)
		}
	}
	return nil
}
