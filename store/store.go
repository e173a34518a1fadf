// Package store defines the local object-store capability consumed by the
// obsync server and client, and ships an in-memory reference implementation.
// Objects are created with a declared size, written, then sealed; only
// sealed objects are visible to readers and once sealed they are immutable.
package store

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/obstack/obsync/oid"
)

var (
	ErrAlreadyExists = errors.New("object already exists in store")
	ErrNotFound      = errors.New("object not found in store")
	ErrSealed        = errors.New("object is already sealed")
	ErrNotSealed     = errors.New("object is not sealed")
)

// Object is a sealed object read out of a store. Data streams the body and
// must be fully consumed or closed by the caller.
type Object struct {
	ID   oid.ID
	Meta []byte
	Size int64
	Data io.ReadCloser
}

// WriteHandle is an unsealed object being written into a store. Writes must
// total exactly the size declared at creation before Seal.
type WriteHandle interface {
	io.Writer

	// Seal makes the object immutable and visible to readers.
	Seal() error

	// Abort discards the unsealed object.
	Abort() error
}

// Store is the local object-store capability. Implementations must be safe
// for concurrent use; the server shares one handle across all connections.
type Store interface {
	// Create allocates an unsealed object. Fails with ErrAlreadyExists if
	// the id is present, sealed or not.
	Create(ctx context.Context, id oid.ID, size int64, meta []byte) (WriteHandle, error)

	// Get returns the sealed object for id, waiting up to timeout for it to
	// appear and seal. Expiry reports ErrNotFound.
	Get(ctx context.Context, id oid.ID, timeout time.Duration) (*Object, error)

	// Delete removes the object if possible. Deletion is best effort:
	// deleting an absent object is not an error.
	Delete(ctx context.Context, id oid.ID) error

	// Contains reports whether a sealed object with id is present.
	Contains(ctx context.Context, id oid.ID) (bool, error)
}
