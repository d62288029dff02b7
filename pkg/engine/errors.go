package engine

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the engine. Adapters translate these into their
// protocol's status codes and error bodies; they must never be swallowed.
var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrInvalidName          = errors.New("invalid name")
	ErrBucketNotEmpty       = errors.New("bucket not empty")
	ErrRangeNotSatisfiable  = errors.New("range not satisfiable")
	ErrConflict             = errors.New("conflict")
	ErrIOFailure            = errors.New("storage i/o failure")
)

// ioFail tags a blob-store failure with ErrIOFailure while keeping the
// underlying error in the chain.
func ioFail(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrIOFailure, err)
}

// Bucket/object variants wrap the generic kinds so that adapters can pick the
// right protocol error code (NoSuchBucket vs NoSuchKey, etc.) while callers
// that only care about the kind keep matching with errors.Is(err, ErrNotFound).
var (
	ErrBucketNotFound = wrap("bucket", ErrNotFound)
	ErrObjectNotFound = wrap("object", ErrNotFound)
	ErrBucketExists   = wrap("bucket", ErrAlreadyExists)
)

type wrapped struct {
	prefix string
	kind   error
}

func wrap(prefix string, kind error) error { return &wrapped{prefix: prefix, kind: kind} }

func (w *wrapped) Error() string { return w.prefix + " " + w.kind.Error() }
func (w *wrapped) Unwrap() error { return w.kind }
