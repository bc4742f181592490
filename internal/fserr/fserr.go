// Package fserr defines the error taxonomy shared by the metadata store,
// the block store, and the filesystem manager. Callers dispatch on Kind
// rather than matching error strings.
package fserr

import (
	"errors"
	"fmt"
)

// Kind classifies a storage-engine error.
type Kind int

const (
	// KindInternal is an unexpected failure (transaction error, I/O fault).
	KindInternal Kind = iota

	// KindNotFound means a path, account, session, or block is missing.
	KindNotFound

	// KindAlreadyExists means a sibling with the same name exists.
	KindAlreadyExists

	// KindNotEmpty means a non-recursive delete hit a populated directory.
	KindNotEmpty

	// KindInvalidName means an empty name or one with disallowed characters.
	KindInvalidName

	// KindInvalidOperation means a structurally invalid request, such as
	// moving a directory under its own descendant.
	KindInvalidOperation

	// KindStorageUnavailable means the block store is not ready and the
	// operation required content storage.
	KindStorageUnavailable
)

// String returns the wire name of a kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindNotEmpty:
		return "not_empty"
	case KindInvalidName:
		return "invalid_name"
	case KindInvalidOperation:
		return "invalid_operation"
	case KindStorageUnavailable:
		return "storage_unavailable"
	default:
		return "internal"
	}
}

// Error is a classified storage-engine error.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "fs.mkdir"
	Path string // subject path, if any
	Err  error  // wrapped cause, if any
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op, path string) *Error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf extracts the Kind from err, or KindInternal if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
