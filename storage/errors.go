package storage

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrClosed          = errors.New("store is closed")
	ErrNotOpen         = errors.New("store is not open")
	ErrGermTooLarge    = errors.New("germ does not fit in its block")
	ErrNoGerm          = errors.New("zone has no germ")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrTreeType        = errors.New("tree has a different type")
)

// ErrorKind separates failures worth retrying from failures that mean the
// data or the in-memory state can't be trusted.
type ErrorKind int

const (
	// KindTransient is an I/O failure that may succeed on retry.
	KindTransient ErrorKind = iota + 1

	// KindCorrupt is data that can't be parsed.
	KindCorrupt

	// KindConsistency is a size or offset mismatch found while writing a
	// commit. The commit is always unwound.
	KindConsistency
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindCorrupt:
		return "corrupt"
	case KindConsistency:
		return "consistency"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// StoreError wraps a failure in the page or file layer together with a
// description of the page it happened on.
type StoreError struct {
	Kind ErrorKind
	Page string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Page == "" {
		return fmt.Sprintf("%s store error: %s", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s store error at %s: %s", e.Kind, e.Page, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func newStoreError(kind ErrorKind, page string, err error) error {
	// Keep the innermost page description
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Kind: kind, Page: page, Err: err}
}

func transientError(page string, err error) error {
	return newStoreError(KindTransient, page, err)
}

func corruptError(page string, err error) error {
	return newStoreError(KindCorrupt, page, err)
}

func consistencyError(page string, format string, args ...any) error {
	return &StoreError{Kind: KindConsistency, Page: page, Err: errors.Errorf(format, args...)}
}

// IsStoreError reports whether err is, or wraps, a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// ErrorKindOf returns the kind of the StoreError in err's chain, or zero.
func ErrorKindOf(err error) ErrorKind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// IsTransient reports whether err is a retryable StoreError.
func IsTransient(err error) bool {
	return ErrorKindOf(err) == KindTransient
}

func IsCorrupt(err error) bool {
	return ErrorKindOf(err) == KindCorrupt
}
