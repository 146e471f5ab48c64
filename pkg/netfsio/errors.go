package netfsio

import (
	"errors"
	"fmt"
)

// Sentinel errors. Kinds follow the error taxonomy: transient-cache
// failures are recovered locally (re-routed to the server) and never
// reach these sentinels; only the unrecoverable outcomes are named here.
var (
	// ErrNoData is the "no-progress" outcome: a server-sourced subrequest
	// reported zero bytes transferred twice in a row.
	ErrNoData = errors.New("no progress from source")

	// ErrShortRequest is surfaced when a request finishes with no
	// recorded error but submitted < len (the EIO fallback).
	ErrShortRequest = errors.New("request incomplete")

	// ErrInvalidSlice means classification produced a zero-length or
	// otherwise invalid subrequest; submission stops.
	ErrInvalidSlice = errors.New("subrequest classification invalid")

	// ErrSetupFatal is returned when CacheResources setup fails with a
	// fatal error before any I/O is issued.
	ErrSetupFatal = errors.New("cache setup failed fatally")

	// ErrStale is recorded on a cache-sourced subrequest when the
	// driver's IsStillValid check fails; the subrequest is re-routed to
	// the server.
	ErrStale = errors.New("cache entry no longer valid")

	// ErrAllocFailed means the slicer could not allocate a subrequest.
	ErrAllocFailed = errors.New("subrequest allocation failed")

	// ErrCanceled is returned when a parked entry point observes context
	// cancellation before nr_rd_ops reaches 1.
	ErrCanceled = errors.New("request canceled while waiting")

	// ErrAgain is returned by a WriteBeginChecker to request that
	// WriteBegin re-acquire the target page and retry the check.
	ErrAgain = errors.New("write-begin check requests retry")
)

// SubrequestError wraps a sentinel error with the operational context of
// the subrequest that produced it, so logs and errors.Is/As both work.
type SubrequestError struct {
	Op     string
	File   FileID
	Source Source
	Offset uint64
	Length uint64
	Err    error
}

// NewSubrequestError constructs a SubrequestError wrapping err with the
// given subrequest's context.
func NewSubrequestError(op string, file FileID, source Source, offset, length uint64, err error) *SubrequestError {
	return &SubrequestError{
		Op:     op,
		File:   file,
		Source: source,
		Offset: offset,
		Length: length,
		Err:    err,
	}
}

func (e *SubrequestError) Error() string {
	return fmt.Sprintf("netfsio %s: %s (file=%s, source=%s, offset=%d, length=%d)",
		e.Op, e.Err, e.File, e.Source, e.Offset, e.Length)
}

func (e *SubrequestError) Unwrap() error {
	return e.Err
}
