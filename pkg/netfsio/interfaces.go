package netfsio

import (
	"context"
	"iter"
)

// Terminator is the completion callback a dispatched Subrequest must
// invoke exactly once. transferred is the number of bytes moved (valid
// only when err is nil); err, when non-nil, is the subrequest's outcome
// error. This replaces the signed-count-or-negative-error convention of
// systems with no native error type with Go's (value, error) idiom —
// the same completion contract, expressed natively.
type Terminator func(sreq *Subrequest, transferred int, err error)

// Ops is the network filesystem driver's mandatory capability set.
type Ops interface {
	// InitRequest populates driver-private state on a freshly constructed
	// Request. Called once, synchronously, before any subrequest is
	// dispatched.
	InitRequest(req *Request, file FileID) error

	// IsCacheEnabled reports whether the local disk cache should be
	// consulted for this file.
	IsCacheEnabled(file FileID) bool

	// IssueOp dispatches a DOWNLOAD_FROM_SERVER subrequest. The
	// implementation eats sreq's transferred ref and must eventually call
	// terminator exactly once, from any context (including one with no
	// blocking or allocation budget).
	IssueOp(ctx context.Context, sreq *Subrequest, terminator Terminator)
}

// CacheOperationBeginner is an optional Ops extension: when implemented,
// BeginCacheOperation may attach CacheResources to the request. Only
// errors satisfying errors.Is against ErrSetupFatal abort the entry point;
// any other error is treated as "no cache for this request".
type CacheOperationBeginner interface {
	BeginCacheOperation(req *Request) (CacheResources, error)
}

// ReadaheadExpander is an optional Ops/CacheResources extension: it may
// enlarge start/len, never shrink below the input range.
type ReadaheadExpander interface {
	ExpandReadahead(file FileID, start, length uint64, iSize uint64) (newStart, newLength uint64)
}

// LengthClamper is an optional Ops extension letting the driver shorten a
// server-routed subrequest's length after the generic EOF clamp.
type LengthClamper interface {
	ClampLength(sreq *Subrequest) bool
}

// Validator is an optional Ops extension: returning false invalidates
// every cache-sourced subrequest still pending on the request.
type Validator interface {
	IsStillValid(req *Request) bool
}

// WriteBeginChecker is an optional Ops extension consulted by WriteBegin
// before preload; returning ErrAgain requests the caller re-acquire the
// page and retry.
type WriteBeginChecker interface {
	CheckWriteBegin(file FileID, pos int64, length int, page Page) error
}

// RequestFinalizer is an optional Ops extension invoked once finalization
// completes.
type RequestFinalizer interface {
	Done(req *Request)
}

// PrivCleaner is an optional Ops extension invoked during Request
// teardown when driver-private state was attached.
type PrivCleaner interface {
	Cleanup(file FileID, priv any)
}

// CacheResources is the local disk cache's capability set, attached to at
// most one Request for its lifetime.
type CacheResources interface {
	// PrepareRead classifies the next slice: it may shorten sreq.Len to a
	// cache granule boundary and returns the source to dispatch to.
	// Returning SourceInvalid aborts the slice.
	PrepareRead(sreq *Subrequest, iSize uint64) Source

	// Read dispatches a READ_FROM_CACHE subrequest. Eats sreq's ref; must
	// call terminator exactly once.
	Read(ctx context.Context, sreq *Subrequest, seekData bool, terminator Terminator)

	// Write dispatches a cache-writeback subrequest covering sreq's
	// (page-aligned, possibly coalesced) range. Eats sreq's ref; must
	// call terminator exactly once.
	Write(ctx context.Context, sreq *Subrequest, terminator Terminator)

	// EndOperation releases any resources acquired for this request's
	// lifetime. Called exactly once, from Request teardown.
	EndOperation()
}

// Page is one pagecache entry: a fixed-size, possibly multi-base-page
// ("huge page") logical unit covering PageSize-aligned bytes of a file.
type Page interface {
	// Index is the page's position within the file, in PageSize units.
	Index() int

	// WriteAt copies data into the page at the given byte offset.
	WriteAt(offset int, data []byte)

	// ZeroRange clears [offset, offset+length) within the page.
	ZeroRange(offset, length int)

	// SetUptodate marks whether the page's contents are valid.
	SetUptodate(uptodate bool)

	// SetNeedsWriteback marks the page as pending cache writeback and,
	// when true, takes an extra reference released by the writeback
	// finisher.
	SetNeedsWriteback(needed bool)

	// Unlock releases the page lock taken when it was obtained from the
	// PageCache. A no-op if the page isn't locked.
	Unlock()
}

// PageCache is the VM page cache collaborator: the data structure that
// owns pages for a file, outside this package's scope but required for a
// runnable coordinator.
type PageCache interface {
	// PagesIn iterates the pages covering [start, end) for file, in
	// ascending index order. Iteration is lock-free/snapshot-consistent
	// with concurrent lookups by other actors.
	PagesIn(file FileID, start, end uint64) iter.Seq[Page]

	// GetLockedPage returns the page at index, locked, allocating and
	// locking it if necessary (the write-begin case).
	GetLockedPage(file FileID, index int) (Page, error)
}
