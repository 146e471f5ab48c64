package netfsio

import (
	"context"
	"sync/atomic"
)

// Subrequest is one slice of a Request targeted at exactly one Source.
//
// Refcount contract: newSubrequest allocates at usage 2 — one ref for
// the Request's subrequest list, one transferred to whichever dispatch
// path (cache read, server download, zero-fill) the slicer routes it to.
// The dispatch target eats that second ref: on success it is released
// when the terminator fires, on immediate failure to dispatch it is
// released right away. Put releasing the last ref also releases the
// parent Request's ref, per C1's "freeing also releases the parent's
// refcount" rule.
type Subrequest struct {
	req *Request

	Start       uint64
	Len         uint64
	Transferred uint64
	Source      Source
	Err         error
	Index       int

	// Buf backs the byte range [Start, Start+Len) once allocated by the
	// slicer; sources write their transferred bytes into it.
	Buf []byte

	flags atomicBits
	usage atomic.Int32
}

func newSubrequest(req *Request, start, length uint64, index int) *Subrequest {
	req.Get() // the subrequest holds exactly one reference on its parent
	sreq := &Subrequest{
		req:   req,
		Start: start,
		Len:   length,
		Index: index,
	}
	sreq.usage.Store(2)
	req.stat(Stats.IncSreqAlloc)
	return sreq
}

// Get takes an additional reference.
func (s *Subrequest) Get() *Subrequest {
	s.usage.Add(1)
	return s
}

// Put releases a reference from an unrestricted context. When the last
// reference drops, the parent Request's reference is released too.
func (s *Subrequest) Put() {
	s.put(false)
}

// putRestricted releases a reference from a context that may not block
// or allocate (a subrequest terminator called from the driver's I/O
// completion path).
func (s *Subrequest) putRestricted() {
	s.put(true)
}

func (s *Subrequest) put(restricted bool) {
	if s.usage.Add(-1) == 0 {
		s.req.stat(Stats.IncSreqFree)
		s.req.put(restricted)
	}
}

func (s *Subrequest) HasFlag(f SubrequestFlags) bool { return s.flags.has(uint32(f)) }
func (s *Subrequest) SetFlag(f SubrequestFlags)      { s.flags.set(uint32(f)) }
func (s *Subrequest) ClearFlag(f SubrequestFlags)    { s.flags.clear(uint32(f)) }

// Remaining returns the number of bytes not yet transferred.
func (s *Subrequest) Remaining() uint64 {
	if s.Transferred >= s.Len {
		return 0
	}
	return s.Len - s.Transferred
}

// File identifies which file this subrequest belongs to, for drivers
// (Ops.IssueOp, CacheResources.Read/Write) that only see the Subrequest.
func (s *Subrequest) File() FileID { return s.req.File }

// ISize returns the parent request's file size snapshot.
func (s *Subrequest) ISize() uint64 { return s.req.ISize }

// Context returns the parent request's context, for drivers that need
// to honor cancellation on their own I/O.
func (s *Subrequest) Context() context.Context { return s.req.ctx }
