package netfsio

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Request is one read-request (rreq): a file-backed, page-aligned byte
// range, split into an ordered list of subrequests.
//
// Mutation discipline: Subreqs is a single-writer list, touched only
// during the submission loop and the finalizer — both phases run while
// the submitting goroutine holds an anchor on NrRdOps, so no completion
// can be racing a list edit. Everything else (flags, counters, refcount)
// is atomic so concurrent completions from the caller thread, a worker,
// or a driver's own I/O completion path can touch it safely.
type Request struct {
	ID   string
	File FileID

	ISize     uint64
	Start     uint64
	Len       uint64
	Submitted uint64
	Error     error

	listMu  sync.Mutex
	Subreqs []*Subrequest

	flags         atomicBits
	NoUnlockPage  int // page index that must stay locked; -1 means none
	NrRdOps       *opCounter
	NrWrOps       *opCounter
	usage         atomic.Int32
	nextSreqIndex atomic.Int32

	ops   Ops
	cache CacheResources
	pages PageCache
	pool  *workerPool

	ShortReadPolicy string
	MaxRetries      int
	Priv            any

	stats Stats
	ctx   context.Context
}

// stat invokes f against the Request's statistics surface, if one is
// attached; nil-safe so callers never need to guard each labeled site.
func (r *Request) stat(f func(Stats)) {
	if r.stats != nil {
		f(r.stats)
	}
}

func newRequest(ctx context.Context, file FileID, start, length uint64, iSize uint64, ops Ops, cache CacheResources, pages PageCache, pool *workerPool) *Request {
	req := &Request{
		ID:              uuid.NewString(),
		File:            file,
		Start:           start,
		Len:             length,
		ISize:           iSize,
		NoUnlockPage:    -1,
		NrRdOps:         newOpCounter(),
		NrWrOps:         newOpCounter(),
		ops:             ops,
		cache:           cache,
		pages:           pages,
		pool:            pool,
		ShortReadPolicy: "clamp",
		MaxRetries:      3,
		ctx:             ctx,
	}
	req.usage.Store(1)
	req.flags.set(uint32(ReqInProgress))
	return req
}

func (r *Request) setStats(s Stats) {
	r.stats = s
	r.stat(Stats.IncRreqAlloc)
}

// Get takes an additional reference.
func (r *Request) Get() *Request {
	r.usage.Add(1)
	return r
}

// Put releases a reference from an unrestricted context (caller thread
// or an existing worker goroutine): destruction, if triggered, runs
// inline.
func (r *Request) Put() {
	r.put(false)
}

// putRestricted releases a reference from a context that may not block
// or allocate; destruction is deferred to the worker pool.
func (r *Request) putRestricted() {
	r.put(true)
}

func (r *Request) put(restricted bool) {
	if r.usage.Add(-1) == 0 {
		r.pool.runOrDefer(restricted, r.destroy)
	}
}

func (r *Request) destroy() {
	if cleaner, ok := r.ops.(PrivCleaner); ok && r.Priv != nil {
		cleaner.Cleanup(r.File, r.Priv)
	}
	if r.cache != nil {
		r.cache.EndOperation()
	}
	r.stat(Stats.IncRreqFree)
}

// clearSubreqs drops the Request's reference on every subrequest and
// empties the list. Only safe to call outside any in-flight completion
// window (the finalizer's caller already guarantees this).
func (r *Request) clearSubreqs() {
	r.listMu.Lock()
	subreqs := r.Subreqs
	r.Subreqs = nil
	r.listMu.Unlock()

	for _, sreq := range subreqs {
		sreq.Put()
	}
}

func (r *Request) appendSubreq(sreq *Subrequest) {
	r.listMu.Lock()
	r.Subreqs = append(r.Subreqs, sreq)
	r.listMu.Unlock()
}

func (r *Request) snapshotSubreqs() []*Subrequest {
	r.listMu.Lock()
	defer r.listMu.Unlock()
	out := make([]*Subrequest, len(r.Subreqs))
	copy(out, r.Subreqs)
	return out
}

func (r *Request) nextIndex() int {
	return int(r.nextSreqIndex.Add(1)) - 1
}

func (r *Request) HasFlag(f RequestFlags) bool { return r.flags.has(uint32(f)) }
func (r *Request) SetFlag(f RequestFlags)      { r.flags.set(uint32(f)) }
func (r *Request) ClearFlag(f RequestFlags)    { r.flags.clear(uint32(f)) }
