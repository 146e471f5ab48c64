package netfsio

import "sort"

// writeback is the cache write-back path (C6): amalgamates the
// successfully-read, WRITE_TO_CACHE-flagged subrequests of a completed
// Request into page-aligned runs and hands each to the cache driver.
//
// Runs after the page finalizer, holding the Request reference that
// assess would otherwise release on completion; that reference is released once every coalesced write has
// completed (possibly inline, if the cache driver is synchronous).
func writeback(req *Request) {
	if req.cache == nil {
		req.clearSubreqs()
		req.Put()
		return
	}

	drop := req.NrWrOps.Anchor()

	for _, wsreq := range coalesceForWriteback(req, writebackCandidates(req)) {
		req.NrWrOps.Add(1)
		req.stat(Stats.IncWrite)
		req.cache.Write(req.ctx, wsreq, writebackTerminatorFor(req))
	}

	if drop() {
		finishWriteback(req)
	}
}

func writebackCandidates(req *Request) []*Subrequest {
	var out []*Subrequest
	for _, sreq := range req.snapshotSubreqs() {
		if sreq.HasFlag(SreqWriteToCache) && sreq.Err == nil && sreq.Transferred >= sreq.Len {
			out = append(out, sreq)
		}
	}
	return out
}

// coalesceForWriteback merges adjacent, page-aligned candidate ranges
// into as few cache-write subrequests as possible. Each returned
// Subrequest holds exactly one reference on req, released by its
// terminator like any other dispatched subrequest.
func coalesceForWriteback(req *Request, candidates []*Subrequest) []*Subrequest {
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Start < candidates[j].Start })

	var merged []*Subrequest
	i := 0
	for i < len(candidates) {
		start := alignDown(candidates[i].Start, PageSize)
		end := alignUp(candidates[i].Start+candidates[i].Len, PageSize)

		j := i + 1
		for j < len(candidates) {
			if candidates[j].Start > end {
				break
			}
			if next := alignUp(candidates[j].Start+candidates[j].Len, PageSize); next > end {
				end = next
			}
			j++
		}

		buf := make([]byte, end-start)
		for k := i; k < j; k++ {
			c := candidates[k]
			copy(buf[c.Start-start:], c.Buf[:c.Transferred])
		}

		wsreq := newSubrequest(req, start, end-start, -1)
		wsreq.Buf = buf
		wsreq.SetFlag(SreqWriteToCache)
		wsreq.put(false) // drop the spurious list ref; the dispatch ref remains

		merged = append(merged, wsreq)
		i = j
	}

	return merged
}

func writebackTerminatorFor(req *Request) Terminator {
	return func(sreq *Subrequest, transferred int, err error) {
		if err != nil {
			req.stat(Stats.IncWriteFailed)
		} else {
			req.stat(Stats.IncWriteDone)
		}

		sreq.put(true)

		if req.NrWrOps.Add(-1) == 0 {
			finishWriteback(req)
		}
	}
}

func finishWriteback(req *Request) {
	unmarkPages(req)
	req.clearSubreqs()
	req.Put()
}

func unmarkPages(req *Request) {
	if req.pages == nil {
		return
	}
	for page := range req.pages.PagesIn(req.File, req.Start, req.Start+req.Len) {
		page.SetNeedsWriteback(false)
	}
}

func alignDown(v, align uint64) uint64 { return v - v%align }
func alignUp(v, align uint64) uint64   { return alignDown(v+align-1, align) }
