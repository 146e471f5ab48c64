package netfsio

import (
	"fmt"

	"github.com/coldmesh/netfs/internal/logger"
)

// subreqTerminated is the completion aggregator (C4): the sole entry
// point a dispatched subrequest's terminator (or the synchronous
// zero-fill path) calls, exactly once, to report its outcome.
func subreqTerminated(req *Request, sreq *Subrequest, transferred int, err error, restricted bool) {
	switch sreq.Source {
	case SourceCache:
		req.stat(Stats.IncReadDone)
	case SourceServer:
		req.stat(Stats.IncDownloadDone)
	}

	failed := false

	if err != nil {
		sreq.Err = err
		failed = true
	} else {
		remaining := sreq.Remaining()
		if uint64(transferred) > remaining {
			if req.ShortReadPolicy == "fail" {
				sreq.Err = fmt.Errorf("%w: subrequest transferred %d exceeds remaining %d",
					ErrInvalidSlice, transferred, remaining)
				failed = true
			} else {
				logger.Warn("netfsio: subrequest overran remaining length, clamping",
					logger.RequestFileID(string(req.File)),
					logger.SubreqIndex(sreq.Index),
					logger.Count(uint32(transferred)))
				transferred = int(remaining)
			}
		}

		if !failed {
			sreq.Transferred += uint64(transferred)
			sreq.Err = nil

			switch {
			case sreq.Transferred >= sreq.Len:
				completeSubreq(req, sreq)

			case sreq.HasFlag(SreqClearTail):
				// Buf was allocated with make([]byte, len), which Go
				// zero-initializes, so the unread tail is already zero;
				// nothing to copy, only the bookkeeping below.
				sreq.Transferred = sreq.Len
				completeSubreq(req, sreq)

			case transferred == 0:
				if sreq.HasFlag(SreqNoProgress) {
					sreq.Err = ErrNoData
					failed = true
				} else {
					sreq.SetFlag(SreqNoProgress)
					markShortRead(req, sreq)
				}

			default:
				sreq.ClearFlag(SreqNoProgress)
				markShortRead(req, sreq)
			}
		}
	}

	if failed {
		failSubreq(req, sreq)
	}

	n := req.NrRdOps.Add(-1)
	if n == 0 {
		terminated(req, restricted)
	}
	sreq.put(restricted)
}

func completeSubreq(req *Request, sreq *Subrequest) {
	sreq.ClearFlag(SreqNoProgress)
	if sreq.HasFlag(SreqWriteToCache) {
		req.SetFlag(ReqWriteToCache)
	}
}

func markShortRead(req *Request, sreq *Subrequest) {
	sreq.SetFlag(SreqShortRead)
	req.SetFlag(ReqIncompleteIO)
	req.stat(Stats.IncShortRead)
}

func failSubreq(req *Request, sreq *Subrequest) {
	if sreq.Source == SourceCache {
		// Cache failures are transient: the sreq is retriable by
		// re-routing to the server in performResubmissions.
		req.stat(Stats.IncReadFailed)
		req.SetFlag(ReqIncompleteIO)
		return
	}

	req.stat(Stats.IncDownloadFailed)
	req.SetFlag(ReqFailed)
	if req.Error == nil {
		req.Error = NewSubrequestError("read", req.File, sreq.Source, sreq.Start, sreq.Len, sreq.Err)
	}
}

// terminated runs when nr_rd_ops observes the transition to zero. Called
// from a restricted context with retry work pending, it punts the
// assessment to the worker pool instead of running it inline.
func terminated(req *Request, restricted bool) {
	if restricted && req.HasFlag(ReqIncompleteIO) {
		req.pool.runOrDefer(true, func() { assess(req) })
		return
	}
	assess(req)
}

// assess drives a Request from "read I/O quiesced" to either another
// resubmission pass or finalization (C5) and, if needed, cache
// write-back (C6).
func assess(req *Request) {
	for {
		if v, ok := req.ops.(Validator); ok && !v.IsStillValid(req) {
			invalidateCacheSubreqs(req)
			req.SetFlag(ReqIncompleteIO)
		}

		if req.HasFlag(ReqIncompleteIO) && !req.HasFlag(ReqFailed) {
			if performResubmissions(req) {
				continue
			}
			return
		}

		break
	}

	finalizePages(req)

	req.ClearFlag(ReqInProgress)

	if req.HasFlag(ReqWriteToCache) {
		writeback(req)
	} else {
		req.clearSubreqs()
		req.Put()
	}
}

func invalidateCacheSubreqs(req *Request) {
	for _, sreq := range req.snapshotSubreqs() {
		if sreq.Source == SourceCache && sreq.Transferred < sreq.Len {
			sreq.Err = ErrStale
		}
	}
}

// performResubmissions re-routes retriable subrequests and returns
// whether the anchor it holds fell to zero before returning — meaning
// every resubmission it issued already completed synchronously, and the
// caller (assess) owns the next pass. A false return means resubmitted
// work is still in flight and a later completion will re-enter assess.
func performResubmissions(req *Request) bool {
	drop := req.NrRdOps.Anchor()
	req.ClearFlag(ReqIncompleteIO)

resubmitLoop:
	for _, sreq := range req.snapshotSubreqs() {
		switch {
		case sreq.Err != nil:
			if sreq.Source != SourceCache {
				// Server-sourced failure: propagate on the next assess
				// pass instead of resubmitting further work.
				break resubmitLoop
			}
			sreq.Source = SourceServer
			sreq.Err = nil
			sreq.Get()
			req.NrRdOps.Add(1)
			req.stat(Stats.IncDownloadInstead)
			req.ops.IssueOp(req.ctx, sreq, terminatorFor(req))

		case sreq.HasFlag(SreqShortRead):
			sreq.ClearFlag(SreqShortRead)
			sreq.SetFlag(SreqSeekDataRead)
			sreq.Get()
			req.NrRdOps.Add(1)
			redispatchSameSource(req, sreq)
		}
	}

	return drop()
}

// redispatchSameSource re-issues a subrequest to the source it already
// holds, preserving start and transferred (idempotence of re-dispatch).
func redispatchSameSource(req *Request, sreq *Subrequest) {
	switch sreq.Source {
	case SourceCache:
		req.cache.Read(req.ctx, sreq, sreq.HasFlag(SreqSeekDataRead), terminatorFor(req))
	case SourceServer:
		req.ops.IssueOp(req.ctx, sreq, terminatorFor(req))
	}
}
