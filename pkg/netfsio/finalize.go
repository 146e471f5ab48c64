package netfsio

import "github.com/coldmesh/netfs/internal/logger"

// finalizePages is the page finalizer (C5). It walks the pages spanning
// the request against the subrequest list, copies transferred bytes,
// marks pages uptodate/cached, and unlocks them per the pinning rules.
//
// Runs once per Request, after the last read subrequest has completed
// (including any resubmission passes) and before the Request is either
// handed to write-back or released.
func finalizePages(req *Request) {
	if req.HasFlag(ReqFailed) {
		// A failed request never caches a partial result.
		req.ClearFlag(ReqWriteToCache)
	}

	if req.pages == nil {
		if finalizer, ok := req.ops.(RequestFinalizer); ok {
			finalizer.Done(req)
		}
		return
	}

	subreqs := req.snapshotSubreqs()
	var bytesRead uint64

	for page := range req.pages.PagesIn(req.File, req.Start, req.Start+req.Len) {
		pageStart := uint64(page.Index()) * PageSize
		pageEnd := pageStart + PageSize

		uptodate := !req.HasFlag(ReqFailed)
		cached := false

		for _, sreq := range subreqs {
			sreqEnd := sreq.Start + sreq.Len
			if sreqEnd <= pageStart || sreq.Start >= pageEnd {
				continue
			}

			overlapStart := max(pageStart, sreq.Start)
			overlapEnd := min(pageEnd, sreqEnd)
			if overlapEnd <= overlapStart {
				continue
			}

			transferredEnd := sreq.Start + sreq.Transferred
			copyEnd := min(overlapEnd, transferredEnd)
			if copyEnd > overlapStart {
				bufOff := int(overlapStart - sreq.Start)
				copyLen := int(copyEnd - overlapStart)
				pageOff := int(overlapStart - pageStart)
				page.WriteAt(pageOff, sreq.Buf[bufOff:bufOff+copyLen])
				bytesRead += copyEnd - overlapStart
			}

			if sreq.Err != nil || sreq.Transferred < sreq.Len {
				uptodate = false
			}
			if sreq.HasFlag(SreqWriteToCache) {
				cached = true
			}
		}

		page.SetUptodate(uptodate)
		if cached {
			page.SetNeedsWriteback(true)
		}

		if req.NoUnlockPage == page.Index() {
			continue
		}
		if req.HasFlag(ReqNoUnlockPage) || req.HasFlag(ReqDontUnlockPages) {
			continue
		}
		page.Unlock()
	}

	logger.Debug("netfsio: finalized request pages",
		logger.RequestFileID(string(req.File)),
		logger.Count(uint32(bytesRead)))

	if finalizer, ok := req.ops.(RequestFinalizer); ok {
		finalizer.Done(req)
	}
}
