package netfsio

// submitLoop slices and dispatches subrequests until the full range is
// submitted, a slice is classified INVALID, or allocation fails.
//
// The caller must hold an anchor on req.NrRdOps for the duration of this
// call (C7's contract): the anchor guarantees no completion observes
// nr_rd_ops reaching zero while this loop is still appending work.
func submitLoop(req *Request) {
	for req.Submitted < req.Len {
		sreq, ok := sliceNext(req)
		if !ok {
			break
		}
		dispatch(req, sreq)
	}
}

// sliceNext allocates the next subrequest and classifies its source. It
// returns (nil, false) when classification fails; req.Error is set in
// that case and the submission loop must stop.
func sliceNext(req *Request) (*Subrequest, bool) {
	start := req.Start + req.Submitted
	length := req.Len - req.Submitted
	sreq := newSubrequest(req, start, length, req.nextIndex())

	if !classify(req, sreq) {
		if req.Error == nil {
			req.Error = sreq.Err
		}
		// Never entered the list: release both the list ref and the
		// dispatch ref that newSubrequest allocated.
		sreq.put(false)
		sreq.put(false)
		return nil, false
	}

	req.appendSubreq(sreq)
	req.NrRdOps.Add(1)
	req.Submitted += sreq.Len
	sreq.Buf = make([]byte, sreq.Len)

	return sreq, true
}

// classify implements the slicer's routing rules (§4.3): consult the
// cache if attached, else route by EOF comparison, clamping a
// server-routed length to EOF and then to the driver's own clamp.
func classify(req *Request, sreq *Subrequest) bool {
	var source Source

	switch {
	case req.cache != nil:
		source = req.cache.PrepareRead(sreq, req.ISize)

	case sreq.Start >= req.ISize:
		source = SourceZero

	default:
		source = SourceServer
		if sreq.Start+sreq.Len > req.ISize {
			sreq.Len = req.ISize - sreq.Start
		}
		if clamper, ok := req.ops.(LengthClamper); ok {
			if !clamper.ClampLength(sreq) {
				source = SourceInvalid
			}
		}
	}

	if source == SourceInvalid || sreq.Len == 0 {
		if sreq.Err == nil {
			sreq.Err = ErrInvalidSlice
		}
		sreq.Source = SourceInvalid
		return false
	}

	sreq.Source = source
	return true
}

// dispatch routes a classified subrequest to its source. Each branch
// eats sreq's dispatch ref, either by handing it to an async completion
// path or, for the synchronous zero-fill case, by completing inline.
func dispatch(req *Request, sreq *Subrequest) {
	switch sreq.Source {
	case SourceZero:
		req.stat(Stats.IncZero)
		sreq.SetFlag(SreqClearTail)
		subreqTerminated(req, sreq, 0, nil, false)

	case SourceCache:
		req.cache.Read(req.ctx, sreq, sreq.HasFlag(SreqSeekDataRead), terminatorFor(req))

	case SourceServer:
		req.stat(Stats.IncDownload)
		req.ops.IssueOp(req.ctx, sreq, terminatorFor(req))

	default:
		// Unreachable: classify never returns a dispatchable Invalid.
		subreqTerminated(req, sreq, 0, ErrInvalidSlice, false)
	}
}

// terminatorFor returns the Terminator a dispatched subrequest must call
// exactly once. Terminators may be invoked from any context, so they are
// always treated as restricted.
func terminatorFor(req *Request) Terminator {
	return func(sreq *Subrequest, transferred int, err error) {
		subreqTerminated(req, sreq, transferred, err, true)
	}
}
