package netfsio

import (
	"context"
	"sync"
	"sync/atomic"
)

// fakeOps is a minimal Ops implementation backed by an in-memory byte
// slice per file, standing in for a real network filesystem driver.
type fakeOps struct {
	mu sync.Mutex

	data map[FileID][]byte

	initErr  error
	issueErr error

	// shortReadOnce, when true, halves the first IssueOp transfer for
	// each subrequest index, then delivers the remainder on retry.
	shortReadOnce bool
	// noProgress, when true, every IssueOp call reports zero bytes
	// transferred with no error.
	noProgress bool

	issuedOnce map[int]bool

	// setPriv, when true, makes InitRequest attach a sentinel Priv value
	// so Cleanup is exercised on Request destruction.
	setPriv      bool
	cleanupCalls atomic.Int32
}

func newFakeOps() *fakeOps {
	return &fakeOps{data: make(map[FileID][]byte), issuedOnce: make(map[int]bool)}
}

func (o *fakeOps) setFile(file FileID, content []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data[file] = content
}

func (o *fakeOps) InitRequest(req *Request, file FileID) error {
	if o.setPriv {
		req.Priv = "priv"
	}
	return o.initErr
}

func (o *fakeOps) Cleanup(file FileID, priv any) {
	o.cleanupCalls.Add(1)
}

func (o *fakeOps) cleanupCount() int {
	return int(o.cleanupCalls.Load())
}

func (o *fakeOps) IsCacheEnabled(file FileID) bool { return true }

func (o *fakeOps) IssueOp(ctx context.Context, sreq *Subrequest, terminator Terminator) {
	go func() {
		if err := ctx.Err(); err != nil {
			terminator(sreq, 0, err)
			return
		}
		if o.issueErr != nil {
			terminator(sreq, 0, o.issueErr)
			return
		}
		if o.noProgress {
			terminator(sreq, 0, nil)
			return
		}

		o.mu.Lock()
		content := o.data[sreq.File()]
		o.mu.Unlock()

		start := sreq.Start + sreq.Transferred
		end := sreq.Start + sreq.Len
		if end > uint64(len(content)) {
			end = uint64(len(content))
		}
		if start >= end {
			terminator(sreq, 0, nil)
			return
		}

		n := copy(sreq.Buf[sreq.Transferred:], content[start:end])

		if o.shortReadOnce {
			o.mu.Lock()
			already := o.issuedOnce[sreq.Index]
			o.issuedOnce[sreq.Index] = true
			o.mu.Unlock()
			if !already && n > 1 {
				n /= 2
			}
		}

		terminator(sreq, n, nil)
	}()
}

// fakeCache is a minimal CacheResources implementation. Subrequests are
// clipped to page boundaries the way a real chunked disk cache would,
// so a multi-page Request still produces more than one Subrequest.
type fakeCache struct {
	mu sync.Mutex

	data map[FileID][]byte

	// covered, when true, routes every in-range slice to the cache;
	// otherwise every slice falls to the server with SreqWriteToCache set.
	covered bool
	// readErr, when set, is what Read reports instead of success —
	// simulating a stale or corrupt cache entry.
	readErr error

	writes []writeCall
	writeC chan struct{}

	endOperationCalls atomic.Int32
}

type writeCall struct {
	start uint64
	buf   []byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[FileID][]byte)}
}

func (c *fakeCache) setFile(file FileID, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[file] = content
}

func (c *fakeCache) PrepareRead(sreq *Subrequest, iSize uint64) Source {
	if sreq.Start >= iSize {
		return SourceZero
	}

	pageEnd := (sreq.Start/PageSize + 1) * PageSize
	if sreq.Start+sreq.Len > pageEnd {
		sreq.Len = pageEnd - sreq.Start
	}
	if sreq.Start+sreq.Len > iSize {
		sreq.Len = iSize - sreq.Start
	}

	if c.covered {
		return SourceCache
	}
	sreq.SetFlag(SreqWriteToCache)
	return SourceServer
}

func (c *fakeCache) Read(ctx context.Context, sreq *Subrequest, seekData bool, terminator Terminator) {
	go func() {
		if c.readErr != nil {
			terminator(sreq, 0, c.readErr)
			return
		}

		c.mu.Lock()
		content := c.data[sreq.File()]
		c.mu.Unlock()

		end := sreq.Start + sreq.Len
		if end > uint64(len(content)) {
			terminator(sreq, 0, ErrStale)
			return
		}
		n := copy(sreq.Buf, content[sreq.Start:end])
		terminator(sreq, n, nil)
	}()
}

func (c *fakeCache) Write(ctx context.Context, sreq *Subrequest, terminator Terminator) {
	go func() {
		buf := make([]byte, sreq.Len)
		copy(buf, sreq.Buf[:sreq.Len])

		c.mu.Lock()
		c.writes = append(c.writes, writeCall{start: sreq.Start, buf: buf})
		notify := c.writeC
		c.mu.Unlock()

		terminator(sreq, int(sreq.Len), nil)

		if notify != nil {
			notify <- struct{}{}
		}
	}()
}

func (c *fakeCache) EndOperation() {
	c.endOperationCalls.Add(1)
}

func (c *fakeCache) endOperationCount() int {
	return int(c.endOperationCalls.Load())
}

func (c *fakeCache) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}
