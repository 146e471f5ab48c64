package netfsio

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"

	"github.com/coldmesh/netfs/internal/telemetry"
)

// SessionConfig carries the knobs a caller wires in from configuration;
// see pkg/config.ReaderConfig for the on-disk shape these are sourced
// from.
type SessionConfig struct {
	ShortReadPolicy string // "clamp" (default) or "fail"
	MaxRetries      int
	WorkerPoolSize  int
}

// Session is the entry-point surface (C7): readahead, readpage and
// write-begin, each constructing a Request and driving it through the
// slicer, aggregator, finalizer and write-back stages.
type Session struct {
	ops       Ops
	pageCache PageCache
	cache     CacheResources
	pool      *workerPool
	stats     Stats

	shortReadPolicy string
	maxRetries      int
}

func NewSession(ops Ops, pageCache PageCache, cache CacheResources, stats Stats, cfg SessionConfig) *Session {
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 16
	}
	shortReadPolicy := cfg.ShortReadPolicy
	if shortReadPolicy == "" {
		shortReadPolicy = "clamp"
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &Session{
		ops:             ops,
		pageCache:       pageCache,
		cache:           cache,
		pool:            newWorkerPool(poolSize),
		stats:           stats,
		shortReadPolicy: shortReadPolicy,
		maxRetries:      maxRetries,
	}
}

// Close stops the session's worker pool. Any Request still in flight
// must have already completed.
func (s *Session) Close() {
	s.pool.Close()
}

func (s *Session) statIf(f func(Stats)) {
	if s.stats != nil {
		f(s.stats)
	}
}

// beginCache attempts a per-request cache attach. A fatal setup error
// (wrapped in ErrSetupFatal) aborts the request; any other error simply
// leaves the request running without a cache, falling back to the
// server for every subrequest.
func (s *Session) beginCache(req *Request) error {
	beginner, ok := s.ops.(CacheOperationBeginner)
	if !ok {
		return nil
	}

	resources, err := beginner.BeginCacheOperation(req)
	if err != nil {
		if errors.Is(err, ErrSetupFatal) {
			return err
		}
		return nil
	}

	req.cache = resources
	return nil
}

func (s *Session) newRequest(ctx context.Context, file FileID, start, length, iSize uint64) (*Request, error) {
	req := newRequest(ctx, file, start, length, iSize, s.ops, s.cache, s.pageCache, s.pool)
	req.setStats(s.stats)
	req.ShortReadPolicy = s.shortReadPolicy
	req.MaxRetries = s.maxRetries

	if err := s.ops.InitRequest(req, file); err != nil {
		req.Put()
		return nil, err
	}
	return req, nil
}

// Readahead submits a speculative read and returns without waiting for
// it: completions drive themselves to finalization through the normal
// terminated()/assess() path once the submission anchor is dropped.
func (s *Session) Readahead(ctx context.Context, file FileID, start, length, iSize uint64) {
	if exp, ok := s.ops.(ReadaheadExpander); ok {
		start, length = exp.ExpandReadahead(file, start, length, iSize)
	}

	ctx, span := telemetry.StartSpan(ctx, "netfsio.readahead", trace.WithAttributes(
		telemetry.FSOffset(start), telemetry.FSCount(uint32(length))))
	defer span.End()

	req, err := s.newRequest(ctx, file, start, length, iSize)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return
	}
	req.stat(Stats.IncReadahead)

	if err := s.beginCache(req); err != nil {
		telemetry.RecordError(ctx, err)
		req.Error = err
		req.SetFlag(ReqFailed)
		req.Put()
		return
	}

	drop := req.NrRdOps.Anchor()
	submitLoop(req)
	if drop() {
		assess(req)
	}
}

// ReadPage synchronously satisfies a single page-sized read, parking the
// calling goroutine until every subrequest (including any resubmission
// rounds) has completed.
func (s *Session) ReadPage(ctx context.Context, file FileID, start, length, iSize uint64) error {
	ctx, span := telemetry.StartSpan(ctx, "netfsio.readpage", trace.WithAttributes(
		telemetry.FSOffset(start), telemetry.FSCount(uint32(length))))
	defer span.End()

	req, err := s.newRequest(ctx, file, start, length, iSize)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}
	req.Get() // caller's own reference, independent of the completion machinery's
	req.stat(Stats.IncReadpage)

	if err := s.beginCache(req); err != nil {
		telemetry.RecordError(ctx, err)
		req.Put()
		return err
	}

	err = s.driveSynchronously(ctx, req)
	telemetry.RecordError(ctx, err)
	return err
}

// driveSynchronously holds the request's read anchor for the whole
// operation, so completions never auto-trigger assess; instead this
// caller thread parks on nr_rd_ops==1 (only the anchor left) and drives
// assess itself, looping until ReqInProgress clears.
func (s *Session) driveSynchronously(ctx context.Context, req *Request) error {
	drop := req.NrRdOps.Anchor()
	submitLoop(req)

	for req.HasFlag(ReqInProgress) {
		if err := req.NrRdOps.ParkUntilOne(ctx); err != nil {
			drop()
			req.Put()
			return err
		}
		assess(req)
	}
	drop()

	err := req.Error
	if err == nil && req.Submitted < req.Len {
		err = ErrShortRequest
	}
	req.Put()
	return err
}

// WriteBegin locks the page covering pos, preloads it from cache or
// server (or, when caching is disabled and the page lies wholly beyond
// EOF, zero-fills it without I/O), and returns it still locked for the
// caller to copy into and unlock.
func (s *Session) WriteBegin(ctx context.Context, file FileID, pos int64, length int, iSize uint64) (Page, error) {
	ctx, span := telemetry.StartSpan(ctx, "netfsio.write_begin", trace.WithAttributes(
		telemetry.FSOffset(uint64(pos)), telemetry.FSCount(uint32(length))))
	defer span.End()

	if s.pageCache == nil {
		telemetry.RecordError(ctx, ErrSetupFatal)
		return nil, ErrSetupFatal
	}

	pageIndex := int(pos / PageSize)

	page, err := s.lockPageChecked(file, pos, length)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	pageStart := uint64(pageIndex) * PageSize

	_, hasBeginner := s.ops.(CacheOperationBeginner)
	cachingDisabled := s.cache == nil && !hasBeginner

	if cachingDisabled && pageStart >= iSize {
		page.ZeroRange(0, PageSize)
		page.SetUptodate(true)
		s.statIf(Stats.IncWriteZSkip)
		return page, nil
	}

	req, err := s.newRequest(ctx, file, pageStart, PageSize, iSize)
	if err != nil {
		telemetry.RecordError(ctx, err)
		page.Unlock()
		return nil, err
	}
	req.Get()
	req.stat(Stats.IncWriteBegin)
	req.NoUnlockPage = pageIndex
	req.SetFlag(ReqNoUnlockPage)

	if err := s.beginCache(req); err != nil {
		telemetry.RecordError(ctx, err)
		req.Put()
		req.Put()
		page.Unlock()
		return nil, err
	}

	if err := s.driveSynchronously(ctx, req); err != nil {
		telemetry.RecordError(ctx, err)
		page.Unlock()
		return nil, err
	}

	return page, nil
}

func (s *Session) lockPageChecked(file FileID, pos int64, length int) (Page, error) {
	pageIndex := int(pos / PageSize)

	for {
		page, err := s.pageCache.GetLockedPage(file, pageIndex)
		if err != nil {
			return nil, err
		}

		checker, ok := s.ops.(WriteBeginChecker)
		if !ok {
			return page, nil
		}

		if err := checker.CheckWriteBegin(file, pos, length, page); err != nil {
			page.Unlock()
			if errors.Is(err, ErrAgain) {
				continue
			}
			return nil, err
		}
		return page, nil
	}
}
