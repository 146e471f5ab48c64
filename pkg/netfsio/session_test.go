package netfsio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldmesh/netfs/pkg/netfsio/pagecache"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func pageOf(t *testing.T, pc *pagecache.Cache, file FileID, index int) *pagecache.Page {
	t.Helper()
	p, err := pc.GetLockedPage(file, index)
	require.NoError(t, err)
	pg, ok := p.(*pagecache.Page)
	require.True(t, ok)
	return pg
}

func TestReadPage_CleanCacheHit(t *testing.T) {
	const file FileID = "f1"
	content := make([]byte, PageSize)
	for i := range content {
		content[i] = byte(i)
	}

	cache := newFakeCache()
	cache.covered = true
	cache.setFile(file, content)

	ops := newFakeOps() // never consulted on a full cache hit

	pc := pagecache.New()
	session := NewSession(ops, pc, cache, nil, SessionConfig{})
	defer session.Close()

	// Pages must already exist in the page cache before the read path
	// can fill and unlock them — the fault-handler's job in a real
	// caller, simulated here by an allocate-then-unlock.
	pageOf(t, pc, file, 0).Unlock()

	err := session.ReadPage(testContext(t), file, 0, PageSize, PageSize)
	require.NoError(t, err)
	require.Equal(t, 0, cache.writeCount())

	page := pageOf(t, pc, file, 0)
	defer page.Unlock()

	assert.True(t, page.Uptodate())
	assert.Equal(t, content, page.Bytes())
}

func TestReadPage_ServerFallbackOnUncoveredCache(t *testing.T) {
	const file FileID = "f2"
	content := make([]byte, PageSize)
	for i := range content {
		content[i] = byte(255 - i)
	}

	cache := newFakeCache()
	cache.covered = false
	cache.writeC = make(chan struct{}, 1)

	ops := newFakeOps()
	ops.setFile(file, content)

	pc := pagecache.New()
	session := NewSession(ops, pc, cache, nil, SessionConfig{})
	defer session.Close()
	pageOf(t, pc, file, 0).Unlock()

	err := session.ReadPage(testContext(t), file, 0, PageSize, PageSize)
	require.NoError(t, err)

	select {
	case <-cache.writeC:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cache write-back")
	}
	require.Equal(t, 1, cache.writeCount())

	page := pageOf(t, pc, file, 0)
	defer page.Unlock()

	assert.True(t, page.Uptodate())
	assert.Equal(t, content, page.Bytes())
}

func TestReadPage_ShortReadIsResubmittedToCompletion(t *testing.T) {
	const file FileID = "f3"
	content := make([]byte, PageSize)
	for i := range content {
		content[i] = byte(i % 251)
	}

	ops := newFakeOps()
	ops.setFile(file, content)
	ops.shortReadOnce = true

	pc := pagecache.New()
	session := NewSession(ops, pc, nil, nil, SessionConfig{})
	defer session.Close()
	pageOf(t, pc, file, 0).Unlock()

	err := session.ReadPage(testContext(t), file, 0, PageSize, PageSize)
	require.NoError(t, err)

	page := pageOf(t, pc, file, 0)
	defer page.Unlock()

	assert.True(t, page.Uptodate())
	assert.Equal(t, content, page.Bytes())
}

func TestReadPage_BeyondEOFZeroFills(t *testing.T) {
	const file FileID = "f4"

	ops := newFakeOps()

	pc := pagecache.New()
	session := NewSession(ops, pc, nil, nil, SessionConfig{})
	defer session.Close()
	pageOf(t, pc, file, 0).Unlock()

	err := session.ReadPage(testContext(t), file, 0, PageSize, 0)
	require.NoError(t, err)

	page := pageOf(t, pc, file, 0)
	defer page.Unlock()

	assert.True(t, page.Uptodate())
	assert.Equal(t, make([]byte, PageSize), page.Bytes())
}

func TestReadPage_NoProgressFails(t *testing.T) {
	const file FileID = "f5"

	ops := newFakeOps()
	ops.noProgress = true

	pc := pagecache.New()
	session := NewSession(ops, pc, nil, nil, SessionConfig{})
	defer session.Close()

	err := session.ReadPage(testContext(t), file, 0, PageSize, PageSize)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoData)

	var sreqErr *SubrequestError
	require.True(t, errors.As(err, &sreqErr))
	assert.Equal(t, SourceServer, sreqErr.Source)
}

func TestReadPage_StaleCacheFallsBackToServerNeverReverse(t *testing.T) {
	const file FileID = "f6"
	content := make([]byte, PageSize)
	for i := range content {
		content[i] = byte(i + 7)
	}

	cache := newFakeCache()
	cache.covered = true
	cache.readErr = ErrStale

	ops := newFakeOps()
	ops.setFile(file, content)

	pc := pagecache.New()
	session := NewSession(ops, pc, cache, nil, SessionConfig{})
	defer session.Close()
	pageOf(t, pc, file, 0).Unlock()

	err := session.ReadPage(testContext(t), file, 0, PageSize, PageSize)
	require.NoError(t, err)

	page := pageOf(t, pc, file, 0)
	defer page.Unlock()

	assert.True(t, page.Uptodate())
	assert.Equal(t, content, page.Bytes())
	// The stale cache slice was rerouted to the server and never routed
	// back to the cache, so no write-back was scheduled for it.
	assert.Equal(t, 0, cache.writeCount())
}

func TestWriteBegin_PreloadsPartialPageFromServer(t *testing.T) {
	const file FileID = "f7"
	existing := make([]byte, PageSize)
	for i := range existing {
		existing[i] = byte(i % 17)
	}

	cache := newFakeCache()
	cache.covered = false
	cache.writeC = make(chan struct{}, 1)

	ops := newFakeOps()
	ops.setFile(file, existing)

	pc := pagecache.New()
	session := NewSession(ops, pc, cache, nil, SessionConfig{})
	defer session.Close()

	page, err := session.WriteBegin(testContext(t), file, 0, PageSize/2, PageSize)
	require.NoError(t, err)
	require.NotNil(t, page)

	pg, ok := page.(*pagecache.Page)
	require.True(t, ok)
	assert.True(t, pg.Uptodate())
	assert.Equal(t, existing, pg.Bytes())

	page.Unlock()

	select {
	case <-cache.writeC:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cache write-back")
	}
	assert.Equal(t, 1, cache.writeCount())
}

func TestWriteBegin_SkipsPreloadBeyondEOFWhenCachingDisabled(t *testing.T) {
	const file FileID = "f8"

	ops := newFakeOps()

	pc := pagecache.New()
	session := NewSession(ops, pc, nil, nil, SessionConfig{})
	defer session.Close()

	page, err := session.WriteBegin(testContext(t), file, PageSize, PageSize/4, PageSize)
	require.NoError(t, err)
	require.NotNil(t, page)
	defer page.Unlock()

	pg, ok := page.(*pagecache.Page)
	require.True(t, ok)
	assert.True(t, pg.Uptodate())
	assert.Equal(t, make([]byte, PageSize), pg.Bytes())
}

func TestReadahead_FireAndForgetCompletesInBackground(t *testing.T) {
	const file FileID = "f9"
	content := make([]byte, PageSize)
	for i := range content {
		content[i] = byte(i % 13)
	}

	done := make(chan struct{})
	ops := newFakeOps()
	ops.setFile(file, content)

	pc := pagecache.New()
	session := NewSession(ops, pc, nil, nil, SessionConfig{})
	defer session.Close()

	// Prime the page so we can poll it without racing GetLockedPage's
	// allocate-on-first-use against the background completion.
	page := pageOf(t, pc, file, 0)
	page.Unlock()

	session.Readahead(testContext(t), file, 0, PageSize, PageSize)

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if page.Uptodate() {
				close(done)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		close(done)
	}()

	<-done
	assert.True(t, page.Uptodate())
	assert.Equal(t, content, page.Bytes())
}

// TestRequest_DestroyRunsOnNoWritebackCompletion guards against the
// subrequest list ref never being dropped: before clearSubreqs was wired
// into the no-writeback completion path, every subrequest held a ref
// nobody released, so Request.usage never reached zero and destroy (and
// therefore Cleanup/EndOperation) never ran.
func TestRequest_DestroyRunsOnNoWritebackCompletion(t *testing.T) {
	const file FileID = "f11"
	content := make([]byte, PageSize)

	cache := newFakeCache()
	cache.covered = true
	cache.setFile(file, content)

	ops := newFakeOps()
	ops.setPriv = true

	pc := pagecache.New()
	session := NewSession(ops, pc, cache, nil, SessionConfig{})
	defer session.Close()
	pageOf(t, pc, file, 0).Unlock()

	err := session.ReadPage(testContext(t), file, 0, PageSize, PageSize)
	require.NoError(t, err)

	assert.Equal(t, 1, ops.cleanupCount())
	assert.Equal(t, 1, cache.endOperationCount())
}

// TestRequest_DestroyRunsAfterWriteback is the write-back-path analogue:
// finishWriteback must also drop the subrequest list refs before putting
// the Request's own reference, or a request that triggers a cache
// write-back would leak the same way.
func TestRequest_DestroyRunsAfterWriteback(t *testing.T) {
	const file FileID = "f12"
	content := make([]byte, PageSize)

	cache := newFakeCache()
	cache.covered = false
	cache.writeC = make(chan struct{}, 1)

	ops := newFakeOps()
	ops.setFile(file, content)
	ops.setPriv = true

	pc := pagecache.New()
	session := NewSession(ops, pc, cache, nil, SessionConfig{})
	defer session.Close()
	pageOf(t, pc, file, 0).Unlock()

	err := session.ReadPage(testContext(t), file, 0, PageSize, PageSize)
	require.NoError(t, err)

	select {
	case <-cache.writeC:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cache write-back")
	}

	assert.Equal(t, 1, ops.cleanupCount())
	assert.Equal(t, 1, cache.endOperationCount())
}

func TestNewSession_InitRequestErrorAbortsReadPage(t *testing.T) {
	const file FileID = "f10"

	ops := newFakeOps()
	ops.initErr = errors.New("boom")

	pc := pagecache.New()
	session := NewSession(ops, pc, nil, nil, SessionConfig{})
	defer session.Close()

	err := session.ReadPage(testContext(t), file, 0, PageSize, PageSize)
	require.Error(t, err)
	assert.ErrorContains(t, err, "boom")
}
