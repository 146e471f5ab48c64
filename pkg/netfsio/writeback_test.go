package netfsio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldmesh/netfs/pkg/netfsio/pagecache"
)

// A two-page read against an uncovered cache produces two adjacent,
// page-aligned WRITE_TO_CACHE subrequests; write-back must coalesce
// them into a single cache write spanning both pages rather than
// issuing one cache write per page.
func TestWriteback_CoalescesAdjacentPageRanges(t *testing.T) {
	const file FileID = "wb1"
	const iSize = 2 * PageSize

	content := make([]byte, iSize)
	for i := range content {
		content[i] = byte(i % 256)
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
	pageOf(t, pc, file, 1).Unlock()

	err := session.ReadPage(testContext(t), file, 0, iSize, iSize)
	require.NoError(t, err)

	select {
	case <-cache.writeC:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cache write-back")
	}

	require.Equal(t, 1, cache.writeCount())
	cache.mu.Lock()
	got := cache.writes[0]
	cache.mu.Unlock()

	assert.Equal(t, uint64(0), got.start)
	assert.Equal(t, content, got.buf)
}
