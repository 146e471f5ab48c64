// Package pagecache is an in-memory reference implementation of
// netfsio.PageCache, suitable for tests and for drivers that don't sit
// behind an actual VM page cache.
package pagecache

import (
	"iter"
	"sync"

	"github.com/coldmesh/netfs/pkg/netfsio"
)

// Cache is a process-local collection of pages, keyed by file and
// PageSize-aligned index.
type Cache struct {
	mu    sync.Mutex
	files map[netfsio.FileID]map[int]*Page
}

func New() *Cache {
	return &Cache{files: make(map[netfsio.FileID]map[int]*Page)}
}

func (c *Cache) getOrCreate(file netfsio.FileID, index int) *Page {
	c.mu.Lock()
	defer c.mu.Unlock()

	pages, ok := c.files[file]
	if !ok {
		pages = make(map[int]*Page)
		c.files[file] = pages
	}

	p, ok := pages[index]
	if !ok {
		p = newPage(index)
		pages[index] = p
	}
	return p
}

// GetLockedPage returns the page at index, allocating it on first use,
// blocking until it is free if another caller already holds the lock.
func (c *Cache) GetLockedPage(file netfsio.FileID, index int) (netfsio.Page, error) {
	p := c.getOrCreate(file, index)
	p.lock()
	return p, nil
}

// PagesIn iterates the already-allocated pages overlapping [start, end)
// in ascending index order. A page never allocated (never read, never
// written) is simply absent from the iteration.
func (c *Cache) PagesIn(file netfsio.FileID, start, end uint64) iter.Seq[netfsio.Page] {
	return func(yield func(netfsio.Page) bool) {
		startIdx := int(start / netfsio.PageSize)
		endIdx := int((end + netfsio.PageSize - 1) / netfsio.PageSize)

		c.mu.Lock()
		pages, ok := c.files[file]
		if !ok {
			c.mu.Unlock()
			return
		}
		ordered := make([]*Page, 0, endIdx-startIdx)
		for i := startIdx; i < endIdx; i++ {
			if p, ok := pages[i]; ok {
				ordered = append(ordered, p)
			}
		}
		c.mu.Unlock()

		for _, p := range ordered {
			if !yield(p) {
				return
			}
		}
	}
}

// Page is an in-memory PageSize-aligned buffer with a lock matching the
// kernel page-lock semantics WriteBegin/ReadPage depend on.
type Page struct {
	mu   sync.Mutex
	cond *sync.Cond

	index          int
	data           []byte
	uptodate       bool
	needsWriteback bool
	locked         bool
}

func newPage(index int) *Page {
	p := &Page{index: index, data: make([]byte, netfsio.PageSize)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Page) lock() {
	p.mu.Lock()
	for p.locked {
		p.cond.Wait()
	}
	p.locked = true
	p.mu.Unlock()
}

func (p *Page) Unlock() {
	p.mu.Lock()
	p.locked = false
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *Page) Index() int { return p.index }

func (p *Page) WriteAt(offset int, data []byte) {
	p.mu.Lock()
	copy(p.data[offset:], data)
	p.mu.Unlock()
}

func (p *Page) ZeroRange(offset, length int) {
	p.mu.Lock()
	clear(p.data[offset : offset+length])
	p.mu.Unlock()
}

func (p *Page) SetUptodate(uptodate bool) {
	p.mu.Lock()
	p.uptodate = uptodate
	p.mu.Unlock()
}

func (p *Page) SetNeedsWriteback(needed bool) {
	p.mu.Lock()
	p.needsWriteback = needed
	p.mu.Unlock()
}

// Bytes returns a copy of the page's contents, for tests.
func (p *Page) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.data))
	copy(out, p.data)
	return out
}

// Uptodate reports the page's uptodate bit, for tests.
func (p *Page) Uptodate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uptodate
}

// NeedsWriteback reports the page's pending-cache-write bit, for tests.
func (p *Page) NeedsWriteback() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.needsWriteback
}
