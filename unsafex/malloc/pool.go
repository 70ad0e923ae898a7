package malloc

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/google/btree"
)

// updateQueueLen bounds the pages whose free count may be stale in the index.
const updateQueueLen = 10

// pageEntry is a free-space index key; pages are ordered by free bytes, then address.
type pageEntry struct {
	free uint32
	base unsafe.Pointer
}

func lessPageEntry(a, b pageEntry) bool {
	if a.free != b.free {
		return a.free < b.free
	}
	return uintptr(a.base) < uintptr(b.base)
}

// pool manages the pages of one size class.
//
// Every page with live blocks is in the index. Index keys may lag behind the
// page's free count only for pages in the update queue. The freeable page is
// empty, not indexed and not lastUsed.
type pool struct {
	mu     sync.Mutex
	a      *Allocator
	layout pageLayout

	index    *btree.BTreeG[pageEntry]
	capacity int

	lastUsed unsafe.Pointer
	queue    [updateQueueLen]unsafe.Pointer
	nqueue   int
	freeable unsafe.Pointer

	allocs uint64
	frees  uint64
}

func (p *pool) header(base unsafe.Pointer) *pageHeader {
	return headerAt(base, p.a.geo.hdr)
}

func (p *pool) alloc(size int) unsafe.Pointer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lastUsed != nil {
		if addr := p.layout.alloc(p.lastUsed, size); addr != nil {
			p.enqueue(p.lastUsed)
			p.allocs++
			return addr
		}
	}
	if p.index == nil {
		p.index = btree.NewG[pageEntry](8, lessPageEntry)
		p.capacity = p.layout.capacity()
	}

	p.flush()
	var base, addr unsafe.Pointer
	p.index.AscendGreaterOrEqual(pageEntry{free: uint32(size)}, func(e pageEntry) bool {
		if e.base == p.lastUsed {
			return true
		}
		if addr = p.layout.alloc(e.base, size); addr != nil {
			base = e.base
			return false
		}
		return true
	})
	if addr == nil {
		base = p.newPage()
		if base == nil {
			return nil
		}
		if addr = p.layout.alloc(base, size); addr == nil {
			panic("malloc: empty page cannot hold the block")
		}
	}
	p.lastUsed = base
	p.enqueue(base)
	p.allocs++
	return addr
}

// newPage returns an empty, indexed page, reusing the freeable page when there is one.
func (p *pool) newPage() unsafe.Pointer {
	base := p.freeable
	if base != nil {
		p.freeable = nil
		p.a.logger.Debug("reuse freeable page", "kind", p.layout.kind(), "base", base)
	} else if base = p.a.acquirePage(p.layout.kind()); base == nil {
		return nil
	}
	p.layout.init(base)
	p.index.ReplaceOrInsert(pageEntry{free: uint32(p.capacity), base: base})
	return base
}

func (p *pool) free(base, addr unsafe.Pointer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.layout.free(base, addr)
	p.frees++
	h := p.header(base)
	if int(h.free) != p.capacity {
		p.enqueue(base)
		return
	}

	// The page is empty: take it out of circulation and park it.
	p.index.Delete(pageEntry{free: h.indexed, base: base})
	if p.lastUsed == base {
		p.lastUsed = nil
	}
	p.dequeue(base)
	if p.freeable != nil {
		p.a.releasePage(p.freeable, p.a.geo.pageSize)
	}
	p.freeable = base
	p.a.logger.Debug("park empty page", "kind", p.layout.kind(), "base", base)
}

func (p *pool) enqueue(base unsafe.Pointer) {
	for _, b := range p.queue[:p.nqueue] {
		if b == base {
			return
		}
	}
	if p.nqueue == updateQueueLen {
		p.flush()
	}
	p.queue[p.nqueue] = base
	p.nqueue++
}

func (p *pool) dequeue(base unsafe.Pointer) {
	for i, b := range p.queue[:p.nqueue] {
		if b == base {
			copy(p.queue[i:], p.queue[i+1:p.nqueue])
			p.nqueue--
			p.queue[p.nqueue] = nil
			return
		}
	}
}

// flush re-keys every queued page whose free count moved since it was indexed.
func (p *pool) flush() {
	for _, base := range p.queue[:p.nqueue] {
		h := p.header(base)
		if h.free != h.indexed {
			p.index.Delete(pageEntry{free: h.indexed, base: base})
			p.index.ReplaceOrInsert(pageEntry{free: h.free, base: base})
			h.indexed = h.free
		}
	}
	clear(p.queue[:p.nqueue])
	p.nqueue = 0
}

// trim releases the freeable page.
func (p *pool) trim() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freeable == nil {
		return 0
	}
	p.a.releasePage(p.freeable, p.a.geo.pageSize)
	p.freeable = nil
	return 1
}

func (p *pool) stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PoolStats{Capacity: p.layout.capacity(), Allocs: p.allocs, Frees: p.frees}
	if p.freeable != nil {
		s.Freeable = 1
	}
	if p.index == nil {
		return s
	}
	s.Pages = p.index.Len()
	p.index.Ascend(func(e pageEntry) bool {
		s.FreeBytes += int(p.header(e.base).free)
		return true
	})
	return s
}

// verify checks every indexed page and the index keys of pages not in the queue.
func (p *pool) verify() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.index == nil {
		return nil
	}
	queued := make(map[unsafe.Pointer]bool, p.nqueue)
	for _, b := range p.queue[:p.nqueue] {
		queued[b] = true
	}
	var err error
	p.index.Ascend(func(e pageEntry) bool {
		h := p.header(e.base)
		if h.indexed != e.free {
			err = fmt.Errorf("%v page %p: indexed under %d, header says %d", p.layout.kind(), e.base, e.free, h.indexed)
			return false
		}
		if !queued[e.base] && h.free != h.indexed {
			err = fmt.Errorf("%v page %p: stale index key %d, free %d", p.layout.kind(), e.base, h.indexed, h.free)
			return false
		}
		if err = p.layout.verify(e.base); err != nil {
			return false
		}
		return true
	})
	if err == nil && p.freeable != nil {
		if h := p.header(p.freeable); int(h.free) != p.capacity {
			err = fmt.Errorf("%v freeable page %p is not empty", p.layout.kind(), p.freeable)
		}
	}
	return err
}
