package malloc

import (
	"sync"
	"unsafe"
)

type pageKind uint8

const (
	kindNone pageKind = iota
	kindSmall
	kindMedium
	kindLarge
)

func (k pageKind) String() string {
	switch k {
	case kindSmall:
		return "small"
	case kindMedium:
		return "medium"
	case kindLarge:
		return "large"
	}
	return "none"
}

// pageHeader starts every page range, right after the supplier header.
type pageHeader struct {
	kind pageKind
	_    [3]byte
	// free is the number of bytes available for new blocks.
	free uint32
	// indexed is the free value the page is currently keyed under in the free-space index.
	indexed uint32
	_       uint32
}

const pageHeaderSize = int(unsafe.Sizeof(pageHeader{}))

func headerAt(base unsafe.Pointer, off int) *pageHeader {
	return (*pageHeader)(unsafe.Add(base, off))
}

// pageBase returns the base of the page holding p, derived from p itself.
func pageBase(p unsafe.Pointer, mask uintptr) unsafe.Pointer {
	return unsafe.Add(p, -int(uintptr(p)&mask))
}

// pageLayout is the page-level routine of a pool.
type pageLayout interface {
	kind() pageKind
	// capacity is the free byte count of an empty page.
	capacity() int
	// init formats an acquired page as an empty page.
	init(base unsafe.Pointer)
	// alloc carves size bytes out of the page, returning nil if they do not fit.
	alloc(base unsafe.Pointer, size int) unsafe.Pointer
	// free returns the block at p to the page and reports its size.
	// It panics when p is not a live block of the page.
	free(base, p unsafe.Pointer) int
	// verify checks the page's bookkeeping against its free count.
	verify(base unsafe.Pointer) error
}

// pageTable records every page range the allocator owns, keyed by base address.
type pageTable struct {
	mu    sync.RWMutex
	pages map[uintptr]pageKind
}

func (t *pageTable) add(base unsafe.Pointer, k pageKind) {
	t.mu.Lock()
	if t.pages == nil {
		t.pages = make(map[uintptr]pageKind)
	}
	t.pages[uintptr(base)] = k
	t.mu.Unlock()
}

func (t *pageTable) remove(base unsafe.Pointer) {
	t.mu.Lock()
	delete(t.pages, uintptr(base))
	t.mu.Unlock()
}

func (t *pageTable) lookup(base uintptr) (pageKind, bool) {
	t.mu.RLock()
	k, ok := t.pages[base]
	t.mu.RUnlock()
	return k, ok
}

func (t *pageTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pages)
}
