// Package malloc implements a general-purpose allocator on top of page ranges
// obtained from a pages.Supplier.
//
// Requests are split in three classes by their rounded size:
//
//   - small blocks, up to 32 rows of Alignment bytes, packed in bitmap-managed pages
//   - medium blocks, up to a page, kept between the gaps of a best-fit gap list
//   - large blocks, each in a page range of its own
//
// Small and medium pages are tracked per class by a free-space index, with a
// last-used page fast path and at most one parked empty page.
//
// Memory returned by an Allocator is not managed by the Go GC: it must not hold
// Go pointers, and it must be returned with Free.
package malloc

import (
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/cloudwego/pagemalloc/unsafex"
	"github.com/cloudwego/pagemalloc/unsafex/pages"
)

// geometry is everything derived from the page size and alignment.
type geometry struct {
	pageSize int
	pageMask uintptr
	hdr      int // supplier header size, offset of the pageHeader
	align    int
	smallMax int
	// mediumMax is the block capacity of an empty medium page.
	mediumMax int
}

// Allocator hands out blocks of memory. It is safe for concurrent use.
type Allocator struct {
	supplier pages.Supplier
	logger   *slog.Logger
	geo      geometry
	table    pageTable

	small  pool
	medium pool
	large  *largeHandler
}

// New creates an Allocator. opt may be nil.
func New(opt *Option) (*Allocator, error) {
	o := DefaultOption()
	o.merge(opt)
	if o.Supplier == nil {
		s, err := pages.NewOS(0)
		if err != nil {
			return nil, err
		}
		o.Supplier = s
	}
	if !unsafex.IsPowerOfTwo(o.Alignment) || o.Alignment < MinAlignment || o.Alignment > MaxAlignment {
		return nil, fmt.Errorf("alignment %d must be a power of two in [%d, %d]", o.Alignment, MinAlignment, MaxAlignment)
	}
	pageSize := o.Supplier.PageSize()
	if !unsafex.IsPowerOfTwo(pageSize) || pageSize > pages.MaxPageSize {
		return nil, fmt.Errorf("page size %d must be a power of two up to %d", pageSize, pages.MaxPageSize)
	}
	hdr := o.Supplier.HeaderSize()
	if hdr < 0 || hdr%8 != 0 || hdr >= pageSize/2 {
		return nil, fmt.Errorf("supplier header size %d invalid for page size %d", hdr, pageSize)
	}

	a := &Allocator{
		supplier: o.Supplier,
		logger:   o.Logger,
		geo: geometry{
			pageSize: pageSize,
			pageMask: uintptr(pageSize - 1),
			hdr:      hdr,
			align:    o.Alignment,
			smallMax: maxSmallRows * o.Alignment,
		},
	}
	small, err := newSmallLayout(pageSize, hdr, o.Alignment)
	if err != nil {
		return nil, err
	}
	medium, err := newMediumLayout(pageSize, hdr, o.Alignment, a.geo.smallMax+o.Alignment)
	if err != nil {
		return nil, err
	}
	if medium.capacity() <= a.geo.smallMax {
		return nil, fmt.Errorf("page size %d too small for alignment %d", pageSize, o.Alignment)
	}
	a.geo.mediumMax = medium.capacity()
	a.small.a, a.small.layout = a, small
	a.medium.a, a.medium.layout = a, medium
	a.large = newLargeHandler(a, hdr, o.Alignment)
	return a, nil
}

// PageSize returns the page size of the underlying supplier.
func (a *Allocator) PageSize() int {
	return a.geo.pageSize
}

// MediumMax returns the largest block served from a shared page.
// Bigger requests get a page range of their own.
func (a *Allocator) MediumMax() int {
	return a.geo.mediumMax
}

// SmallMax returns the largest block served from a small page.
func (a *Allocator) SmallMax() int {
	return a.geo.smallMax
}

// Alloc returns a block of size bytes aligned to Option.Alignment.
// The returned slice has len size and cap the rounded block size.
// It returns nil when size is negative or the supplier is exhausted.
func (a *Allocator) Alloc(size int) []byte {
	if size < 0 {
		return nil
	}
	n := size
	if n == 0 {
		n = 1
	}
	rounded := unsafex.AlignUp(n, a.geo.align)
	if rounded < n {
		return nil
	}

	var p unsafe.Pointer
	switch {
	case rounded > a.geo.mediumMax:
		var c int
		if p, c = a.large.alloc(size); p == nil {
			return nil
		}
		rounded = c
	case rounded <= a.geo.smallMax:
		p = a.small.alloc(rounded)
	default:
		p = a.medium.alloc(rounded)
	}
	if p == nil {
		return nil
	}
	return unsafex.SliceAt(p, size, rounded)
}

// Free returns a block obtained from Alloc. A block with zero capacity is ignored.
//
// Free panics if the block was not returned by this Allocator or was already freed.
func (a *Allocator) Free(b []byte) {
	if cap(b) == 0 {
		return
	}
	p := unsafe.Pointer(unsafe.SliceData(b))
	kind, ok := a.table.lookup(uintptr(p) &^ a.geo.pageMask)
	if !ok {
		panic("malloc: block not owned by allocator")
	}
	base := pageBase(p, a.geo.pageMask)
	if h := headerAt(base, a.geo.hdr); h.kind != kind {
		panic("malloc: page header corrupted")
	}
	switch kind {
	case kindSmall:
		a.small.free(base, p)
	case kindMedium:
		a.medium.free(base, p)
	case kindLarge:
		a.large.free(base, p)
	default:
		panic("malloc: unknown page kind")
	}
}

// Owns reports whether b points into a page range held by the Allocator.
// It does not tell whether the block is still live.
func (a *Allocator) Owns(b []byte) bool {
	if cap(b) == 0 {
		return false
	}
	_, ok := a.table.lookup(unsafex.DataAddr(b) &^ a.geo.pageMask)
	return ok
}

// Trim returns parked empty pages to the supplier and reports how many were released.
func (a *Allocator) Trim() int {
	return a.small.trim() + a.medium.trim()
}

// Stats is a snapshot of allocator usage.
type Stats struct {
	PageSize int
	Small    PoolStats
	Medium   PoolStats
	Large    LargeStats
}

// PoolStats describes the pages of one size class.
type PoolStats struct {
	Pages     int // pages holding live blocks
	Freeable  int // parked empty pages
	Capacity  int // block bytes of an empty page
	FreeBytes int // free bytes over Pages
	Allocs    uint64
	Frees     uint64
}

// InUse returns the bytes held by live blocks, rounding included.
func (s PoolStats) InUse() int {
	return s.Pages*s.Capacity - s.FreeBytes
}

// LargeStats describes live large blocks.
type LargeStats struct {
	Blocks int
	Bytes  int // page bytes, trailer and header included
	Allocs uint64
	Frees  uint64
}

// Stats returns a snapshot of usage. Classes are sampled one after another.
func (a *Allocator) Stats() Stats {
	return Stats{
		PageSize: a.geo.pageSize,
		Small:    a.small.stats(),
		Medium:   a.medium.stats(),
		Large: LargeStats{
			Blocks: int(a.large.blocks.Load()),
			Bytes:  int(a.large.bytes.Load()),
			Allocs: a.large.allocs.Load(),
			Frees:  a.large.frees.Load(),
		},
	}
}

// Verify walks every small and medium page and checks its bookkeeping.
// It is meant for tests and stress tools; it blocks each class while it runs.
func (a *Allocator) Verify() error {
	return errors.Join(a.small.verify(), a.medium.verify())
}

func (a *Allocator) acquirePage(kind pageKind) unsafe.Pointer {
	base, err := a.supplier.Acquire(a.geo.pageSize)
	if err != nil {
		a.logger.Warn("acquire page failed", "kind", kind, "err", err)
		return nil
	}
	a.table.add(base, kind)
	a.logger.Debug("acquire page", "kind", kind, "base", base)
	return base
}

func (a *Allocator) releasePage(base unsafe.Pointer, size int) {
	a.table.remove(base)
	if err := a.supplier.Release(base, size); err != nil {
		a.logger.Warn("release pages failed", "base", base, "size", size, "err", err)
		return
	}
	a.logger.Debug("release pages", "base", base, "size", size)
}
