package malloc

import (
	"sync/atomic"
	"unsafe"

	"github.com/cloudwego/pagemalloc/unsafex"
)

const largeMagic uint64 = 0x6c617267_65626c6b // "largeblk"

// largeTrailer sits immediately before the data of a large block.
type largeTrailer struct {
	size  uint64 // bytes of the whole page range
	magic uint64
}

const largeTrailerSize = int(unsafe.Sizeof(largeTrailer{}))

// largeHandler maps every large block to its own page range.
type largeHandler struct {
	a    *Allocator
	data int // offset of the block data from the range base

	blocks atomic.Int64
	bytes  atomic.Int64
	allocs atomic.Uint64
	frees  atomic.Uint64
}

func newLargeHandler(a *Allocator, hdr, align int) *largeHandler {
	return &largeHandler{
		a:    a,
		data: unsafex.AlignUp(hdr+pageHeaderSize+largeTrailerSize, align),
	}
}

func (h *largeHandler) trailer(base unsafe.Pointer) *largeTrailer {
	return (*largeTrailer)(unsafe.Add(base, h.data-largeTrailerSize))
}

// alloc returns the data of a new large block and its usable size.
func (h *largeHandler) alloc(size int) (unsafe.Pointer, int) {
	total := unsafex.AlignUp(size+h.data, h.a.geo.pageSize)
	if total < size {
		return nil, 0
	}
	base, err := h.a.supplier.Acquire(total)
	if err != nil {
		h.a.logger.Warn("acquire large block failed", "size", size, "bytes", total, "err", err)
		return nil, 0
	}
	*headerAt(base, h.a.geo.hdr) = pageHeader{kind: kindLarge}
	*h.trailer(base) = largeTrailer{size: uint64(total), magic: largeMagic}
	h.a.table.add(base, kindLarge)

	h.blocks.Add(1)
	h.bytes.Add(int64(total))
	h.allocs.Add(1)
	return unsafe.Add(base, h.data), total - h.data
}

func (h *largeHandler) free(base, p unsafe.Pointer) {
	if uintptr(p)-uintptr(base) != uintptr(h.data) {
		panic("malloc: large block not at the data offset")
	}
	t := h.trailer(base)
	if t.magic != largeMagic {
		panic("malloc: large block trailer corrupted")
	}
	total := int(t.size)
	t.magic = 0
	headerAt(base, h.a.geo.hdr).kind = kindNone
	h.a.releasePage(base, total)

	h.blocks.Add(-1)
	h.bytes.Add(-int64(total))
	h.frees.Add(1)
}
