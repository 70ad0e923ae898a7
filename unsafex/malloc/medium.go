package malloc

import (
	"fmt"
	"sort"
	"unsafe"

	"github.com/cloudwego/pagemalloc/unsafex"
)

// mediumPage is the header of a medium-block page, followed by the gap array.
type mediumPage struct {
	pageHeader
	ngaps   uint32
	maxGaps uint32
	_       [2]uint32
}

const mediumPageSize = int(unsafe.Sizeof(mediumPage{}))

// gap is a free byte range [start, end) relative to the page base.
type gap struct {
	start, end uint32
}

const gapSize = int(unsafe.Sizeof(gap{}))

// mediumLayout keeps a page as an ordered list of gaps. Allocated blocks are the
// spaces between consecutive gaps, so the list has one more entry than there are
// blocks, possibly with empty gaps.
type mediumLayout struct {
	off      int // offset of the mediumPage header from the page base
	pageSize int
	maxGaps  int
	data     int
}

// newMediumLayout sizes the gap array for blocks of at least minBlock bytes.
func newMediumLayout(pageSize, off, align, minBlock int) (*mediumLayout, error) {
	l := &mediumLayout{off: off, pageSize: pageSize, maxGaps: pageSize/minBlock + 1}
	l.data = unsafex.AlignUp(off+mediumPageSize+l.maxGaps*gapSize, align)
	if l.data >= pageSize {
		return nil, fmt.Errorf("page size %d too small for medium blocks", pageSize)
	}
	return l, nil
}

func (l *mediumLayout) kind() pageKind { return kindMedium }

func (l *mediumLayout) capacity() int { return l.pageSize - l.data }

func (l *mediumLayout) page(base unsafe.Pointer) *mediumPage {
	return (*mediumPage)(unsafe.Add(base, l.off))
}

func (l *mediumLayout) gaps(base unsafe.Pointer) []gap {
	p := l.page(base)
	all := unsafe.Slice((*gap)(unsafe.Add(base, l.off+mediumPageSize)), l.maxGaps)
	return all[:p.ngaps]
}

func (l *mediumLayout) init(base unsafe.Pointer) {
	p := l.page(base)
	*p = mediumPage{
		pageHeader: pageHeader{kind: kindMedium, free: uint32(l.capacity()), indexed: uint32(l.capacity())},
		ngaps:      1,
		maxGaps:    uint32(l.maxGaps),
	}
	l.gaps(base)[0] = gap{start: uint32(l.data), end: uint32(l.pageSize)}
}

func (l *mediumLayout) alloc(base unsafe.Pointer, size int) unsafe.Pointer {
	p := l.page(base)
	if int(p.free) < size {
		return nil
	}
	gaps := l.gaps(base)
	best, bestLen := -1, 0
	for i, g := range gaps {
		n := int(g.end - g.start)
		if n >= size && (best < 0 || n < bestLen) {
			best, bestLen = i, n
			if n == size {
				break
			}
		}
	}
	if best < 0 {
		return nil
	}
	if int(p.ngaps) == l.maxGaps {
		panic("malloc: medium page gap list overflow")
	}

	// [s, e) becomes [s, s) and [s+size, e), the block sits between them.
	s := gaps[best].start
	p.ngaps++
	gaps = gaps[:p.ngaps]
	copy(gaps[best+2:], gaps[best+1:])
	gaps[best+1] = gap{start: s + uint32(size), end: gaps[best].end}
	gaps[best].end = s
	p.free -= uint32(size)
	return unsafe.Add(base, int(s))
}

func (l *mediumLayout) free(base, p unsafe.Pointer) int {
	rel := uintptr(p) - uintptr(base)
	if rel < uintptr(l.data) || rel >= uintptr(l.pageSize) {
		panic("malloc: medium block out of page")
	}
	off := uint32(rel)
	gaps := l.gaps(base)
	i := sort.Search(len(gaps), func(i int) bool { return gaps[i].end >= off })
	if i+1 >= len(gaps) || gaps[i].end != off {
		panic("malloc: medium block not allocated")
	}
	size := int(gaps[i+1].start - off)
	gaps[i].end = gaps[i+1].end
	copy(gaps[i+1:], gaps[i+2:])
	mp := l.page(base)
	mp.ngaps--
	mp.free += uint32(size)
	return size
}

func (l *mediumLayout) verify(base unsafe.Pointer) error {
	p := l.page(base)
	if p.kind != kindMedium {
		return fmt.Errorf("medium page %p: kind %v", base, p.kind)
	}
	if p.ngaps == 0 || int(p.ngaps) > l.maxGaps {
		return fmt.Errorf("medium page %p: %d gaps, capacity %d", base, p.ngaps, l.maxGaps)
	}
	gaps := l.gaps(base)
	if int(gaps[0].start) < l.data || int(gaps[len(gaps)-1].end) != l.pageSize {
		return fmt.Errorf("medium page %p: gaps %v do not span the data area", base, gaps)
	}
	total := 0
	for i, g := range gaps {
		if g.end < g.start {
			return fmt.Errorf("medium page %p: inverted gap %v", base, g)
		}
		if i > 0 && g.start <= gaps[i-1].end {
			return fmt.Errorf("medium page %p: gaps %v and %v not separated by a block", base, gaps[i-1], g)
		}
		total += int(g.end - g.start)
	}
	if total != int(p.free) {
		return fmt.Errorf("medium page %p: %d bytes in gaps, header says %d", base, total, p.free)
	}
	return nil
}
