package malloc

import (
	"fmt"
	"unsafe"

	"github.com/cloudwego/pagemalloc/unsafex"
)

// maxSmallRows is the largest block of a small page, in rows.
const maxSmallRows = 32

// smallPage is the header of a small-block page. The available and
// block-end bitmaps follow it, then the rows.
type smallPage struct {
	pageHeader
	rows  uint32
	words uint32
	data  uint32
	_     uint32
}

const smallPageSize = int(unsafe.Sizeof(smallPage{}))

// smallLayout carves a page into fixed-size rows tracked by two bitmaps:
// available marks free rows, blockEnd marks the last row of each live block.
type smallLayout struct {
	off   int // offset of the smallPage header from the page base
	align int
	shift int
	rows  int
	words int
	data  int
}

func newSmallLayout(pageSize, off, align int) (*smallLayout, error) {
	fixed := off + smallPageSize
	if fixed >= pageSize {
		return nil, fmt.Errorf("page size %d too small for small blocks", pageSize)
	}
	l := &smallLayout{off: off, align: align, shift: log2(align)}

	// Bitmaps eat into the rows: grow the bitmap a word at a time while the
	// rows it can describe still fit.
	for words := 1; ; words++ {
		data := unsafex.AlignUp(fixed+2*words*8, align)
		if data >= pageSize {
			break
		}
		rows := min((pageSize-data)/align, words*64)
		if rows > l.rows {
			l.rows, l.words, l.data = rows, words, data
		}
		if rows < words*64 {
			break
		}
	}
	if l.rows < maxSmallRows {
		return nil, fmt.Errorf("page size %d holds %d rows of %d bytes, need at least %d",
			pageSize, l.rows, align, maxSmallRows)
	}
	return l, nil
}

func (l *smallLayout) kind() pageKind { return kindSmall }

func (l *smallLayout) capacity() int { return l.rows * l.align }

func (l *smallLayout) page(base unsafe.Pointer) *smallPage {
	return (*smallPage)(unsafe.Add(base, l.off))
}

func (l *smallLayout) bitmaps(base unsafe.Pointer) (available, blockEnd []uint64) {
	all := wordsAt(unsafe.Add(base, l.off+smallPageSize), 2*l.words)
	return all[:l.words:l.words], all[l.words:]
}

func (l *smallLayout) init(base unsafe.Pointer) {
	p := l.page(base)
	*p = smallPage{
		pageHeader: pageHeader{kind: kindSmall, free: uint32(l.capacity()), indexed: uint32(l.capacity())},
		rows:       uint32(l.rows),
		words:      uint32(l.words),
		data:       uint32(l.data),
	}
	available, blockEnd := l.bitmaps(base)
	clear(available)
	clear(blockEnd)
	setBits(available, 0, l.rows)
}

func (l *smallLayout) alloc(base unsafe.Pointer, size int) unsafe.Pointer {
	if size <= 0 {
		size = 1
	}
	rows := (size + l.align - 1) >> l.shift
	if rows > maxSmallRows {
		panic("malloc: small block larger than 32 rows")
	}
	p := l.page(base)
	if int(p.free) < rows*l.align {
		return nil
	}
	available, blockEnd := l.bitmaps(base)
	idx := findFirstRun(available, rows)
	if idx < 0 {
		return nil
	}
	clearBits(available, idx, rows)
	setBit(blockEnd, idx+rows-1)
	p.free -= uint32(rows * l.align)
	return unsafe.Add(base, l.data+idx<<l.shift)
}

func (l *smallLayout) free(base, p unsafe.Pointer) int {
	if uintptr(p) < uintptr(base)+uintptr(l.data) {
		panic("malloc: small block below the page data")
	}
	off := int(uintptr(p) - uintptr(base) - uintptr(l.data))
	if off&(l.align-1) != 0 {
		panic("malloc: small block not row aligned")
	}
	start := off >> l.shift
	if start >= l.rows {
		panic("malloc: small block out of page")
	}
	available, blockEnd := l.bitmaps(base)
	if testBit(available, start) {
		panic("malloc: double free of small block")
	}
	// The previous row must be free or end a block, otherwise addr is inside a block.
	if start > 0 && !testBit(available, start-1) && !testBit(blockEnd, start-1) {
		panic("malloc: pointer inside a small block")
	}
	end := findFirstSet(blockEnd, start)
	if end < 0 {
		panic("malloc: small page bitmap corrupted")
	}
	n := end - start + 1
	setBits(available, start, n)
	clearBit(blockEnd, end)
	l.page(base).free += uint32(n * l.align)
	return n * l.align
}

func (l *smallLayout) verify(base unsafe.Pointer) error {
	p := l.page(base)
	if p.kind != kindSmall {
		return fmt.Errorf("small page %p: kind %v", base, p.kind)
	}
	available, blockEnd := l.bitmaps(base)
	if got := countBits(available) * l.align; got != int(p.free) {
		return fmt.Errorf("small page %p: %d bytes available, header says %d", base, got, p.free)
	}
	inBlock := false
	for r := 0; r < l.rows; r++ {
		switch {
		case testBit(available, r):
			if inBlock || testBit(blockEnd, r) {
				return fmt.Errorf("small page %p: row %d free inside a block", base, r)
			}
		case testBit(blockEnd, r):
			inBlock = false
		default:
			inBlock = true
		}
	}
	if inBlock {
		return fmt.Errorf("small page %p: unterminated block", base)
	}
	for r := l.rows; r < l.words*64; r++ {
		if testBit(available, r) || testBit(blockEnd, r) {
			return fmt.Errorf("small page %p: bit %d set past the last row", base, r)
		}
	}
	return nil
}

func log2(n int) int {
	s := 0
	for n > 1 {
		n >>= 1
		s++
	}
	return s
}
