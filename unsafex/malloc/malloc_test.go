package malloc

import (
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/pagemalloc/unsafex"
	"github.com/cloudwego/pagemalloc/unsafex/pages"
)

func newTestAllocator(t testing.TB, opt *Option) *Allocator {
	t.Helper()
	a, err := New(opt)
	require.NoError(t, err)
	return a
}

// headerSupplier reserves hdr bytes at the start of every range and fills them
// with a pattern so tests can detect writes into them.
type headerSupplier struct {
	pages.Supplier
	hdr int
}

const headerPattern = 0xa5

func (s *headerSupplier) HeaderSize() int { return s.hdr }

func (s *headerSupplier) Acquire(size int) (unsafe.Pointer, error) {
	p, err := s.Supplier.Acquire(size)
	if err == nil {
		for i := 0; i < s.hdr; i++ {
			*(*byte)(unsafe.Add(p, i)) = headerPattern
		}
	}
	return p, err
}

func (s *headerSupplier) intact(p unsafe.Pointer) bool {
	for i := 0; i < s.hdr; i++ {
		if *(*byte)(unsafe.Add(p, i)) != headerPattern {
			return false
		}
	}
	return true
}

// fixedSupplier reports an arbitrary geometry and never hands out memory.
type fixedSupplier struct {
	pageSize, hdr int
}

func (s fixedSupplier) PageSize() int   { return s.pageSize }
func (s fixedSupplier) HeaderSize() int { return s.hdr }
func (s fixedSupplier) Acquire(int) (unsafe.Pointer, error) {
	return nil, pages.ErrExhausted
}
func (s fixedSupplier) Release(unsafe.Pointer, int) error { return pages.ErrNotOwned }

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		opt     *Option
		wantErr bool
	}{
		{"nil", nil, false},
		{"default", DefaultOption(), false},
		{"align_8", &Option{Alignment: 8}, false},
		{"align_32", &Option{Alignment: 32}, false},
		{"align_4", &Option{Alignment: 4}, true},
		{"align_64", &Option{Alignment: 64}, true},
		{"align_24", &Option{Alignment: 24}, true},
		{"page_not_pow2", &Option{Supplier: fixedSupplier{pageSize: 3000}}, true},
		{"page_too_big", &Option{Supplier: fixedSupplier{pageSize: 2 << 20}}, true},
		{"page_too_small", &Option{Supplier: fixedSupplier{pageSize: 512}}, true},
		{"page_1k_align_8", &Option{Supplier: fixedSupplier{pageSize: 1024}, Alignment: 8}, false},
		{"header_unaligned", &Option{Supplier: fixedSupplier{pageSize: 4096, hdr: 12}}, true},
		{"header_too_big", &Option{Supplier: fixedSupplier{pageSize: 4096, hdr: 2048}}, true},
		{"header_ok", &Option{Supplier: fixedSupplier{pageSize: 4096, hdr: 64}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.opt)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Greater(t, a.MediumMax(), a.SmallMax())
		})
	}
}

func TestAllocFree(t *testing.T) {
	a := newTestAllocator(t, nil)

	b := a.Alloc(100)
	require.NotNil(t, b)
	assert.Equal(t, 100, len(b))
	assert.Equal(t, 112, cap(b))
	assert.Zero(t, unsafex.DataAddr(b)%DefaultAlignment)
	for i := range b {
		b[i] = byte(i)
	}
	for i := range b {
		assert.Equal(t, byte(i), b[i])
	}
	assert.True(t, a.Owns(b))
	a.Free(b)

	assert.Nil(t, a.Alloc(-1))
	a.Free(nil)
	a.Free([]byte{}[:0:0])
	assert.False(t, a.Owns(nil))
	assert.False(t, a.Owns(make([]byte, 10)))
	require.NoError(t, a.Verify())
}

func TestAllocRouting(t *testing.T) {
	a := newTestAllocator(t, nil)
	tests := []struct {
		name    string
		size    int
		kind    pageKind
		wantCap int
	}{
		{"zero", 0, kindSmall, 16},
		{"one", 1, kindSmall, 16},
		{"one_row", 16, kindSmall, 16},
		{"small_max", a.SmallMax(), kindSmall, a.SmallMax()},
		{"small_max_plus_one", a.SmallMax() + 1, kindMedium, a.SmallMax() + 16},
		{"medium_max", a.MediumMax(), kindMedium, a.MediumMax()},
		{"medium_max_plus_one", a.MediumMax() + 1, kindLarge, 0},
		{"pages", 3 * a.PageSize(), kindLarge, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := a.Alloc(tt.size)
			require.NotNil(t, b)
			assert.Equal(t, tt.size, len(b))
			if tt.wantCap > 0 {
				assert.Equal(t, tt.wantCap, cap(b))
			} else {
				assert.GreaterOrEqual(t, cap(b), tt.size)
			}
			kind, ok := a.table.lookup(unsafex.DataAddr(b) &^ a.geo.pageMask)
			require.True(t, ok)
			assert.Equal(t, tt.kind, kind)
			a.Free(b)
		})
	}
	require.NoError(t, a.Verify())
}

func TestAllocScenario(t *testing.T) {
	a := newTestAllocator(t, nil)
	sizes := []int{8, 8, 200, 8, 4096 * 3}
	blocks := make([][]byte, len(sizes))
	for i, size := range sizes {
		blocks[i] = a.Alloc(size)
		require.NotNil(t, blocks[i])
	}
	assertNoOverlapBlocks(t, blocks)
	smallPages := a.Stats().Small.Pages

	addr := unsafex.DataAddr(blocks[1])
	a.Free(blocks[1])
	blocks[1] = a.Alloc(8)
	assert.Equal(t, addr, unsafex.DataAddr(blocks[1]))
	assert.Equal(t, smallPages, a.Stats().Small.Pages)

	for _, b := range blocks {
		a.Free(b)
	}
	s := a.Stats()
	assert.Zero(t, s.Small.Pages)
	assert.LessOrEqual(t, s.Small.Freeable, 1)
	assert.Zero(t, s.Medium.Pages)
	assert.LessOrEqual(t, s.Medium.Freeable, 1)
	assert.Zero(t, s.Large.Blocks)
	require.NoError(t, a.Verify())
}

func TestAllocIdempotent(t *testing.T) {
	a := newTestAllocator(t, nil)
	keep := [][]byte{a.Alloc(64), a.Alloc(900), a.Alloc(10)}
	before := a.Stats()
	for _, size := range []int{0, 32, 512, 513, 2000, a.MediumMax() + 1} {
		a.Free(a.Alloc(size))
		after := a.Stats()
		assert.Equal(t, before.Small.Pages, after.Small.Pages)
		assert.Equal(t, before.Small.FreeBytes, after.Small.FreeBytes)
		assert.Equal(t, before.Medium.Pages, after.Medium.Pages)
		assert.Equal(t, before.Medium.FreeBytes, after.Medium.FreeBytes)
		assert.Equal(t, before.Large.Blocks, after.Large.Blocks)
	}
	for _, b := range keep {
		a.Free(b)
	}
}

func TestFreePanics(t *testing.T) {
	a := newTestAllocator(t, nil)

	assert.PanicsWithValue(t, "malloc: block not owned by allocator", func() { a.Free(make([]byte, 8)) })

	small := a.Alloc(8)
	a.Free(small)
	// The page is parked, its rows are all free again.
	assert.PanicsWithValue(t, "malloc: double free of small block", func() { a.Free(small) })

	keep := a.Alloc(8)
	small = a.Alloc(48)
	assert.PanicsWithValue(t, "malloc: pointer inside a small block", func() { a.Free(small[16:]) })
	a.Free(small)

	medium := a.Alloc(1000)
	assert.PanicsWithValue(t, "malloc: medium block not allocated", func() { a.Free(medium[16:]) })
	a.Free(medium)

	large := a.Alloc(a.MediumMax() + 1)
	assert.PanicsWithValue(t, "malloc: large block not at the data offset", func() { a.Free(large[16:]) })
	a.Free(large)
	a.Free(keep)
	require.NoError(t, a.Verify())
}

// blockPage returns the base of the page range holding b.
func blockPage(a *Allocator, b []byte) unsafe.Pointer {
	return pageBase(unsafe.Pointer(unsafe.SliceData(b)), a.geo.pageMask)
}

func TestFreeHeaderMismatch(t *testing.T) {
	a := newTestAllocator(t, nil)
	b := a.Alloc(8)
	h := headerAt(blockPage(a, b), a.geo.hdr)
	h.kind = kindMedium
	assert.PanicsWithValue(t, "malloc: page header corrupted", func() { a.Free(b) })
	h.kind = kindSmall
	a.Free(b)
}

func TestFreeablePage(t *testing.T) {
	s, err := pages.NewHeap(0)
	require.NoError(t, err)
	a := newTestAllocator(t, &Option{Supplier: s})

	b := a.Alloc(8)
	a.Free(b)
	st := a.Stats()
	assert.Zero(t, st.Small.Pages)
	assert.Equal(t, 1, st.Small.Freeable)
	assert.Equal(t, 1, s.InUse())

	// The parked page is reused before asking the supplier.
	b = a.Alloc(8)
	assert.Equal(t, 1, s.InUse())
	assert.Zero(t, a.Stats().Small.Freeable)
	a.Free(b)

	assert.Equal(t, 1, a.Trim())
	assert.Zero(t, a.Trim())
	assert.Zero(t, s.InUse())
	assert.Zero(t, a.table.len())
}

// Emptying two pages keeps only one of them.
func TestFreeableReleasesPrevious(t *testing.T) {
	s, err := pages.NewHeap(0)
	require.NoError(t, err)
	a := newTestAllocator(t, &Option{Supplier: s})

	var first, second [][]byte
	for a.Stats().Medium.Pages < 2 {
		b := a.Alloc(a.MediumMax() / 2)
		require.NotNil(t, b)
		if a.Stats().Medium.Pages == 1 {
			first = append(first, b)
		} else {
			second = append(second, b)
		}
	}
	assert.Equal(t, 2, s.InUse())
	for _, b := range first {
		a.Free(b)
	}
	for _, b := range second {
		a.Free(b)
	}
	st := a.Stats()
	assert.Zero(t, st.Medium.Pages)
	assert.Equal(t, 1, st.Medium.Freeable)
	assert.Equal(t, 1, s.InUse())
}

func TestSupplierHeader(t *testing.T) {
	heap, err := pages.NewHeap(0)
	require.NoError(t, err)
	s := &headerSupplier{Supplier: heap, hdr: 64}
	a := newTestAllocator(t, &Option{Supplier: s})

	r := rand.New(rand.NewSource(3))
	var blocks [][]byte
	for i := 0; i < 500; i++ {
		size := r.Intn(3 * a.PageSize())
		b := a.Alloc(size)
		require.NotNil(t, b)
		b = b[:cap(b)]
		for j := range b {
			b[j] = 0xff
		}
		blocks = append(blocks, b)
	}
	for _, b := range blocks {
		require.True(t, s.intact(blockPage(a, b)))
	}
	require.NoError(t, a.Verify())
	for _, b := range blocks {
		a.Free(b)
	}
	a.Trim()
	assert.Zero(t, heap.InUse())
}

func TestExhaustion(t *testing.T) {
	heap, err := pages.NewHeap(0)
	require.NoError(t, err)
	arena, err := pages.NewArena(heap, 4*heap.PageSize(), 4)
	require.NoError(t, err)
	defer arena.Close()
	a := newTestAllocator(t, &Option{Supplier: arena})

	var blocks [][]byte
	for {
		b := a.Alloc(a.MediumMax())
		if b == nil {
			break
		}
		blocks = append(blocks, b)
	}
	assert.Len(t, blocks, 4)
	assert.Nil(t, a.Alloc(8))
	assert.Nil(t, a.Alloc(a.MediumMax()+1))
	require.NoError(t, a.Verify())
	assert.Equal(t, 4, a.table.len())

	// The empty page stays parked in the medium pool.
	a.Free(blocks[0])
	assert.Nil(t, a.Alloc(8))
	blocks[0] = a.Alloc(a.MediumMax())
	require.NotNil(t, blocks[0])

	a.Free(blocks[0])
	assert.Equal(t, 1, a.Trim())
	small := a.Alloc(8)
	require.NotNil(t, small)
	a.Free(small)
	for _, b := range blocks[1:] {
		a.Free(b)
	}
	require.NoError(t, a.Verify())
}

func TestUpdateQueue(t *testing.T) {
	a := newTestAllocator(t, nil)
	p := &a.small

	// Fill more pages than the queue holds.
	var blocks [][]byte
	for p.index == nil || p.index.Len() < updateQueueLen+3 {
		b := a.Alloc(a.SmallMax())
		require.NotNil(t, b)
		blocks = append(blocks, b)
	}
	assert.LessOrEqual(t, p.nqueue, updateQueueLen)
	require.NoError(t, a.Verify())

	// Free one block on every page, touching more pages than the queue holds.
	seen := map[uintptr]bool{}
	for i, b := range blocks {
		base := unsafex.DataAddr(b) &^ a.geo.pageMask
		if !seen[base] {
			seen[base] = true
			a.Free(b)
			blocks[i] = nil
		}
		assert.LessOrEqual(t, p.nqueue, updateQueueLen)
	}
	require.NoError(t, a.Verify())
	for i := 0; i < p.nqueue; i++ {
		for j := i + 1; j < p.nqueue; j++ {
			assert.NotEqual(t, p.queue[i], p.queue[j])
		}
	}
	for _, b := range blocks {
		a.Free(b)
	}
	require.NoError(t, a.Verify())
}

func TestAllocRandom(t *testing.T) {
	tests := []struct {
		name  string
		align int
	}{
		{"align_8", 8},
		{"align_16", 16},
		{"align_32", 32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAllocator(t, &Option{Alignment: tt.align})
			r := rand.New(rand.NewSource(int64(tt.align)))
			live := map[uintptr][]byte{}
			for i := 0; i < 20000; i++ {
				if len(live) > 0 && r.Intn(2) == 0 {
					for addr, b := range live {
						require.Equal(t, byte(addr), b[len(b)-1])
						a.Free(b)
						delete(live, addr)
						break
					}
					continue
				}
				size := r.Intn(2*a.MediumMax()) + 1
				if r.Intn(4) > 0 {
					size = r.Intn(a.SmallMax()) + 1
				}
				b := a.Alloc(size)
				require.NotNil(t, b)
				addr := unsafex.DataAddr(b)
				require.Zero(t, addr%uintptr(tt.align))
				b[len(b)-1] = byte(addr)
				live[addr] = b
				if i%1000 == 0 {
					require.NoError(t, a.Verify())
				}
			}
			spans := make(map[uintptr]int, len(live))
			for addr, b := range live {
				spans[addr] = cap(b)
			}
			assertNoOverlap(t, spans)
			for _, b := range live {
				a.Free(b)
			}
			st := a.Stats()
			assert.Zero(t, st.Small.Pages)
			assert.Zero(t, st.Medium.Pages)
			assert.Zero(t, st.Large.Blocks)
			assert.Equal(t, st.Small.Allocs, st.Small.Frees)
			require.NoError(t, a.Verify())
		})
	}
}

func TestAllocConcurrent(t *testing.T) {
	heap, err := pages.NewHeap(0)
	require.NoError(t, err)
	tests := []struct {
		name     string
		supplier pages.Supplier
	}{
		{"os", nil},
		{"heap", heap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAllocator(t, &Option{Supplier: tt.supplier})
			var wg sync.WaitGroup
			errs := make(chan error, 8)
			for g := 0; g < 8; g++ {
				wg.Add(1)
				go func(seed int64) {
					defer wg.Done()
					r := rand.New(rand.NewSource(seed))
					var live [][]byte
					for i := 0; i < 5000; i++ {
						if len(live) > 0 && r.Intn(2) == 0 {
							j := r.Intn(len(live))
							b := live[j]
							for k := range b {
								if b[k] != byte(seed) {
									errs <- errors.New("block overwritten by another goroutine")
									return
								}
							}
							a.Free(b)
							live[j] = live[len(live)-1]
							live = live[:len(live)-1]
							continue
						}
						b := a.Alloc(r.Intn(3*a.PageSize()) + 1)
						for k := range b {
							b[k] = byte(seed)
						}
						live = append(live, b)
					}
					for _, b := range live {
						a.Free(b)
					}
				}(int64(g))
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatal(err)
			}
			require.NoError(t, a.Verify())
			st := a.Stats()
			assert.Zero(t, st.Small.Pages)
			assert.Zero(t, st.Medium.Pages)
			assert.Zero(t, st.Large.Blocks)
			a.Trim()
		})
	}
	assert.Zero(t, heap.InUse())
}

func TestStats(t *testing.T) {
	a := newTestAllocator(t, nil)
	s := a.Alloc(100)
	m := a.Alloc(2000)
	l := a.Alloc(a.MediumMax() + 1)

	st := a.Stats()
	assert.Equal(t, a.PageSize(), st.PageSize)
	assert.Equal(t, 1, st.Small.Pages)
	assert.Equal(t, cap(s), st.Small.InUse())
	assert.Equal(t, 1, st.Medium.Pages)
	assert.Equal(t, cap(m), st.Medium.InUse())
	assert.Equal(t, 1, st.Large.Blocks)
	assert.Equal(t, unsafex.AlignUp(cap(l)+a.large.data, a.PageSize()), st.Large.Bytes)
	assert.Equal(t, uint64(1), st.Large.Allocs)

	a.Free(s)
	a.Free(m)
	a.Free(l)
	st = a.Stats()
	assert.Zero(t, st.Small.InUse())
	assert.Zero(t, st.Large.Bytes)
	assert.Equal(t, uint64(1), st.Large.Frees)
}

func assertNoOverlapBlocks(t *testing.T, blocks [][]byte) {
	t.Helper()
	spans := make(map[uintptr]int, len(blocks))
	for _, b := range blocks {
		spans[unsafex.DataAddr(b)] = cap(b)
	}
	assertNoOverlap(t, spans)
}

func BenchmarkAlloc(b *testing.B) {
	a := newTestAllocator(b, nil)
	for _, size := range []int{16, 256, 2048, 64 << 10} {
		b.Run(strconv.Itoa(size), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				a.Free(a.Alloc(size))
			}
		})
	}
}

func BenchmarkAllocParallel(b *testing.B) {
	a := newTestAllocator(b, nil)
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			a.Free(a.Alloc(128))
		}
	})
}
