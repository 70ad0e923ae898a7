/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package pages

import (
	"fmt"
	"math/bits"
	"sync"
	"unsafe"

	"github.com/cloudwego/pagemalloc/unsafex"
)

// ArenaSupplier hands out page runs from a single range acquired up-front,
// which puts a hard bound on the memory an allocator can use.
//
// Runs are managed by a buddy system: a request of n pages is served by a run of
// the next power of two pages. Freed runs are merged with their buddies lazily,
// only when a request cannot be served otherwise.
type ArenaSupplier struct {
	mu sync.Mutex

	backing   Supplier
	base      unsafe.Pointer
	arenaSize int

	// freeLists holds free run offsets for each order.
	// freeLists[0] is for single pages, freeLists[maxOrder] for the largest runs.
	freeLists [][]int

	// live maps the offset of every handed out run to its order.
	live map[int]int

	// needsCoalesce is a hint that adjacent free buddies may exist.
	needsCoalesce bool

	pageSize  int
	pageShift int
	maxOrder  int
	maxRun    int
}

// NewArena acquires size bytes from backing and serves runs of up to maxPages pages.
// maxPages must be a power of two and size a multiple of maxPages*backing.PageSize().
func NewArena(backing Supplier, size, maxPages int) (*ArenaSupplier, error) {
	if backing.HeaderSize() != 0 {
		return nil, fmt.Errorf("arena backing supplier must not reserve a header, got %d", backing.HeaderSize())
	}
	if !unsafex.IsPowerOfTwo(maxPages) {
		return nil, fmt.Errorf("maxPages must be a power of two, got %d", maxPages)
	}
	pageSize := backing.PageSize()
	maxRun := maxPages * pageSize
	if size < maxRun || size%maxRun != 0 {
		return nil, fmt.Errorf("arena size must be a multiple of %d bytes, got %d", maxRun, size)
	}

	base, err := backing.Acquire(size)
	if err != nil {
		return nil, err
	}

	maxOrder := bits.TrailingZeros(uint(maxPages))
	a := &ArenaSupplier{
		backing:   backing,
		base:      base,
		arenaSize: size,
		freeLists: make([][]int, maxOrder+1),
		live:      make(map[int]int),
		pageSize:  pageSize,
		pageShift: bits.TrailingZeros(uint(pageSize)),
		maxOrder:  maxOrder,
		maxRun:    maxRun,
	}
	a.resetLocked()
	return a, nil
}

// PageSize implements Supplier.
func (a *ArenaSupplier) PageSize() int { return a.pageSize }

// HeaderSize implements Supplier.
func (a *ArenaSupplier) HeaderSize() int { return 0 }

// Acquire implements Supplier. It returns ErrExhausted when no run is large enough.
func (a *ArenaSupplier) Acquire(size int) (unsafe.Pointer, error) {
	if err := checkRangeSize(size, a.pageSize); err != nil {
		return nil, err
	}
	if size > a.maxRun {
		return nil, ErrExhausted
	}
	order := a.orderForPages(size >> a.pageShift)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.base == nil {
		return nil, ErrExhausted
	}

	// Fast path: exact order match
	if freeList := a.freeLists[order]; len(freeList) > 0 {
		n := len(freeList) - 1
		offset := freeList[n]
		a.freeLists[order] = freeList[:n]
		a.live[offset] = order
		return unsafe.Add(a.base, offset), nil
	}
	return a.acquireSlow(order)
}

func (a *ArenaSupplier) acquireSlow(order int) (unsafe.Pointer, error) {
	foundOrder := -1
	for o := order + 1; o <= a.maxOrder; o++ {
		if len(a.freeLists[o]) > 0 {
			foundOrder = o
			break
		}
	}

	if foundOrder == -1 {
		if !a.needsCoalesce {
			return nil, ErrExhausted
		}
		foundOrder = a.coalesceUntil(order)
		if foundOrder == -1 {
			a.needsCoalesce = false
			return nil, ErrExhausted
		}
	}

	freeList := a.freeLists[foundOrder]
	n := len(freeList) - 1
	offset := freeList[n]
	a.freeLists[foundOrder] = freeList[:n]

	// The left half keeps the offset, the right half goes to the lower order.
	for foundOrder > order {
		foundOrder--
		right := offset + (a.pageSize << foundOrder)
		a.freeLists[foundOrder] = append(a.freeLists[foundOrder], right)
	}
	a.live[offset] = order
	return unsafe.Add(a.base, offset), nil
}

// Release implements Supplier.
func (a *ArenaSupplier) Release(p unsafe.Pointer, size int) error {
	if err := checkRangeSize(size, a.pageSize); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.base == nil {
		return ErrNotOwned
	}
	offset := int(uintptr(p) - uintptr(a.base))
	if offset < 0 || offset >= a.arenaSize {
		return ErrNotOwned
	}
	order, ok := a.live[offset]
	if !ok || order != a.orderForPages(size>>a.pageShift) {
		return ErrNotOwned
	}
	delete(a.live, offset)
	a.freeLists[order] = append(a.freeLists[order], offset)
	if order < a.maxOrder {
		a.needsCoalesce = true
	}
	return nil
}

// Available returns the number of free bytes, regardless of fragmentation.
func (a *ArenaSupplier) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for order, freeList := range a.freeLists {
		total += len(freeList) * (a.pageSize << order)
	}
	return total
}

// Close returns the arena to the backing supplier.
// Runs still handed out become invalid.
func (a *ArenaSupplier) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.base == nil {
		return nil
	}
	err := a.backing.Release(a.base, a.arenaSize)
	a.base = nil
	for i := range a.freeLists {
		a.freeLists[i] = a.freeLists[i][:0]
	}
	a.live = make(map[int]int)
	return err
}

// coalesceUntil merges adjacent free buddies until a run of at least targetOrder exists.
// Returns the order of a suitable run, or -1 if none is available.
func (a *ArenaSupplier) coalesceUntil(targetOrder int) int {
	for o := targetOrder; o <= a.maxOrder; o++ {
		if len(a.freeLists[o]) > 0 {
			return o
		}
	}

	// Merging at lower orders creates runs that can be merged at higher orders.
	for order := 0; order < targetOrder; order++ {
		freeList := a.freeLists[order]
		listLen := len(freeList)
		if listLen < 2 {
			continue
		}

		// Insertion sort, free lists are short and mostly sorted.
		for i := 1; i < listLen; i++ {
			for j := i; j > 0 && freeList[j] < freeList[j-1]; j-- {
				freeList[j], freeList[j-1] = freeList[j-1], freeList[j]
			}
		}

		runSize := a.pageSize << order
		n := 0
		for i := 0; i < listLen; {
			offset := freeList[i]
			if i+1 < listLen && freeList[i+1] == offset^runSize {
				a.freeLists[order+1] = append(a.freeLists[order+1], offset&^runSize)
				i += 2
			} else {
				freeList[n] = offset
				n++
				i++
			}
		}
		a.freeLists[order] = freeList[:n]
	}

	for o := targetOrder; o <= a.maxOrder; o++ {
		if len(a.freeLists[o]) > 0 {
			return o
		}
	}
	return -1
}

func (a *ArenaSupplier) resetLocked() {
	for i := 0; i < a.maxOrder; i++ {
		capacity := 1 << (a.maxOrder - i)
		if capacity > 64 {
			capacity = 64
		}
		a.freeLists[i] = make([]int, 0, capacity)
	}
	roots := a.arenaSize / a.maxRun
	a.freeLists[a.maxOrder] = make([]int, 0, roots)
	for i := 0; i < roots; i++ {
		a.freeLists[a.maxOrder] = append(a.freeLists[a.maxOrder], i*a.maxRun)
	}
	a.needsCoalesce = false
}

// orderForPages returns the smallest order whose run holds n pages.
func (a *ArenaSupplier) orderForPages(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}
