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
	"sync"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/cloudwego/pagemalloc/unsafex"
)

// HeapSupplier carves page-aligned ranges out of Go memory.
// Ranges are kept reachable until they are released, so the GC never frees them.
// Memory is not zeroed, like memory returned by malloc.
type HeapSupplier struct {
	pageSize int

	mu   sync.Mutex
	live map[uintptr][]byte
}

// NewHeap creates a HeapSupplier. pageSize 0 selects the OS page size.
func NewHeap(pageSize int) (*HeapSupplier, error) {
	sz, err := checkPageSize(pageSize)
	if err != nil {
		return nil, err
	}
	return &HeapSupplier{pageSize: sz, live: make(map[uintptr][]byte)}, nil
}

// PageSize implements Supplier.
func (s *HeapSupplier) PageSize() int { return s.pageSize }

// HeaderSize implements Supplier.
func (s *HeapSupplier) HeaderSize() int { return 0 }

// Acquire implements Supplier.
func (s *HeapSupplier) Acquire(size int) (unsafe.Pointer, error) {
	if err := checkRangeSize(size, s.pageSize); err != nil {
		return nil, err
	}
	n := size + s.pageSize
	buf := dirtmake.Bytes(n, n)
	addr := unsafex.DataAddr(buf)
	off := unsafex.AlignUp(int(addr), s.pageSize) - int(addr)

	p := unsafe.Pointer(&buf[off])
	s.mu.Lock()
	s.live[uintptr(p)] = buf
	s.mu.Unlock()
	return p, nil
}

// Release implements Supplier.
func (s *HeapSupplier) Release(p unsafe.Pointer, size int) error {
	if err := checkRangeSize(size, s.pageSize); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.live[uintptr(p)]
	if !ok || len(buf) != size+s.pageSize {
		return ErrNotOwned
	}
	delete(s.live, uintptr(p))
	return nil
}

// InUse returns the number of ranges not yet released.
func (s *HeapSupplier) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}
