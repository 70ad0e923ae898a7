//go:build !unix && !windows

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
	"os"
	"unsafe"
)

func osPageSize() int {
	return os.Getpagesize()
}

// OSSupplier falls back to Go memory on targets without virtual memory syscalls.
type OSSupplier struct {
	heap *HeapSupplier
}

// NewOS creates an OSSupplier backed by a HeapSupplier.
func NewOS(pageSize int) (*OSSupplier, error) {
	h, err := NewHeap(pageSize)
	if err != nil {
		return nil, err
	}
	return &OSSupplier{heap: h}, nil
}

// PageSize implements Supplier.
func (s *OSSupplier) PageSize() int { return s.heap.PageSize() }

// HeaderSize implements Supplier.
func (s *OSSupplier) HeaderSize() int { return 0 }

// Acquire implements Supplier.
func (s *OSSupplier) Acquire(size int) (unsafe.Pointer, error) { return s.heap.Acquire(size) }

// Release implements Supplier.
func (s *OSSupplier) Release(p unsafe.Pointer, size int) error { return s.heap.Release(p, size) }
