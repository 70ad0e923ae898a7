//go:build windows

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

	"golang.org/x/sys/windows"
)

// allocGranularity is the alignment of every VirtualAlloc reservation.
const allocGranularity = 64 << 10

func osPageSize() int {
	return os.Getpagesize()
}

// OSSupplier hands out committed VirtualAlloc regions.
type OSSupplier struct {
	pageSize int
}

// NewOS creates an OSSupplier. pageSize 0 selects the OS page size.
// Page sizes above the 64KB allocation granularity are rejected.
func NewOS(pageSize int) (*OSSupplier, error) {
	sz, err := checkPageSize(pageSize)
	if err != nil {
		return nil, err
	}
	if sz > allocGranularity {
		return nil, &Error{Op: "page size above allocation granularity"}
	}
	return &OSSupplier{pageSize: sz}, nil
}

// PageSize implements Supplier.
func (s *OSSupplier) PageSize() int { return s.pageSize }

// HeaderSize implements Supplier.
func (s *OSSupplier) HeaderSize() int { return 0 }

// Acquire implements Supplier.
func (s *OSSupplier) Acquire(size int) (unsafe.Pointer, error) {
	if err := checkRangeSize(size, s.pageSize); err != nil {
		return nil, err
	}
	addr, err := windows.VirtualAlloc(0, uintptr(size),
		windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return nil, &Error{Op: "VirtualAlloc", Err: err}
	}
	return unsafe.Pointer(addr), nil
}

// Release implements Supplier.
func (s *OSSupplier) Release(p unsafe.Pointer, size int) error {
	if err := checkRangeSize(size, s.pageSize); err != nil {
		return err
	}
	if err := windows.VirtualFree(uintptr(p), 0, windows.MEM_RELEASE); err != nil {
		return &Error{Op: "VirtualFree", Err: err}
	}
	return nil
}
