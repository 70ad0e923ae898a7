//go:build unix

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
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cloudwego/pagemalloc/unsafex"
)

func osPageSize() int {
	return unix.Getpagesize()
}

// OSSupplier hands out anonymous private mappings.
type OSSupplier struct {
	pageSize int
}

// NewOS creates an OSSupplier. pageSize 0 selects the OS page size; larger sizes
// must be powers of two not above MaxPageSize.
func NewOS(pageSize int) (*OSSupplier, error) {
	sz, err := checkPageSize(pageSize)
	if err != nil {
		return nil, err
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
	if s.pageSize == PageSize() {
		p, err := mmapAnon(size)
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	// mmap only guarantees OS page alignment: map one extra page and
	// unmap the misaligned head and the unused tail.
	total := size + s.pageSize
	p, err := mmapAnon(total)
	if err != nil {
		return nil, err
	}
	head := unsafex.AlignUp(int(uintptr(p)), s.pageSize) - int(uintptr(p))
	aligned := unsafe.Add(p, head)
	if head > 0 {
		if err := unix.MunmapPtr(p, uintptr(head)); err != nil {
			_ = unix.MunmapPtr(p, uintptr(total))
			return nil, &Error{Op: "munmap", Err: err}
		}
	}
	if tail := total - head - size; tail > 0 {
		if err := unix.MunmapPtr(unsafe.Add(aligned, size), uintptr(tail)); err != nil {
			_ = unix.MunmapPtr(aligned, uintptr(size))
			return nil, &Error{Op: "munmap", Err: err}
		}
	}
	return aligned, nil
}

// Release implements Supplier.
func (s *OSSupplier) Release(p unsafe.Pointer, size int) error {
	if err := checkRangeSize(size, s.pageSize); err != nil {
		return err
	}
	if uintptr(p)&uintptr(s.pageSize-1) != 0 {
		return ErrNotOwned
	}
	if err := unix.MunmapPtr(p, uintptr(size)); err != nil {
		return &Error{Op: "munmap", Err: err}
	}
	return nil
}

func mmapAnon(size int) (unsafe.Pointer, error) {
	p, err := unix.MmapPtr(-1, 0, nil, uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, &Error{Op: "mmap", Err: err}
	}
	return p, nil
}
