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

// Package pages supplies whole, page-aligned memory ranges to allocators.
//
// A Supplier is the only boundary between an allocator and the operating system:
// it hands out ranges whose size is a positive multiple of its page size and whose
// address is a multiple of its page size, and takes them back with the exact same
// address and size.
package pages

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/cloudwego/pagemalloc/unsafex"
)

// MaxPageSize is the upper bound of a supplier page size.
// Allocators size their fixed per-page arrays against it.
const MaxPageSize = 1 << 20

// Supplier acquires and releases contiguous, page-aligned memory ranges.
//
// Implementations must be safe for concurrent use.
type Supplier interface {
	// PageSize returns the page size, a power of two.
	// Every address returned by Acquire is a multiple of it.
	PageSize() int

	// HeaderSize returns the number of bytes at the start of every range that
	// are reserved for the supplier itself. Callers must not touch them.
	HeaderSize() int

	// Acquire returns a range of size bytes. size is a positive multiple of PageSize.
	Acquire(size int) (unsafe.Pointer, error)

	// Release returns a range obtained by Acquire with the same size.
	Release(p unsafe.Pointer, size int) error
}

// Error represents a supplier error.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "pages: " + e.Op + ": " + e.Err.Error()
	}
	return "pages: " + e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	// ErrInvalidSize is returned when a size is not a positive multiple of the page size.
	ErrInvalidSize = errors.New("pages: size must be a positive multiple of the page size")

	// ErrExhausted is returned when a bounded supplier has no room left.
	ErrExhausted = errors.New("pages: exhausted")

	// ErrNotOwned is returned when releasing a range the supplier did not hand out.
	ErrNotOwned = errors.New("pages: range not owned by supplier")

	// ErrDualUnsupported is returned by MapDual on targets without dual mapping.
	ErrDualUnsupported = errors.New("pages: dual mapping not supported on this platform")
)

var (
	pageSizeOnce sync.Once
	pageSize     int
)

// PageSize returns the operating system page size. It is discovered once per process.
func PageSize() int {
	pageSizeOnce.Do(func() {
		pageSize = osPageSize()
	})
	return pageSize
}

// checkPageSize validates a supplier page size against the OS page size.
// Zero selects the OS page size.
func checkPageSize(size int) (int, error) {
	if size == 0 {
		return PageSize(), nil
	}
	if !unsafex.IsPowerOfTwo(size) {
		return 0, &Error{Op: "page size must be a power of two"}
	}
	if size < PageSize() || size > MaxPageSize {
		return 0, &Error{Op: "page size out of range"}
	}
	return size, nil
}

func checkRangeSize(size, pageSize int) error {
	if size <= 0 || size&(pageSize-1) != 0 {
		return ErrInvalidSize
	}
	return nil
}
