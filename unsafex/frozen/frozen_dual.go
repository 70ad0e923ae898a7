//go:build unix || windows

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

package frozen

import (
	"unsafe"

	"github.com/cloudwego/pagemalloc/unsafex"
	"github.com/cloudwego/pagemalloc/unsafex/pages"
)

// Enforced reports whether frozen blocks are write protected by the OS.
const Enforced = true

const (
	headerSize        = 32
	magic      uint64 = 0x66726f7a656e6d6d
)

// header starts the writable mapping. The read-only mapping sees the same bytes.
type header struct {
	offset int64 // read-only base minus writable base
	size   uint64
	magic  uint64
	_      uint64
}

func headerAt(base unsafe.Pointer) *header {
	return (*header)(base)
}

// pageBase returns the mapping base of the block data at b.
func pageBase(b []byte) unsafe.Pointer {
	p := unsafe.Pointer(unsafe.SliceData(b))
	return unsafe.Add(p, -int(uintptr(p)&uintptr(pages.PageSize()-1)))
}

// Alloc returns a writable block of size bytes backed by a dual mapping.
func Alloc(size int) (*Writable, error) {
	if size < 0 {
		return nil, errNegativeSize
	}
	total := unsafex.AlignUp(size+headerSize, pages.PageSize())
	m, err := pages.MapDual(total)
	if err != nil {
		return nil, err
	}
	*headerAt(m.RW) = header{
		offset: int64(uintptr(m.RO)) - int64(uintptr(m.RW)),
		size:   uint64(total),
		magic:  magic,
	}
	return &Writable{b: unsafex.SliceAt(unsafe.Add(m.RW, headerSize), size, size)}, nil
}

// Freeze turns w read-only and returns the frozen view of its bytes.
// w can not be used afterwards.
func Freeze(w *Writable) *Frozen {
	b := w.Bytes()
	base := pageBase(b)
	h := headerAt(base)
	if h.magic != magic {
		panic("frozen: not a writable block")
	}
	ro := unsafe.Add(base, int(h.offset)+headerSize)
	w.b = nil
	return &Frozen{b: unsafex.SliceAt(ro, len(b), len(b))}
}

// Free releases both mappings of a frozen block. Free of nil is a no-op.
func Free(f *Frozen) {
	if f == nil {
		return
	}
	if f.b == nil {
		panic("frozen: block already freed")
	}
	ro := pageBase(f.b)
	h := headerAt(ro)
	if h.magic != magic {
		panic("frozen: not a frozen block")
	}
	rw := unsafe.Add(ro, -int(h.offset))
	size := int(h.size)
	f.b = nil
	if err := pages.UnmapDual(rw, ro, size); err != nil {
		panic("frozen: " + err.Error())
	}
}
