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

// Package frozen provides memory that is written once and then turned read-only
// without copying.
//
// Alloc returns a Writable handle. Freeze consumes it and returns a Frozen handle
// over the same bytes seen through a second, read-only mapping of the same
// storage. When Enforced is true, writing through a Frozen view faults. Otherwise
// the package falls back to plain heap memory and Freeze only changes the handle.
//
//	w, _ := frozen.Alloc(len(msg))
//	copy(w.Bytes(), msg)
//	f := frozen.Freeze(w)
//	defer frozen.Free(f)
//	use(f.String())
package frozen

import (
	"errors"
	"io"

	"github.com/cloudwego/pagemalloc/unsafex"
)

var errNegativeSize = errors.New("frozen: negative size")

// Writable is a block that may still be written. It is consumed by Freeze.
type Writable struct {
	b []byte
}

// Bytes returns the writable bytes. It panics after the block was frozen.
func (w *Writable) Bytes() []byte {
	if w.b == nil {
		panic("frozen: writable block already frozen")
	}
	return w.b
}

// Len returns the size of the block.
func (w *Writable) Len() int {
	return len(w.b)
}

// Frozen is a read-only block.
type Frozen struct {
	b []byte
}

// Bytes returns the frozen bytes. The slice must not be written.
func (f *Frozen) Bytes() []byte {
	return f.b
}

// String returns the frozen bytes as a string without copying.
// The string is valid until Free.
func (f *Frozen) String() string {
	return unsafex.BinaryToString(f.b)
}

// Len returns the size of the block.
func (f *Frozen) Len() int {
	return len(f.b)
}

// ReadAt implements io.ReaderAt.
func (f *Frozen) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("frozen: negative offset")
	}
	if off >= int64(len(f.b)) {
		return 0, io.EOF
	}
	n := copy(p, f.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
