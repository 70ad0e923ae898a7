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

package frozen

import "github.com/bytedance/gopkg/lang/dirtmake"

// Enforced reports whether frozen blocks are write protected by the OS.
const Enforced = false

// Alloc returns a writable block of size bytes from the Go heap.
func Alloc(size int) (*Writable, error) {
	if size < 0 {
		return nil, errNegativeSize
	}
	return &Writable{b: dirtmake.Bytes(size, size)}, nil
}

// Freeze hands the bytes of w over to a Frozen handle.
// Nothing protects them from writes on this platform.
func Freeze(w *Writable) *Frozen {
	b := w.Bytes()
	w.b = nil
	return &Frozen{b: b}
}

// Free drops the block. Free of nil is a no-op.
func Free(f *Frozen) {
	if f == nil {
		return
	}
	if f.b == nil {
		panic("frozen: block already freed")
	}
	f.b = nil
}
