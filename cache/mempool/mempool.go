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

// Package mempool exposes a process-wide malloc.Allocator through plain
// []byte helpers.
//
// Tips for usage:
//   - buf returned by Malloc is not initialized with zeros.
//   - call Free when buf is no longer used, DO NOT REUSE buf after calling Free.
//   - use `buf = buf[:mempool.Cap(buf)]` to make use of the cap of a returned buf.
//   - grow with Append or AppendStr, never with the builtin append past cap.
package mempool

import (
	"sync"

	"github.com/cloudwego/pagemalloc/unsafex"
	"github.com/cloudwego/pagemalloc/unsafex/malloc"
)

var (
	defaultOnce  sync.Once
	defaultAlloc *malloc.Allocator
)

// Default returns the allocator behind Malloc and Free, creating it on first use.
func Default() *malloc.Allocator {
	defaultOnce.Do(func() {
		a, err := malloc.New(nil)
		if err != nil {
			panic("mempool: " + err.Error())
		}
		defaultAlloc = a
	})
	return defaultAlloc
}

// Malloc returns a buf of len size from the default allocator.
// It panics when the allocator is out of memory.
func Malloc(size int) []byte {
	if size == 0 {
		return []byte{}
	}
	b := Default().Alloc(size)
	if b == nil {
		panic("mempool: out of memory")
	}
	return b
}

// Cap returns the max cap of a buf can be resized to.
func Cap(buf []byte) int {
	if !Default().Owns(buf) {
		panic("buf not malloc by this package")
	}
	return cap(buf)
}

// Append appends bytes to the given `[]byte`.
// It frees `a` and creates a new one if needed.
// Please make sure you're calling the func like `b = mempool.Append(b, data...)`
func Append(a []byte, b ...byte) []byte {
	if cap(a)-len(a) >= len(b) {
		return append(a, b...)
	}
	return appendSlow(a, b)
}

func appendSlow(a, b []byte) []byte {
	ret := Malloc(growSize(len(a), len(b)))[:len(a)+len(b)]
	copy(ret, a)
	copy(ret[len(a):], b)
	Free(a)
	return ret
}

// AppendStr ... same as Append for string.
// See comment of `Append` for details.
func AppendStr(a []byte, b string) []byte {
	if cap(a)-len(a) >= len(b) {
		return append(a, b...)
	}
	return appendSlow(a, unsafex.StringToBinary(b))
}

// growSize doubles small bufs and grows large ones by a quarter, like append.
func growSize(n, extra int) int {
	want := n + extra
	grown := n * 2
	if n >= 256<<10 {
		grown = n + n/4
	}
	if grown < want {
		return want
	}
	return grown
}

// Free should be called when a buf is no longer used.
// bufs that were not returned by Malloc are ignored.
func Free(buf []byte) {
	a := Default()
	if a.Owns(buf) {
		a.Free(buf)
	}
}
