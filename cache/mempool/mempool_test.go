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

package mempool

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMallocFree(t *testing.T) {
	for i := 127; i < 1<<20; i += 1000 { //  it tests malloc 127B - 1MB, with step 1000
		b := Malloc(i)
		require.Equal(t, i, len(b))
		require.True(t, Default().Owns(b))
		b[0], b[i-1] = 1, 2
		Free(b)
	}
	require.NoError(t, Default().Verify())
}

func TestMallocZero(t *testing.T) {
	b := Malloc(0)
	assert.NotNil(t, b)
	assert.Equal(t, 0, cap(b))
	Free(b)
}

func TestCap(t *testing.T) {
	b := Malloc(100)
	require.GreaterOrEqual(t, Cap(b), 100)
	b = b[:Cap(b)]
	for i := range b {
		b[i] = 'x'
	}
	Free(b)

	assert.Panics(t, func() { Cap(make([]byte, 10)) })
}

func TestAppend(t *testing.T) {
	str := "TestAppend"
	b := Malloc(0)
	for i := 0; i < 2000; i++ {
		b = Append(b, []byte(str)...)
	}
	assert.Equal(t, strings.Repeat(str, 2000), string(b))
	Free(b)

	str = "TestAppendStr"
	b = Malloc(0)
	for i := 0; i < 2000; i++ {
		b = AppendStr(b, str)
	}
	assert.Equal(t, strings.Repeat(str, 2000), string(b))
	Free(b)
	require.NoError(t, Default().Verify())
}

func TestFree(t *testing.T) {
	Free(nil)                         // case: nil
	Free([]byte{})                    // case: cap == 0
	Free(make([]byte, 10))            // case: Go heap
	Free(make([]byte, 0, 64<<10)[:0]) // case: large Go heap

	b := Malloc(10)
	Free(b) // all good
}

func TestGrowSize(t *testing.T) {
	assert.Equal(t, 10, growSize(0, 10))
	assert.Equal(t, 200, growSize(100, 10))
	assert.Equal(t, 300, growSize(100, 200))
	assert.Equal(t, (1<<20)+(1<<18), growSize(1<<20, 1))
}

func Benchmark_MallocFree(b *testing.B) {
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		i := 1
		for pb.Next() {
			b := Malloc(i & 0xffff)
			Free(b)
			i++
		}
	})
}

func Benchmark_AppendStr(b *testing.B) {
	str := "Benchmark_AppendStr"
	b.ReportAllocs()
	b.SetBytes(int64(len(str)))
	b.RunParallel(func(pb *testing.PB) {
		i := 1
		b := Malloc(1)
		for pb.Next() {
			if i&0xff == 0 {
				Free(b)
				b = Malloc(1)
			}
			b = AppendStr(b, str)
			i++
		}
		Free(b)
	})
}
