package malloc

import (
	"math/bits"
	"unsafe"
)

// Bitmaps are []uint64 words; bit i lives in words[i>>6] at position i&63.
// Bits past the logical length are always zero, so a run never crosses the end.

// findFirstSet returns the smallest index >= from whose bit is set, or -1.
func findFirstSet(words []uint64, from int) int {
	if from < 0 {
		from = 0
	}
	i := from >> 6
	if i >= len(words) {
		return -1
	}

	// Mask off the bits below from in the first word
	w := words[i] &^ (uint64(1)<<(from&63) - 1)
	for {
		if w != 0 {
			return i<<6 + bits.TrailingZeros64(w)
		}
		i++
		if i >= len(words) {
			return -1
		}
		w = words[i]
	}
}

// findFirstRun returns the smallest start index of n consecutive set bits, or -1.
// n must be in [1, 64].
//
// Each word is combined with the following one into a 128-bit window and reduced
// with an AND-shift cascade: after the step with shift s, bit p of the window is
// set iff bits p..p+2s-1 were all set. The window is wide enough for every start
// position in the low word as long as n <= 64.
func findFirstRun(words []uint64, n int) int {
	if n <= 0 || n > 64 {
		panic("malloc: invalid run length")
	}
	if n == 1 {
		return findFirstSet(words, 0)
	}
	for i := range words {
		lo := words[i]
		if lo == 0 {
			continue
		}
		var hi uint64
		if i+1 < len(words) {
			hi = words[i+1]
		}
		if lo == ^uint64(0) {
			return i << 6
		}

		covered := 1
		for covered*2 <= n {
			slo, shi := shr128(lo, hi, covered)
			lo &= slo
			hi &= shi
			covered *= 2
		}
		if rest := n - covered; rest > 0 {
			slo, _ := shr128(lo, hi, rest)
			lo &= slo
		}
		if lo != 0 {
			return i<<6 + bits.TrailingZeros64(lo)
		}
	}
	return -1
}

// findFirstRunLinear is the plain n-1 step shift-and form of findFirstRun.
// Both must always agree.
func findFirstRunLinear(words []uint64, n int) int {
	if n <= 0 || n > 64 {
		panic("malloc: invalid run length")
	}
	for i := range words {
		lo := words[i]
		var hi uint64
		if i+1 < len(words) {
			hi = words[i+1]
		}
		m := lo
		for k := 1; k < n; k++ {
			s, _ := shr128(lo, hi, k)
			m &= s
		}
		if m != 0 {
			return i<<6 + bits.TrailingZeros64(m)
		}
	}
	return -1
}

// shr128 shifts the 128-bit value hi:lo right by k, 0 < k < 128.
func shr128(lo, hi uint64, k int) (uint64, uint64) {
	if k >= 64 {
		return hi >> (k - 64), 0
	}
	return lo>>k | hi<<(64-k), hi >> k
}

func testBit(words []uint64, idx int) bool {
	return words[idx>>6]&(1<<(idx&63)) != 0
}

func setBit(words []uint64, idx int) {
	words[idx>>6] |= 1 << (idx & 63)
}

func clearBit(words []uint64, idx int) {
	words[idx>>6] &^= 1 << (idx & 63)
}

// setBits sets count bits starting at idx.
func setBits(words []uint64, idx, count int) {
	for count > 0 {
		w, off := idx>>6, idx&63
		n := 64 - off
		if n > count {
			n = count
		}
		words[w] |= runMask(n) << off
		idx += n
		count -= n
	}
}

// clearBits clears count bits starting at idx.
func clearBits(words []uint64, idx, count int) {
	for count > 0 {
		w, off := idx>>6, idx&63
		n := 64 - off
		if n > count {
			n = count
		}
		words[w] &^= runMask(n) << off
		idx += n
		count -= n
	}
}

// countBits returns the number of set bits.
func countBits(words []uint64) int {
	c := 0
	for _, w := range words {
		c += bits.OnesCount64(w)
	}
	return c
}

func runMask(n int) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<n - 1
}

// wordsAt returns the n bitmap words stored at p.
func wordsAt(p unsafe.Pointer, n int) []uint64 {
	return unsafe.Slice((*uint64)(p), n)
}
