package ehci

import "math/bits"

// bitmap tracks which fixed-size slots are in use. It is not safe for
// concurrent use; the Controller guards every bitmap with its long lock.
type bitmap struct {
	words []uint64
	n     int
}

func newBitmap(n int) bitmap {
	return bitmap{words: make([]uint64, (n+63)/64), n: n}
}

func (b *bitmap) test(i int) bool {
	return b.words[i/64]&(1<<(i%64)) != 0
}

func (b *bitmap) set(i int) {
	b.words[i/64] |= 1 << (i % 64)
}

// free clears slot i. Clearing a clear slot is a no-op.
func (b *bitmap) free(i int) {
	b.words[i/64] &^= 1 << (i % 64)
}

// alloc claims the first clear slot.
func (b *bitmap) alloc() (int, bool) {
	for w, v := range b.words {
		if v == ^uint64(0) {
			continue
		}
		i := w*64 + bits.TrailingZeros64(^v)
		if i >= b.n {
			break
		}
		b.set(i)
		return i, true
	}
	return 0, false
}

// allocRun claims the first run of n consecutive clear slots.
func (b *bitmap) allocRun(n int) (int, bool) {
	if n <= 0 || n > b.n {
		return 0, false
	}
	run := 0
	for i := 0; i < b.n; i++ {
		if b.test(i) {
			run = 0
			continue
		}
		run++
		if run == n {
			start := i - n + 1
			for j := start; j <= i; j++ {
				b.set(j)
			}
			return start, true
		}
	}
	return 0, false
}

// freeRun clears n slots starting at i.
func (b *bitmap) freeRun(i, n int) {
	for j := i; j < i+n; j++ {
		b.free(j)
	}
}

func (b *bitmap) inUse() int {
	n := 0
	for _, v := range b.words {
		n += bits.OnesCount64(v)
	}
	return n
}

func (b *bitmap) len() int { return b.n }
