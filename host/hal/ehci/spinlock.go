package ehci

import (
	"runtime"
	"sync/atomic"
)

// spinBudget is the number of failed acquisitions before a spinner yields.
const spinBudget = 64

// spinlock is the short-hold lock around the asynchronous ring's tail and
// shadow links. It never sleeps; a contended acquirer yields its processor
// every spinBudget attempts so the holder can run.
type spinlock struct {
	held atomic.Bool
}

func (l *spinlock) Lock() {
	for n := 1; !l.held.CompareAndSwap(false, true); n++ {
		if n%spinBudget == 0 {
			runtime.Gosched()
		}
	}
}

func (l *spinlock) Unlock() {
	if !l.held.Swap(false) {
		panic("ehci: unlock of unlocked spinlock")
	}
}
