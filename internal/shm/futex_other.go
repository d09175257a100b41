//go:build unix && !linux

package shm

import (
	"sync/atomic"
	"time"
)

// Without futexes, waiters poll the notify word.
const pollInterval = 2 * time.Millisecond

func futexWait(addr *uint32, val uint32, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for atomic.LoadUint32(addr) == val {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		if remaining > pollInterval {
			remaining = pollInterval
		}
		time.Sleep(remaining)
	}
}

func futexWake(addr *uint32) {}
