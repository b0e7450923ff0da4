package resilience

import (
	"sync"
	"time"
)

// WaitTimeout blocks until done is closed or d elapses.
// Returns false on timeout.
func WaitTimeout(done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// WaitGroupTimeout waits for wg with an upper bound.
// Returns false on timeout; the helper goroutine exits once wg completes.
func WaitGroupTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return WaitTimeout(done, d)
}
