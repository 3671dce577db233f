package resolver

import "sync/atomic"

// runLock is a non-blocking single-run guard
type runLock struct {
	state atomic.Int32 // 0 = idle, 1 = running
}

// TryAcquire reports whether the caller now holds the lock
func (l *runLock) TryAcquire() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Release must only be called by the holder
func (l *runLock) Release() {
	l.state.Store(0)
}
