package process

import (
	"context"
	"sync"
)

// inflight counts running calls and lets a closer wait for them to drain.
// Once closed it admits no new calls.
type inflight struct {
	mu      sync.Mutex
	n       int
	closed  bool
	drained chan struct{}
}

// acquire admits one call. It reports false after close.
func (f *inflight) acquire() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.n++
	return true
}

func (f *inflight) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n--
	if f.n == 0 && f.drained != nil {
		close(f.drained)
		f.drained = nil
	}
}

// closeAndWait stops admitting calls and waits until the running ones have
// released or ctx is done. It returns how many calls were still running.
func (f *inflight) closeAndWait(ctx context.Context) int {
	f.mu.Lock()
	f.closed = true
	if f.n == 0 {
		f.mu.Unlock()
		return 0
	}
	if f.drained == nil {
		f.drained = make(chan struct{})
	}
	ch := f.drained
	f.mu.Unlock()

	select {
	case <-ch:
		return 0
	case <-ctx.Done():
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.n
	}
}
