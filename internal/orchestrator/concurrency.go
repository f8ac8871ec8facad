package orchestrator

import "context"

// ConcurrencyManager is the bounded admission semaphore. Sticky-process runs
// acquire once and hold the slot across waiting_user parks.
type ConcurrencyManager struct {
	slots chan struct{}
}

// NewConcurrencyManager creates a semaphore of size maxParallel (min 1).
func NewConcurrencyManager(maxParallel int) *ConcurrencyManager {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &ConcurrencyManager{slots: make(chan struct{}, maxParallel)}
}

// AdmitOrReject is the non-blocking try-acquire used at ingress; false means
// the queue is full and the caller should reply 429.
func (c *ConcurrencyManager) AdmitOrReject() bool {
	select {
	case c.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire blocks until a slot frees or ctx is done.
func (c *ConcurrencyManager) Acquire(ctx context.Context) error {
	select {
	case c.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot; call exactly once per acquired slot.
func (c *ConcurrencyManager) Release() {
	select {
	case <-c.slots:
	default:
	}
}

// InUse reports how many slots are held.
func (c *ConcurrencyManager) InUse() int {
	return len(c.slots)
}
