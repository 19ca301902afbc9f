package jobs

import "sync/atomic"

// Guard prevents re-entrant runs of a job inside one process. It is not a
// cross-instance lock: mutual exclusion between instances comes from the
// row claims in the store.
type Guard struct {
	running atomic.Bool
}

// TryAcquire returns false when another run in this process holds the guard.
func (g *Guard) TryAcquire() bool {
	return g.running.CompareAndSwap(false, true)
}

func (g *Guard) Release() {
	g.running.Store(false)
}

func (g *Guard) Running() bool {
	return g.running.Load()
}
