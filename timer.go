package xmodem

import (
	"sync"
	"time"
)

// timerService schedules a single outstanding deadline and guarantees each
// armed deadline either fires exactly once or is cancelled exactly once,
// never both. Re-arming cancels any previous deadline.
//
// Firing is racy with cancellation by construction (the underlying
// time.Timer may already be queued to run when Cancel is called), so every
// armed deadline carries a generation token; the callback re-checks its
// token against the service's current generation before invoking fire and
// is a silent no-op on mismatch. This replaces the "is the scheduled
// future still pending" check a callback-less design would need.
type timerService struct {
	mu    sync.Mutex
	gen   uint64
	timer *time.Timer
	wg    sync.WaitGroup
}

// arm schedules fire to run after d, cancelling any previously armed
// deadline first. fire is invoked on its own goroutine (via time.AfterFunc)
// and must acquire whatever lock it needs itself.
func (t *timerService) arm(d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil && t.timer.Stop() {
		// Stop prevented the callback from ever running, so nothing will
		// call wg.Done() for it: do it here. If Stop returns false the
		// callback has already fired or is about to; it calls wg.Done()
		// itself.
		t.wg.Done()
	}
	t.gen++
	myGen := t.gen

	t.wg.Add(1)
	t.timer = time.AfterFunc(d, func() {
		defer t.wg.Done()
		t.mu.Lock()
		current := t.gen
		t.mu.Unlock()
		if current != myGen {
			return
		}
		fire()
	})
}

// cancel invalidates the current deadline. Idempotent: cancelling twice,
// or cancelling when nothing is armed, is a no-op beyond bumping the
// generation.
func (t *timerService) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		if t.timer.Stop() {
			t.wg.Done()
		}
		t.timer = nil
	}
	t.gen++
}

// shutdown cancels any armed deadline and waits for any callback already
// in flight to return, so the engine can be safely dropped afterward.
func (t *timerService) shutdown() {
	t.cancel()
	t.wg.Wait()
}
