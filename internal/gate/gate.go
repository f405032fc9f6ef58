// Package gate implements the process-wide critical-section refcount that
// blocks interpreter shutdown until every in-flight pipeline finishes or is
// cancelled.
package gate

import "sync"

// Gate is a refcounted barrier. Enter increments the counter unless the
// gate is exiting, in which case the caller parks indefinitely.
// Close() decrements the counter and, once it reaches zero while exiting,
// wakes the shutdown waiter.
type Gate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	count   int64
	exiting bool
}

// New constructs a ready-to-use Gate.
func New() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Handle is returned by Enter/EnterInterruptibly; Close is idempotent per
// handle.
type Handle struct {
	g    *Gate
	once sync.Once
}

// Enter increments the in-flight counter unless the gate is exiting. If the
// gate is already exiting, Enter parks indefinitely: the exiting flag is
// never cleared, so the gate never admits new work once shutdown has begun.
func (g *Gate) Enter() *Handle {
	g.mu.Lock()
	defer g.mu.Unlock()

	for g.exiting {
		g.cond.Wait()
	}

	g.count++
	return &Handle{g: g}
}

// EnterInterruptibly behaves like Enter, but additionally self-cancels via
// the supplied cancel func if the gate was already exiting at entry time,
// making interruption idempotent for a caller that always calls cancel on
// its own context before returning.
func (g *Gate) EnterInterruptibly(cancel func()) *Handle {
	g.mu.Lock()
	wasExiting := g.exiting
	g.mu.Unlock()

	if wasExiting && cancel != nil {
		cancel()
	}

	return g.Enter()
}

// Close releases this handle's hold on the gate. It is idempotent: calling
// it twice has the same effect as calling it once.
func (h *Handle) Close() {
	h.once.Do(func() {
		g := h.g
		g.mu.Lock()
		defer g.mu.Unlock()

		g.count--
		if g.count == 0 && g.exiting {
			g.cond.Broadcast()
		}
	})
}

// Shutdown sets the exiting flag (refusing further Enter calls) and blocks
// until the in-flight counter reaches zero.
func (g *Gate) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.exiting = true
	for g.count > 0 {
		g.cond.Wait()
	}
}

// InFlight reports the current in-flight counter, for diagnostics.
func (g *Gate) InFlight() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}
