package upsertmeta

import "sync"

type gateState int

const (
	gateRunning gateState = iota
	gateStopped
	gateClosed
)

// operationGate tracks in-flight metadata operations through the manager
// lifecycle. While RUNNING, operations may start; after Stop they are
// rejected; Close waits for the pending count to drain before the manager
// releases its resources.
type operationGate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	state   gateState
	pending int
}

func newOperationGate() *operationGate {
	g := &operationGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// start registers an operation. Returns false once the gate left RUNNING;
// the caller must then skip its work silently.
func (g *operationGate) start() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != gateRunning {
		return false
	}
	g.pending++
	return true
}

// finish deregisters an operation started with start.
func (g *operationGate) finish() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending > 0 {
		g.pending--
		if g.pending == 0 {
			g.cond.Broadcast()
		}
	}
}

// stop moves the gate to STOPPED. New operations are rejected; pending ones
// keep running. Idempotent, no-op after close.
func (g *operationGate) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == gateRunning {
		g.state = gateStopped
	}
}

// close stops the gate if needed, blocks until all pending operations have
// finished and moves to CLOSED. Returns false when already closed.
func (g *operationGate) close() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == gateClosed {
		return false
	}
	g.state = gateStopped
	for g.pending > 0 {
		g.cond.Wait()
	}
	g.state = gateClosed
	return true
}

func (g *operationGate) stopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state != gateRunning
}
