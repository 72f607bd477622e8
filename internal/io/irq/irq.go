// Package irq implements the Interrupt IOProvider (spec.md §4.6): a handle
// a driver task blocks on to learn when its hardware line has fired.
//
// Grounded on original_source/kernel/src/io/async_io.rs's IOType::Interrupt
// variant, which plays the same "park a task, wake it from an ISR" role
// apic/APIC EOI handling plays in the teacher (the actual PIC/APIC wiring
// itself is out of scope per spec.md §1).
package irq

import (
	"sync"

	"idosnx/internal/defs"
	"idosnx/internal/handle"
	"idosnx/internal/pagedir"
)

// Provider represents one IRQ line; Fire is called from the (simulated)
// interrupt-dispatch path, OpRequest's OpRead is how a driver task waits
// for the next occurrence.
type Provider struct {
	mgr *pagedir.Manager
	irq uint32

	mu     sync.Mutex
	cond   *sync.Cond
	fired  uint32 // count of firings not yet consumed by a wait
	closed bool
}

func New(mgr *pagedir.Manager, irqLine uint32) *Provider {
	p := &Provider{mgr: mgr, irq: irqLine}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Provider) Kind() handle.Kind   { return handle.KindInterrupt }
func (p *Provider) SetTask(defs.TaskID) {}

// Fire records one occurrence of the interrupt, waking a single parked
// waiter. Multiple firings before any wait coalesce into a counter rather
// than being lost, matching the level-triggered semantics an edge-counting
// ISR handler would provide.
func (p *Provider) Fire() {
	p.mu.Lock()
	p.fired++
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Close marks the line retired (its owning driver unloaded); any parked
// waiter is released with WriteToClosedIO instead of blocking forever.
func (p *Provider) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// OpRequest's OpRead blocks until Fire has been called at least once since
// the last successful read, then completes with the IRQ line number.
func (p *Provider) OpRequest(index uint32, op handle.AsyncOp) (handle.AsyncOpID, error) {
	if op.OpCode != handle.OpRead {
		op.CompleteWithResult(p.mgr, 0, defs.EUNSUPPORTED)
		return 0, nil
	}

	p.mu.Lock()
	for p.fired == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.fired == 0 {
		p.mu.Unlock()
		op.CompleteWithResult(p.mgr, 0, defs.EWRITETOCLOSED)
		return 0, nil
	}
	p.fired--
	p.mu.Unlock()

	op.CompleteWithResult(p.mgr, p.irq, defs.EOK)
	return 0, nil
}
