// Package childtask implements the ChildTask IOProvider (spec.md §4.6): a
// handle a parent task holds on a specific child, whose only operation is
// waiting for that child's exit code.
//
// Grounded on original_source/kernel/src/io/async_io.rs's IOType::ChildTask
// variant and get_task_io lookup; the wait-then-signal shape mirrors
// tinfo.Tnote_t's Killed/exit-status handoff in the teacher.
package childtask

import (
	"sync"

	"idosnx/internal/defs"
	"idosnx/internal/handle"
	"idosnx/internal/pagedir"
)

// Provider is installed in the AsyncIOTable once per outstanding "wait on
// this child" handle; OpRequest's OpRead is the wait operation, completing
// immediately if the child has already exited or parking the request until
// internal/proc's Reap calls NotifyExit otherwise.
type Provider struct {
	mgr    *pagedir.Manager
	target defs.TaskID

	mu       sync.Mutex
	exited   bool
	exitCode int32
	pending  *handle.AsyncOp
}

func New(mgr *pagedir.Manager, target defs.TaskID) *Provider {
	return &Provider{mgr: mgr, target: target}
}

func (p *Provider) Kind() handle.Kind    { return handle.KindChildTask }
func (p *Provider) SetTask(defs.TaskID)  {}
func (p *Provider) MatchesTask(id defs.TaskID) bool { return id == p.target }

// OpRequest treats OpRead as "wait for exit, yield the exit code"; any other
// op code is unsupported on a ChildTask handle.
func (p *Provider) OpRequest(index uint32, op handle.AsyncOp) (handle.AsyncOpID, error) {
	if op.OpCode != handle.OpRead {
		op.CompleteWithResult(p.mgr, 0, defs.EUNSUPPORTED)
		return 0, nil
	}

	p.mu.Lock()
	if p.exited {
		code := p.exitCode
		p.mu.Unlock()
		op.CompleteWithResult(p.mgr, uint32(code), defs.EOK)
		return 0, nil
	}
	p.pending = &op
	p.mu.Unlock()
	return 0, nil
}

// NotifyExit delivers the child's exit code, completing any parked wait op
// (async_io.rs's get_task_io callback invoked from task exit/reap).
func (p *Provider) NotifyExit(code int32) {
	p.mu.Lock()
	p.exited = true
	p.exitCode = code
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	if pending != nil {
		pending.CompleteWithResult(p.mgr, uint32(code), defs.EOK)
	}
}
