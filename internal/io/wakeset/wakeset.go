// Package wakeset installs a futex.WakeSet behind a handle (spec.md §4.5:
// "a handle whose semantics are 'wake whenever any of my attached async ops
// complete'"), so driver tasks can create one with a handle-ops syscall and
// block on it like any other capability.
package wakeset

import (
	"idosnx/internal/defs"
	"idosnx/internal/futex"
	"idosnx/internal/handle"
	"idosnx/internal/pagedir"
)

// Provider wraps one WakeSet as an IOProvider.
type Provider struct {
	mgr *pagedir.Manager
	ws  *futex.WakeSet
}

func New(mgr *pagedir.Manager) *Provider {
	return &Provider{mgr: mgr, ws: futex.NewWakeSet()}
}

// Set exposes the underlying wake set for the kernel's attach/notify and
// block paths.
func (p *Provider) Set() *futex.WakeSet { return p.ws }

func (p *Provider) Kind() handle.Kind   { return handle.KindWakeSet }
func (p *Provider) SetTask(defs.TaskID) {}

// OpRequest rejects direct async ops; a wake set is blocked on through the
// block-wake-set syscall, not read or written.
func (p *Provider) OpRequest(index uint32, op handle.AsyncOp) (handle.AsyncOpID, error) {
	op.CompleteWithResult(p.mgr, 0, defs.EUNSUPPORTED)
	return 0, nil
}
