// Package socket declares the Socket IOProvider slot (spec.md §4.6). The
// network stack itself is out of scope (spec.md §1 lists DHCP/ARP/TCP among
// the external collaborators), so every operation completes with
// UnsupportedOperation; the provider exists so the handle table's variant
// set is complete and a future net stack has a seam to plug into.
package socket

import (
	"idosnx/internal/defs"
	"idosnx/internal/handle"
	"idosnx/internal/pagedir"
)

// Provider is the stub Socket IOType.
type Provider struct {
	mgr *pagedir.Manager
}

func New(mgr *pagedir.Manager) *Provider { return &Provider{mgr: mgr} }

func (p *Provider) Kind() handle.Kind   { return handle.KindSocket }
func (p *Provider) SetTask(defs.TaskID) {}

// OpRequest completes every op with UnsupportedOperation.
func (p *Provider) OpRequest(index uint32, op handle.AsyncOp) (handle.AsyncOpID, error) {
	op.CompleteWithResult(p.mgr, 0, defs.EUNSUPPORTED)
	return 0, nil
}
