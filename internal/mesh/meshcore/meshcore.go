// Package meshcore holds the adapter scaffolding for MeshCore LoRa radios.
//
// Status: STUB — connection scaffolding is in place, but the MeshCore serial
// companion framing is not implemented yet. The adapter registers itself so
// configs naming it fail with a descriptive error at connect time instead of
// an unknown-protocol error at startup.
package meshcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/delfi/internal/mesh"
)

// ErrNotImplemented is returned by Connect until the serial framing lands.
var ErrNotImplemented = errors.New("meshcore: companion-radio serial framing not implemented")

func init() {
	mesh.Register("meshcore", func(opts mesh.Options, inbound chan<- mesh.Message) (mesh.Adapter, error) {
		return New(opts, inbound), nil
	})
}

// Adapter is the MeshCore radio interface scaffold.
type Adapter struct {
	opts    mesh.Options
	inbound chan<- mesh.Message
}

// New creates the stub adapter.
func New(opts mesh.Options, inbound chan<- mesh.Message) *Adapter {
	return &Adapter{opts: opts, inbound: inbound}
}

// Connect always fails until the framing is implemented.
// TODO: implement the MeshCore companion-radio serial protocol (frame sync,
// contact addressing, ack handling) and wire it to the inbound channel.
func (a *Adapter) Connect(context.Context) error {
	return fmt.Errorf("%w (port %s)", ErrNotImplemented, a.opts.RadioPort)
}

// SendDM implements mesh.Adapter.
func (a *Adapter) SendDM(_ context.Context, destID, _ string) error {
	return fmt.Errorf("meshcore: can't send to %s: %w", destID, ErrNotImplemented)
}

// Close implements mesh.Adapter.
func (a *Adapter) Close() error { return nil }

// ReconnectLoop is a no-op: there is nothing to reconnect to yet.
func (a *Adapter) ReconnectLoop(context.Context) {}

// Connected implements mesh.Adapter.
func (a *Adapter) Connected() bool { return false }

// ProtocolName implements mesh.Adapter.
func (a *Adapter) ProtocolName() string { return "MeshCore" }
