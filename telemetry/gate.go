// telemetry/gate.go
package telemetry

import "sync/atomic"

// TransmitGate is the minimal transmit-enable capability the core
// consumes. Hardware keying (PTT lines, GPIO timing) lives entirely
// behind implementations of this interface; the pump only ever asks
// whether the station is currently keyed.
type TransmitGate interface {
	Transmitting() bool
}

// AlwaysReceiving is the gate for receive-only deployments.
type AlwaysReceiving struct{}

func (AlwaysReceiving) Transmitting() bool { return false }

// KeyedGate is a software PTT flag, toggled by whatever owns the
// transmit hardware and read by the telemetry pump.
type KeyedGate struct {
	keyed atomic.Bool
}

// SetTransmitting flips the PTT state.
func (g *KeyedGate) SetTransmitting(on bool) {
	g.keyed.Store(on)
}

// Transmitting implements TransmitGate.
func (g *KeyedGate) Transmitting() bool {
	return g.keyed.Load()
}
