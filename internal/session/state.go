package session

import "sync/atomic"

// State is one of the four states a device session moves through;
// all transitions to Disconnected are terminal.
type State int32

const (
	StateHandshaking State = iota
	StateReady
	StateOwnedByFlasher
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateReady:
		return "READY"
	case StateOwnedByFlasher:
		return "OWNED_BY_FLASHER"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

type stateBox struct {
	v int32
}

func (b *stateBox) load() State      { return State(atomic.LoadInt32(&b.v)) }
func (b *stateBox) store(s State)    { atomic.StoreInt32(&b.v, int32(s)) }
func (b *stateBox) isDisconnected() bool {
	return b.load() == StateDisconnected
}
