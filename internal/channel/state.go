package channel

import (
	"fmt"
	"slices"

	"github.com/matheus3301/streakchat/internal/transport"
)

// validTransitions defines the allowed channel state transitions. Errored
// channels may come back to joined when the transport reconnects on its own.
var validTransitions = map[transport.State][]transport.State{
	transport.StateConnecting: {transport.StateJoined, transport.StateErrored, transport.StateClosed},
	transport.StateJoined:     {transport.StateErrored, transport.StateClosed},
	transport.StateErrored:    {transport.StateJoined, transport.StateConnecting, transport.StateClosed},
	transport.StateClosed:     {},
}

func checkTransition(from, to transport.State) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid channel transition from %s to %s", from, to)
	}
	return nil
}

// StateChange is the payload for channel.state_changed events.
type StateChange struct {
	Handle Handle
	From   transport.State
	To     transport.State
	Err    error
}

// Connectivity aggregates the state of a set of channels.
type Connectivity string

const (
	Connected    Connectivity = "connected"
	Connecting   Connectivity = "connecting"
	Disconnected Connectivity = "disconnected"
)

// aggregate folds channel states: any joined channel means connected, any
// live channel means connecting, nothing means disconnected.
func aggregate(states []transport.State) Connectivity {
	if len(states) == 0 {
		return Disconnected
	}
	if slices.Contains(states, transport.StateJoined) {
		return Connected
	}
	return Connecting
}
