package connection

import (
	"time"

	"chatsync/cmd/internal/events"
)

// State is the connection lifecycle state.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

var stateNames = [...]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Connected:    "connected",
	Reconnecting: "reconnecting",
	Failed:       "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// StateNames lists every state label, used for the state gauge.
func StateNames() []string {
	return append([]string(nil), stateNames[:]...)
}

// legal lists the allowed targets per source state. Any state may move to
// Disconnected.
var legal = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting},
	Connected:    {Reconnecting},
	Reconnecting: {Connected, Failed},
	Failed:       {Connecting},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	if to == Disconnected {
		return from != Disconnected
	}
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateChanged is published on every accepted transition.
type StateChanged struct {
	From    State
	To      State
	Attempt int
	Cause   error
}

func (StateChanged) Kind() events.Kind { return events.KindConnectionState }

// ReconnectScheduled is published each time a retry is scheduled.
type ReconnectScheduled struct {
	Attempt int
	Delay   time.Duration
	Cause   error
}

func (ReconnectScheduled) Kind() events.Kind { return events.KindReconnectScheduled }
