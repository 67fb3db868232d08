package session

import (
	"encoding/json"
	"fmt"
)

// State is the connection lifecycle state. Only the manager's run loop
// changes it.
type State int

const (
	StateConnecting State = iota
	StateReadyToStart
	StateConnected
	StateReconnecting
	StateDisconnected
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReadyToStart:
		return "ready_to_start"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Badge is the short label shown to the student.
func (s State) Badge() string {
	switch s {
	case StateConnecting:
		return "Connecting…"
	case StateReadyToStart:
		return "Ready"
	case StateConnected:
		return "Live"
	case StateReconnecting:
		return "Reconnecting…"
	case StateDisconnected:
		return "Ended"
	case StateErrored:
		return "Offline"
	default:
		return ""
	}
}

// Terminal reports whether no automatic transition can leave s.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateErrored
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ParseState is the inverse of State.String.
func ParseState(v string) (State, error) {
	for s := StateConnecting; s <= StateErrored; s++ {
		if s.String() == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown session state %q", v)
}

func (s *State) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseState(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
