package session

import "fmt"

// State is the lifecycle position of a Handler's current connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateNegotiating
	StateAuthenticating
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}
