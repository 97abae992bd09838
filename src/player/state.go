package player

// State is the playback state of one session. Transitions are driven
// exclusively by Session methods under the session lock.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdle
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Connected reports whether the session holds a live voice connection.
func (s State) Connected() bool {
	return s == StateIdle || s == StatePlaying || s == StatePaused
}
