package completion

import "fmt"

// State of a Client's single completion.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateStopping
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// canTransition encodes the allowed edges. Any non-terminal state may fail.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	switch from {
	case StateIdle:
		return to == StateRequesting
	case StateRequesting:
		return to == StateStreaming
	case StateStreaming:
		return to == StateStreaming || to == StateStopping
	case StateStopping:
		return to == StateDone
	}
	return false
}

// StopReason tells why streaming ended.
type StopReason string

const (
	StopNone     StopReason = ""
	StopWord     StopReason = "stop_word"
	StopFinal    StopReason = "final"
	StopCanceled StopReason = "canceled"
)
