package completion

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyPrompt rejects a submit without prompt text.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrNotStreaming is returned by PollNext outside the streaming state.
	ErrNotStreaming = errors.New("client is not streaming")
)

// TransportError wraps a failed call to the inference server.
type TransportError struct {
	Op  string // submit, poll or stop
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err (or anything it wraps) is a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// statusError is a non-2xx answer from the server.
type statusError struct {
	code int
	body string
}

func (e statusError) Error() string { return fmt.Sprintf("server http error: %d: %s", e.code, e.body) }

// errInvalidTransition guards the state machine.
type errInvalidTransition struct{ from, to State }

func (e errInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.from, e.to)
}
