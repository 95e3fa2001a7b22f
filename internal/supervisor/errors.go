package supervisor

import (
	"errors"
	"fmt"
)

// ErrAlreadyStarted is returned by a second Start on the same Supervisor.
var ErrAlreadyStarted = errors.New("server already started")

// SpawnError signals that the server binary could not be launched.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Path, e.Err) }

func (e *SpawnError) Unwrap() error { return e.Err }

// IsSpawnError reports whether err (or anything it wraps) is a SpawnError.
func IsSpawnError(err error) bool {
	var se *SpawnError
	return errors.As(err, &se)
}
