package reactor

import (
	"errors"
	"fmt"
)

// Stage names the startup step that failed.
type Stage string

const (
	StagePIDFile  Stage = "pidfile"
	StageIdentity Stage = "identity"
	StageConfig   Stage = "config"
	StageSocket   Stage = "socket"
	StageLocal    Stage = "local"
	StagePoller   Stage = "poller"
)

// StartupError is a fatal error detected before the event loop was entered.
// Everything acquired before the failing stage has been released when it is
// returned.
type StartupError struct {
	Stage Stage
	Err   error
}

// Error implements the error interface.
func (e *StartupError) Error() string {
	return fmt.Sprintf("startup %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *StartupError) Unwrap() error { return e.Err }

// IsStartupError reports whether err is a StartupError.
// Uses errors.As to handle wrapped errors.
func IsStartupError(err error) bool {
	var se *StartupError
	return errors.As(err, &se)
}

// StageOf returns the failing stage of a StartupError, or "".
func StageOf(err error) Stage {
	var se *StartupError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
