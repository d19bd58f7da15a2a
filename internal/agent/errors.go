package agent

import (
	"errors"
	"fmt"
)

// ErrStopped is returned by Start when the session was stopped before it
// finished connecting.
var ErrStopped = errors.New("session stopped during setup")

// ConfigurationError rejects a session setup. It ends the session but never
// the process.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "invalid session configuration"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TransportError is a failure of the upstream or client connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// errorCode maps a session error to the code sent in error events.
func errorCode(err error) string {
	var (
		cfgErr  *ConfigurationError
		transEr *TransportError
	)
	switch {
	case errors.As(err, &cfgErr):
		return "configuration_error"
	case errors.As(err, &transEr):
		return "transport_error"
	default:
		return "session_error"
	}
}
