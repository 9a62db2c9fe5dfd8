package types

import (
	"fmt"

	"github.com/pkg/errors"
)

// DeviceError reports that an audio device could not be acquired or used.
// It is returned to the caller of the operation and never retried.
type DeviceError struct {
	Op  string
	Err error
}

func NewDeviceError(op string, err error) *DeviceError {
	return &DeviceError{Op: op, Err: errors.WithStack(err)}
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device: %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
func (e *DeviceError) Cause() error  { return e.Err }

// ConnectionError reports a socket open or send failure. Attempts is the
// number of redials made before the error was surfaced.
type ConnectionError struct {
	Op       string
	Attempts int
	Err      error
}

func NewConnectionError(op string, attempts int, err error) *ConnectionError {
	return &ConnectionError{Op: op, Attempts: attempts, Err: errors.WithStack(err)}
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("connection: %s after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("connection: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
func (e *ConnectionError) Cause() error  { return e.Err }

// ProtocolError reports an inbound message that could not be understood.
type ProtocolError struct {
	Type string
	Err  error
}

func NewProtocolError(typ string, err error) *ProtocolError {
	return &ProtocolError{Type: typ, Err: errors.WithStack(err)}
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("protocol: %v", e.Err)
	}
	return fmt.Sprintf("protocol: %s: %v", e.Type, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
func (e *ProtocolError) Cause() error  { return e.Err }

// ServerError is an explicit error message sent by the remote agent.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "agent: " + e.Message
}

// ErrReconnectExhausted is the cause of the ConnectionError surfaced once the
// reconnect budget is spent.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
