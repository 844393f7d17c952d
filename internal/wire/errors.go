package wire

import (
	"errors"
	"fmt"
)

// ErrConnectionLost fails every call still pending when the underlying
// transport closes, for any reason.
var ErrConnectionLost = errors.New("wire: connection lost")

// ErrQueueFull is returned when the bounded outbound queue overflows.
// The connection is failed: a peer that stops reading does not get
// unbounded buffering.
var ErrQueueFull = errors.New("wire: outbound queue full")

// Error codes carried in error response boxes.
const (
	CodeUnhandledCommand = "unhandled-command"
	CodeBadArgument      = "bad-argument"
	CodeInternal         = "internal"
)

// DeserializationError reports a malformed wire payload. The command
// attempt fails; the connection survives.
type DeserializationError struct {
	What string
	Err  error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("deserialize %s: %v", e.What, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// RemoteError is an error response from the peer.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// IsUnhandledCommand reports whether err is a peer rejection of an
// unknown command name.
func IsUnhandledCommand(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Code == CodeUnhandledCommand
}
