package redmux

import (
	"errors"
	"fmt"

	"github.com/redmux/redmux/resp3"
)

// Connection level errors.
var (
	// ErrNotConnected is returned by Exec when no connection is established
	// and the request was configured with CancelIfNotConnected.
	ErrNotConnected = errors.New("redmux: not connected")

	// ErrConnectionLost is returned for requests failed by a dropped
	// connection, per their CancelOnConnectionLost / CancelIfUnresponded
	// config. When the session died of a more specific cause (pong
	// timeout, handshake failure) the request carries that error instead.
	ErrConnectionLost = errors.New("redmux: connection lost")

	// ErrPongTimeout fails a connection after two consecutive missed health
	// check replies.
	ErrPongTimeout = errors.New("redmux: pong timeout")

	// ErrHandshakeFailed is returned when the server rejects the HELLO
	// exchange; the connection is terminated along with it.
	ErrHandshakeFailed = errors.New("redmux: handshake failed")
)

// Cancellation errors.
var (
	// ErrCancelled is returned by an Exec whose context fired before its
	// request settled.
	ErrCancelled = errors.New("redmux: cancelled")

	// ErrOperationAborted is returned by operations failed through Cancel.
	ErrOperationAborted = errors.New("redmux: operation aborted")
)

// Adapter errors. These affect only the slot they occur in, never the
// connection.
var (
	// ErrIncompatibleType is returned when a reply's shape does not match
	// its slot, e.g. an aggregate arriving for a scalar slot.
	ErrIncompatibleType = errors.New("redmux: incompatible type")

	// ErrUnexpectedSize is returned when an aggregate reply has the wrong
	// number of children for its slot.
	ErrUnexpectedSize = errors.New("redmux: unexpected size")

	// ErrNotANumber is returned when a payload can not be converted to the
	// numeric type a slot asks for.
	ErrNotANumber = errors.New("redmux: not a number")
)

// RESPError is an error reply sent by the server, either a simple error or a
// blob error. It is recorded in the slot of the command that caused it and is
// never fatal to the connection.
type RESPError struct {
	Type resp3.Type
	Msg  []byte
}

func (e RESPError) Error() string {
	return fmt.Sprintf("redmux: server error: %s", e.Msg)
}

// Prefix returns the leading word of the error message, e.g. "ERR" or
// "WRONGTYPE". It returns an empty string if the message has no prefix.
func (e RESPError) Prefix() string {
	for i, c := range e.Msg {
		if c == ' ' {
			return string(e.Msg[:i])
		}
	}
	return ""
}
