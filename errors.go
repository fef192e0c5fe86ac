package elock

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	// ErrClosed is returned by any networked operation after Close.
	ErrClosed = errors.New("elock client is closed")

	// ErrConnectionBroken is wrapped by the IOError returned from any
	// operation attempted after an earlier send or receive failed.
	ErrConnectionBroken = errors.New("elock connection is broken")

	// ErrDeadlock matches any *DeadlockError with errors.Is.
	ErrDeadlock = errors.New("elock deadlock")

	// ErrBlockCommand is returned by SendCommand for commands answered
	// with a multi-line block. Use Stats or Debug for those.
	ErrBlockCommand = errors.New("elock command has a multi-line response")
)

type (
	// ConnectionError reports that the TCP connection to the eLock server
	// could not be established.
	ConnectionError struct {
		Address string
		Errno   int
		Err     error
	}

	// IOError reports a failed send or receive on an established
	// connection. The client cannot be used after one is returned.
	IOError struct {
		Op  string
		Err error
	}

	// UnexpectedResponseError reports a server response outside the
	// grammar of the command that was sent.
	UnexpectedResponseError struct {
		Action   string
		Response string
	}

	// DeadlockError is returned by Lock when the server detects that
	// waiting for the lock would complete a cycle of waiting sessions.
	DeadlockError struct {
		Message string
	}
)

func newConnectionError(address string, err error) *ConnectionError {
	ce := &ConnectionError{Address: address, Err: err}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		ce.Errno = int(errno)
	}
	return ce
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to open connection to eLock server: (%d) %s", e.Errno, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *IOError) Error() string {
	return fmt.Sprintf("elock %s: %s", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was the read deadline elapsing.
func (e *IOError) Timeout() bool {
	var ne net.Error
	if errors.As(e.Err, &ne) {
		return ne.Timeout()
	}
	return false
}

func newUnexpectedResponse(action string, response any) *UnexpectedResponseError {
	return &UnexpectedResponseError{Action: action, Response: fmt.Sprint(response)}
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("unexpected response from eLock server while attempting to %s: %s", e.Action, e.Response)
}

func (e *DeadlockError) Error() string {
	return "elock deadlock: " + e.Message
}

func (e *DeadlockError) Is(target error) bool {
	return target == ErrDeadlock
}
