// Package errorkinds holds the error values shared by every layer of the
// device link: actions, transactions, sessions and transports.
package errorkinds

import "errors"

// Action failures.
var (
	ErrActionTimeout     = errors.New("action timed out")
	ErrActionRejected    = errors.New("action rejected by device")
	ErrMalformedResponse = errors.New("malformed response")
	ErrActionAborted     = errors.New("action aborted")
)

// Transaction and queue failures.
var (
	ErrTransactionFailed = errors.New("transaction failed")
	ErrQueueClosed       = errors.New("session closed")
)

// Session failures.
var (
	ErrDisconnected    = errors.New("device disconnected")
	ErrTransportError  = errors.New("transport error")
	ErrSessionNotExist = errors.New("session does not exist")
	ErrAlreadyOpen     = errors.New("session already connected")
)

// General call failures.
var (
	ErrNotSupported   = errors.New("operation not supported")
	ErrNoCoordinator  = errors.New("no coordinator matches device")
	ErrMethodCall     = errors.New("invalid method call")
	ErrInvalidAddress = errors.New("invalid device address")
	ErrEncode         = errors.New("cannot encode command")
)
