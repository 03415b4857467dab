package model

import "errors"

// Sentinel errors shared by the engine, registry, scheduler and store.
// The API layer maps these to HTTP status codes.
var (
	// ErrNotFound is the parent of every "record absent" error.
	ErrNotFound = errors.New("model: not found")

	ErrUserNotFound     = subError("model: user not found", ErrNotFound)
	ErrPropertyNotFound = subError("model: property not found", ErrNotFound)
	ErrOrderNotFound    = subError("model: order not found", ErrNotFound)
	ErrPositionNotFound = subError("model: position not found", ErrNotFound)

	// ErrInsufficientShares is returned when an execution would push a
	// property pool or a position below zero shares.
	ErrInsufficientShares = errors.New("model: insufficient shares")

	// ErrInsufficientBalance is returned when a channel participant cannot
	// cover a transfer.
	ErrInsufficientBalance = errors.New("model: insufficient channel balance")

	ErrInvalidStateTransition = errors.New("model: invalid state transition")
	ErrOrderNotCancellable    = subError("model: order not cancellable", ErrInvalidStateTransition)

	ErrChannelNotFound = errors.New("model: channel not found")
	ErrChannelNotOpen  = errors.New("model: channel is not open")

	// ErrSettlementFailed wraps adapter errors and timeouts during settlement.
	ErrSettlementFailed = errors.New("model: settlement failed")
	ErrNothingToSettle  = errors.New("model: no orders to settle")

	// ErrAlreadyExists is returned when a record or wallet is registered twice.
	ErrAlreadyExists = errors.New("model: already exists")

	ErrPropertyNotTradable = errors.New("model: property is not open for trading")
	ErrInvalidOrder        = errors.New("model: invalid order")
)

// childError carries its own message but matches parent with errors.Is.
type childError struct {
	msg    string
	parent error
}

func (e *childError) Error() string { return e.msg }
func (e *childError) Unwrap() error { return e.parent }

func subError(msg string, parent error) error {
	return &childError{msg: msg, parent: parent}
}
