package models

import (
	"errors"
	"fmt"
)

// Class tells the retry machinery what may be done with a failed operation.
type Class int

const (
	// Retryable failures are transient: timeouts, congestion, rate limiting.
	Retryable Class = iota
	// NonRetryable failures are malformed input or a remote rejection that
	// needs fresh state before anything is resubmitted.
	NonRetryable
	// Fatal failures can never succeed as issued, e.g. an oversized transaction.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case NonRetryable:
		return "non_retryable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

var (
	ErrRateLimited       = errors.New("too many requests")
	ErrInvalidInput      = errors.New("invalid input")
	ErrTxTooLarge        = errors.New("transaction exceeds size limit")
	ErrSimulationFailed  = errors.New("simulation failed")
	ErrConfirmTimeout    = errors.New("confirmation timed out")
	ErrTxFailed          = errors.New("transaction failed on chain")
	ErrPriceDisagreement = errors.New("price sources disagree")
	ErrNoSamples         = errors.New("not enough price samples")
	ErrShortAccountData  = errors.New("account data shorter than layout")
	ErrUnsupportedAsset  = errors.New("asset not supported by source")
	ErrAccountNotFound   = errors.New("account not found")
)

// Error is a classified failure of operation Op.
type Error struct {
	Op    string
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewRetryable(op string, err error) *Error {
	return &Error{Op: op, Class: Retryable, Err: err}
}

func NewNonRetryable(op string, err error) *Error {
	return &Error{Op: op, Class: NonRetryable, Err: err}
}

func NewFatal(op string, err error) *Error {
	return &Error{Op: op, Class: Fatal, Err: err}
}

// ClassOf returns the class of the outermost classified error in the chain.
// Unclassified errors are treated as non-retryable so that nothing unknown is
// retried blindly.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return NonRetryable
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	return err != nil && ClassOf(err) == Retryable
}

// IsFatal reports whether err can never succeed as issued.
func IsFatal(err error) bool {
	return err != nil && ClassOf(err) == Fatal
}
