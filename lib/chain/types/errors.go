package types

import (
	"context"
	"errors"
	"fmt"
)

// Error codes.
var (
	ErrAdapterUnavailable = errors.New("adapter unavailable")
	ErrCircuitOpen        = errors.New("adapter circuit open")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientGas    = errors.New("insufficient gas")
	ErrInvalidRecipient   = errors.New("invalid recipient")
	ErrNonceConflict      = errors.New("nonce conflict")
	ErrNotFound           = errors.New("not found on chain")
)

// Code is the wire form of an adapter error.
type Code string

// Wire error codes.
const (
	CodeNone             Code = ""
	CodeUnavailable      Code = "ADAPTER_UNAVAILABLE"
	CodeCircuitOpen      Code = "CIRCUIT_OPEN"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeInsufficientFund Code = "INSUFFICIENT_FUNDS"
	CodeInsufficientGas  Code = "INSUFFICIENT_GAS"
	CodeInvalidRecipient Code = "INVALID_RECIPIENT"
	CodeNonceConflict    Code = "NONCE_CONFLICT"
	CodeNotFound         Code = "NOT_FOUND"
	CodeInternal         Code = "INTERNAL"
)

var codes = []struct { //nolint:gochecknoglobals // static table
	code Code
	err  error
}{
	{CodeUnavailable, ErrAdapterUnavailable},
	{CodeCircuitOpen, ErrCircuitOpen},
	{CodeInvalidRequest, ErrInvalidRequest},
	{CodeInsufficientFund, ErrInsufficientFunds},
	{CodeInsufficientGas, ErrInsufficientGas},
	{CodeInvalidRecipient, ErrInvalidRecipient},
	{CodeNonceConflict, ErrNonceConflict},
	{CodeNotFound, ErrNotFound},
}

// CodeOf classifies err. Errors outside the taxonomy are INTERNAL, except deadline and cancellation which are
// reported as unavailable.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}

	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CodeUnavailable
	}

	return CodeInternal
}

// FromCode rebuilds an error received over the wire so that errors.Is keeps working on the client side.
func FromCode(code Code, msg string) error {
	if code == CodeNone {
		return nil
	}

	for _, c := range codes {
		if c.code == code {
			if msg == "" || msg == c.err.Error() {
				return c.err
			}

			return fmt.Errorf("%w: %s", c.err, msg)
		}
	}

	return errors.New(msg)
}

// IsTransient reports whether the call that returned err may succeed if retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrAdapterUnavailable) || errors.Is(err, ErrNonceConflict) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsDeferred reports whether the work should be retried later rather than abandoned.
func IsDeferred(err error) bool {
	return IsTransient(err) || errors.Is(err, ErrCircuitOpen)
}

// IsPermanent reports whether err is a business rejection that no retry will fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientGas) || errors.Is(err, ErrInvalidRecipient)
}

// Invalidf returns an ErrInvalidRequest with details.
func Invalidf(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, a...))
}

// Unavailable wraps an RPC failure as ErrAdapterUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrAdapterUnavailable, op, err)
}

// AdapterError annotates a classified error with the chain and operation that produced it.
type AdapterError struct {
	Code  Code
	Chain Chain
	Op    string
	Err   error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Chain, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Annotate wraps err in an AdapterError unless it already is one.
func Annotate(chain Chain, op string, err error) error {
	if err == nil {
		return nil
	}

	var ae *AdapterError
	if errors.As(err, &ae) {
		return err
	}

	return &AdapterError{Code: CodeOf(err), Chain: chain, Op: op, Err: err}
}

// SubmitError reports a transaction that was signed and handed to the network without a conclusive reply, so it may
// still land. Ref is passed as IssueRequest.Prior on the next attempt with the same idempotency key.
type SubmitError struct {
	Ref TxRef
	Err error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("transaction %s: %v", e.Ref.Signature, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Submitted returns the reference of a transaction that err reports as possibly landed.
func Submitted(err error) (TxRef, bool) {
	var se *SubmitError
	if errors.As(err, &se) {
		return se.Ref, true
	}

	return TxRef{}, false
}
