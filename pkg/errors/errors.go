// Package errors defines the bridge error taxonomy. Every component classifies
// its failures into one of the kinds below so callers can decide between
// retrying, dropping, or surfacing the error to the operator.
package errors

import (
	stderrors "errors"
	"fmt"
)

type Kind string

const (
	KindTransientRPC     Kind = "TRANSIENT_RPC"
	KindTransientOracle  Kind = "TRANSIENT_ORACLE"
	KindMalformedEvent   Kind = "MALFORMED_EVENT"
	KindProtocolMismatch Kind = "PROTOCOL_MISMATCH"
	KindTxTimeout        Kind = "TX_TIMEOUT"
	KindDuplicateRequest Kind = "DUPLICATE_REQUEST"
	KindConfig           Kind = "CONFIG"
	KindDatabase         Kind = "DATABASE"
	KindInternal         Kind = "INTERNAL"
)

// BridgeError carries the kind of a failure together with the operation that
// produced it.
type BridgeError struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *BridgeError) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// Is matches sentinel errors by kind, so errors.Is(err, ErrTxTimeout) holds
// for any TX_TIMEOUT error regardless of its operation or message.
func (e *BridgeError) Is(target error) bool {
	t, ok := target.(*BridgeError)
	if !ok {
		return false
	}
	return t.Op == "" && t.Cause == nil && t.Kind == e.Kind
}

var (
	ErrTransientRPC     = &BridgeError{Kind: KindTransientRPC, Message: "rpc node unavailable"}
	ErrTransientOracle  = &BridgeError{Kind: KindTransientOracle, Message: "oracle api unavailable"}
	ErrMalformedEvent   = &BridgeError{Kind: KindMalformedEvent, Message: "malformed event"}
	ErrProtocolMismatch = &BridgeError{Kind: KindProtocolMismatch, Message: "unexpected oracle api response"}
	ErrTxTimeout        = &BridgeError{Kind: KindTxTimeout, Message: "transaction receipt not found"}
	ErrDuplicateRequest = &BridgeError{Kind: KindDuplicateRequest, Message: "request already processed"}
)

func New(kind Kind, op, message string) *BridgeError {
	return &BridgeError{Kind: kind, Op: op, Message: message}
}

func Newf(kind Kind, op, format string, args ...any) *BridgeError {
	return &BridgeError{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, cause error, message string) *BridgeError {
	return &BridgeError{Kind: kind, Op: op, Message: message, Cause: cause}
}

func TransientRPC(op string, cause error) *BridgeError {
	return Wrap(KindTransientRPC, op, cause, "rpc call failed")
}

func TransientOracle(op string, cause error) *BridgeError {
	return Wrap(KindTransientOracle, op, cause, "oracle request failed")
}

func Malformed(op, format string, args ...any) *BridgeError {
	return Newf(KindMalformedEvent, op, format, args...)
}

func ProtocolMismatch(op, format string, args ...any) *BridgeError {
	return Newf(KindProtocolMismatch, op, format, args...)
}

// KindOf returns the kind of the first BridgeError in the chain, or
// KindInternal when err is not classified.
func KindOf(err error) Kind {
	var be *BridgeError
	if stderrors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

func IsTransientRPC(err error) bool {
	return err != nil && KindOf(err) == KindTransientRPC
}

func IsTransientOracle(err error) bool {
	return err != nil && KindOf(err) == KindTransientOracle
}

func IsProtocolMismatch(err error) bool {
	return err != nil && KindOf(err) == KindProtocolMismatch
}

func IsMalformed(err error) bool {
	return err != nil && KindOf(err) == KindMalformedEvent
}

func IsDuplicate(err error) bool {
	return err != nil && KindOf(err) == KindDuplicateRequest
}

// IsRetryable reports whether the failure is expected to clear up on its own.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientRPC, KindTransientOracle, KindTxTimeout:
		return true
	default:
		return false
	}
}
