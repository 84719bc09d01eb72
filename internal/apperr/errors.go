// Package apperr defines the error kinds shared by every engine. Callers wrap
// them with fmt.Errorf("...: %w", ...) and classify with errors.Is or Kind.
package apperr

import (
	"errors"

	"google.golang.org/grpc/codes"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownPrice        = errors.New("unknown price")
	ErrStalePrice          = errors.New("stale price")
	ErrOrderNotFound       = errors.New("order not found")
	ErrPositionNotFound    = errors.New("position not found")
	ErrAlreadyFilled       = errors.New("order already filled")
	ErrAlreadyCancelled    = errors.New("order already cancelled")
	ErrAlreadyClosed       = errors.New("position already closed")
	ErrInvalidState        = errors.New("invalid state")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrUnauthenticated     = errors.New("unauthenticated")
)

type kindEntry struct {
	err  error
	kind string
	code codes.Code
}

// Order matters only for errors that wrap more than one sentinel.
var kinds = []kindEntry{
	{ErrValidation, "validation", codes.InvalidArgument},
	{ErrInsufficientBalance, "insufficient_balance", codes.FailedPrecondition},
	{ErrUnknownPrice, "unknown_price", codes.Unavailable},
	{ErrStalePrice, "stale_price", codes.Unavailable},
	{ErrOrderNotFound, "order_not_found", codes.NotFound},
	{ErrPositionNotFound, "position_not_found", codes.NotFound},
	{ErrAlreadyFilled, "already_filled", codes.FailedPrecondition},
	{ErrAlreadyCancelled, "already_cancelled", codes.FailedPrecondition},
	{ErrAlreadyClosed, "already_closed", codes.FailedPrecondition},
	{ErrInvalidState, "invalid_state", codes.Internal},
	{ErrStorageUnavailable, "storage_unavailable", codes.Unavailable},
	{ErrUnauthenticated, "unauthenticated", codes.Unauthenticated},
}

// Kind returns a stable label for err, "ok" for nil and "internal" for
// anything unclassified.
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}

// GRPCCode maps err onto a gRPC status code.
func GRPCCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return codes.Internal
}
