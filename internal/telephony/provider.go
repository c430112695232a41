package telephony

import (
	"context"
	"errors"

	"provider-scout/internal/calls"
)

// Platform is the voice-AI platform boundary used by the direct execution path.
//
// Rules:
// - No platform HTTP calls outside telephony adapters.
// - Results leave this package as calls.CallResult; raw payloads never do.
type Platform interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// CreateCall places one outbound call and returns the platform call id.
	CreateCall(ctx context.Context, req calls.CallRequest) (string, error)

	// GetCall reads the current state of a call.
	GetCall(ctx context.Context, callID string) (calls.CallResult, error)
}

// Call creation failures. They are distinct from call outcomes: a call that
// was placed and then failed is a CallResult, not an error.
var (
	ErrInvalidNumber = errors.New("telephony: invalid target number")
	ErrQuotaExceeded = errors.New("telephony: platform quota exceeded")
	ErrUnauthorized  = errors.New("telephony: platform credentials rejected")
	ErrCallRejected  = errors.New("telephony: call rejected by platform")
	ErrCallNotFound  = errors.New("telephony: call not found")
)

// IsSystemic reports creation failures that no other call of the batch can
// avoid either.
func IsSystemic(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrUnauthorized)
}

// BackendDirect names the direct execution path on results and log entries.
const BackendDirect = "direct"
