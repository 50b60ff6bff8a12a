package gateway

import (
	"context"
	"errors"

	"github.com/ClareAI/astra-call-console/internal/domain"
)

// Typed errors surfaced to callers instead of raw transport failures.
var (
	// ErrNetwork covers connection failures, timeouts and DNS errors.
	ErrNetwork = errors.New("gateway: network error")
	// ErrNotFound covers 404 responses for unknown call ids.
	ErrNotFound = errors.New("gateway: call not found")
	// ErrServer covers 5xx and other non-success responses.
	ErrServer = errors.New("gateway: server error")
)

// CreateResult is the gateway's answer to a call placement request
type CreateResult struct {
	CallID string `json:"callId"`
	Status string `json:"status"`
}

// EndResult is the outcome of the termination chain. ClientSide is true when
// no backend tier confirmed the hangup and the result was synthesized locally.
type EndResult struct {
	Status     string `json:"status"`
	ClientSide bool   `json:"clientSide"`
}

// Gateway is the stateless call-control surface. All operations are bounded
// by the client's request timeout; none of them hold session state.
type Gateway interface {
	// CreateCall places an outbound call and returns the backend call id.
	CreateCall(ctx context.Context, number string, voice domain.VoiceSelection) (CreateResult, error)
	// GetStatus fetches the backend status vocabulary value for a call.
	GetStatus(ctx context.Context, callID string) (string, error)
	// Transfer hands the call off to another destination number.
	Transfer(ctx context.Context, callID, target string) error
	// EndCall runs the tiered termination chain. It never returns an error:
	// if every tier fails the result is a local client-side hangup.
	EndCall(ctx context.Context, callID string) EndResult
}
