package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClareAI/astra-call-console/internal/domain"
	"github.com/ClareAI/astra-call-console/pkg/logger"
	"go.uber.org/zap"
)

// SimulatedGateway implements Gateway without any backend. It is selected by
// demo mode configuration, and the controller also substitutes it when call
// creation fails so the console stays usable offline.
//
// The status progression is a fixed schedule on the call's local clock, not a
// random outcome, so the same call always replays the same way.
type SimulatedGateway struct {
	mutex sync.Mutex
	calls map[string]time.Time
	ended map[string]bool

	// now is replaceable for tests
	now func() time.Time

	// Schedule offsets from call creation
	RingAfter   time.Duration
	AnswerAfter time.Duration
	HangupAfter time.Duration
}

// NewSimulatedGateway creates a simulated gateway with the default schedule:
// ringing at 2s, answered at 6s, completed at 20s.
func NewSimulatedGateway() *SimulatedGateway {
	return &SimulatedGateway{
		calls:       make(map[string]time.Time),
		ended:       make(map[string]bool),
		now:         time.Now,
		RingAfter:   2 * time.Second,
		AnswerAfter: 6 * time.Second,
		HangupAfter: 20 * time.Second,
	}
}

// CreateCall registers a simulated call and returns a demo call id
func (g *SimulatedGateway) CreateCall(ctx context.Context, number string, voice domain.VoiceSelection) (CreateResult, error) {
	now := g.now()
	callID := fmt.Sprintf("demo_call_%d", now.UnixMilli())

	g.mutex.Lock()
	g.calls[callID] = now
	g.mutex.Unlock()

	logger.Base().Info("Simulated call created",
		zap.String("call_id", callID),
		zap.String("to", number),
		zap.String("voice_id", voice.VoiceID))
	return CreateResult{CallID: callID, Status: "initiated"}, nil
}

// GetStatus reports the scheduled status for the call's age
func (g *SimulatedGateway) GetStatus(ctx context.Context, callID string) (string, error) {
	g.mutex.Lock()
	createdAt, ok := g.calls[callID]
	ended := g.ended[callID]
	g.mutex.Unlock()

	if !ok {
		return "", ErrNotFound
	}
	if ended {
		return "completed", nil
	}

	age := g.now().Sub(createdAt)
	switch {
	case age < g.RingAfter:
		return "initiated", nil
	case age < g.AnswerAfter:
		return "ringing", nil
	case age < g.HangupAfter:
		return "in-progress", nil
	default:
		return "completed", nil
	}
}

// Transfer acknowledges any transfer for a known call
func (g *SimulatedGateway) Transfer(ctx context.Context, callID, target string) error {
	g.mutex.Lock()
	_, ok := g.calls[callID]
	g.mutex.Unlock()

	if !ok {
		return ErrNotFound
	}
	logger.Base().Info("Simulated transfer accepted", zap.String("call_id", callID), zap.String("target", target))
	return nil
}

// EndCall marks the call ended. Never fails.
func (g *SimulatedGateway) EndCall(ctx context.Context, callID string) EndResult {
	g.mutex.Lock()
	if _, ok := g.calls[callID]; ok {
		g.ended[callID] = true
	}
	g.mutex.Unlock()

	return EndResult{Status: "completed", ClientSide: false}
}
