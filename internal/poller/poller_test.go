package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ClareAI/astra-call-console/internal/domain"
	"github.com/ClareAI/astra-call-console/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedGateway serves a fixed status sequence, repeating the last entry
type scriptedGateway struct {
	mu       sync.Mutex
	statuses []string
	errs     []error
	index    int
}

func (g *scriptedGateway) CreateCall(ctx context.Context, number string, voice domain.VoiceSelection) (gateway.CreateResult, error) {
	return gateway.CreateResult{}, nil
}

func (g *scriptedGateway) GetStatus(ctx context.Context, callID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.index
	if i >= len(g.statuses) {
		i = len(g.statuses) - 1
	}
	g.index++
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	return g.statuses[i], nil
}

func (g *scriptedGateway) Transfer(ctx context.Context, callID, target string) error { return nil }

func (g *scriptedGateway) EndCall(ctx context.Context, callID string) gateway.EndResult {
	return gateway.EndResult{Status: "completed"}
}

func fastOptions() Options {
	return Options{
		InitialDelay:   time.Millisecond,
		Interval:       time.Millisecond,
		MaxAttempts:    50,
		RequestTimeout: time.Second,
	}
}

func TestPollerDeliversStatusesInOrderAndStopsOnTerminal(t *testing.T) {
	gw := &scriptedGateway{statuses: []string{"ringing", "in-progress", "completed", "completed"}}

	var mu sync.Mutex
	var seen []string
	p := New(gw, "abc123", fastOptions(), nil, func(callID, status string) {
		mu.Lock()
		seen = append(seen, status)
		mu.Unlock()
	})
	p.Start()

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop on terminal status")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ringing", "in-progress", "completed"}, seen)
	assert.Equal(t, 3, p.Attempts())
}

func TestPollerTransientErrorsDoNotStop(t *testing.T) {
	gw := &scriptedGateway{
		statuses: []string{"", "", "ringing", "completed"},
		errs:     []error{gateway.ErrNetwork, gateway.ErrServer, nil, nil},
	}

	var mu sync.Mutex
	var seen []string
	p := New(gw, "abc123", fastOptions(), nil, func(callID, status string) {
		mu.Lock()
		seen = append(seen, status)
		mu.Unlock()
	})
	p.Start()

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ringing", "completed"}, seen)
	assert.Equal(t, 2, p.ErrorCount())
}

func TestPollerStopsAtCap(t *testing.T) {
	gw := &scriptedGateway{statuses: []string{"ringing"}}

	opts := fastOptions()
	opts.MaxAttempts = 5

	p := New(gw, "abc123", opts, nil, func(callID, status string) {})
	p.Start()

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop at cap")
	}
	assert.Equal(t, 5, p.Attempts())
}

func TestPollerSelfCancelsWhenSessionChanges(t *testing.T) {
	gw := &scriptedGateway{statuses: []string{"ringing"}}

	p := New(gw, "stale", fastOptions(), func(id string) bool { return false }, func(callID, status string) {
		t.Error("sink must not fire for a stale session")
	})
	p.Start()

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not self-cancel")
	}
	assert.Equal(t, 0, p.Attempts())
}

func TestPollerStopIsIdempotent(t *testing.T) {
	gw := &scriptedGateway{statuses: []string{"ringing"}}

	p := New(gw, "abc123", fastOptions(), nil, func(callID, status string) {})
	p.Start()
	p.Stop()
	p.Stop()

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
	require.NotPanics(t, p.Stop)
}
