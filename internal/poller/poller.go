package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClareAI/astra-call-console/internal/domain"
	"github.com/ClareAI/astra-call-console/internal/gateway"
	"github.com/ClareAI/astra-call-console/pkg/logger"
	"go.uber.org/zap"
)

// Options tune the polling loop
type Options struct {
	InitialDelay   time.Duration // delay before the first poll (default 1s)
	Interval       time.Duration // fixed interval between polls (default 2s)
	MaxAttempts    int           // hard cap on iterations (default 300, ~10 minutes)
	RequestTimeout time.Duration // per-fetch bound (default 4s)
}

func (o *Options) applyDefaults() {
	if o.InitialDelay <= 0 {
		o.InitialDelay = 1 * time.Second
	}
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 300
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 4 * time.Second
	}
}

// StatusPoller runs a bounded, cancellable polling loop against the gateway
// status endpoint for one call id. Results are delivered in order to the sink;
// transient fetch errors are counted but do not stop the loop until the cap.
type StatusPoller struct {
	gw      gateway.Gateway
	callID  string
	opts    Options
	sink    func(callID, status string)
	current func(callID string) bool // owner's check that callID is still the active session

	attempts atomic.Int32
	errors   atomic.Int32

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a poller for one call id. The current func guards against
// races after a hangup: when the id no longer matches the owner's active
// session the poller self-cancels and no further results are delivered.
func New(gw gateway.Gateway, callID string, opts Options, current func(callID string) bool, sink func(callID, status string)) *StatusPoller {
	opts.applyDefaults()
	return &StatusPoller{
		gw:      gw,
		callID:  callID,
		opts:    opts,
		sink:    sink,
		current: current,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the polling loop
func (p *StatusPoller) Start() {
	go p.run()
}

// Stop cancels the loop. Idempotent; safe to call from any goroutine and
// safe to call after the loop already finished.
func (p *StatusPoller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}

// Done is closed when the loop has exited
func (p *StatusPoller) Done() <-chan struct{} {
	return p.done
}

// Attempts reports how many polls have run
func (p *StatusPoller) Attempts() int {
	return int(p.attempts.Load())
}

// ErrorCount reports how many polls failed transiently
func (p *StatusPoller) ErrorCount() int {
	return int(p.errors.Load())
}

func (p *StatusPoller) run() {
	defer close(p.done)

	timer := time.NewTimer(p.opts.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-timer.C:
		}

		if p.current != nil && !p.current(p.callID) {
			logger.Base().Info("Session changed, status poller self-cancelling", zap.String("call_id", p.callID))
			p.Stop()
			return
		}

		attempt := p.attempts.Add(1)

		ctx, cancel := context.WithTimeout(context.Background(), p.opts.RequestTimeout)
		status, err := p.gw.GetStatus(ctx, p.callID)
		cancel()

		select {
		case <-p.stopCh:
			// Stopped while the fetch was in flight; the result is stale.
			return
		default:
		}

		if err != nil {
			p.errors.Add(1)
			logger.Base().Warn("Status poll failed",
				zap.String("call_id", p.callID),
				zap.Int32("attempt", attempt),
				zap.Error(err))
		} else {
			p.sink(p.callID, status)
			if mapped, _, ok := domain.ParseBackendStatus(status); ok && mapped.IsTerminal() {
				logger.Base().Info("Terminal status observed, stopping poller",
					zap.String("call_id", p.callID),
					zap.String("status", status))
				p.Stop()
				return
			}
		}

		if int(attempt) >= p.opts.MaxAttempts {
			logger.Base().Warn("Status poll cap reached, stopping unconditionally",
				zap.String("call_id", p.callID),
				zap.Int32("attempts", attempt))
			p.Stop()
			return
		}

		timer.Reset(p.opts.Interval)
	}
}
