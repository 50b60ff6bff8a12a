package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ClareAI/astra-call-console/internal/audio"
	"github.com/ClareAI/astra-call-console/internal/domain"
	"github.com/ClareAI/astra-call-console/internal/gateway"
	"github.com/ClareAI/astra-call-console/internal/poller"
	"github.com/ClareAI/astra-call-console/pkg/logger"
	"go.uber.org/zap"
)

var (
	// ErrCallInProgress is returned when placing a call while one is active
	ErrCallInProgress = errors.New("a call is already in progress")
	// ErrNoActiveCall is returned for end/transfer/mute without a session
	ErrNoActiveCall = errors.New("no active call")
	// ErrNotAnswered is returned for a transfer before the call is answered
	ErrNotAnswered = errors.New("call is not in progress")
	// ErrShuttingDown is returned for commands after Shutdown
	ErrShuttingDown = errors.New("controller is shutting down")
)

// Stream is the controller's view of a transcript connection
type Stream interface {
	Disconnect()
}

// StreamDialer opens a transcript stream for a call id. A nil dialer disables
// transcription; dial failures are soft and never block the call.
type StreamDialer func(ctx context.Context, callID string, onEntry func(domain.TranscriptEntry), onError func(error)) (Stream, error)

// Config tunes the controller's timers. Zero values take the defaults.
type Config struct {
	AnswerTimeout    time.Duration // unanswered-call timeout (default 30s)
	RequestTimeout   time.Duration // bound for gateway requests issued by the controller
	PollInitialDelay time.Duration
	PollInterval     time.Duration
	PollMaxAttempts  int
	TransferGrace    time.Duration // local hangup delay after a confirmed transfer
}

func (c *Config) applyDefaults() {
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 4 * time.Second
	}
	if c.TransferGrace <= 0 {
		c.TransferGrace = 3 * time.Second
	}
}

// Snapshot is the observable controller state handed to the UI shell
type Snapshot struct {
	State       domain.CallStatus        `json:"state"`
	Session     *domain.CallSession      `json:"session,omitempty"`
	LastSession *domain.CallSession      `json:"last_session,omitempty"`
	Transcript  []domain.TranscriptEntry `json:"transcript"`
	Notices     []Notice                 `json:"notices"`
	MicActive   bool                     `json:"mic_active"`
	MicMuted    bool                     `json:"mic_muted"`
}

// Controller owns the single active call session. It composes the gateway,
// status poller, transcript stream and audio components, and guarantees that
// every path — backend status, timeout, user hangup, shutdown — reaches the
// terminal state through the same idempotent teardown.
type Controller struct {
	cfg      Config
	gw       gateway.Gateway
	fallback *gateway.SimulatedGateway
	tones    *audio.Synthesizer
	mic      *audio.MicrophoneManager
	dialer   StreamDialer

	events chan event

	// activeID mirrors the current session id for collaborators that need a
	// cheap staleness check outside the loop (the poller's self-cancel).
	activeID atomic.Value // string

	// Everything below is owned by the event loop goroutine.
	session      *domain.CallSession
	sessionGW    gateway.Gateway // gateway serving the current session (primary or fallback)
	lastEnded    *domain.CallSession
	transcript   []domain.TranscriptEntry
	notices      []Notice
	statusPoller *poller.StatusPoller
	stream       Stream
	answerTimer  *time.Timer
	graceTimer   *time.Timer
	transferPend bool
	deferred     []event

	done chan struct{}
}

// New creates a controller and starts its event loop. tones, mic and dialer
// may be nil (no-op audio bindings, no transcription).
func New(cfg Config, gw gateway.Gateway, tones *audio.Synthesizer, mic *audio.MicrophoneManager, dialer StreamDialer) *Controller {
	cfg.applyDefaults()
	if tones == nil {
		tones = audio.NewSynthesizer(nil)
	}
	if mic == nil {
		mic = audio.NewMicrophoneManager(nil)
	}

	c := &Controller{
		cfg:      cfg,
		gw:       gw,
		fallback: gateway.NewSimulatedGateway(),
		tones:    tones,
		mic:      mic,
		dialer:   dialer,
		events:   make(chan event, 256),
		done:     make(chan struct{}),
	}
	c.activeID.Store("")

	go c.run()
	return c
}

// PlaceCall places an outbound call. Valid only from idle. On gateway
// failure the session falls back to a local simulated call so the console
// stays usable offline.
func (c *Controller) PlaceCall(number string, voice domain.VoiceSelection) error {
	if err := domain.ValidatePhoneNumber(number); err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := c.send(placeCmd{number: number, voice: voice, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// EndCall ends the active call. Idempotent: a second invocation returns
// ErrNoActiveCall and produces no further side effects. Never blocked by
// backend availability.
func (c *Controller) EndCall() error {
	reply := make(chan error, 1)
	if err := c.send(endCmd{reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// TransferCall hands the active call to another number. Valid only while the
// call is in progress.
func (c *Controller) TransferCall(target string) error {
	if err := domain.ValidatePhoneNumber(target); err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := c.send(transferCmd{target: target, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// SetMuted toggles microphone capture for the active call
func (c *Controller) SetMuted(muted bool) error {
	reply := make(chan error, 1)
	if err := c.send(muteCmd{muted: muted, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Snapshot returns a copy of the observable controller state
func (c *Controller) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if err := c.send(snapshotCmd{reply: reply}); err != nil {
		return Snapshot{State: domain.CallIdle}
	}
	return <-reply
}

// Shutdown tears down any active session through the same cleanup path as a
// user hangup, then stops the event loop. Safe to call more than once.
func (c *Controller) Shutdown() {
	reply := make(chan struct{}, 1)
	if err := c.send(shutdownCmd{reply: reply}); err != nil {
		return
	}
	select {
	case <-reply:
	case <-c.done:
	}
}

// send queues an event unless the loop has stopped
func (c *Controller) send(e event) error {
	select {
	case <-c.done:
		return ErrShuttingDown
	default:
	}
	select {
	case c.events <- e:
		return nil
	case <-c.done:
		return ErrShuttingDown
	}
}

func (c *Controller) run() {
	for {
		var e event
		if len(c.deferred) > 0 {
			e = c.deferred[0]
			c.deferred = c.deferred[1:]
		} else {
			e = <-c.events
		}
		if stop := c.dispatch(e); stop {
			close(c.done)
			c.rejectPending()
			return
		}
	}
}

// rejectPending answers commands that were queued behind a shutdown so no
// caller is left blocked on a reply.
func (c *Controller) rejectPending() {
	for _, e := range c.deferred {
		c.reject(e)
	}
	c.deferred = nil
	for {
		select {
		case e := <-c.events:
			c.reject(e)
		default:
			return
		}
	}
}

func (c *Controller) reject(e event) {
	switch ev := e.(type) {
	case placeCmd:
		ev.reply <- ErrShuttingDown
	case endCmd:
		ev.reply <- ErrShuttingDown
	case transferCmd:
		ev.reply <- ErrShuttingDown
	case muteCmd:
		ev.reply <- ErrShuttingDown
	case snapshotCmd:
		ev.reply <- Snapshot{State: domain.CallIdle}
	case shutdownCmd:
		ev.reply <- struct{}{}
	}
}

func (c *Controller) dispatch(e event) bool {
	switch ev := e.(type) {
	case placeCmd:
		ev.reply <- c.handlePlace(ev.number, ev.voice)
	case endCmd:
		ev.reply <- c.handleEnd()
	case transferCmd:
		ev.reply <- c.handleTransfer(ev.target)
	case muteCmd:
		ev.reply <- c.handleMute(ev.muted)
	case snapshotCmd:
		ev.reply <- c.buildSnapshot()
	case statusEvent:
		c.handleStatus(ev.callID, ev.raw)
	case transcriptEvent:
		c.handleTranscript(ev.callID, ev.entry)
	case streamErrorEvent:
		c.handleStreamError(ev.callID, ev.err)
	case timeoutEvent:
		c.handleTimeout(ev.callID)
	case endResultEvent:
		c.handleEndResult(ev.callID, ev.result)
	case transferResultEvent:
		c.handleTransferResult(ev.callID, ev.err)
	case transferGraceEvent:
		c.handleTransferGrace(ev.callID)
	case shutdownCmd:
		c.handleShutdown()
		ev.reply <- struct{}{}
		return true
	}
	return false
}

// handlePlace drives placeCall: create through the gateway, fall back to a
// local session on creation failure, then start the poller, stream, answer
// timer and dial tone.
func (c *Controller) handlePlace(number string, voice domain.VoiceSelection) error {
	if c.session != nil {
		return ErrCallInProgress
	}

	gw := c.gw
	withStream := true

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	created, err := gw.CreateCall(ctx, number, voice)
	cancel()
	if err != nil {
		// Creation failure is recovered locally, never surfaced as a hard
		// error: substitute a deterministic simulated session.
		logger.Base().Warn("Call creation failed, falling back to local session",
			zap.String("to", number), zap.Error(err))
		gw = c.fallback
		withStream = false
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		created, err = gw.CreateCall(ctx, number, voice)
		cancel()
		if err != nil {
			return fmt.Errorf("place call: %w", err)
		}
		c.pushNotice(NoticeWarning, "Backend unreachable, running a local demo call")
	}

	now := time.Now()
	c.session = &domain.CallSession{
		ID:          created.CallID,
		PhoneNumber: number,
		Status:      domain.CallDialing,
		Voice:       voice,
		CreatedAt:   now,
	}
	c.sessionGW = gw
	c.activeID.Store(created.CallID)
	c.transcript = nil
	c.transferPend = false

	logger.Base().Info("Call placed",
		zap.String("session_id", created.CallID),
		zap.String("to", number),
		zap.String("backend_status", created.Status))

	if err := c.mic.Acquire(); err != nil {
		c.pushNotice(NoticeWarning, "Microphone unavailable")
	}
	c.tones.Play(audio.ToneDial)

	c.startPoller(created.CallID, gw)
	if withStream {
		c.startStream(created.CallID)
	}
	c.armAnswerTimer(created.CallID)

	// The creation response may already carry a mappable status.
	if created.Status != "" {
		c.handleStatus(created.CallID, created.Status)
	}
	return nil
}

func (c *Controller) startPoller(callID string, gw gateway.Gateway) {
	opts := poller.Options{
		InitialDelay:   c.cfg.PollInitialDelay,
		Interval:       c.cfg.PollInterval,
		MaxAttempts:    c.cfg.PollMaxAttempts,
		RequestTimeout: c.cfg.RequestTimeout,
	}
	current := func(id string) bool {
		return c.activeID.Load() == id
	}
	sink := func(id, status string) {
		_ = c.send(statusEvent{callID: id, raw: status})
	}
	c.statusPoller = poller.New(gw, callID, opts, current, sink)
	c.statusPoller.Start()
}

func (c *Controller) startStream(callID string) {
	if c.dialer == nil {
		return
	}
	onEntry := func(entry domain.TranscriptEntry) {
		_ = c.send(transcriptEvent{callID: callID, entry: entry})
	}
	onError := func(err error) {
		_ = c.send(streamErrorEvent{callID: callID, err: err})
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	st, err := c.dialer(ctx, callID, onEntry, onError)
	if err != nil {
		// Stream failure is soft: the call continues without transcription.
		logger.Base().Warn("Transcript stream unavailable", zap.String("session_id", callID), zap.Error(err))
		c.pushNotice(NoticeWarning, "Live transcript unavailable")
		return
	}
	c.stream = st
}

func (c *Controller) armAnswerTimer(callID string) {
	c.answerTimer = time.AfterFunc(c.cfg.AnswerTimeout, func() {
		_ = c.send(timeoutEvent{callID: callID})
	})
}

// handleStatus applies one backend status observation. Updates for a session
// id that no longer matches the active session are silently discarded, which
// guards against late poll results racing a hangup.
func (c *Controller) handleStatus(callID, raw string) {
	if c.session == nil || c.session.ID != callID {
		logger.Base().Debug("Discarding stale status update",
			zap.String("call_id", callID), zap.String("status", raw))
		return
	}

	mapped, reason, ok := domain.ParseBackendStatus(raw)
	if !ok {
		logger.Base().Warn("Unrecognized backend status",
			zap.String("session_id", callID), zap.String("status", raw))
		return
	}

	if mapped.IsTerminal() {
		c.finalize(reason, terminalNotice(reason))
		return
	}

	switch mapped {
	case domain.CallRinging:
		if c.session.Status != domain.CallDialing {
			return
		}
		c.session.Status = domain.CallRinging
		c.tones.Stop(audio.ToneDial)
		c.tones.Play(audio.ToneRing)
		logger.Base().Info("Call ringing", zap.String("session_id", callID))

	case domain.CallInProgress:
		if c.session.Status == domain.CallInProgress {
			return
		}
		c.session.Status = domain.CallInProgress
		c.session.StartedAt = time.Now()
		c.tones.Stop(audio.ToneDial)
		c.tones.Stop(audio.ToneRing)
		c.tones.Play(audio.ToneConnect)
		c.disarmAnswerTimer()
		logger.Base().Info("Call answered", zap.String("session_id", callID))

	case domain.CallDialing:
		// Forward-only: never regress from ringing or inProgress.
	}
}

// handleTranscript appends one entry. Recording starts once the call is in
// progress; entries for stale session ids are dropped.
func (c *Controller) handleTranscript(callID string, entry domain.TranscriptEntry) {
	if c.session == nil || c.session.ID != callID {
		return
	}
	if c.session.Status != domain.CallInProgress {
		return
	}
	c.transcript = append(c.transcript, entry)
}

// handleStreamError surfaces a transcript failure as a soft warning; the
// session lifecycle is unaffected.
func (c *Controller) handleStreamError(callID string, err error) {
	if c.session == nil || c.session.ID != callID {
		return
	}
	logger.Base().Warn("Transcript stream failed, continuing without transcription",
		zap.String("session_id", callID), zap.Error(err))
	c.stream = nil
	c.pushNotice(NoticeWarning, "Live transcript interrupted")
}

// handleTimeout fires the unanswered-call timeout. A poll result racing the
// timer wins when it reports a more specific status: pending status events
// already queued are applied first, and the timeout only proceeds if the
// session is still unanswered afterwards.
func (c *Controller) handleTimeout(callID string) {
	if c.session == nil || c.session.ID != callID {
		return
	}

	c.drainPendingStatus()

	if c.session == nil || c.session.ID != callID {
		return
	}
	if c.session.Status == domain.CallInProgress {
		return
	}

	logger.Base().Info("No answer within timeout, terminating", zap.String("session_id", callID))
	c.pushNotice(NoticeInfo, "No answer")
	c.terminate(domain.ReasonTimeout)
}

// drainPendingStatus applies queued status events ahead of a timeout
// decision; other queued events keep their place and run after it.
func (c *Controller) drainPendingStatus() {
	for {
		select {
		case e := <-c.events:
			if st, ok := e.(statusEvent); ok {
				c.handleStatus(st.callID, st.raw)
			} else {
				c.deferred = append(c.deferred, e)
			}
		default:
			return
		}
	}
}

// handleEnd is the user-initiated hangup: poller and timers stop immediately
// to avoid races with late status updates, local audio is released for
// immediate feedback, and the backend termination chain runs asynchronously.
func (c *Controller) handleEnd() error {
	if c.session == nil {
		return ErrNoActiveCall
	}
	c.terminate(domain.ReasonCompleted)
	return nil
}

// terminate runs local teardown and kicks off the asynchronous backend
// termination chain for the just-ended session.
func (c *Controller) terminate(reason domain.EndReason) {
	if c.session == nil {
		return
	}
	callID := c.session.ID
	gw := c.sessionGW

	c.finalize(reason, "")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*c.cfg.RequestTimeout)
		defer cancel()
		result := gw.EndCall(ctx, callID)
		_ = c.send(endResultEvent{callID: callID, result: result})
	}()
}

// handleEndResult records a client-side termination when no backend tier
// confirmed the hangup. The session is already terminal at this point. Only a
// plain user hangup is upgraded: a more specific recorded reason such as
// timeout is kept even when the termination chain fails.
func (c *Controller) handleEndResult(callID string, result gateway.EndResult) {
	if c.lastEnded == nil || c.lastEnded.ID != callID {
		return
	}
	if result.ClientSide && c.lastEnded.Reason == domain.ReasonCompleted {
		c.lastEnded.Reason = domain.ReasonClientSide
		logger.Base().Info("Call ended client-side", zap.String("session_id", callID))
	}
}

// handleTransfer delegates to the gateway; valid only while in progress. The
// result arrives as a later event so the loop never blocks on the request.
func (c *Controller) handleTransfer(target string) error {
	if c.session == nil {
		return ErrNoActiveCall
	}
	if c.session.Status != domain.CallInProgress {
		return ErrNotAnswered
	}
	if c.transferPend {
		return nil
	}

	callID := c.session.ID
	c.session.TransferTarget = target
	c.transferPend = true
	gw := c.sessionGW

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		err := gw.Transfer(ctx, callID, target)
		_ = c.send(transferResultEvent{callID: callID, err: err})
	}()
	return nil
}

// handleTransferResult schedules the local hangup after a confirmed transfer:
// the backend ends this leg once the transfer completes, so the console only
// waits out a short grace period.
func (c *Controller) handleTransferResult(callID string, err error) {
	if c.session == nil || c.session.ID != callID {
		return
	}
	c.transferPend = false

	if err != nil {
		logger.Base().Warn("Transfer failed", zap.String("session_id", callID), zap.Error(err))
		c.session.TransferTarget = ""
		c.pushNotice(NoticeWarning, "Transfer failed")
		return
	}

	c.pushNotice(NoticeInfo, "Call transferred")
	c.graceTimer = time.AfterFunc(c.cfg.TransferGrace, func() {
		_ = c.send(transferGraceEvent{callID: callID})
	})
}

func (c *Controller) handleTransferGrace(callID string) {
	if c.session == nil || c.session.ID != callID {
		return
	}
	c.terminate(domain.ReasonCompleted)
}

func (c *Controller) handleMute(muted bool) error {
	if c.session == nil {
		return ErrNoActiveCall
	}
	c.mic.SetMuted(muted)
	return nil
}

// finalize is the single teardown path. Every step is individually safe to
// invoke when already inactive, so it does not matter which event reaches the
// terminal state first: poller, stream, timers, tones and microphone all end
// here exactly once per session.
func (c *Controller) finalize(reason domain.EndReason, notice string) {
	if c.session == nil {
		return
	}

	c.session.Status = domain.CallEnded
	c.session.Reason = reason

	c.disarmAnswerTimer()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	if c.statusPoller != nil {
		c.statusPoller.Stop()
		c.statusPoller = nil
	}
	if c.stream != nil {
		c.stream.Disconnect()
		c.stream = nil
	}

	c.tones.StopAll()
	c.tones.Play(audio.ToneEnd)
	c.mic.Release()

	logger.Base().Info("Call ended",
		zap.String("session_id", c.session.ID),
		zap.String("reason", string(reason)))

	if notice != "" {
		c.pushNotice(NoticeInfo, notice)
	}

	// The session is discarded the moment it reaches the terminal state; the
	// last-ended copy remains for display only.
	c.lastEnded = c.session
	c.session = nil
	c.sessionGW = nil
	c.transferPend = false
	c.activeID.Store("")
}

func (c *Controller) disarmAnswerTimer() {
	if c.answerTimer != nil {
		c.answerTimer.Stop()
		c.answerTimer = nil
	}
}

// handleShutdown runs the same cleanup path as a hangup, synchronously, so
// teardown on exit leaks nothing even if the backend is unreachable.
func (c *Controller) handleShutdown() {
	if c.session == nil {
		return
	}
	callID := c.session.ID
	gw := c.sessionGW
	c.finalize(domain.ReasonClientSide, "")

	ctx, cancel := context.WithTimeout(context.Background(), 3*c.cfg.RequestTimeout)
	defer cancel()
	result := gw.EndCall(ctx, callID)
	if result.ClientSide {
		logger.Base().Warn("Backend did not confirm hangup on shutdown", zap.String("session_id", callID))
	}
}

func (c *Controller) pushNotice(level NoticeLevel, message string) {
	c.notices = append(pruneNotices(c.notices, time.Now()), newNotice(level, message))
}

func (c *Controller) buildSnapshot() Snapshot {
	c.notices = pruneNotices(c.notices, time.Now())

	snap := Snapshot{
		State:      domain.CallIdle,
		MicActive:  c.mic.Acquired(),
		MicMuted:   c.mic.Muted(),
		Transcript: append([]domain.TranscriptEntry(nil), c.transcript...),
		Notices:    append([]Notice(nil), c.notices...),
	}
	if c.session != nil {
		copySession := *c.session
		snap.Session = &copySession
		snap.State = c.session.Status
	}
	if c.lastEnded != nil {
		copyEnded := *c.lastEnded
		snap.LastSession = &copyEnded
	}
	return snap
}

func terminalNotice(reason domain.EndReason) string {
	switch reason {
	case domain.ReasonBusy:
		return "Line busy"
	case domain.ReasonNoAnswer:
		return "No answer"
	case domain.ReasonFailed:
		return "Call failed"
	default:
		return "Call ended"
	}
}
