package session

import (
	"github.com/ClareAI/astra-call-console/internal/domain"
	"github.com/ClareAI/astra-call-console/internal/gateway"
)

// All session state lives behind a single event loop. Every input — poll
// results, stream messages, timer fires, user commands — is serialized onto
// one channel and applied in arrival order, so there is no session state
// touched from more than one goroutine.

type event interface{}

// statusEvent carries one raw backend status observation for a call id
type statusEvent struct {
	callID string
	raw    string
}

// transcriptEvent carries one parsed transcript entry
type transcriptEvent struct {
	callID string
	entry  domain.TranscriptEntry
}

// streamErrorEvent reports a non-fatal transcript channel failure
type streamErrorEvent struct {
	callID string
	err    error
}

// timeoutEvent fires when no answer arrived within the answer-timeout window
type timeoutEvent struct {
	callID string
}

// endResultEvent carries the outcome of the asynchronous termination chain
type endResultEvent struct {
	callID string
	result gateway.EndResult
}

// transferResultEvent carries the outcome of an asynchronous transfer request
type transferResultEvent struct {
	callID string
	err    error
}

// transferGraceEvent fires when the post-transfer grace period elapses and
// the local leg should hang up
type transferGraceEvent struct {
	callID string
}

// placeCmd asks the controller to place a new outbound call
type placeCmd struct {
	number string
	voice  domain.VoiceSelection
	reply  chan error
}

// endCmd asks the controller to end the active call
type endCmd struct {
	reply chan error
}

// transferCmd asks the controller to transfer the active call
type transferCmd struct {
	target string
	reply  chan error
}

// muteCmd toggles microphone capture for the active call
type muteCmd struct {
	muted bool
	reply chan error
}

// snapshotCmd asks for a copy of the observable controller state
type snapshotCmd struct {
	reply chan Snapshot
}

// shutdownCmd tears down the active session (if any) and stops the loop
type shutdownCmd struct {
	reply chan struct{}
}
