package domain

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// CallStatus represents the lifecycle state of a call session
type CallStatus string

const (
	CallIdle       CallStatus = "idle"
	CallDialing    CallStatus = "dialing"
	CallRinging    CallStatus = "ringing"
	CallInProgress CallStatus = "inProgress"
	CallEnded      CallStatus = "ended"
)

// IsTerminal returns true if no further transitions are possible
func (s CallStatus) IsTerminal() bool {
	return s == CallEnded
}

// EndReason explains why a session reached the ended state
type EndReason string

const (
	ReasonCompleted    EndReason = "completed"
	ReasonFailed       EndReason = "failed"
	ReasonBusy         EndReason = "busy"
	ReasonNoAnswer     EndReason = "noAnswer"
	ReasonTimeout      EndReason = "timeout"
	ReasonDisconnected EndReason = "disconnected"
	ReasonClientSide   EndReason = "clientSide"
)

// VoiceSelection identifies the voice chosen before placement.
// Immutable for the session's lifetime.
type VoiceSelection struct {
	Tier    string `json:"tier"`
	VoiceID string `json:"voice_id"`
}

// CallSession tracks one outbound call attempt from placement to termination
type CallSession struct {
	ID             string         `json:"id"`
	PhoneNumber    string         `json:"phone_number"`
	TransferTarget string         `json:"transfer_target,omitempty"`
	Status         CallStatus     `json:"status"`
	Reason         EndReason      `json:"reason,omitempty"`
	Voice          VoiceSelection `json:"voice"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      time.Time      `json:"started_at,omitempty"` // set on first transition to inProgress
}

// SpeakerRole identifies who produced a transcript entry
type SpeakerRole string

const (
	SpeakerCustomer SpeakerRole = "customer"
	SpeakerAgent    SpeakerRole = "agent"
	SpeakerSystem   SpeakerRole = "system"
)

// TranscriptEntry is one append-only line of the live call transcript
type TranscriptEntry struct {
	Timestamp  time.Time   `json:"timestamp"`
	Speaker    SpeakerRole `json:"speaker"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
}

// ErrInvalidNumber is returned when a destination number fails validation
var ErrInvalidNumber = errors.New("invalid destination number")

var phoneNumberPattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// ValidatePhoneNumber rejects empty or malformed destination numbers before
// any gateway call is made. Numbers are never revalidated after creation.
func ValidatePhoneNumber(number string) error {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, number)
	if cleaned == "" || !phoneNumberPattern.MatchString(cleaned) {
		return ErrInvalidNumber
	}
	return nil
}

// ParseBackendStatus maps the gateway status vocabulary onto the internal
// enum. The second return is the end reason for terminal values. The bool is
// false for vocabulary the console does not recognize.
func ParseBackendStatus(raw string) (CallStatus, EndReason, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "initiated", "queued", "dialing", "pending":
		return CallDialing, "", true
	case "ringing":
		return CallRinging, "", true
	case "in-progress", "in_progress", "inprogress", "answered", "connected", "active":
		return CallInProgress, "", true
	case "completed", "ended":
		return CallEnded, ReasonCompleted, true
	case "failed", "error":
		return CallEnded, ReasonFailed, true
	case "busy":
		return CallEnded, ReasonBusy, true
	case "no-answer", "no_answer", "noanswer":
		return CallEnded, ReasonNoAnswer, true
	case "canceled", "cancelled":
		return CallEnded, ReasonDisconnected, true
	case "disconnected", "hangup", "terminated":
		return CallEnded, ReasonDisconnected, true
	default:
		return "", "", false
	}
}
