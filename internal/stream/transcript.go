package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClareAI/astra-call-console/internal/domain"
	"github.com/ClareAI/astra-call-console/pkg/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// transcriptMessage is the wire format of one inbound transcript frame
type transcriptMessage struct {
	Text       string  `json:"text"`
	Speaker    string  `json:"speaker"`
	Confidence float64 `json:"confidence"`
	Timestamp  string  `json:"timestamp,omitempty"`
}

// TranscriptStream is one duplex transcript connection for a single call id.
// It forwards parsed entries to the sink and reports connection-level errors
// through a non-fatal callback; the owning session decides what to do with
// them. Stream failure never terminates the call by itself.
type TranscriptStream struct {
	callID string
	conn   *websocket.Conn

	onEntry func(domain.TranscriptEntry)
	onError func(error)

	closed  atomic.Bool
	writeMu sync.Mutex
	done    chan struct{}
}

// Connect dials the transcript endpoint for the given call id and starts the
// read loop. The sink and error callbacks are invoked from the read goroutine.
func Connect(ctx context.Context, baseURL, apiToken, callID string, onEntry func(domain.TranscriptEntry), onError func(error)) (*TranscriptStream, error) {
	url := fmt.Sprintf("%s/calls/%s/transcript", baseURL, callID)

	headers := http.Header{}
	if apiToken != "" {
		headers.Set("Authorization", "Bearer "+apiToken)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			if len(body) > 0 {
				return nil, fmt.Errorf("transcript connect (status %d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("transcript connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transcript connect: %w", err)
	}

	s := &TranscriptStream{
		callID:  callID,
		conn:    conn,
		onEntry: onEntry,
		onError: onError,
		done:    make(chan struct{}),
	}

	go s.readLoop()

	logger.Base().Info("Transcript stream connected", zap.String("call_id", callID))
	return s, nil
}

// CallID returns the call id this stream was opened for
func (s *TranscriptStream) CallID() string {
	return s.callID
}

// Done is closed when the read loop exits
func (s *TranscriptStream) Done() <-chan struct{} {
	return s.done
}

// Send writes a JSON payload to the stream (the channel is duplex; the
// console can push control frames upstream).
func (s *TranscriptStream) Send(v interface{}) error {
	if s.closed.Load() {
		return fmt.Errorf("transcript stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Disconnect closes the connection. Idempotent and safe to call after the
// remote side already closed.
func (s *TranscriptStream) Disconnect() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()

	_ = s.conn.Close()
	logger.Base().Info("Transcript stream disconnected", zap.String("call_id", s.callID))
}

func (s *TranscriptStream) readLoop() {
	defer close(s.done)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.closed.Store(true)
			_ = s.conn.Close()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Base().Warn("Transcript stream error", zap.String("call_id", s.callID), zap.Error(err))
				if s.onError != nil {
					s.onError(err)
				}
			}
			return
		}

		entry, ok := s.parse(data)
		if !ok {
			continue
		}
		if s.onEntry != nil {
			s.onEntry(entry)
		}
	}
}

// parse converts one inbound frame into a TranscriptEntry. Malformed frames
// are dropped and logged, never fatal.
func (s *TranscriptStream) parse(data []byte) (domain.TranscriptEntry, bool) {
	var msg transcriptMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Base().Warn("Dropping malformed transcript frame",
			zap.String("call_id", s.callID),
			zap.Error(err))
		return domain.TranscriptEntry{}, false
	}
	if msg.Text == "" {
		return domain.TranscriptEntry{}, false
	}

	speaker := domain.SpeakerRole(msg.Speaker)
	switch speaker {
	case domain.SpeakerCustomer, domain.SpeakerAgent, domain.SpeakerSystem:
	default:
		speaker = domain.SpeakerSystem
	}

	ts := time.Now()
	if msg.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, msg.Timestamp); err == nil {
			ts = parsed
		}
	}

	confidence := msg.Confidence
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}

	return domain.TranscriptEntry{
		Timestamp:  ts,
		Speaker:    speaker,
		Text:       msg.Text,
		Confidence: confidence,
	}, true
}
