package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ClareAI/astra-call-console/internal/audio"
	"github.com/ClareAI/astra-call-console/internal/config"
	"github.com/ClareAI/astra-call-console/internal/domain"
	"github.com/ClareAI/astra-call-console/internal/gateway"
	"github.com/ClareAI/astra-call-console/internal/session"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	cfg := &config.Config{
		DemoMode:         true,
		RequestTimeout:   time.Second,
		AnswerTimeout:    30 * time.Second,
		PollInitialDelay: 5 * time.Millisecond,
		PollInterval:     10 * time.Millisecond,
		PollMaxAttempts:  100,
		TransferGrace:    20 * time.Millisecond,
	}

	hm, err := NewHandlerManager(cfg)
	require.NoError(t, err)
	t.Cleanup(hm.GetController().Shutdown)

	router := mux.NewRouter()
	hm.SetupAllRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeSnapshot(t *testing.T, resp *http.Response) session.Snapshot {
	t.Helper()
	defer resp.Body.Close()
	var snap session.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	return snap
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPlaceCallEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/call", placeCallRequest{
		PhoneNumber: "+15551234567",
		Voice:       domain.VoiceSelection{Tier: "standard", VoiceID: "alloy"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	snap := decodeSnapshot(t, resp)
	require.NotNil(t, snap.Session)
	assert.Equal(t, "+15551234567", snap.Session.PhoneNumber)
	assert.Equal(t, domain.CallDialing, snap.State)
	assert.True(t, snap.MicActive)
}

func TestPlaceCallValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/call", placeCallRequest{PhoneNumber: "not-a-number"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSecondCallConflicts(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/call", placeCallRequest{PhoneNumber: "+15551234567"})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/call", placeCallRequest{PhoneNumber: "+15557654321"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEndCallEndpointIsIdempotent(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/call", placeCallRequest{PhoneNumber: "+15551234567"})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/call", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	snap := decodeSnapshot(t, resp)
	assert.Equal(t, domain.CallIdle, snap.State)
	require.NotNil(t, snap.LastSession)
	assert.Equal(t, domain.CallEnded, snap.LastSession.Status)

	// Hanging up twice reads the same as hanging up once
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	snap = decodeSnapshot(t, resp)
	assert.Equal(t, domain.CallIdle, snap.State)
}

func TestGetCallSnapshot(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/call")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	snap := decodeSnapshot(t, resp)
	assert.Equal(t, domain.CallIdle, snap.State)
	assert.Nil(t, snap.Session)
}

func TestTransferWithoutCallConflicts(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/call/transfer", transferCallRequest{TransferTo: "+15557654321"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestMuteEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/call/mute", muteRequest{Muted: true})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/call", placeCallRequest{PhoneNumber: "+15551234567"})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/call/mute", muteRequest{Muted: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decodeSnapshot(t, resp)
	assert.True(t, snap.MicMuted)
}

func TestVolumeEndpointClamps(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/call/volume", volumeRequest{Volume: 250})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	var out map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 100, out["volume"])
}

// relayGateway answers every call as immediately in progress and hands out a
// fresh id per creation
type relayGateway struct {
	mu      sync.Mutex
	created int
}

func (g *relayGateway) CreateCall(ctx context.Context, number string, voice domain.VoiceSelection) (gateway.CreateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created++
	return gateway.CreateResult{CallID: fmt.Sprintf("relay-call-%d", g.created), Status: "in-progress"}, nil
}

func (g *relayGateway) GetStatus(ctx context.Context, callID string) (string, error) {
	return "in-progress", nil
}

func (g *relayGateway) Transfer(ctx context.Context, callID, target string) error { return nil }

func (g *relayGateway) EndCall(ctx context.Context, callID string) gateway.EndResult {
	return gateway.EndResult{Status: "completed"}
}

type relayStream struct{}

func (relayStream) Disconnect() {}

// relayRig wires a controller with an injectable transcript source behind the
// call handler's routes
type relayRig struct {
	controller *session.Controller
	srv        *httptest.Server

	mu      sync.Mutex
	onEntry func(domain.TranscriptEntry)
}

func newRelayRig(t *testing.T) *relayRig {
	rig := &relayRig{}
	dialer := func(ctx context.Context, callID string, onEntry func(domain.TranscriptEntry), onError func(error)) (session.Stream, error) {
		rig.mu.Lock()
		rig.onEntry = onEntry
		rig.mu.Unlock()
		return relayStream{}, nil
	}

	rig.controller = session.New(session.Config{
		AnswerTimeout:    30 * time.Second,
		RequestTimeout:   time.Second,
		PollInitialDelay: 5 * time.Millisecond,
		PollInterval:     10 * time.Millisecond,
		PollMaxAttempts:  100,
		TransferGrace:    20 * time.Millisecond,
	}, &relayGateway{}, nil, audio.NewMicrophoneManager(nil), dialer)
	t.Cleanup(rig.controller.Shutdown)

	router := mux.NewRouter()
	h := NewCallHandler(rig.controller, audio.NewMicrophoneManager(nil))
	h.SetupCallRoutes(router.PathPrefix("/api").Subrouter())

	rig.srv = httptest.NewServer(router)
	t.Cleanup(rig.srv.Close)
	return rig
}

func (r *relayRig) wsURL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/api/call/transcript"
}

func (r *relayRig) pushEntry(t *testing.T, text string) {
	t.Helper()
	r.mu.Lock()
	onEntry := r.onEntry
	r.mu.Unlock()
	require.NotNil(t, onEntry)
	onEntry(domain.TranscriptEntry{
		Timestamp:  time.Now(),
		Speaker:    domain.SpeakerAgent,
		Text:       text,
		Confidence: 0.9,
	})
	require.Eventually(t, func() bool {
		snap := r.controller.Snapshot()
		for _, e := range snap.Transcript {
			if e.Text == text {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)
}

func (r *relayRig) waitInProgress(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.controller.Snapshot().State == domain.CallInProgress
	}, 2*time.Second, 2*time.Millisecond)
}

func readEntry(t *testing.T, conn *websocket.Conn) domain.TranscriptEntry {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var entry domain.TranscriptEntry
	require.NoError(t, conn.ReadJSON(&entry))
	return entry
}

// A client that connects while no call exists and then drops must not leave
// the relay goroutine behind.
func TestTranscriptRelayExitsWhenClientDisconnects(t *testing.T) {
	srv := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/call/transcript"

	before := runtime.NumGoroutine()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	// Nothing is ever written on an idle controller, so only the client
	// closing can end the relay.
	time.Sleep(50 * time.Millisecond)
	conn.Close()

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+1
	}, 5*time.Second, 50*time.Millisecond)
}

// The relay cursor follows the session id, so a second call replays from its
// first entry even when its transcript is already longer than the delivered
// count from the previous call.
func TestTranscriptRelayRestartsForNewCall(t *testing.T) {
	rig := newRelayRig(t)

	require.NoError(t, rig.controller.PlaceCall("+15551234567", domain.VoiceSelection{}))
	rig.waitInProgress(t)
	rig.pushEntry(t, "first call, line one")
	rig.pushEntry(t, "first call, line two")

	conn, _, err := websocket.DefaultDialer.Dial(rig.wsURL(), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "first call, line one", readEntry(t, conn).Text)
	assert.Equal(t, "first call, line two", readEntry(t, conn).Text)

	require.NoError(t, rig.controller.EndCall())
	require.NoError(t, rig.controller.PlaceCall("+15557654321", domain.VoiceSelection{}))
	rig.waitInProgress(t)
	rig.pushEntry(t, "second call, line one")
	rig.pushEntry(t, "second call, line two")
	rig.pushEntry(t, "second call, line three")

	assert.Equal(t, "second call, line one", readEntry(t, conn).Text)
	assert.Equal(t, "second call, line two", readEntry(t, conn).Text)
	assert.Equal(t, "second call, line three", readEntry(t, conn).Text)
}

func TestContentTypeValidation(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/call", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}
