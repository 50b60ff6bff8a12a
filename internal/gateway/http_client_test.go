package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ClareAI/astra-call-console/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/calls", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "+15551234567", body["to"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"callId": "abc123", "status": "initiated"}`))
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL, "", "secret", time.Second)
	result, err := gw.CreateCall(context.Background(), "+15551234567", domain.VoiceSelection{Tier: "premium", VoiceID: "nova"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", result.CallID)
	assert.Equal(t, "initiated", result.Status)
}

func TestCreateCallNetworkError(t *testing.T) {
	gw := NewHTTPGateway("http://127.0.0.1:1", "", "", 200*time.Millisecond)
	_, err := gw.CreateCall(context.Background(), "+15551234567", domain.VoiceSelection{})
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestGetStatusErrorTranslation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/calls/gone/status":
			w.WriteHeader(http.StatusNotFound)
		case "/calls/broken/status":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			_, _ = w.Write([]byte(`{"status": "ringing"}`))
		}
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL, "", "", time.Second)

	status, err := gw.GetStatus(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, "ringing", status)

	_, err = gw.GetStatus(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = gw.GetStatus(context.Background(), "broken")
	assert.ErrorIs(t, err, ErrServer)
}

func TestEndCallPrimaryTier(t *testing.T) {
	var calls []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		_, _ = w.Write([]byte(`{"status": "completed"}`))
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL, "", "", time.Second)
	result := gw.EndCall(context.Background(), "abc123")

	assert.Equal(t, "completed", result.Status)
	assert.False(t, result.ClientSide)
	assert.Equal(t, []string{"POST /calls/abc123/end"}, calls)
}

func TestEndCallFallsBackThroughTiers(t *testing.T) {
	var calls []string
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "primary "+r.Method+" "+r.URL.Path)
		if r.Method == http.MethodDelete {
			_, _ = w.Write([]byte(`{"status": "completed"}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	alternate := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "alternate "+r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer alternate.Close()

	gw := NewHTTPGateway(primary.URL, alternate.URL, "", time.Second)
	result := gw.EndCall(context.Background(), "abc123")

	assert.Equal(t, "completed", result.Status)
	assert.False(t, result.ClientSide)
	assert.Equal(t, []string{
		"primary POST /calls/abc123/end",
		"alternate POST /calls/abc123/end",
		"primary DELETE /calls/abc123",
	}, calls)
}

func TestEndCallAllTiersFailIsClientSide(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL, "", "", time.Second)
	result := gw.EndCall(context.Background(), "abc123")

	assert.Equal(t, "completed", result.Status)
	assert.True(t, result.ClientSide)
}
