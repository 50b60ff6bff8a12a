package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ClareAI/astra-call-console/internal/audio"
	"github.com/ClareAI/astra-call-console/internal/domain"
	"github.com/ClareAI/astra-call-console/internal/session"
	"github.com/ClareAI/astra-call-console/pkg/logger"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// CallHandler translates the UI shell's HTTP requests into controller
// commands. It holds no session state of its own.
type CallHandler struct {
	controller *session.Controller
	mic        *audio.MicrophoneManager
	upgrader   websocket.Upgrader
}

// NewCallHandler creates the call control handler
func NewCallHandler(controller *session.Controller, mic *audio.MicrophoneManager) *CallHandler {
	return &CallHandler{
		controller: controller,
		mic:        mic,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SetupCallRoutes registers the call control routes
func (h *CallHandler) SetupCallRoutes(router *mux.Router) {
	router.HandleFunc("/call", h.handlePlaceCall).Methods("POST")
	router.HandleFunc("/call", h.handleGetCall).Methods("GET")
	router.HandleFunc("/call", h.handleEndCall).Methods("DELETE")
	router.HandleFunc("/call/transfer", h.handleTransfer).Methods("POST")
	router.HandleFunc("/call/mute", h.handleMute).Methods("POST")
	router.HandleFunc("/call/volume", h.handleVolume).Methods("POST")
	router.HandleFunc("/call/transcript", h.handleTranscriptSocket).Methods("GET")
}

type placeCallRequest struct {
	PhoneNumber string                `json:"phoneNumber"`
	Voice       domain.VoiceSelection `json:"voice"`
}

type transferCallRequest struct {
	TransferTo string `json:"transferTo"`
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

type volumeRequest struct {
	Volume int `json:"volume"`
}

func (h *CallHandler) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.controller.PlaceCall(req.PhoneNumber, req.Voice); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidNumber):
			writeError(w, http.StatusBadRequest, "invalid destination number")
		case errors.Is(err, session.ErrCallInProgress):
			writeError(w, http.StatusConflict, "a call is already in progress")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, h.controller.Snapshot())
}

func (h *CallHandler) handleGetCall(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.controller.Snapshot())
}

func (h *CallHandler) handleEndCall(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.EndCall(); err != nil {
		if errors.Is(err, session.ErrNoActiveCall) {
			// Ending twice is not an error from the caller's perspective.
			writeJSON(w, http.StatusOK, h.controller.Snapshot())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Snapshot())
}

func (h *CallHandler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.controller.TransferCall(req.TransferTo); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidNumber):
			writeError(w, http.StatusBadRequest, "invalid transfer target")
		case errors.Is(err, session.ErrNoActiveCall):
			writeError(w, http.StatusConflict, "no active call")
		case errors.Is(err, session.ErrNotAnswered):
			writeError(w, http.StatusConflict, "call is not in progress")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Snapshot())
}

func (h *CallHandler) handleMute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.controller.SetMuted(req.Muted); err != nil {
		writeError(w, http.StatusConflict, "no active call")
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Snapshot())
}

func (h *CallHandler) handleVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.mic.SetOutputVolume(req.Volume)
	writeJSON(w, http.StatusOK, map[string]int{"volume": h.mic.OutputVolume()})
}

// handleTranscriptSocket relays transcript entries to the UI shell over a
// websocket, pushing only entries the client has not seen yet.
func (h *CallHandler) handleTranscriptSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Base().Warn("Transcript relay upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close frames are processed; closing
	// clientGone ends the relay when the peer disconnects.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var sessionID string
	sent := 0
	for {
		select {
		case <-clientGone:
			return
		case <-ticker.C:
		}

		snap := h.controller.Snapshot()
		if id := relaySessionID(snap); id != sessionID {
			// A new call started; restart from the top.
			sessionID = id
			sent = 0
		}
		for _, entry := range snap.Transcript[sent:] {
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
			sent++
		}
		if snap.State == domain.CallIdle && snap.LastSession != nil && sent == len(snap.Transcript) {
			// Session over and everything delivered.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// relaySessionID identifies which call's transcript the snapshot carries
func relaySessionID(snap session.Snapshot) string {
	if snap.Session != nil {
		return snap.Session.ID
	}
	if snap.LastSession != nil {
		return snap.LastSession.ID
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
