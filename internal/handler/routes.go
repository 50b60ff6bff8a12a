package handler

import (
	"context"
	"net/http"

	"github.com/ClareAI/astra-call-console/internal/audio"
	"github.com/ClareAI/astra-call-console/internal/config"
	"github.com/ClareAI/astra-call-console/internal/domain"
	"github.com/ClareAI/astra-call-console/internal/gateway"
	"github.com/ClareAI/astra-call-console/internal/session"
	"github.com/ClareAI/astra-call-console/internal/stream"
	"github.com/ClareAI/astra-call-console/pkg/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// HandlerManager wires the controller and its collaborators and registers
// all routes
type HandlerManager struct {
	config     *config.Config
	controller *session.Controller
	tones      *audio.Synthesizer
	mic        *audio.MicrophoneManager
}

// NewHandlerManager creates the call gateway, audio components and session
// controller. Demo mode swaps the HTTP gateway for the simulated one so the
// whole console runs without a backend.
func NewHandlerManager(cfg *config.Config) (*HandlerManager, error) {
	var gw gateway.Gateway
	if cfg.DemoMode {
		logger.Base().Info("Demo mode enabled, using simulated gateway")
		gw = gateway.NewSimulatedGateway()
	} else {
		gw = gateway.NewHTTPGateway(cfg.GatewayBaseURL, cfg.GatewayAltURL, cfg.GatewayAPIToken, cfg.RequestTimeout)
	}

	tones := audio.NewSynthesizer(nil)
	mic := audio.NewMicrophoneManager(nil)

	var dialer session.StreamDialer
	if !cfg.DemoMode && cfg.StreamBaseURL != "" {
		streamBase := cfg.StreamBaseURL
		apiToken := cfg.GatewayAPIToken
		dialer = func(ctx context.Context, callID string, onEntry func(domain.TranscriptEntry), onError func(error)) (session.Stream, error) {
			return stream.Connect(ctx, streamBase, apiToken, callID, onEntry, onError)
		}
	}

	controller := session.New(session.Config{
		AnswerTimeout:    cfg.AnswerTimeout,
		RequestTimeout:   cfg.RequestTimeout,
		PollInitialDelay: cfg.PollInitialDelay,
		PollInterval:     cfg.PollInterval,
		PollMaxAttempts:  cfg.PollMaxAttempts,
		TransferGrace:    cfg.TransferGrace,
	}, gw, tones, mic, dialer)

	return &HandlerManager{
		config:     cfg,
		controller: controller,
		tones:      tones,
		mic:        mic,
	}, nil
}

// SetupAllRoutes registers every route on the router
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	if hm.config.EnableCORS {
		router.Use(CORSMiddleware)
	}
	router.Use(GlobalLoggingMiddleware)

	router.HandleFunc("/health", hm.handleHealth).Methods("GET")

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(LoggingMiddleware)
	apiRouter.Use(ValidationMiddleware)

	callHandler := NewCallHandler(hm.controller, hm.mic)
	callHandler.SetupCallRoutes(apiRouter)

	logger.Base().Info("all application routes registered")
}

// GetController returns the session controller (for shutdown wiring)
func (hm *HandlerManager) GetController() *session.Controller {
	return hm.controller
}

func (hm *HandlerManager) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err := w.Write([]byte(`{"health": "ok"}`))
	if err != nil {
		logger.Base().Warn("health write failed", zap.Error(err))
	}
}
