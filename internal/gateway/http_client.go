package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ClareAI/astra-call-console/internal/domain"
	"github.com/ClareAI/astra-call-console/pkg/logger"
	"go.uber.org/zap"
)

// HTTPGateway talks to the telephony backend's call control API
type HTTPGateway struct {
	BaseURL    string
	AltBaseURL string // Secondary base URL for the alternate termination endpoint
	APIToken   string
	HTTPClient *http.Client
}

// NewHTTPGateway creates a call control client. Every request is bounded by
// requestTimeout so the termination chain completes promptly even when a
// backend tier hangs.
func NewHTTPGateway(baseURL, altBaseURL, apiToken string, requestTimeout time.Duration) *HTTPGateway {
	if requestTimeout <= 0 {
		requestTimeout = 4 * time.Second
	}
	client := &HTTPGateway{
		BaseURL:    baseURL,
		AltBaseURL: altBaseURL,
		APIToken:   apiToken,
		HTTPClient: &http.Client{
			Timeout: requestTimeout,
		},
	}

	if altBaseURL != "" {
		logger.Base().Info("Alternate gateway base URL configured", zap.String("alt_base_url", altBaseURL))
	}

	return client
}

// GetAltBaseURL returns the alternate base URL, falling back to BaseURL if not set
func (g *HTTPGateway) GetAltBaseURL() string {
	if g.AltBaseURL != "" {
		return g.AltBaseURL
	}
	return g.BaseURL
}

type createCallRequest struct {
	To            string                `json:"to"`
	From          string                `json:"from,omitempty"`
	VoiceSettings domain.VoiceSelection `json:"voiceSettings"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type transferRequest struct {
	CallID     string `json:"callId"`
	TransferTo string `json:"transferTo"`
}

// CreateCall places an outbound call through POST /calls
func (g *HTTPGateway) CreateCall(ctx context.Context, number string, voice domain.VoiceSelection) (CreateResult, error) {
	url := fmt.Sprintf("%s/calls", g.BaseURL)
	body := createCallRequest{To: number, VoiceSettings: voice}

	var result CreateResult
	if err := g.doJSON(ctx, http.MethodPost, url, body, &result); err != nil {
		logger.Base().Error("Call creation failed", zap.String("to", number), zap.Error(err))
		return CreateResult{}, err
	}

	logger.Base().Info("Call created", zap.String("call_id", result.CallID), zap.String("status", result.Status))
	return result, nil
}

// GetStatus fetches the raw backend status via GET /calls/{id}/status
func (g *HTTPGateway) GetStatus(ctx context.Context, callID string) (string, error) {
	url := fmt.Sprintf("%s/calls/%s/status", g.BaseURL, callID)

	var result statusResponse
	if err := g.doJSON(ctx, http.MethodGet, url, nil, &result); err != nil {
		return "", err
	}
	return result.Status, nil
}

// Transfer hands the call off via POST /transfer
func (g *HTTPGateway) Transfer(ctx context.Context, callID, target string) error {
	url := fmt.Sprintf("%s/transfer", g.BaseURL)
	body := transferRequest{CallID: callID, TransferTo: target}

	if err := g.doJSON(ctx, http.MethodPost, url, body, nil); err != nil {
		logger.Base().Error("Transfer failed", zap.String("call_id", callID), zap.String("target", target), zap.Error(err))
		return err
	}

	logger.Base().Info("Transfer accepted", zap.String("call_id", callID), zap.String("target", target))
	return nil
}

// EndCall runs the tiered termination chain:
//
//	POST /calls/{id}/end  →  POST <alt>/calls/{id}/end  →  DELETE /calls/{id}
//
// Each tier is independently optional. If all three fail the result is
// synthesized locally with ClientSide set, so a hangup is never blocked by
// backend availability.
func (g *HTTPGateway) EndCall(ctx context.Context, callID string) EndResult {
	tiers := []struct {
		name   string
		method string
		url    string
	}{
		{"primary", http.MethodPost, fmt.Sprintf("%s/calls/%s/end", g.BaseURL, callID)},
		{"alternate", http.MethodPost, fmt.Sprintf("%s/calls/%s/end", g.GetAltBaseURL(), callID)},
		{"delete", http.MethodDelete, fmt.Sprintf("%s/calls/%s", g.BaseURL, callID)},
	}

	for _, tier := range tiers {
		var result EndResult
		err := g.doJSON(ctx, tier.method, tier.url, nil, &result)
		if err == nil {
			if result.Status == "" {
				result.Status = "completed"
			}
			logger.Base().Info("Call terminated by backend",
				zap.String("call_id", callID),
				zap.String("tier", tier.name))
			return result
		}
		logger.Base().Warn("Termination tier failed",
			zap.String("call_id", callID),
			zap.String("tier", tier.name),
			zap.Error(err))
	}

	logger.Base().Warn("All termination tiers failed, ending call client-side", zap.String("call_id", callID))
	return EndResult{Status: "completed", ClientSide: true}
}

// doJSON performs one bounded request and decodes a JSON response into out
// (when out is non-nil). Transport and HTTP failures are translated into the
// package's typed errors.
func (g *HTTPGateway) doJSON(ctx context.Context, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.APIToken)
	}

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrServer, resp.StatusCode, string(raw))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return fmt.Errorf("%w: decode response: %v", ErrServer, err)
		}
	}
	return nil
}
