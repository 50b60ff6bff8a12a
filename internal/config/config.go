package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the call console configuration
type Config struct {
	Port string

	// Telephony gateway configuration
	GatewayBaseURL  string // Primary call control API
	GatewayAltURL   string // Alternate base URL for the secondary termination endpoint
	StreamBaseURL   string // Transcript stream endpoint (ws:// or wss://)
	GatewayAPIToken string // Bearer credential attached to every request

	// Request bounds
	RequestTimeout time.Duration // Per-request timeout for gateway calls

	// Call lifecycle tuning
	AnswerTimeout    time.Duration // Unanswered-call timeout from dial to answer
	PollInitialDelay time.Duration // Delay before the first status poll
	PollInterval     time.Duration // Fixed interval between status polls
	PollMaxAttempts  int           // Hard cap on poll iterations
	TransferGrace    time.Duration // Local hangup delay after a successful transfer

	// Demo mode routes all call control through the simulated gateway
	DemoMode bool

	EnableCORS bool
}

// Load reads configuration from environment variables, applying defaults
// suitable for local development
func Load() *Config {
	return &Config{
		Port: getEnvOrDefault("CONSOLE_PORT", "8082"),

		GatewayBaseURL:  getEnvOrDefault("GATEWAY_BASE_URL", "http://localhost:8090"),
		GatewayAltURL:   getEnvOrDefault("GATEWAY_ALT_URL", ""),
		StreamBaseURL:   getEnvOrDefault("STREAM_BASE_URL", "ws://localhost:8090"),
		GatewayAPIToken: getEnvOrDefault("GATEWAY_API_TOKEN", ""),

		RequestTimeout: getEnvDuration("GATEWAY_REQUEST_TIMEOUT", 4*time.Second),

		AnswerTimeout:    getEnvDuration("CALL_ANSWER_TIMEOUT", 30*time.Second),
		PollInitialDelay: getEnvDuration("STATUS_POLL_INITIAL_DELAY", 1*time.Second),
		PollInterval:     getEnvDuration("STATUS_POLL_INTERVAL", 2*time.Second),
		PollMaxAttempts:  getEnvInt("STATUS_POLL_MAX_ATTEMPTS", 300),
		TransferGrace:    getEnvDuration("TRANSFER_GRACE_PERIOD", 3*time.Second),

		DemoMode: getEnvBool("DEMO_MODE", false),

		EnableCORS: getEnvBool("ENABLE_CORS", true),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
