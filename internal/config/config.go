// Package config loads the client configuration from environment variables,
// with optional .env support for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable of the sync core.
type Config struct {
	// APIURL is the HTTP data-service base URL, e.g. http://localhost:3000/api/v1.
	APIURL string

	// SocketURL is the live-connection base URL, e.g. ws://localhost:3000/api/v1/chat.
	// The user id is appended on connect.
	SocketURL string

	// Token is the bearer token obtained from the identity provider.
	Token string

	// ReconnectDelay is the fixed backoff between reconnect attempts.
	ReconnectDelay time.Duration

	// HistoryLimit is the page size for message-history fetches.
	HistoryLimit int

	// Debug enables debug-level logging.
	Debug bool
}

// Load builds a Config from the environment. A .env file is loaded first
// when present; real environment variables win in production.
func Load() (*Config, error) {
	_ = godotenv.Load()

	reconnect, err := strconv.Atoi(getEnv("CHATSYNC_RECONNECT_SECONDS", "3"))
	if err != nil || reconnect <= 0 {
		return nil, fmt.Errorf("invalid CHATSYNC_RECONNECT_SECONDS: %q", os.Getenv("CHATSYNC_RECONNECT_SECONDS"))
	}

	historyLimit, err := strconv.Atoi(getEnv("CHATSYNC_HISTORY_LIMIT", "50"))
	if err != nil || historyLimit <= 0 {
		return nil, fmt.Errorf("invalid CHATSYNC_HISTORY_LIMIT: %q", os.Getenv("CHATSYNC_HISTORY_LIMIT"))
	}

	cfg := &Config{
		APIURL:         getEnv("CHATSYNC_API_URL", "http://localhost:3000/api/v1"),
		SocketURL:      getEnv("CHATSYNC_SOCKET_URL", "ws://localhost:3000/api/v1/chat"),
		Token:          os.Getenv("CHATSYNC_TOKEN"),
		ReconnectDelay: time.Duration(reconnect) * time.Second,
		HistoryLimit:   historyLimit,
		Debug:          getEnv("CHATSYNC_DEBUG", "") != "",
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
