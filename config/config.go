// Package config loads runtime configuration from the environment. A .env
// file in the working directory is honored when present; real environment
// variables always win over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the runtime settings for the server and its subsystems.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string

	// StorePath is the SQLite database path. Empty selects the in-memory
	// session store.
	StorePath string

	// SessionTTL bounds how long an idle session stays streamable.
	SessionTTL time.Duration

	// HeartbeatInterval is the keep-alive cadence on open streams.
	HeartbeatInterval time.Duration

	// MaxReplay bounds how many events a single reconnect may replay.
	MaxReplay int

	// MaxAttempts bounds agent task attempts, the first included.
	MaxAttempts int

	// TaskTimeout and PipelineTimeout bound one attempt and one whole run.
	TaskTimeout     time.Duration
	PipelineTimeout time.Duration

	// DisconnectGrace is how long a run survives with zero stream
	// subscribers before it is cancelled. Zero disables the watchdog.
	DisconnectGrace time.Duration

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// AnthropicAPIKey and OpenAIAPIKey back the model agents.
	AnthropicAPIKey string
	OpenAIAPIKey    string
}

// Load reads configuration from the environment, applying defaults for
// anything unset. Invalid numeric or duration values are an error rather
// than a silent fallback.
func Load() (Config, error) {
	// Missing .env is the common case, not a failure.
	_ = godotenv.Load()

	cfg := Config{
		Addr:            envStr("VANA_ADDR", ":8080"),
		StorePath:       envStr("VANA_STORE_PATH", ""),
		LogLevel:        envStr("VANA_LOG_LEVEL", "info"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
	}

	var err error
	if cfg.SessionTTL, err = envDur("VANA_SESSION_TTL", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = envDur("VANA_HEARTBEAT_INTERVAL", 25*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.MaxReplay, err = envInt("VANA_MAX_REPLAY", 1000); err != nil {
		return Config{}, err
	}
	if cfg.MaxAttempts, err = envInt("VANA_MAX_ATTEMPTS", 3); err != nil {
		return Config{}, err
	}
	if cfg.TaskTimeout, err = envDur("VANA_TASK_TIMEOUT", 60*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PipelineTimeout, err = envDur("VANA_PIPELINE_TIMEOUT", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.DisconnectGrace, err = envDur("VANA_DISCONNECT_GRACE", 0); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDur(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
