package app

import (
	"fmt"
	"strings"
	"time"

	"chatsync/cmd/internal/connection"
	"chatsync/cmd/internal/engine"
	"chatsync/cmd/internal/restapi"
	"chatsync/cmd/internal/syncerr"

	"github.com/joho/godotenv"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	APIURL      string
	RealtimeURL string
	Origin      string

	Token    string
	UserID   string
	UserName string

	LogLevel  string
	LogFormat string
	LogColor  bool

	// DebugAddr serves /healthz, /readyz and /metrics when set.
	DebugAddr       string
	ShutdownTimeout time.Duration

	PageSize          int
	HeartbeatInterval time.Duration

	ReconnectAttempts  int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	APITimeout      time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// LoadConfig loads Config from environment variables with defaults. envFile
// is loaded first when set; otherwise a .env in the working directory is
// picked up if present. Variables already set in the environment win.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	apiURL := EnvString("CHATSYNC_API_URL", "http://127.0.0.1:8080")
	return Config{
		APIURL:      apiURL,
		RealtimeURL: EnvString("CHATSYNC_REALTIME_URL", wsBaseURL(apiURL)+"/ws"),
		Origin:      EnvString("CHATSYNC_ORIGIN", ""),

		Token:    EnvSecret("CHATSYNC_TOKEN", ""),
		UserID:   EnvString("CHATSYNC_USER_ID", ""),
		UserName: EnvString("CHATSYNC_USER_NAME", ""),

		LogLevel:  EnvString("CHATSYNC_LOG_LEVEL", "info"),
		LogFormat: EnvString("CHATSYNC_LOG_FORMAT", "json"),
		LogColor:  EnvBool("CHATSYNC_LOG_COLOR", true),

		DebugAddr:       EnvString("CHATSYNC_DEBUG_ADDR", ""),
		ShutdownTimeout: EnvDuration("CHATSYNC_SHUTDOWN_TIMEOUT", 5*time.Second),

		PageSize:          EnvInt("CHATSYNC_PAGE_SIZE", 50),
		HeartbeatInterval: EnvDuration("CHATSYNC_HEARTBEAT_INTERVAL", 30*time.Second),

		ReconnectAttempts:  EnvInt("CHATSYNC_RECONNECT_ATTEMPTS", 5),
		ReconnectBaseDelay: EnvDuration("CHATSYNC_RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:  EnvDuration("CHATSYNC_RECONNECT_MAX_DELAY", 5*time.Second),

		APITimeout:      EnvDuration("CHATSYNC_API_TIMEOUT", 15*time.Second),
		BreakerFailures: EnvUint32("CHATSYNC_BREAKER_FAILURES", 5),
		BreakerCooldown: EnvDuration("CHATSYNC_BREAKER_COOLDOWN", 30*time.Second),
	}, nil
}

// Validate checks the settings a session cannot start without.
func (c Config) Validate() error {
	const op = "app.Config"
	switch {
	case strings.TrimSpace(c.Token) == "":
		return syncerr.Validation(op, "CHATSYNC_TOKEN is required")
	case strings.TrimSpace(c.UserID) == "":
		return syncerr.Validation(op, "CHATSYNC_USER_ID is required")
	case strings.TrimSpace(c.APIURL) == "":
		return syncerr.Validation(op, "CHATSYNC_API_URL is required")
	case strings.TrimSpace(c.RealtimeURL) == "":
		return syncerr.Validation(op, "CHATSYNC_REALTIME_URL is required")
	}
	return nil
}

func (c Config) engineConfig() engine.Config {
	return engine.Config{
		UserID:   c.UserID,
		UserName: c.UserName,
		PageSize: c.PageSize,
		Connection: connection.Config{
			MaxAttempts: c.ReconnectAttempts,
			BaseDelay:   c.ReconnectBaseDelay,
			MaxDelay:    c.ReconnectMaxDelay,
		},
		HeartbeatInterval: c.HeartbeatInterval,
	}
}

func (c Config) restConfig() restapi.Config {
	return restapi.Config{
		BaseURL:         c.APIURL,
		Timeout:         c.APITimeout,
		BreakerFailures: c.BreakerFailures,
		BreakerCooldown: c.BreakerCooldown,
	}
}

// wsBaseURL maps an http(s) base URL onto the matching ws(s) scheme.
func wsBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
		return base
	default:
		return "ws://" + base
	}
}
