package engine

import (
	"log/slog"
	"time"

	"chatsync/cmd/internal/clock"
	"chatsync/cmd/internal/connection"
	"chatsync/cmd/internal/metrics"
	"chatsync/cmd/internal/readstate"
	"chatsync/cmd/internal/realtime"
	"chatsync/cmd/internal/store"
)

const (
	defaultPageSize = 50
	callTimeout     = 10 * time.Second
)

// Config holds the per-session settings.
type Config struct {
	UserID   string
	UserName string

	// PageSize is the history page length; zero means 50.
	PageSize int

	Connection        connection.Config
	HeartbeatInterval time.Duration
}

// API is the REST collaborator: history, durable writes and read receipts.
type API interface {
	store.Backend
	readstate.Marker
}

// Deps are the collaborators of a session. Clock, Log and Metrics are optional.
type Deps struct {
	Dialer  realtime.Dialer
	API     API
	Clock   clock.Clock
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) pageSize() int {
	if c.PageSize > 0 {
		return c.PageSize
	}
	return defaultPageSize
}
