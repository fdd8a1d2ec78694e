// Package app wires the chatsync runtime: config, logging, the debug HTTP
// server and one sync session driven by a CLI command.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"chatsync/cmd/internal/connection"
	"chatsync/cmd/internal/engine"
	"chatsync/cmd/internal/metrics"
	"chatsync/cmd/internal/realtime"
	"chatsync/cmd/internal/restapi"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

var (
	_ engine.API      = (*restapi.Client)(nil)
	_ realtime.Dialer = (*realtime.WSDialer)(nil)
)

// Work is what a command does with a running session. It returns when the
// command is done or ctx is cancelled.
type Work func(ctx context.Context, s *engine.Session) error

// App owns one session and the optional debug server around it.
type App struct {
	cfg Config
	log Logger
	reg *prometheus.Registry

	session *engine.Session
}

// New constructs a fully wired App from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	dialer := realtime.NewWSDialer(cfg.RealtimeURL, log)
	dialer.Origin = cfg.Origin

	s, err := engine.New(cfg.engineConfig(), engine.Deps{
		Dialer:  dialer,
		API:     restapi.New(cfg.restConfig(), cfg.Token, restapi.WithLogger(log)),
		Log:     log,
		Metrics: metrics.New(reg),
	})
	if err != nil {
		return nil, err
	}

	return &App{cfg: cfg, log: log, reg: reg, session: s}, nil
}

// Session returns the session the commands drive.
func (a *App) Session() *engine.Session { return a.session }

// Run serves the debug endpoints and runs work until it returns or ctx is
// cancelled, then closes the session.
func (a *App) Run(ctx context.Context, work Work) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.DebugAddr != "" {
		mux := http.NewServeMux()
		registerHTTP(mux, a.log, a.reg, a.ready)

		srv := &http.Server{
			Addr:              a.cfg.DebugAddr,
			Handler:           WithRequestLogging(mux, a.log),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			a.log.Info("debug.start", "addr", a.cfg.DebugAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("debug.fail", "err", err)
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 5*time.Second))
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancel()
		return work(gctx, a.session)
	})

	err := g.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 5*time.Second))
	defer closeCancel()
	a.session.Close(closeCtx)

	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.log.Info("app.stopped", "err", err)
	return err
}

func (a *App) ready() (bool, string) {
	state := a.session.State()
	return state == connection.Connected, state.String()
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
