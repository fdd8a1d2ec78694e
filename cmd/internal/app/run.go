package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chatsync/cmd/internal/engine"
	"chatsync/cmd/internal/events"
	"chatsync/cmd/internal/store"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Run is the CLI entrypoint used by cmd/chatsync.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return newRootCmd().ExecuteContext(ctx)
}

type rootFlags struct {
	envFile     string
	logLevel    string
	logFormat   string
	debugAddr   string
	apiURL      string
	realtimeURL string
	token       string
	userID      string
}

func newRootCmd() *cobra.Command {
	var f rootFlags

	root := &cobra.Command{
		Use:   "chatsync",
		Short: "Real-time conversation sync client",
		Long: `chatsync keeps a local view of a user's conversations in sync with a
chat server over one realtime channel plus REST calls for history and writes.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&f.envFile, "env-file", "", "dotenv file to load before reading CHATSYNC_* variables")
	pf.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (CHATSYNC_LOG_LEVEL)")
	pf.StringVar(&f.logFormat, "log-format", "", "json or pretty (CHATSYNC_LOG_FORMAT)")
	pf.StringVar(&f.debugAddr, "debug-addr", "", "serve /healthz, /readyz and /metrics on this address (CHATSYNC_DEBUG_ADDR)")
	pf.StringVar(&f.apiURL, "api-url", "", "REST base URL (CHATSYNC_API_URL)")
	pf.StringVar(&f.realtimeURL, "realtime-url", "", "websocket URL (CHATSYNC_REALTIME_URL)")
	pf.StringVar(&f.token, "token", "", "bearer credential (CHATSYNC_TOKEN or CHATSYNC_TOKEN_FILE)")
	pf.StringVar(&f.userID, "user", "", "local user id (CHATSYNC_USER_ID)")

	root.AddCommand(newWatchCmd(&f), newSendCmd(&f))
	return root
}

// setup loads the config, applies explicitly set flags on top and builds
// the App.
func setup(cmd *cobra.Command, f *rootFlags) (*App, Config, error) {
	cfg, err := LoadConfig(f.envFile)
	if err != nil {
		return nil, Config{}, err
	}

	flags := cmd.Flags()
	override := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	override("log-level", &cfg.LogLevel, f.logLevel)
	override("log-format", &cfg.LogFormat, f.logFormat)
	override("debug-addr", &cfg.DebugAddr, f.debugAddr)
	override("api-url", &cfg.APIURL, f.apiURL)
	override("realtime-url", &cfg.RealtimeURL, f.realtimeURL)
	override("token", &cfg.Token, f.token)
	override("user", &cfg.UserID, f.userID)
	if flags.Changed("api-url") && !flags.Changed("realtime-url") && os.Getenv("CHATSYNC_REALTIME_URL") == "" {
		cfg.RealtimeURL = wsBaseURL(cfg.APIURL) + "/ws"
	}

	log := NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	a, err := New(cfg, log)
	if err != nil {
		return nil, cfg, err
	}
	return a, cfg, nil
}

func newWatchCmd(f *rootFlags) *cobra.Command {
	var (
		conversation string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect and log every session event until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cfg, err := setup(cmd, f)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context(), func(ctx context.Context, s *engine.Session) error {
				return watch(ctx, s, a.log, cfg.Token, conversation, limit)
			})
		},
	}
	cmd.Flags().StringVarP(&conversation, "conversation", "c", "", "conversation to open after connecting")
	cmd.Flags().IntVar(&limit, "limit", 0, "history page size for the opened conversation")
	return cmd
}

func watch(ctx context.Context, s *engine.Session, log Logger, token, conversation string, limit int) error {
	bus := s.Bus()
	for _, k := range events.Kinds() {
		bus.Subscribe(k, func(ev events.Event) error {
			log.Info("event", "kind", ev.Kind().String(), "event", ev)
			return nil
		})
	}

	if err := s.Start(ctx, token); err != nil {
		return err
	}

	convs, err := s.LoadConversations(ctx)
	if err != nil {
		log.Warn("watch.conversations.fail", "err", err)
	} else {
		log.Info("watch.conversations", "count", len(convs))
	}

	if conversation != "" {
		page, err := s.OpenConversation(ctx, conversation, limit)
		if err != nil {
			return err
		}
		log.Info("watch.open", "conv", conversation, "loaded", len(page.Inserted), "has_more", page.HasMore)
	}

	<-ctx.Done()
	return nil
}

func newSendCmd(f *rootFlags) *cobra.Command {
	var replyTo string

	cmd := &cobra.Command{
		Use:   "send <conversation-id> <message...>",
		Short: "Connect, send one message and exit",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cfg, err := setup(cmd, f)
			if err != nil {
				return err
			}
			in := store.SendInput{
				ConversationID: args[0],
				Content:        strings.Join(args[1:], " "),
				ReplyToID:      replyTo,
			}
			return a.Run(cmd.Context(), func(ctx context.Context, s *engine.Session) error {
				if err := s.Start(ctx, cfg.Token); err != nil {
					return err
				}
				msg, err := s.SendMessage(ctx, in)
				if err != nil {
					return err
				}
				a.log.Info("send.ok", "conv", msg.ConversationID, "msg", msg.ID, "client_msg_id", msg.ClientMsgID)
				_, err = fmt.Fprintln(cmd.OutOrStdout(), msg.ID)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "id of the message being answered")
	return cmd
}
