// Command ws-smoke is a CI-friendly smoke test for a chatsync server.
// With -local it runs against an in-process server instead.
//
// It validates, with two engine sessions A and B:
//   - handshake + subprotocol selection
//   - join of the same conversation
//   - send -> confirmed message replacing the placeholder
//   - fanout new_message to the other session
//   - history fetch
//   - idempotent dedupe by client_msg_id
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"chatsync/cmd/internal/connection"
	"chatsync/cmd/internal/engine"
	"chatsync/cmd/internal/events"
	"chatsync/cmd/internal/ids"
	"chatsync/cmd/internal/realtime"
	"chatsync/cmd/internal/realtime/realtimetest"
	"chatsync/cmd/internal/restapi"
	"chatsync/cmd/internal/store"
	v1 "chatsync/shared/contracts/realtime/v1"
)

type smokeClient struct {
	name    string
	userID  string
	api     *restapi.Client
	session *engine.Session

	inbox chan v1.Message
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL  = flag.String("api", "http://127.0.0.1:8080", "REST base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		convID  = flag.String("conv", "dev-room-1", "Conversation ID to join")
		userA   = flag.String("user-a", "smoke-a", "User id of session A")
		tokenA  = flag.String("token-a", os.Getenv("CHATSYNC_SMOKE_TOKEN_A"), "Bearer credential of session A")
		userB   = flag.String("user-b", "smoke-b", "User id of session B")
		tokenB  = flag.String("token-b", os.Getenv("CHATSYNC_SMOKE_TOKEN_B"), "Bearer credential of session B")
		text    = flag.String("text", "hello chatsync 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
		local   = flag.Bool("local", false, "Run against an in-process server (ignores -url, -api and the tokens)")
	)
	flag.Parse()

	if *local {
		srv := realtimetest.NewServer([]realtimetest.User{
			{ID: *userA, Name: "A", Token: "smoke-token-a"},
			{ID: *userB, Name: "B", Token: "smoke-token-b"},
		}, realtimetest.WithAllowedOrigins(*origin))
		defer srv.Close()
		srv.SeedConversation(*convID, "smoke", true, *userA, *userB)

		*wsURL, *apiURL = srv.WSURL(), srv.URL()
		*tokenA, *tokenB = "smoke-token-a", "smoke-token-b"
	}

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	root := context.Background()

	a := mustConnect(root, log, "A", *userA, *tokenA, *wsURL, *apiURL, *origin, *timeout)
	defer a.session.Close(root)

	b := mustConnect(root, log, "B", *userB, *tokenB, *wsURL, *apiURL, *origin, *timeout)
	defer b.session.Close(root)

	mustJoin(root, a, *convID, *timeout)
	mustJoin(root, b, *convID, *timeout)

	sent := mustSend(root, a, *convID, *text, *timeout)

	mustAssertNew(root, b, sent, *timeout)

	mustHistoryContains(root, b, *convID, sent, *timeout)

	mustDedupe(root, a, *convID, *text, *timeout)

	if n := countID(a.session.Messages(*convID), sent.ID); n != 1 {
		fatalf("A holds %d copies of %s", n, sent.ID)
	}

	fmt.Printf("OK: A=%s B=%s conv_id=%s msg_id=%s\n", a.userID, b.userID, *convID, sent.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, log *slog.Logger, name, userID, token, wsURL, apiURL, origin string, stepTimeout time.Duration) *smokeClient {
	if strings.TrimSpace(token) == "" {
		fatalf("missing credential for %s", name)
	}

	dialer := realtime.NewWSDialer(wsURL, log)
	dialer.Origin = origin
	dialer.DialTimeout = stepTimeout

	api := restapi.New(restapi.Config{BaseURL: apiURL, Timeout: stepTimeout}, token, restapi.WithLogger(log))

	s, err := engine.New(engine.Config{
		UserID:   userID,
		UserName: name,
		// One attempt: a smoke run should fail, not retry.
		Connection: connection.Config{MaxAttempts: 1},
	}, engine.Deps{Dialer: dialer, API: api, Log: log.With("client", name)})
	if err != nil {
		fatalf("session %s: %v", name, err)
	}

	c := &smokeClient{
		name:    name,
		userID:  userID,
		api:     api,
		session: s,
		inbox:   make(chan v1.Message, 512),
	}
	events.On(s.Bus(), func(e events.NewMessage) error {
		select {
		case c.inbox <- e.Message:
		default:
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := s.Start(ctx, token); err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if st := s.State(); st != connection.Connected {
		fatalf("connect %s: state=%s", name, st)
	}
	return c
}

func mustJoin(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	page, err := c.session.OpenConversation(ctx, convID, 0)
	if err != nil {
		fatalf("join %s (%s): %v", convID, c.name, err)
	}
	if page.Stale {
		fatalf("join %s (%s): page dropped as stale", convID, c.name)
	}
}

func mustSend(parent context.Context, c *smokeClient, convID, text string, stepTimeout time.Duration) store.Message {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	m, err := c.session.SendMessage(ctx, store.SendInput{ConversationID: convID, Content: text})
	if err != nil {
		fatalf("send (%s): %v", c.name, err)
	}
	if m.Pending || ids.IsTemp(m.ID) {
		fatalf("send (%s): message still pending: %+v", c.name, m)
	}
	if m.ClientMsgID == "" {
		fatalf("send (%s): missing client_msg_id", c.name)
	}
	return m
}

func mustAssertNew(parent context.Context, c *smokeClient, want store.Message, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case m := <-c.inbox:
			if m.ID != want.ID {
				continue
			}
			if m.Content != want.Content {
				fatalf("new_message (%s): content=%q want %q", c.name, m.Content, want.Content)
			}
			if got, ok := c.session.Conversation(want.ConversationID); ok && got.Last != nil && got.Last.MessageID != want.ID {
				fatalf("new_message (%s): summary points at %s", c.name, got.Last.MessageID)
			}
			return
		case <-ctx.Done():
			fatalf("timeout waiting for new_message %s (%s)", want.ID, c.name)
		}
	}
}

func mustHistoryContains(parent context.Context, c *smokeClient, convID string, want store.Message, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	msgs, err := c.api.FetchMessages(ctx, convID, 50, 0)
	if err != nil {
		fatalf("history (%s): %v", c.name, err)
	}
	for _, m := range msgs {
		if m.ID == want.ID {
			if m.ClientMsgID != "" && m.ClientMsgID != want.ClientMsgID {
				fatalf("history (%s): client_msg_id=%q want %q", c.name, m.ClientMsgID, want.ClientMsgID)
			}
			return
		}
	}
	fatalf("history (%s): %s not in the newest page", c.name, want.ID)
}

// mustDedupe sends the same client_msg_id twice and expects one message.
func mustDedupe(parent context.Context, c *smokeClient, convID, text string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	cmid, err := ids.NewClientMsgID(time.Now())
	if err != nil {
		fatalf("dedupe: %v", err)
	}
	req := v1.SendMessageRequest{Content: text, ClientMsgID: cmid}

	first, err := c.api.SendMessage(ctx, convID, req)
	if err != nil {
		fatalf("dedupe first send: %v", err)
	}
	second, err := c.api.SendMessage(ctx, convID, req)
	if err != nil {
		fatalf("dedupe second send: %v", err)
	}
	if first.ID != second.ID {
		fatalf("dedupe: id mismatch: first=%s second=%s", first.ID, second.ID)
	}
}

func countID(msgs []store.Message, id string) int {
	n := 0
	for _, m := range msgs {
		if m.ID == id {
			n++
		}
	}
	return n
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
