package realtimetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"chatsync/cmd/internal/ids"
	v1 "chatsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

const (
	maxFrameBytes = 1 << 20 // 1 MiB

	wsWriteTimeout = 5 * time.Second
	wsCloseGrace   = time.Second
)

// handleWS upgrades an authenticated request and runs the session loop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(r)
	if !ok {
		s.log.Info("ws.reject.auth", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or unknown credential")
		return
	}
	if err := s.enforceOrigin(r); err != nil {
		s.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{v1.Subprotocol},
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		s.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		s.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, _ := ids.NewEnvelopeID(s.now())
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newClient(user.ID, sessionID, s.sendQueue, cancel)
	s.hub.register(c)
	s.log.Debug("ws.session.open", "session_id", sessionID, "user_id", user.ID)

	defer func() {
		if last := s.hub.unregister(c); last {
			s.broadcastStatus(user.ID, false)
		}
		s.log.Debug("ws.session.close", "session_id", sessionID, "user_id", user.ID)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-c.send:
				if err := writeEnvelope(ctx, conn, env); err != nil {
					s.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					c.close()
					return
				}
			}
		}
	}()

	limiter := rate.NewLimiter(s.rateLimit, s.rateBurst)

	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			var se syntaxError
			if errors.As(err, &se) {
				s.sendError(c, v1.TypeMessageError, "bad_json", "invalid JSON", "")
				continue
			}
			if !isClosedErr(err) {
				s.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
			}
			break
		}

		if !limiter.Allow() {
			s.sendError(c, v1.TypeMessageError, "rate_limited", "too many events", env.ConvID)
			_ = conn.Close(websocket.StatusPolicyViolation, "rate limited")
			break
		}

		if err := env.Validate(); err != nil || !v1.IsOutbound(env.Type) {
			msg := "unsupported type: " + env.Type
			if err != nil {
				msg = err.Error()
			}
			s.sendError(c, v1.TypeMessageError, "bad_envelope", msg, env.ConvID)
			continue
		}

		s.onSignal(c, user, env)
	}

	c.close()
	if ctx.Err() != nil && r.Context().Err() == nil {
		// Dropped by the server side; tell the peer the session is over.
		_ = conn.Close(websocket.StatusGoingAway, "session dropped")
	}

	select {
	case <-writerDone:
	case <-time.After(wsCloseGrace):
	}
}

func (s *Server) onSignal(c *client, user User, env v1.Envelope) {
	switch env.Type {
	case v1.TypeJoinConversation:
		convID, ok := s.conversationRef(c, user, env)
		if ok {
			s.hub.join(convID, c)
		}

	case v1.TypeLeaveConversation:
		var p v1.ConversationRefPayload
		if err := env.Decode(&p); err == nil {
			s.hub.leave(firstNonEmpty(p.ConversationID, env.ConvID), c)
		}

	case v1.TypeJoinUserConversations:
		for _, id := range s.store.conversationIDs(user.ID) {
			s.hub.join(id, c)
		}

	case v1.TypeTypingStart, v1.TypeTypingStop:
		convID, ok := s.conversationRef(c, user, env)
		if !ok {
			return
		}
		typ := v1.TypeUserTyping
		if env.Type == v1.TypeTypingStop {
			typ = v1.TypeUserStoppedTyping
		}
		out, err := s.envelope(typ, convID, v1.TypingPayload{ConversationID: convID, UserID: user.ID, UserName: user.Name})
		if err != nil {
			return
		}
		s.hub.room(convID, out, c.sessionID)

	case v1.TypeUpdateStatus:
		var p v1.UpdateStatusPayload
		if err := env.Decode(&p); err != nil {
			s.sendError(c, v1.TypeMessageError, "bad_payload", err.Error(), "")
			return
		}
		s.broadcastStatus(user.ID, p.Status == v1.StatusOnline)

	case v1.TypeHeartbeat:
		s.log.Debug("ws.heartbeat", "session_id", c.sessionID, "user_id", user.ID)
	}
}

// conversationRef decodes a conversation reference and checks membership.
func (s *Server) conversationRef(c *client, user User, env v1.Envelope) (string, bool) {
	var p v1.ConversationRefPayload
	if len(env.Payload) > 0 {
		if err := env.Decode(&p); err != nil {
			s.sendError(c, v1.TypeMessageError, "bad_payload", err.Error(), env.ConvID)
			return "", false
		}
	}
	convID := firstNonEmpty(p.ConversationID, env.ConvID)
	if convID == "" {
		s.sendError(c, v1.TypeMessageError, "bad_payload", "missing conversation_id", "")
		return "", false
	}
	members, err := s.store.members(convID, user.ID)
	if err != nil || !slices.Contains(members, user.ID) {
		s.sendError(c, v1.TypeMessageError, "not_member", "not a member of "+convID, convID)
		return "", false
	}
	return convID, true
}

func (s *Server) broadcastStatus(userID string, online bool) {
	env, err := s.envelope(v1.TypeUserStatusChanged, "", v1.UserStatusPayload{UserID: userID, Online: online, At: s.now()})
	if err != nil {
		return
	}
	s.hub.everyone(env, userID)
}

func (s *Server) sendError(c *client, typ, code, msg, convID string) {
	env, err := s.envelope(typ, convID, v1.ErrorPayload{Code: code, Message: msg, ConversationID: convID})
	if err != nil {
		return
	}
	c.deliver(env)
}

func (s *Server) envelope(typ, convID string, payload any) (v1.Envelope, error) {
	now := s.now()
	id, err := ids.NewEnvelopeID(now)
	if err != nil {
		return v1.Envelope{}, err
	}
	env, err := v1.NewEnvelope(typ, id, convID, payload, now)
	if err != nil {
		s.log.Error("ws.envelope.fail", "type", typ, "err", err)
	}
	return env, err
}

// ---- envelope IO ----

type syntaxError struct{ err error }

func (e syntaxError) Error() string { return "bad frame: " + e.err.Error() }

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	env, err := v1.Unmarshal(data)
	if err != nil {
		return v1.Envelope{}, syntaxError{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope) error {
	ctx, cancel := context.WithTimeout(parent, wsWriteTimeout)
	defer cancel()

	b, err := v1.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func isClosedErr(err error) bool {
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}

// ---- origin policy ----

// enforceOrigin accepts requests without an Origin header (non-browser
// clients) and otherwise requires a match against the allowlist.
func (s *Server) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(s.allowedOrigins) == 0 {
		return nil
	}

	originHost := originHostOnly(origin)
	for _, a := range s.allowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*", origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// originPatterns derives websocket.Accept host patterns from allowed origins
// so both checks agree.
func originPatterns(allowed []string) []string {
	var out []string
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || slices.Contains(out, h) {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
