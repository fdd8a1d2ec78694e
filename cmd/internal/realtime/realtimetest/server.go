// Package realtimetest runs an in-process chat server speaking the v1
// realtime protocol and the conversation REST API, for tests and local
// tooling.
//
//	srv := realtimetest.NewServer([]realtimetest.User{{ID: "u1", Token: "t1"}})
//	defer srv.Close()
//	dialer := realtime.NewWSDialer(srv.WSURL(), log)
package realtimetest

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"time"

	v1 "chatsync/shared/contracts/realtime/v1"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithNow overrides the server clock.
func WithNow(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAllowedOrigins restricts browser origins allowed on the websocket.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithRateLimit sets the per-session inbound signal limit.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Server) {
		s.rateLimit = limit
		s.rateBurst = burst
	}
}

// Server is a running test server.
type Server struct {
	log *slog.Logger
	now func() time.Time

	hub   *hub
	store *memStore
	creds *credentials
	http  *httptest.Server

	allowedOrigins []string
	originPatterns []string
	sendQueue      int
	rateLimit      rate.Limit
	rateBurst      int
}

// NewServer starts a server that accepts the given users.
func NewServer(users []User, opts ...Option) *Server {
	s := &Server{
		log:       slog.New(slog.DiscardHandler),
		now:       func() time.Time { return time.Now().UTC() },
		sendQueue: defaultSendQueue,
		rateLimit: rate.Limit(100),
		rateBurst: 200,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.originPatterns = originPatterns(s.allowedOrigins)
	s.hub = newHub(s.log)
	s.store = newMemStore(s.now, users)
	s.creds = newCredentials(users)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/conversations", s.withUser(s.listConversations))
	mux.HandleFunc("POST /api/conversations", s.withUser(s.createConversation))
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.withUser(s.listMessages))
	mux.HandleFunc("POST /api/conversations/{id}/messages", s.withUser(s.sendMessage))
	mux.HandleFunc("GET /api/conversations/{id}/members", s.withUser(s.listMembers))
	mux.HandleFunc("POST /api/conversations/{id}/read", s.withUser(s.markRead))
	mux.HandleFunc("PATCH /api/messages/{id}", s.withUser(s.editMessage))
	mux.HandleFunc("DELETE /api/messages/{id}", s.withUser(s.deleteMessage))
	mux.HandleFunc("POST /api/messages/{id}/reactions", s.withUser(s.addReaction))
	mux.HandleFunc("DELETE /api/messages/{id}/reactions/{emoji}", s.withUser(s.removeReaction))

	s.http = httptest.NewServer(mux)
	return s
}

// URL is the REST base URL.
func (s *Server) URL() string { return s.http.URL }

// WSURL is the realtime endpoint.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
}

// Close drops every session and stops the server.
func (s *Server) Close() {
	s.hub.drop("")
	s.http.CloseClientConnections()
	s.http.Close()
}

// Sessions reports the number of connected websocket sessions.
func (s *Server) Sessions() int { return s.hub.count() }

// RoomSessions reports how many sessions joined conversationID.
func (s *Server) RoomSessions(conversationID string) int { return s.hub.roomSize(conversationID) }

// DropSessions closes the websocket sessions of userID, or of everyone when
// userID is empty, and returns how many were closed.
func (s *Server) DropSessions(userID string) int { return s.hub.drop(userID) }

// Revoke invalidates the credentials of userID and drops its sessions, so
// reconnect attempts are refused.
func (s *Server) Revoke(userID string) {
	s.creds.revoke(userID)
	s.hub.drop(userID)
}

// SeedConversation creates a conversation with a fixed id without
// notifying anyone.
func (s *Server) SeedConversation(id, name string, isGroup bool, members ...string) {
	s.store.seedConversation(id, name, isGroup, members)
}

// AddMember adds userID to a group on behalf of actor.
func (s *Server) AddMember(conversationID, actor, userID string) error {
	members, err := s.store.addMember(conversationID, actor, userID)
	if err != nil {
		return err
	}
	s.fanout(members, v1.TypeMemberAdded, conversationID, v1.MemberPayload{
		ConversationID: conversationID,
		UserID:         userID,
		UserName:       s.store.name(userID),
		MemberCount:    len(members),
		At:             s.now(),
	})
	if conv, err := s.store.conversation(conversationID, userID, s.hub.online); err == nil {
		s.fanout([]string{userID}, v1.TypeNewGroup, conversationID, v1.ConversationPayload{Conversation: conv})
	}
	return nil
}

// RemoveMember drops userID from a group on behalf of actor. The removed
// user is notified too.
func (s *Server) RemoveMember(conversationID, actor, userID string) error {
	before, count, err := s.store.removeMember(conversationID, actor, userID)
	if err != nil {
		return err
	}
	s.fanout(before, v1.TypeMemberRemoved, conversationID, v1.MemberPayload{
		ConversationID: conversationID,
		UserID:         userID,
		UserName:       s.store.name(userID),
		MemberCount:    count,
		At:             s.now(),
	})
	return nil
}

// RenameGroup renames a group on behalf of actor.
func (s *Server) RenameGroup(conversationID, actor, name string) error {
	members, err := s.store.renameGroup(conversationID, actor, name)
	if err != nil {
		return err
	}
	s.fanout(members, v1.TypeGroupNameUpdated, conversationID, v1.GroupNamePayload{
		ConversationID: conversationID,
		Name:           name,
		At:             s.now(),
	})
	return nil
}

// ---- REST handlers ----

type userHandler func(w http.ResponseWriter, r *http.Request, user User)

func (s *Server) withUser(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or unknown credential")
			return
		}
		h(w, r, user)
	}
}

func (s *Server) authenticate(r *http.Request) (User, bool) {
	id, ok := s.creds.lookup(bearerToken(r))
	if !ok {
		return User{}, false
	}
	return s.store.user(id)
}

func (s *Server) listConversations(w http.ResponseWriter, _ *http.Request, user User) {
	writeJSON(w, http.StatusOK, v1.ConversationList{Conversations: s.store.conversations(user.ID, s.hub.online)})
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request, user User) {
	var req v1.CreateConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c, created, err := s.store.createConversation(user.ID, req)
	if err != nil {
		s.writeStoreError(w, "create_conversation", err)
		return
	}

	if created {
		members, _ := s.store.members(c.id, user.ID)
		typ := v1.TypeNewConversation
		if c.isGroup {
			typ = v1.TypeNewGroup
		}
		for _, id := range members {
			conv, err := s.store.conversation(c.id, id, s.hub.online)
			if err != nil {
				continue
			}
			s.fanout([]string{id}, typ, c.id, v1.ConversationPayload{Conversation: conv})
		}
	}

	conv, err := s.store.conversation(c.id, user.ID, s.hub.online)
	if err != nil {
		s.writeStoreError(w, "create_conversation", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request, user User) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	msgs, err := s.store.history(r.PathValue("id"), user.ID, limit, offset)
	if err != nil {
		s.writeStoreError(w, "list_messages", err)
		return
	}
	writeJSON(w, http.StatusOK, v1.MessagePage{Messages: msgs})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request, user User) {
	var req v1.SendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	convID := r.PathValue("id")
	m, members, dup, err := s.store.appendMessage(convID, user.ID, req)
	if err != nil {
		s.writeStoreError(w, "send_message", err)
		return
	}

	if !dup {
		payload := v1.MessagePayload{Message: m}
		others := make([]string, 0, len(members))
		for _, id := range members {
			if id != user.ID {
				others = append(others, id)
			}
		}
		s.fanout(others, v1.TypeNewMessage, convID, payload)
		s.fanout([]string{user.ID}, v1.TypeMessageSent, convID, payload)
	}

	s.log.Debug("rest.message.sent", "conv", convID, "msg", m.ID, "client_msg_id", m.ClientMsgID, "duplicate", dup)
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request, user User) {
	members, err := s.store.memberList(r.PathValue("id"), user.ID)
	if err != nil {
		s.writeStoreError(w, "list_members", err)
		return
	}
	writeJSON(w, http.StatusOK, v1.MemberList{Members: members})
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request, user User) {
	var req v1.MarkReadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	convID := r.PathValue("id")
	changed, members, err := s.store.markRead(convID, user.ID, req.MessageIDs)
	if err != nil {
		s.writeStoreError(w, "mark_read", err)
		return
	}
	if len(changed) > 0 {
		s.fanout(members, v1.TypeMessagesRead, convID, v1.MessagesReadPayload{
			ConversationID: convID,
			UserID:         user.ID,
			MessageIDs:     changed,
			ReadAt:         s.now(),
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request, user User) {
	var req v1.EditMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, members, err := s.store.editMessage(r.PathValue("id"), user.ID, req.Content)
	if err != nil {
		s.writeStoreError(w, "edit_message", err)
		return
	}
	s.fanout(members, v1.TypeMessageEdited, m.ConversationID, v1.MessageEditedPayload{
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		Content:        m.Content,
		EditedAt:       *m.EditedAt,
	})
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request, user User) {
	id := r.PathValue("id")
	convID, members, err := s.store.deleteMessage(id, user.ID)
	if err != nil {
		s.writeStoreError(w, "delete_message", err)
		return
	}
	s.fanout(members, v1.TypeMessageDeleted, convID, v1.MessageDeletedPayload{ConversationID: convID, MessageID: id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addReaction(w http.ResponseWriter, r *http.Request, user User) {
	var req v1.ReactionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.react(w, r.PathValue("id"), user, req.Emoji, true)
}

func (s *Server) removeReaction(w http.ResponseWriter, r *http.Request, user User) {
	s.react(w, r.PathValue("id"), user, r.PathValue("emoji"), false)
}

func (s *Server) react(w http.ResponseWriter, messageID string, user User, emoji string, add bool) {
	convID, members, changed, err := s.store.react(messageID, user.ID, emoji, add)
	if err != nil {
		s.writeStoreError(w, "react", err)
		return
	}
	if changed {
		action := v1.ReactionAdded
		if !add {
			action = v1.ReactionRemoved
		}
		s.fanout(members, v1.TypeMessageReaction, convID, v1.MessageReactionPayload{
			ConversationID: convID,
			MessageID:      messageID,
			Emoji:          emoji,
			UserID:         user.ID,
			Action:         action,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

// fanout delivers one event to every session of the given users.
func (s *Server) fanout(userIDs []string, typ, convID string, payload any) {
	if len(userIDs) == 0 {
		return
	}
	env, err := s.envelope(typ, convID, payload)
	if err != nil {
		return
	}
	s.hub.users(userIDs, env)
}

func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, errNotFound):
		writeError(w, http.StatusNotFound, "not_found", op+": "+err.Error())
	case errors.Is(err, errForbidden):
		writeError(w, http.StatusForbidden, "forbidden", op+": "+err.Error())
	case errors.Is(err, errInvalid):
		writeError(w, http.StatusBadRequest, "invalid", op+": "+err.Error())
	default:
		s.log.Error("rest.fail", "op", op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxFrameBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, v1.APIError{Code: code, Message: msg})
}
