package realtimetest

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"testing"
	"time"

	"chatsync/cmd/internal/realtime"
	"chatsync/cmd/internal/restapi"
	"chatsync/cmd/internal/syncerr"
	v1 "chatsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

var testUsers = []User{
	{ID: "alice", Name: "Alice", Token: "tok-alice"},
	{ID: "bob", Name: "Bob", Token: "tok-bob"},
	{ID: "carol", Name: "Carol", Token: "tok-carol"},
}

func startServer(t *testing.T) *Server {
	t.Helper()
	srv := NewServer(testUsers)
	t.Cleanup(srv.Close)
	srv.SeedConversation("room", "Room", true, "alice", "bob")
	return srv
}

func dial(t *testing.T, srv *Server, token string) realtime.Channel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ch, err := realtime.NewWSDialer(srv.WSURL(), slog.New(slog.DiscardHandler)).Dial(ctx, token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close("test done") })
	return ch
}

func sendSignal(t *testing.T, ch realtime.Channel, typ, convID string, payload any) {
	t.Helper()
	env, err := v1.NewEnvelope(typ, "", convID, payload, time.Now())
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := ch.Send(context.Background(), env); err != nil {
		t.Fatalf("send %s: %v", typ, err)
	}
}

// await reads until an envelope of type typ arrives.
func await(t *testing.T, ch realtime.Channel, typ string) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		env, err := ch.Receive(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if env.Type == typ {
			return env
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitSessions(t *testing.T, srv *Server, n int) {
	t.Helper()
	waitFor(t, "sessions", func() bool { return srv.Sessions() == n })
}

func restClient(srv *Server, token string) *restapi.Client {
	return restapi.New(restapi.Config{BaseURL: srv.URL(), Timeout: 3 * time.Second}, token)
}

func TestServer_RejectsUnknownCredential(t *testing.T) {
	srv := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, srv.WSURL(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   http.Header{"Authorization": []string{"Bearer nope"}},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got resp=%v err=%v", resp, err)
	}

	_, err = restClient(srv, "nope").FetchConversations(context.Background())
	if !syncerr.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestServer_TypingReachesOtherRoomMembers(t *testing.T) {
	srv := startServer(t)
	a := dial(t, srv, "tok-alice")
	b := dial(t, srv, "tok-bob")

	sendSignal(t, b, v1.TypeJoinConversation, "room", v1.ConversationRefPayload{ConversationID: "room"})
	sendSignal(t, a, v1.TypeJoinUserConversations, "", v1.JoinUserConversationsPayload{})
	waitFor(t, "both sessions in room", func() bool { return srv.RoomSessions("room") == 2 })

	sendSignal(t, a, v1.TypeTypingStart, "room", v1.ConversationRefPayload{ConversationID: "room"})

	var p v1.TypingPayload
	if err := await(t, b, v1.TypeUserTyping).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.UserID != "alice" || p.ConversationID != "room" || p.UserName != "Alice" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestServer_TypingRequiresMembership(t *testing.T) {
	srv := startServer(t)
	c := dial(t, srv, "tok-carol")

	sendSignal(t, c, v1.TypeTypingStart, "room", v1.ConversationRefPayload{ConversationID: "room"})

	env := await(t, c, v1.TypeMessageError)
	var p v1.ErrorPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Code != "not_member" {
		t.Fatalf("expected not_member, got %+v", p)
	}
}

func TestServer_SendFansOutAndDedupes(t *testing.T) {
	srv := startServer(t)
	a := dial(t, srv, "tok-alice")
	b := dial(t, srv, "tok-bob")
	waitSessions(t, srv, 2)

	api := restClient(srv, "tok-alice")
	req := v1.SendMessageRequest{Content: "hi", ClientMsgID: "01JCLIENT000000000000000001"}

	first, err := api.SendMessage(context.Background(), "room", req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	second, err := api.SendMessage(context.Background(), "room", req)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if first.ID != second.ID || first.Seq != 1 {
		t.Fatalf("dedupe broken: first=%+v second=%+v", first, second)
	}
	if first.SenderName != "Alice" || first.ClientMsgID != req.ClientMsgID {
		t.Fatalf("unexpected message: %+v", first)
	}

	var got v1.MessagePayload
	if err := await(t, b, v1.TypeNewMessage).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Message.ID != first.ID {
		t.Fatalf("bob got %s want %s", got.Message.ID, first.ID)
	}
	if err := await(t, a, v1.TypeMessageSent).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Message.ID != first.ID {
		t.Fatalf("alice got %s want %s", got.Message.ID, first.ID)
	}

	if _, err := restClient(srv, "tok-carol").SendMessage(context.Background(), "room", v1.SendMessageRequest{Content: "x"}); !syncerr.IsWrite(err) {
		t.Fatalf("non-member send: expected write error, got %v", err)
	}
}

func TestServer_HistoryPagesFromNewest(t *testing.T) {
	srv := startServer(t)
	api := restClient(srv, "tok-alice")
	ctx := context.Background()

	var sent []string
	for _, text := range []string{"m1", "m2", "m3", "m4", "m5"} {
		m, err := api.SendMessage(ctx, "room", v1.SendMessageRequest{Content: text})
		if err != nil {
			t.Fatalf("send %s: %v", text, err)
		}
		sent = append(sent, m.ID)
	}

	cases := []struct {
		limit, offset int
		want          []string
	}{
		{2, 0, sent[3:5]},
		{2, 2, sent[1:3]},
		{2, 4, sent[0:1]},
		{2, 5, nil},
	}
	for _, tc := range cases {
		msgs, err := api.FetchMessages(ctx, "room", tc.limit, tc.offset)
		if err != nil {
			t.Fatalf("fetch limit=%d offset=%d: %v", tc.limit, tc.offset, err)
		}
		var got []string
		for _, m := range msgs {
			got = append(got, m.ID)
		}
		if !slices.Equal(got, tc.want) {
			t.Fatalf("limit=%d offset=%d: got %v want %v", tc.limit, tc.offset, got, tc.want)
		}
	}
}

func TestServer_EditDeleteOwnOnly(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()
	alice, bob := restClient(srv, "tok-alice"), restClient(srv, "tok-bob")

	m, err := alice.SendMessage(ctx, "room", v1.SendMessageRequest{Content: "draft"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := bob.EditMessage(ctx, m.ID, "hijack"); !syncerr.IsWrite(err) {
		t.Fatalf("foreign edit: expected write error, got %v", err)
	}
	edited, err := alice.EditMessage(ctx, m.ID, "final")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.Content != "final" || edited.EditedAt == nil {
		t.Fatalf("unexpected edit result: %+v", edited)
	}

	if err := bob.DeleteMessage(ctx, m.ID); !syncerr.IsWrite(err) {
		t.Fatalf("foreign delete: expected write error, got %v", err)
	}
	if err := alice.DeleteMessage(ctx, m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	msgs, err := alice.FetchMessages(ctx, "room", 10, 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty history, got %d", len(msgs))
	}
}

func TestServer_ReadReceiptsAndUnreadCounts(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()
	alice, bob := restClient(srv, "tok-alice"), restClient(srv, "tok-bob")
	a := dial(t, srv, "tok-alice")
	waitSessions(t, srv, 1)

	m, err := alice.SendMessage(ctx, "room", v1.SendMessageRequest{Content: "ping"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	convs, err := bob.FetchConversations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 1 || convs[0].UnreadCount != 1 || convs[0].LastMessage == nil {
		t.Fatalf("unexpected conversations: %+v", convs)
	}

	if err := bob.MarkRead(ctx, "room", []string{m.ID}); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	var p v1.MessagesReadPayload
	if err := await(t, a, v1.TypeMessagesRead).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.UserID != "bob" || !slices.Equal(p.MessageIDs, []string{m.ID}) {
		t.Fatalf("unexpected receipt: %+v", p)
	}

	convs, _ = bob.FetchConversations(ctx)
	if convs[0].UnreadCount != 0 {
		t.Fatalf("unread after mark read: %d", convs[0].UnreadCount)
	}
}

func TestServer_CreatePrivateConversationIsIdempotent(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()
	b := dial(t, srv, "tok-bob")
	waitSessions(t, srv, 1)

	api := restClient(srv, "tok-alice")
	first, err := api.CreateConversation(ctx, v1.CreateConversationRequest{Type: v1.ConversationPrivate, UserID: "bob"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.PeerID != "bob" || first.Name != "Bob" || first.IsGroup {
		t.Fatalf("unexpected conversation: %+v", first)
	}

	var p v1.ConversationPayload
	if err := await(t, b, v1.TypeNewConversation).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Conversation.ID != first.ID || p.Conversation.PeerID != "alice" {
		t.Fatalf("bob saw %+v", p.Conversation)
	}

	again, err := api.CreateConversation(ctx, v1.CreateConversationRequest{Type: v1.ConversationPrivate, UserID: "bob"})
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected same conversation, got %s and %s", first.ID, again.ID)
	}
}

func TestServer_MembershipEvents(t *testing.T) {
	srv := startServer(t)
	a := dial(t, srv, "tok-alice")
	c := dial(t, srv, "tok-carol")
	waitSessions(t, srv, 2)

	if err := srv.AddMember("room", "alice", "carol"); err != nil {
		t.Fatalf("add: %v", err)
	}
	var mp v1.MemberPayload
	if err := await(t, a, v1.TypeMemberAdded).Decode(&mp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if mp.UserID != "carol" || mp.MemberCount != 3 {
		t.Fatalf("unexpected member_added: %+v", mp)
	}
	await(t, c, v1.TypeNewGroup)

	if err := srv.RenameGroup("room", "alice", "Renamed"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	var gp v1.GroupNamePayload
	if err := await(t, c, v1.TypeGroupNameUpdated).Decode(&gp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gp.Name != "Renamed" {
		t.Fatalf("unexpected name: %+v", gp)
	}

	if err := srv.RemoveMember("room", "alice", "carol"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := await(t, c, v1.TypeMemberRemoved).Decode(&mp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if mp.UserID != "carol" || mp.MemberCount != 2 {
		t.Fatalf("unexpected member_removed: %+v", mp)
	}
}

func TestServer_DropSessionsClosesChannel(t *testing.T) {
	srv := startServer(t)
	a := dial(t, srv, "tok-alice")
	waitSessions(t, srv, 1)

	if n := srv.DropSessions("alice"); n != 1 {
		t.Fatalf("dropped %d sessions, want 1", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		if _, err := a.Receive(ctx); err != nil {
			if kind := realtime.ClassifyReadErr(err); kind == realtime.ReadErrCtxDone {
				t.Fatalf("channel stayed open after drop")
			}
			return
		}
	}
}

func TestOriginPolicy(t *testing.T) {
	srv := NewServer(testUsers, WithAllowedOrigins("http://localhost:3000", "https://Chat.Example.com"))
	defer srv.Close()

	if got := srv.originPatterns; !slices.Equal(got, []string{"chat.example.com", "localhost"}) {
		t.Fatalf("patterns: %v", got)
	}

	cases := []struct {
		origin string
		ok     bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"https://chat.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tc := range cases {
		r, _ := http.NewRequest(http.MethodGet, srv.WSURL(), nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if err := srv.enforceOrigin(r); (err == nil) != tc.ok {
			t.Fatalf("origin %q: err=%v want ok=%v", tc.origin, err, tc.ok)
		}
	}
}

func TestServer_RevokeRefusesCredential(t *testing.T) {
	srv := startServer(t)
	a := dial(t, srv, "tok-alice")
	waitSessions(t, srv, 1)

	srv.Revoke("alice")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		if _, err := a.Receive(ctx); err != nil {
			break
		}
	}

	_, err := realtime.NewWSDialer(srv.WSURL(), slog.New(slog.DiscardHandler)).Dial(ctx, "tok-alice")
	if err == nil {
		t.Fatalf("expected revoked credential to be refused")
	}
	if _, err := restClient(srv, "tok-bob").FetchConversations(ctx); err != nil {
		t.Fatalf("other users unaffected: %v", err)
	}
}
