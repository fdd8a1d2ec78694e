package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"chatsync/cmd/internal/connection"
	"chatsync/cmd/internal/events"
	"chatsync/cmd/internal/realtime"
	"chatsync/cmd/internal/realtime/realtimetest"
	"chatsync/cmd/internal/restapi"
	"chatsync/cmd/internal/store"
	"chatsync/cmd/internal/syncerr"
)

var liveUsers = []realtimetest.User{
	{ID: "alice", Name: "Alice", Token: "tok-alice"},
	{ID: "bob", Name: "Bob", Token: "tok-bob"},
}

func startLive(t *testing.T) *realtimetest.Server {
	t.Helper()
	srv := realtimetest.NewServer(liveUsers)
	t.Cleanup(srv.Close)
	srv.SeedConversation("room", "Room", true, "alice", "bob")
	return srv
}

func liveSession(t *testing.T, srv *realtimetest.Server, u realtimetest.User) *Session {
	t.Helper()
	log := slog.New(slog.DiscardHandler)

	s, err := New(Config{
		UserID:   u.ID,
		UserName: u.Name,
		PageSize: 20,
		Connection: connection.Config{
			MaxAttempts: 5,
			BaseDelay:   20 * time.Millisecond,
			MaxDelay:    100 * time.Millisecond,
		},
	}, Deps{
		Dialer: realtime.NewWSDialer(srv.WSURL(), log),
		API:    restapi.New(restapi.Config{BaseURL: srv.URL(), Timeout: 3 * time.Second}, u.Token, restapi.WithLogger(log)),
		Log:    log,
	})
	if err != nil {
		t.Fatalf("new session %s: %v", u.ID, err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })

	if err := s.Start(context.Background(), u.Token); err != nil {
		t.Fatalf("start %s: %v", u.ID, err)
	}
	eventually(t, u.ID+" connected", func() bool { return s.State() == connection.Connected })
	return s
}

func findMessage(msgs []store.Message, id string) (store.Message, int) {
	var (
		found store.Message
		n     int
	)
	for _, m := range msgs {
		if m.ID == id {
			found = m
			n++
		}
	}
	return found, n
}

func TestLive_ConversationRoundTrip(t *testing.T) {
	srv := startLive(t)
	ctx := context.Background()

	alice := liveSession(t, srv, liveUsers[0])
	bob := liveSession(t, srv, liveUsers[1])

	for _, s := range []*Session{alice, bob} {
		if _, err := s.LoadConversations(ctx); err != nil {
			t.Fatalf("load conversations: %v", err)
		}
		if _, err := s.OpenConversation(ctx, "room", 0); err != nil {
			t.Fatalf("open: %v", err)
		}
	}
	eventually(t, "both sessions in room", func() bool { return srv.RoomSessions("room") >= 2 })

	if err := alice.Keystroke(ctx); err != nil {
		t.Fatalf("keystroke: %v", err)
	}
	eventually(t, "bob sees alice typing", func() bool {
		typers := bob.Typers()
		return len(typers) == 1 && typers[0].UserID == "alice"
	})

	sent, err := alice.SendMessage(ctx, store.SendInput{Content: "hello bob"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.Pending || sent.ConversationID != "room" {
		t.Fatalf("unexpected sent message: %+v", sent)
	}

	eventually(t, "bob receives the message", func() bool {
		_, n := findMessage(bob.Messages("room"), sent.ID)
		return n == 1
	})
	eventually(t, "typing indicator cleared", func() bool { return len(bob.Typers()) == 0 })

	// bob sits at the live edge, so the message is marked read on arrival
	// and the receipt flows back to alice.
	eventually(t, "alice sees bob's receipt", func() bool {
		m, _ := findMessage(alice.Messages("room"), sent.ID)
		return slices.Contains(m.ReadBy, "bob")
	})
	if _, n := findMessage(alice.Messages("room"), sent.ID); n != 1 {
		t.Fatalf("alice holds %d copies of %s", n, sent.ID)
	}
	if u := bob.Unread(); u.Unread != 0 || u.NewCount != 0 {
		t.Fatalf("bob unread = %+v", u)
	}

	if err := bob.React(ctx, "room", sent.ID, "👍"); err != nil {
		t.Fatalf("react: %v", err)
	}
	eventually(t, "alice sees the reaction", func() bool {
		m, _ := findMessage(alice.Messages("room"), sent.ID)
		return m.ReactedBy("👍", "bob")
	})

	if _, err := alice.EditMessage(ctx, "room", sent.ID, "hello bob!"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	eventually(t, "bob sees the edit", func() bool {
		m, _ := findMessage(bob.Messages("room"), sent.ID)
		return m.Edited && m.Content == "hello bob!"
	})

	if err := alice.DeleteMessage(ctx, "room", sent.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	eventually(t, "bob drops the deleted message", func() bool {
		_, n := findMessage(bob.Messages("room"), sent.ID)
		return n == 0
	})
}

func TestLive_ReconnectResubscribes(t *testing.T) {
	srv := startLive(t)
	ctx := context.Background()

	alice := liveSession(t, srv, liveUsers[0])
	bob := liveSession(t, srv, liveUsers[1])
	if _, err := bob.OpenConversation(ctx, "room", 0); err != nil {
		t.Fatalf("open: %v", err)
	}

	var (
		mu     sync.Mutex
		states []connection.State
	)
	events.On(bob.Bus(), func(e connection.StateChanged) error {
		mu.Lock()
		states = append(states, e.To)
		mu.Unlock()
		return nil
	})

	eventually(t, "both sessions registered", func() bool { return srv.Sessions() == 2 })
	if n := srv.DropSessions("bob"); n != 1 {
		t.Fatalf("dropped %d sessions", n)
	}

	eventually(t, "bob reconnects", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return slices.Contains(states, connection.Reconnecting) && bob.State() == connection.Connected
	})
	eventually(t, "bob rejoined the room", func() bool { return srv.RoomSessions("room") >= 1 && srv.Sessions() == 2 })

	sent, err := alice.SendMessage(ctx, store.SendInput{ConversationID: "room", Content: "still there?"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "bob receives after reconnect", func() bool {
		_, n := findMessage(bob.Messages("room"), sent.ID)
		return n == 1
	})
}

func TestLive_RemovedFromGroup(t *testing.T) {
	srv := startLive(t)
	ctx := context.Background()

	bob := liveSession(t, srv, liveUsers[1])
	if _, err := bob.LoadConversations(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := bob.OpenConversation(ctx, "room", 0); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := srv.RenameGroup("room", "alice", "Team"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	eventually(t, "bob sees the new name", func() bool {
		c, ok := bob.Conversation("room")
		return ok && c.Name == "Team"
	})

	if err := srv.RemoveMember("room", "alice", "bob"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	eventually(t, "bob loses the conversation", func() bool {
		_, ok := bob.Conversation("room")
		return !ok && bob.Open() == ""
	})
}

func TestLive_RevokedCredentialExhaustsReconnects(t *testing.T) {
	srv := startLive(t)
	bob := liveSession(t, srv, liveUsers[1])

	srv.Revoke("bob")

	eventually(t, "bob gives up", func() bool { return bob.State() == connection.Failed })

	_, err := bob.SendMessage(context.Background(), store.SendInput{ConversationID: "room", Content: "anyone?"})
	if !syncerr.IsTransport(err) || !errors.Is(err, syncerr.ErrNotConnected) {
		t.Fatalf("expected not-connected transport error, got %v", err)
	}
}
