package store

import (
	"context"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"chatsync/cmd/internal/events"
	"chatsync/cmd/internal/ids"
	"chatsync/cmd/internal/syncerr"
	"chatsync/cmd/internal/viewport"
	v1 "chatsync/shared/contracts/realtime/v1"
)

func TestStore_MergeKeepsOrderUnderInterleaving(t *testing.T) {
	t.Parallel()

	var all []v1.Message
	for i := range 12 {
		// Pairs share a timestamp so the seq tiebreak is exercised.
		all = append(all, v1.Message{
			ID:             string(rune('a' + i)),
			ConversationID: "c1",
			SenderID:       "u2",
			Seq:            int64(i),
			CreatedAt:      t0.Add(time.Duration(i/2) * time.Second),
		})
	}
	want := make([]string, 0, len(all))
	for _, m := range all {
		want = append(want, m.ID)
	}

	for seed := range uint64(20) {
		h := newHarness(t)
		h.store.Join("c1")
		r := rand.New(rand.NewPCG(seed, seed+1))
		shuffled := slices.Clone(all)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		h.api.setPage("c1", 0, shuffled[:6]...)
		for _, m := range shuffled[4:] {
			h.store.ApplyMessage(m)
		}
		if _, err := h.store.LoadMessages(context.Background(), "c1", 6, 0); err != nil {
			t.Fatalf("seed %d: LoadMessages: %v", seed, err)
		}
		h.store.ApplyMessage(shuffled[0])

		if got := idsOf(h.store.Messages("c1")); !slices.Equal(got, want) {
			t.Fatalf("seed %d: order=%v want %v", seed, got, want)
		}
	}
}

func TestStore_PrependReportsAnchorRows(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.store.SetOpen("c1")
	h.store.Join("c1")

	h.api.setPage("c1", 0, msg("c1", "A", "u2", t0.Add(time.Minute)), msg("c1", "B", "u2", t0.Add(2*time.Minute)))
	h.api.setPage("c1", 2, msg("c1", "Z", "u2", t0))

	first, err := h.store.LoadMessages(ctx, "c1", 2, 0)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if !first.HasMore || len(first.Above) != 0 {
		t.Fatalf("first page=%+v", first)
	}

	older, err := h.store.LoadOlder(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("LoadOlder: %v", err)
	}
	if got := idsOf(older.Above); !slices.Equal(got, []string{"Z"}) {
		t.Fatalf("Above=%v want [Z]", got)
	}
	if older.HasMore {
		t.Fatalf("HasMore=true after short page")
	}
	if got := idsOf(h.store.Messages("c1")); !slices.Equal(got, []string{"Z", "A", "B"}) {
		t.Fatalf("order=%v", got)
	}

	// The reader had B's top at the window top; it stays there after Z lands.
	v := viewport.Viewport{ScrollTop: 40, ClientHeight: 40, ScrollHeight: 80}
	anchored := v.Anchor(viewport.Height(older.Above, func(Message) float64 { return 40 }))
	if anchored.ScrollTop != 80 {
		t.Fatalf("ScrollTop=%v want 80", anchored.ScrollTop)
	}

	again, err := h.store.LoadOlder(ctx, "c1", 0)
	if err != nil || !again.Skipped {
		t.Fatalf("exhausted LoadOlder=%+v err=%v", again, err)
	}
	if c := h.store.Cursor("c1"); c.HasMore || c.Offset != 3 || c.Limit != 2 {
		t.Fatalf("cursor=%+v", c)
	}
}

func TestStore_SendReplacesPlaceholderOnce(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		echoCMID bool
	}{
		{name: "echoed client id", echoCMID: true},
		{name: "content heuristic", echoCMID: false},
	}
	for _, tc := range cases {
		h := newHarness(t)
		h.store.Join("c1")

		var tmpSeen bool
		h.api.onSend = func(convID string, req v1.SendMessageRequest) (v1.Message, error) {
			for _, m := range h.store.Messages(convID) {
				if m.Pending && ids.IsTemp(m.ID) && m.ClientMsgID == req.ClientMsgID {
					tmpSeen = true
				}
			}
			live := msg(convID, "42", "me", t0.Add(time.Second))
			live.Content = req.Content
			if tc.echoCMID {
				live.ClientMsgID = req.ClientMsgID
			}
			// The channel echo lands before the REST response returns.
			h.store.ApplyMessage(live)
			return live, nil
		}

		got, err := h.store.SendMessage(context.Background(), SendInput{ConversationID: "c1", Content: "hello"})
		if err != nil {
			t.Fatalf("%s: SendMessage: %v", tc.name, err)
		}
		if !tmpSeen {
			t.Fatalf("%s: placeholder was not visible during the write", tc.name)
		}
		if got.ID != "42" || got.Pending {
			t.Fatalf("%s: result=%+v", tc.name, got)
		}
		if list := idsOf(h.store.Messages("c1")); !slices.Equal(list, []string{"42"}) {
			t.Fatalf("%s: messages=%v", tc.name, list)
		}
		c, _ := h.store.Conversation("c1")
		if c.Last == nil || c.Last.MessageID != "42" || c.UnreadCount != 0 {
			t.Fatalf("%s: summary=%+v unread=%d", tc.name, c.Last, c.UnreadCount)
		}
	}
}

func TestStore_DuplicateConfirmationKeepsOtherPlaceholder(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		// echo builds the message applied while the second send is in flight;
		// first is the confirmed copy of the first send.
		echo func(first v1.Message) v1.Message
		want []string
	}{
		{
			name: "repeat with client id",
			echo: func(first v1.Message) v1.Message { return first },
			want: []string{"42", "43"},
		},
		{
			name: "repeat without client id",
			echo: func(first v1.Message) v1.Message {
				first.ClientMsgID = ""
				return first
			},
			want: []string{"42", "43"},
		},
		{
			name: "other device same text",
			echo: func(first v1.Message) v1.Message {
				other := first
				other.ID = "44"
				other.ClientMsgID = "cmid-from-other-device"
				other.CreatedAt = t0.Add(1500 * time.Millisecond)
				return other
			},
			want: []string{"42", "44", "43"},
		},
	}
	for _, tc := range cases {
		h := newHarness(t)
		h.store.Join("c1")

		var (
			first    v1.Message
			sends    int
			survived bool
		)
		h.api.onSend = func(convID string, req v1.SendMessageRequest) (v1.Message, error) {
			sends++
			if sends == 1 {
				first = msg(convID, "42", "me", t0.Add(time.Second))
				first.Content = req.Content
				first.ClientMsgID = req.ClientMsgID
				return first, nil
			}
			res := h.store.ApplyMessage(tc.echo(first))
			if res.Replaced != "" {
				t.Errorf("%s: echo replaced %s", tc.name, res.Replaced)
			}
			for _, m := range h.store.Messages(convID) {
				if m.Pending && m.ClientMsgID == req.ClientMsgID {
					survived = true
				}
			}
			second := msg(convID, "43", "me", t0.Add(2*time.Second))
			second.Content = req.Content
			second.ClientMsgID = req.ClientMsgID
			return second, nil
		}

		for i := 0; i < 2; i++ {
			if _, err := h.store.SendMessage(context.Background(), SendInput{ConversationID: "c1", Content: "ok"}); err != nil {
				t.Fatalf("%s: SendMessage #%d: %v", tc.name, i+1, err)
			}
		}
		if !survived {
			t.Fatalf("%s: pending placeholder of the second send was removed", tc.name)
		}
		if list := idsOf(h.store.Messages("c1")); !slices.Equal(list, tc.want) {
			t.Fatalf("%s: messages=%v want %v", tc.name, list, tc.want)
		}
	}
}

func TestStore_SendFailureRollsBack(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.Join("c1")
	h.store.ApplyMessage(msg("c1", "m1", "u2", t0))
	before, _ := h.store.Conversation("c1")

	h.api.onSend = func(string, v1.SendMessageRequest) (v1.Message, error) {
		return v1.Message{}, errRejected
	}
	_, err := h.store.SendMessage(context.Background(), SendInput{ConversationID: "c1", Content: "nope"})
	if !syncerr.IsWrite(err) {
		t.Fatalf("err=%v want write error", err)
	}
	if got := idsOf(h.store.Messages("c1")); !slices.Equal(got, []string{"m1"}) {
		t.Fatalf("messages=%v", got)
	}
	after, _ := h.store.Conversation("c1")
	if after.Last == nil || *after.Last != *before.Last {
		t.Fatalf("summary=%+v want %+v", after.Last, before.Last)
	}
}

func TestStore_SendRejectsEmptyMessage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.store.SendMessage(context.Background(), SendInput{ConversationID: "c1", Content: "  \n"})
	if !syncerr.IsValidation(err) {
		t.Fatalf("err=%v want validation error", err)
	}
	if h.api.sends != 0 || len(h.store.Messages("c1")) != 0 {
		t.Fatalf("sends=%d messages=%d", h.api.sends, len(h.store.Messages("c1")))
	}

	h.api.onSend = func(convID string, _ v1.SendMessageRequest) (v1.Message, error) {
		return msg(convID, "m9", "me", t0), nil
	}
	att := &v1.Attachment{URL: "https://cdn.example/a.png"}
	if _, err := h.store.SendMessage(context.Background(), SendInput{ConversationID: "c1", Attachment: att}); err != nil {
		t.Fatalf("attachment-only send: %v", err)
	}
}

func TestStore_MessageErrorDropsPlaceholder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.Join("c1")

	var removed string
	h.api.onSend = func(convID string, req v1.SendMessageRequest) (v1.Message, error) {
		removed = h.store.ApplyMessageError(v1.ErrorPayload{
			Code: "too_long", ConversationID: convID, ClientMsgID: req.ClientMsgID,
		})
		return v1.Message{}, errRejected
	}
	if _, err := h.store.SendMessage(context.Background(), SendInput{ConversationID: "c1", Content: "x"}); err == nil {
		t.Fatalf("expected error")
	}
	if !ids.IsTemp(removed) {
		t.Fatalf("removed=%q want placeholder id", removed)
	}
	if n := len(h.store.Messages("c1")); n != 0 {
		t.Fatalf("messages=%d", n)
	}
}

func TestStore_ReactionAddRemove(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.Join("c1")
	h.store.ApplyMessage(msg("c1", "m1", "u2", t0))

	add := v1.MessageReactionPayload{ConversationID: "c1", MessageID: "m1", Emoji: "👍", UserID: "u3", Action: v1.ReactionAdded}
	if !h.store.ApplyReaction(add) {
		t.Fatalf("add not applied")
	}
	if h.store.ApplyReaction(add) {
		t.Fatalf("duplicate add applied")
	}
	m, _ := h.store.Message("c1", "m1")
	if !m.ReactedBy("👍", "u3") || len(m.Reactions["👍"]) != 1 {
		t.Fatalf("reactions=%v", m.Reactions)
	}

	rm := add
	rm.Action = v1.ReactionRemoved
	if !h.store.ApplyReaction(rm) {
		t.Fatalf("remove not applied")
	}
	m, _ = h.store.Message("c1", "m1")
	if _, ok := m.Reactions["👍"]; ok {
		t.Fatalf("reactions=%v want none", m.Reactions)
	}

	unknown := add
	unknown.MessageID = "nope"
	if h.store.ApplyReaction(unknown) {
		t.Fatalf("reaction on unknown message applied")
	}
}

func TestStore_ReactionRollsBackOnWriteError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.Join("c1")
	h.store.ApplyMessage(msg("c1", "m1", "u2", t0))

	h.api.reactErr = errRejected
	err := h.store.AddReaction(context.Background(), "c1", "m1", "🎉")
	if !syncerr.IsWrite(err) {
		t.Fatalf("err=%v want write error", err)
	}
	m, _ := h.store.Message("c1", "m1")
	if len(m.Reactions) != 0 {
		t.Fatalf("reactions=%v want rolled back", m.Reactions)
	}

	h.api.reactErr = nil
	if err := h.store.AddReaction(context.Background(), "c1", "m1", "🎉"); err != nil {
		t.Fatalf("AddReaction: %v", err)
	}
	if err := h.store.AddReaction(context.Background(), "c1", "m1", "🎉"); err != nil {
		t.Fatalf("repeat AddReaction: %v", err)
	}
	if n := len(h.api.calls); n != 2 {
		t.Fatalf("calls=%v want one failed and one successful write", h.api.calls)
	}
	m, _ = h.store.Message("c1", "m1")
	if !m.ReactedBy("🎉", "me") {
		t.Fatalf("reactions=%v", m.Reactions)
	}
}

func TestStore_DeleteIsIdempotentAndTombstoned(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.Join("c1")
	h.store.ApplyMessage(msg("c1", "m1", "u2", t0))
	h.store.ApplyMessage(msg("c1", "m2", "u2", t0.Add(time.Second)))

	p := v1.MessageDeletedPayload{ConversationID: "c1", MessageID: "m2"}
	if !h.store.ApplyDeleted(p) {
		t.Fatalf("first delete not applied")
	}
	if h.store.ApplyDeleted(p) {
		t.Fatalf("second delete applied")
	}
	h.store.ApplyMessage(msg("c1", "m2", "u2", t0.Add(time.Second)))
	if got := idsOf(h.store.Messages("c1")); !slices.Equal(got, []string{"m1"}) {
		t.Fatalf("messages=%v", got)
	}
	c, _ := h.store.Conversation("c1")
	if c.Last == nil || c.Last.MessageID != "m1" {
		t.Fatalf("summary=%+v want m1", c.Last)
	}
}

func TestStore_DeleteRollsBackOnWriteError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.Join("c1")
	h.store.ApplyMessage(msg("c1", "m1", "me", t0))

	h.api.deleteErr = errRejected
	if err := h.store.DeleteMessage(context.Background(), "c1", "m1"); !syncerr.IsWrite(err) {
		t.Fatalf("err=%v want write error", err)
	}
	if _, ok := h.store.Message("c1", "m1"); !ok {
		t.Fatalf("message not restored")
	}

	h.store.ApplyMessage(msg("c1", "m2", "u2", t0.Add(time.Second)))
	if err := h.store.DeleteMessage(context.Background(), "c1", "m2"); !syncerr.IsValidation(err) {
		t.Fatalf("deleting a foreign message: err=%v", err)
	}
}

func TestStore_EditUnknownIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.Join("c1")
	h.store.ApplyMessage(msg("c1", "m1", "u2", t0))

	if h.store.ApplyEdited(v1.MessageEditedPayload{ConversationID: "c1", MessageID: "ghost", Content: "x"}) {
		t.Fatalf("edit of unknown id applied")
	}
	if !h.store.ApplyEdited(v1.MessageEditedPayload{ConversationID: "c1", MessageID: "m1", Content: "fixed", EditedAt: t0.Add(time.Minute)}) {
		t.Fatalf("edit not applied")
	}
	m, _ := h.store.Message("c1", "m1")
	if m.Content != "fixed" || !m.Edited {
		t.Fatalf("message=%+v", m)
	}
	c, _ := h.store.Conversation("c1")
	if c.Last.Content != "fixed" {
		t.Fatalf("summary content=%q", c.Last.Content)
	}
}

func TestStore_EditRollsBackOnWriteError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.Join("c1")
	h.store.ApplyMessage(msg("c1", "m1", "me", t0))

	h.api.editErr = errRejected
	if _, err := h.store.EditMessage(context.Background(), "c1", "m1", "changed"); !syncerr.IsWrite(err) {
		t.Fatalf("err=%v want write error", err)
	}
	m, _ := h.store.Message("c1", "m1")
	if m.Content != "content of m1" || m.Edited {
		t.Fatalf("message=%+v want original", m)
	}
}

func TestStore_SummaryForUnjoinedConversation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.store.ApplyMessage(msg("c2", "m1", "u2", t0))
	h.store.ApplyMessage(msg("c2", "m1", "u2", t0))

	c, ok := h.store.Conversation("c2")
	if !ok || c.Last == nil || c.Last.Content != "content of m1" {
		t.Fatalf("conversation=%+v", c)
	}
	if c.UnreadCount != 1 {
		t.Fatalf("UnreadCount=%d want 1", c.UnreadCount)
	}
	if n := len(h.store.Messages("c2")); n != 0 {
		t.Fatalf("messages=%d want none for unjoined conversation", n)
	}
}

func TestStore_LoadConversationsLastWriteWins(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.api.convs = []v1.Conversation{
		{ID: "g1", Name: "Old", IsGroup: true, UpdatedAt: t0},
		{ID: "d1", PeerID: "u2", UpdatedAt: t0},
	}
	if _, err := h.store.LoadConversations(ctx); err != nil {
		t.Fatalf("LoadConversations: %v", err)
	}

	h.store.ApplyGroupName(v1.GroupNamePayload{ConversationID: "g1", Name: "New", At: t0.Add(10 * time.Second)})
	h.store.ApplyUserStatus(v1.UserStatusPayload{UserID: "u2", Online: true, At: t0.Add(10 * time.Second)})

	// A snapshot taken before the live updates arrives late.
	h.api.convs = []v1.Conversation{{ID: "g1", Name: "Old", IsGroup: true, UpdatedAt: t0.Add(5 * time.Second)}}
	if _, err := h.store.LoadConversations(ctx); err != nil {
		t.Fatalf("LoadConversations: %v", err)
	}

	g, _ := h.store.Conversation("g1")
	if g.Name != "New" {
		t.Fatalf("Name=%q want New", g.Name)
	}
	d, ok := h.store.Conversation("d1")
	if !ok || !d.Online {
		t.Fatalf("d1 missing or offline: %+v", d)
	}
}

func TestStore_LoadInFlightIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.SetOpen("c1")
	h.api.setPage("c1", 0, msg("c1", "m1", "u2", t0))
	h.api.gate = make(chan struct{})
	h.api.started = make(chan struct{}, 1)

	done := make(chan Page, 1)
	go func() {
		p, _ := h.store.LoadMessages(context.Background(), "c1", 20, 0)
		done <- p
	}()
	<-h.api.started

	p, err := h.store.LoadMessages(context.Background(), "c1", 20, 0)
	if err != nil || !p.Skipped {
		t.Fatalf("second load=%+v err=%v", p, err)
	}
	close(h.api.gate)

	first := <-done
	if len(first.Inserted) != 1 || h.api.fetches != 1 {
		t.Fatalf("first=%+v fetches=%d", first, h.api.fetches)
	}
}

func TestStore_LatePageDroppedAfterSwitch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.SetOpen("c1")
	h.api.setPage("c1", 0, msg("c1", "m1", "u2", t0))
	h.api.gate = make(chan struct{})
	h.api.started = make(chan struct{}, 1)

	done := make(chan Page, 1)
	go func() {
		p, _ := h.store.LoadMessages(context.Background(), "c1", 20, 0)
		done <- p
	}()
	<-h.api.started
	h.store.SetOpen("c2")
	close(h.api.gate)

	p := <-done
	if !p.Stale {
		t.Fatalf("page=%+v want stale", p)
	}
	if n := len(h.store.Messages("c1")); n != 0 {
		t.Fatalf("messages=%d want none", n)
	}
}

func TestStore_LoadMessagesValidates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if _, err := h.store.LoadMessages(context.Background(), "c1", 0, 0); !syncerr.IsValidation(err) {
		t.Fatalf("limit 0: err=%v", err)
	}
	if _, err := h.store.LoadMessages(context.Background(), "", 10, 0); !syncerr.IsValidation(err) {
		t.Fatalf("empty id: err=%v", err)
	}
}

func TestStore_ReadReceipts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.Join("c1")
	h.store.ApplyMessage(msg("c1", "m1", "u2", t0))
	h.store.ApplyMessage(msg("c1", "m2", "u2", t0.Add(time.Second)))

	if c, _ := h.store.Conversation("c1"); c.UnreadCount != 2 {
		t.Fatalf("UnreadCount=%d want 2", c.UnreadCount)
	}

	h.store.ApplyMessagesRead(v1.MessagesReadPayload{ConversationID: "c1", UserID: "me", MessageIDs: []string{"m1", "m2"}})
	m, _ := h.store.Message("c1", "m2")
	if m.Read != ReadAcked {
		t.Fatalf("Read=%v", m.Read)
	}
	if c, _ := h.store.Conversation("c1"); c.UnreadCount != 0 {
		t.Fatalf("UnreadCount=%d want 0", c.UnreadCount)
	}

	h.store.ApplyMessagesRead(v1.MessagesReadPayload{ConversationID: "c1", UserID: "u3", MessageIDs: []string{"m1", "m1"}})
	m, _ = h.store.Message("c1", "m1")
	if !slices.Equal(m.ReadBy, []string{"u3"}) {
		t.Fatalf("ReadBy=%v", m.ReadBy)
	}
}

func TestStore_MemberEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.UpsertConversation(v1.Conversation{ID: "g1", Name: "G", IsGroup: true, MemberCount: 3, UpdatedAt: t0})

	h.store.ApplyMemberAdded(v1.MemberPayload{ConversationID: "g1", UserID: "u9", At: t0.Add(time.Second)})
	if c, _ := h.store.Conversation("g1"); c.MemberCount != 4 {
		t.Fatalf("MemberCount=%d want 4", c.MemberCount)
	}
	if h.store.ApplyMemberAdded(v1.MemberPayload{ConversationID: "nope", UserID: "u9"}) {
		t.Fatalf("unknown conversation applied")
	}

	h.store.Join("g1")
	h.store.ApplyMemberRemoved(v1.MemberPayload{ConversationID: "g1", UserID: "me", At: t0.Add(2 * time.Second)})
	if _, ok := h.store.Conversation("g1"); ok || h.store.Joined("g1") {
		t.Fatalf("conversation kept after local user was removed")
	}
}

func TestStore_CreateConversations(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	var changed int
	events.On(h.bus, func(events.ConversationsChanged) error {
		changed++
		return nil
	})

	g, err := h.store.CreateGroupConversation(ctx, " Team ", []string{"u2", "u3"})
	if err != nil || g.ID != "g-new" || g.Name != "Team" || g.MemberCount != 3 {
		t.Fatalf("group=%+v err=%v", g, err)
	}
	if _, err := h.store.CreateGroupConversation(ctx, "", []string{"u2"}); !syncerr.IsValidation(err) {
		t.Fatalf("empty name: err=%v", err)
	}
	d, err := h.store.CreatePrivateConversation(ctx, "u2")
	if err != nil || d.PeerID != "u2" {
		t.Fatalf("direct=%+v err=%v", d, err)
	}
	if changed != 2 || len(h.store.Conversations()) != 2 {
		t.Fatalf("changed=%d list=%d", changed, len(h.store.Conversations()))
	}

	h.api.createErr = errRejected
	if _, err := h.store.CreatePrivateConversation(ctx, "u4"); !syncerr.IsWrite(err) {
		t.Fatalf("err=%v want write error", err)
	}
}
