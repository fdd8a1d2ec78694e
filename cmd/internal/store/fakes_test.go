package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"chatsync/cmd/internal/clock"
	"chatsync/cmd/internal/events"
	v1 "chatsync/shared/contracts/realtime/v1"
)

var (
	errRejected = errors.New("rejected by server")
	t0          = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
)

type fakeBackend struct {
	mu    sync.Mutex
	convs []v1.Conversation
	// pages[conversation][offset] is the response of FetchMessages.
	pages   map[string]map[int][]v1.Message
	members []v1.Member

	// gate, when set, blocks FetchMessages until closed; started is
	// signalled once the call is blocked.
	gate    chan struct{}
	started chan struct{}

	onSend    func(convID string, req v1.SendMessageRequest) (v1.Message, error)
	editErr   error
	deleteErr error
	reactErr  error
	createErr error

	fetches int
	sends   int
	calls   []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{pages: make(map[string]map[int][]v1.Message)}
}

func (b *fakeBackend) setPage(convID string, offset int, msgs ...v1.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pages[convID] == nil {
		b.pages[convID] = make(map[int][]v1.Message)
	}
	b.pages[convID][offset] = msgs
}

func (b *fakeBackend) FetchConversations(context.Context) ([]v1.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]v1.Conversation(nil), b.convs...), nil
}

func (b *fakeBackend) FetchMessages(ctx context.Context, convID string, limit, offset int) ([]v1.Message, error) {
	b.mu.Lock()
	b.fetches++
	gate, started := b.gate, b.started
	page := b.pages[convID][offset]
	b.mu.Unlock()

	if gate != nil {
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(page) > limit {
		page = page[:limit]
	}
	return append([]v1.Message(nil), page...), nil
}

func (b *fakeBackend) SendMessage(_ context.Context, convID string, req v1.SendMessageRequest) (v1.Message, error) {
	b.mu.Lock()
	b.sends++
	fn := b.onSend
	b.mu.Unlock()
	if fn == nil {
		return v1.Message{}, errors.New("no send handler")
	}
	return fn(convID, req)
}

func (b *fakeBackend) EditMessage(_ context.Context, msgID, content string) (v1.Message, error) {
	b.record("edit " + msgID)
	if b.editErr != nil {
		return v1.Message{}, b.editErr
	}
	at := t0.Add(time.Hour)
	return v1.Message{ID: msgID, Content: content, EditedAt: &at}, nil
}

func (b *fakeBackend) DeleteMessage(_ context.Context, msgID string) error {
	b.record("delete " + msgID)
	return b.deleteErr
}

func (b *fakeBackend) AddReaction(_ context.Context, msgID, emoji string) error {
	b.record("react+ " + msgID + " " + emoji)
	return b.reactErr
}

func (b *fakeBackend) RemoveReaction(_ context.Context, msgID, emoji string) error {
	b.record("react- " + msgID + " " + emoji)
	return b.reactErr
}

func (b *fakeBackend) CreateConversation(_ context.Context, req v1.CreateConversationRequest) (v1.Conversation, error) {
	b.record("create " + req.Type)
	if b.createErr != nil {
		return v1.Conversation{}, b.createErr
	}
	if req.Type == v1.ConversationGroup {
		return v1.Conversation{ID: "g-new", Name: req.Name, IsGroup: true, MemberCount: len(req.MemberIDs) + 1, UpdatedAt: t0}, nil
	}
	return v1.Conversation{ID: "d-" + req.UserID, PeerID: req.UserID, UpdatedAt: t0}, nil
}

func (b *fakeBackend) FetchMembers(context.Context, string) ([]v1.Member, error) {
	b.record("members")
	return b.members, nil
}

func (b *fakeBackend) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
}

type harness struct {
	api   *fakeBackend
	clock *clock.Fake
	bus   *events.Dispatcher
	store *Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		api:   newFakeBackend(),
		clock: clock.NewFake(t0),
		bus:   events.NewDispatcher(log, nil),
	}
	h.store = New("me", h.api,
		WithClock(h.clock),
		WithLogger(log),
		WithDispatcher(h.bus),
		WithSelfName("Me"),
	)
	return h
}

func msg(conv, id, sender string, at time.Time) v1.Message {
	return v1.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Content:        fmt.Sprintf("content of %s", id),
		CreatedAt:      at,
	}
}

func idsOf(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
