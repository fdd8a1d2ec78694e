package presence

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"chatsync/cmd/internal/clock"
	v1 "chatsync/shared/contracts/realtime/v1"
)

type fakeEmitter struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeEmitter) Emit(_ context.Context, typ, _ string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := payload.(v1.UpdateStatusPayload); ok {
		typ += ":" + p.Status
	}
	f.sent = append(f.sent, typ)
	return nil
}

func (f *fakeEmitter) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

func TestHeartbeat_IntervalAndPause(t *testing.T) {
	t.Parallel()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	em := &fakeEmitter{}
	h := New(em, WithClock(fc), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	ctx := context.Background()

	fc.Advance(time.Minute)
	if n := len(em.snapshot()); n != 0 {
		t.Fatalf("beats before Start=%d", n)
	}

	h.Start()
	fc.Advance(61 * time.Second)
	if got := em.snapshot(); !slices.Equal(got, []string{v1.TypeHeartbeat, v1.TypeHeartbeat}) {
		t.Fatalf("sent=%v", got)
	}

	if err := h.SetOnline(ctx, false); err != nil {
		t.Fatalf("SetOnline(false): %v", err)
	}
	fc.Advance(2 * time.Minute)
	want := []string{v1.TypeHeartbeat, v1.TypeHeartbeat, v1.TypeUpdateStatus + ":" + v1.StatusOffline}
	if got := em.snapshot(); !slices.Equal(got, want) {
		t.Fatalf("sent=%v want %v", got, want)
	}

	if err := h.SetOnline(ctx, true); err != nil {
		t.Fatalf("SetOnline(true): %v", err)
	}
	fc.Advance(Interval)
	want = append(want, v1.TypeUpdateStatus+":"+v1.StatusOnline, v1.TypeHeartbeat)
	if got := em.snapshot(); !slices.Equal(got, want) {
		t.Fatalf("sent=%v want %v", got, want)
	}

	h.Stop()
	if fc.Pending() != 0 {
		t.Fatalf("pending=%d after Stop", fc.Pending())
	}
	fc.Advance(time.Hour)
	if got := em.snapshot(); len(got) != len(want) {
		t.Fatalf("beats after Stop: %v", got)
	}
}
