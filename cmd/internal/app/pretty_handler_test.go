package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_GroupsAndQuoting(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false)).With("user", "u1").WithGroup("req")
	log.Info("store.send.fail", "content", "hello world", "retry", 2*time.Second)

	out := buf.String()
	for _, want := range []string{"msg=store.send.fail", "user=u1", `req.content="hello world"`, "req.retry=2s"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

func TestPrettyHandler_ColorsStates(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Info("session.state", "from", "reconnecting", "to", "connected", "status", 503, "duration_ms", 1200)

	out := buf.String()
	if !strings.Contains(out, "to="+ansiGreen+"connected"+ansiReset) {
		t.Fatalf("connected not green: %q", out)
	}
	if !strings.Contains(out, "from="+ansiYellow+"reconnecting"+ansiReset) {
		t.Fatalf("reconnecting not yellow: %q", out)
	}
	plain := stripANSI(out)
	if !strings.Contains(plain, "status=503") || !strings.Contains(plain, "duration=1200ms") {
		t.Fatalf("plain=%q", plain)
	}
}
