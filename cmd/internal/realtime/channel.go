// Package realtime is the client side of the realtime channel: one
// authenticated websocket per session carrying v1 envelopes.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	v1 "chatsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// Channel is one open bidirectional connection.
type Channel interface {
	// Send writes one envelope. Safe for concurrent use.
	Send(ctx context.Context, env v1.Envelope) error
	// Receive blocks for the next envelope. Only one goroutine may call it.
	Receive(ctx context.Context) (v1.Envelope, error)
	// Close releases the connection (idempotent).
	Close(reason string) error
}

// Dialer opens channels authenticated with a bearer credential.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Channel, error)
}

// WSDialer dials the realtime endpoint over coder/websocket.
type WSDialer struct {
	URL          string
	Origin       string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	HTTPClient   *http.Client
	Log          *slog.Logger
}

// NewWSDialer returns a dialer for url with default timeouts.
func NewWSDialer(url string, log *slog.Logger) *WSDialer {
	if log == nil {
		log = slog.Default()
	}
	return &WSDialer{
		URL:          url,
		DialTimeout:  defaultDialTimeout,
		WriteTimeout: defaultWriteTimeout,
		Log:          log,
	}
}

// Dial performs the websocket handshake. The credential travels in the
// Authorization header and the v1 subprotocol is required.
func (d *WSDialer) Dial(ctx context.Context, credential string) (Channel, error) {
	if strings.TrimSpace(d.URL) == "" {
		return nil, errors.New("realtime: missing url")
	}

	ctx, cancel := context.WithTimeout(ctx, nonZeroDuration(d.DialTimeout, defaultDialTimeout))
	defer cancel()

	h := http.Header{}
	if credential != "" {
		h.Set("Authorization", "Bearer "+credential)
	}
	if strings.TrimSpace(d.Origin) != "" {
		h.Set("Origin", d.Origin)
	}

	conn, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
		HTTPClient:   d.HTTPClient,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("realtime: subprotocol mismatch: got=%q want=%q", sp, v1.Subprotocol)
	}

	conn.SetReadLimit(maxFrameBytes)

	return newWSChannel(conn, nonZeroDuration(d.WriteTimeout, defaultWriteTimeout), d.Log), nil
}

// wsChannel adapts a websocket.Conn to Channel.
type wsChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	log          *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func newWSChannel(conn *websocket.Conn, writeTimeout time.Duration, log *slog.Logger) *wsChannel {
	return &wsChannel{
		conn:         conn,
		writeTimeout: writeTimeout,
		log:          log,
		done:         make(chan struct{}),
	}
}

func (c *wsChannel) Send(ctx context.Context, env v1.Envelope) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	return writeEnvelope(ctx, c.conn, env, c.writeTimeout)
}

func (c *wsChannel) Receive(ctx context.Context) (v1.Envelope, error) {
	env, err := readEnvelope(ctx, c.conn)
	if err != nil {
		select {
		case <-c.done:
			return v1.Envelope{}, net.ErrClosed
		default:
		}
		return v1.Envelope{}, err
	}
	return env, nil
}

func (c *wsChannel) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if reason == "" {
			reason = "bye"
		}
		err = c.conn.Close(websocket.StatusNormalClosure, reason)
		if err != nil && !isClosedErr(err) {
			c.log.Debug("ws.close.fail", "err", err)
		}
	})
	return err
}

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
		return v1.Envelope{}, &DecodeError{Err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := v1.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// DecodeError reports a frame that was not a JSON envelope. The channel
// itself is still usable.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "realtime: bad frame: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is a recoverable bad-frame error.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func isClosedErr(err error) bool {
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}

// ReadErrKind classifies why Receive failed.
type ReadErrKind uint8

const (
	ReadErrUnknown ReadErrKind = iota
	ReadErrClose
	ReadErrCtxDone
	ReadErrConnClosed
	ReadErrBadFrame
)

func (k ReadErrKind) String() string {
	switch k {
	case ReadErrClose:
		return "close"
	case ReadErrCtxDone:
		return "ctx_done"
	case ReadErrConnClosed:
		return "conn_closed"
	case ReadErrBadFrame:
		return "bad_frame"
	default:
		return "unknown"
	}
}

// ClassifyReadErr maps a Receive error to a ReadErrKind for logging and
// for deciding whether the channel is lost.
func ClassifyReadErr(err error) ReadErrKind {
	if IsDecodeError(err) {
		return ReadErrBadFrame
	}
	if websocket.CloseStatus(err) != -1 {
		return ReadErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ReadErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return ReadErrConnClosed
	}
	return ReadErrUnknown
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
