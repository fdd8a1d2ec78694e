// Package restapi is the client of the conversation REST API: history,
// durable writes and read receipts. Every call carries the bearer
// credential and runs behind a circuit breaker.
package restapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatsync/cmd/internal/syncerr"
	v1 "chatsync/shared/contracts/realtime/v1"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
)

// Config holds the client settings.
type Config struct {
	BaseURL string
	Timeout time.Duration

	// The breaker opens after BreakerFailures consecutive server or transport
	// failures and half-opens again after BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	BreakerInterval time.Duration
}

// DefaultConfig returns the settings used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		Timeout:         15 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
		BreakerInterval: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	if c.BreakerInterval <= 0 {
		c.BreakerInterval = d.BreakerInterval
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	s := "status " + strconv.Itoa(e.Status)
	if e.Code != "" {
		s += ": " + e.Code
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	return s
}

// Client implements the store and read-state collaborators over HTTP.
type Client struct {
	cfg  Config
	log  *slog.Logger
	hc   *http.Client
	http *resty.Client
	cb   *gobreaker.CircuitBreaker
}

// New constructs a Client authenticated with credential.
func New(cfg Config, credential string, opts ...Option) *Client {
	c := &Client{
		cfg: cfg.withDefaults(),
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.hc != nil {
		c.http = resty.NewWithClient(c.hc)
	} else {
		c.http = resty.New()
	}
	c.http.
		SetBaseURL(strings.TrimRight(c.cfg.BaseURL, "/")).
		SetTimeout(c.cfg.Timeout).
		SetAuthToken(credential).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal).
		SetLogger(restyLogger{log: c.log})

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "restapi",
		MaxRequests: 1,
		Interval:    c.cfg.BreakerInterval,
		Timeout:     c.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("rest.breaker.state", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Status < http.StatusInternalServerError
			}
			return err == nil
		},
	})
	return c
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.cb.State()
}

// FetchConversations lists the conversations of the authenticated user.
func (c *Client) FetchConversations(ctx context.Context) ([]v1.Conversation, error) {
	var out v1.ConversationList
	err := c.do(ctx, "rest.FetchConversations", false, http.MethodGet, "/api/conversations", &out, nil)
	return out.Conversations, err
}

// FetchMessages returns one page of history, oldest first.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, limit, offset int) ([]v1.Message, error) {
	var out v1.MessagePage
	err := c.do(ctx, "rest.FetchMessages", false, http.MethodGet, "/api/conversations/{id}/messages", &out, func(r *resty.Request) {
		r.SetPathParam("id", conversationID).
			SetQueryParam("limit", strconv.Itoa(limit)).
			SetQueryParam("offset", strconv.Itoa(offset))
	})
	return out.Messages, err
}

// SendMessage writes a message and returns the canonical copy.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req v1.SendMessageRequest) (v1.Message, error) {
	var out v1.Message
	err := c.do(ctx, "rest.SendMessage", true, http.MethodPost, "/api/conversations/{id}/messages", &out, func(r *resty.Request) {
		r.SetPathParam("id", conversationID).SetBody(req)
	})
	return out, err
}

// EditMessage replaces the content of a message.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) (v1.Message, error) {
	var out v1.Message
	err := c.do(ctx, "rest.EditMessage", true, http.MethodPatch, "/api/messages/{id}", &out, func(r *resty.Request) {
		r.SetPathParam("id", messageID).SetBody(v1.EditMessageRequest{Content: content})
	})
	return out, err
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, "rest.DeleteMessage", true, http.MethodDelete, "/api/messages/{id}", nil, func(r *resty.Request) {
		r.SetPathParam("id", messageID)
	})
}

// AddReaction reacts to a message.
func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) error {
	return c.do(ctx, "rest.AddReaction", true, http.MethodPost, "/api/messages/{id}/reactions", nil, func(r *resty.Request) {
		r.SetPathParam("id", messageID).SetBody(v1.ReactionRequest{Emoji: emoji})
	})
}

// RemoveReaction withdraws a reaction.
func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	return c.do(ctx, "rest.RemoveReaction", true, http.MethodDelete, "/api/messages/{id}/reactions/{emoji}", nil, func(r *resty.Request) {
		r.SetPathParams(map[string]string{"id": messageID, "emoji": emoji})
	})
}

// CreateConversation creates a direct or group conversation.
func (c *Client) CreateConversation(ctx context.Context, req v1.CreateConversationRequest) (v1.Conversation, error) {
	var out v1.Conversation
	err := c.do(ctx, "rest.CreateConversation", true, http.MethodPost, "/api/conversations", &out, func(r *resty.Request) {
		r.SetBody(req)
	})
	return out, err
}

// FetchMembers lists the members of a group.
func (c *Client) FetchMembers(ctx context.Context, conversationID string) ([]v1.Member, error) {
	var out v1.MemberList
	err := c.do(ctx, "rest.FetchMembers", false, http.MethodGet, "/api/conversations/{id}/members", &out, func(r *resty.Request) {
		r.SetPathParam("id", conversationID)
	})
	return out.Members, err
}

// MarkRead records that the given messages were read.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	return c.do(ctx, "rest.MarkRead", true, http.MethodPost, "/api/conversations/{id}/read", nil, func(r *resty.Request) {
		r.SetPathParam("id", conversationID).SetBody(v1.MarkReadRequest{MessageIDs: messageIDs})
	})
}

// do runs one request through the breaker. Failures of writes map to
// syncerr.ErrWrite, failures of reads to syncerr.ErrTransport.
func (c *Client) do(ctx context.Context, op string, write bool, method, path string, result any, build func(*resty.Request)) error {
	_, err := c.cb.Execute(func() (any, error) {
		apiErr := &v1.APIError{}
		req := c.http.R().SetContext(ctx).SetError(apiErr)
		if result != nil {
			req.SetResult(result)
		}
		if build != nil {
			build(req)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, &StatusError{Status: resp.StatusCode(), Code: apiErr.Code, Message: apiErr.Message}
		}
		return nil, nil
	})
	if err == nil {
		return nil
	}

	c.log.Warn("rest.call.fail", "op", op, "method", method, "path", path, "err", err)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("api unavailable: %w", err)
	}
	if write {
		return syncerr.Write(op, err)
	}
	return syncerr.Transport(op, err)
}

// restyLogger routes resty's internal messages to slog.
type restyLogger struct {
	log *slog.Logger
}

func (l restyLogger) Errorf(format string, v ...any) {
	l.log.Error("rest.client", "msg", strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l restyLogger) Warnf(format string, v ...any) {
	l.log.Warn("rest.client", "msg", strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l restyLogger) Debugf(format string, v ...any) {
	l.log.Debug("rest.client", "msg", strings.TrimSpace(fmt.Sprintf(format, v...)))
}
