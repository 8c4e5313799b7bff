package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/powermode/internal/clock"
	"github.com/kingrea/powermode/internal/transport"
)

const (
	defaultClientPollWait = 10 * time.Second
	defaultRetryDelay     = 500 * time.Millisecond
)

// Client is the transport adapter for a running broker.
type Client struct {
	base     string
	http     *http.Client
	clock    clock.Clock
	logger   *slog.Logger
	pollWait time.Duration
	retry    time.Duration

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	ctx    context.Context
	subs   sync.WaitGroup
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClientClock(cl clock.Clock) ClientOption {
	return func(c *Client) {
		if cl != nil {
			c.clock = cl
		}
	}
}

// WithPollWait sets how long each long-poll may block on the server.
func WithPollWait(d time.Duration) ClientOption {
	return func(c *Client) {
		if d >= 0 {
			c.pollWait = d
		}
	}
}

// WithRetryDelay sets the pause after a failed poll.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.retry = d
		}
	}
}

// NewClient builds an adapter for the broker at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		base:     strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: defaultClientPollWait + 5*time.Second},
		clock:    clock.Real(),
		logger:   slog.New(slog.DiscardHandler),
		pollWait: defaultClientPollWait,
		retry:    defaultRetryDelay,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Factory exposes a broker at baseURL as the broker-level adapter. The
// broker must answer /health for the adapter to open.
func Factory(baseURL string, opts ...ClientOption) transport.Factory {
	return transport.Factory{
		Name:  "broker",
		Level: transport.LevelBroker,
		Open: func(ctx context.Context) (transport.Transport, error) {
			c := NewClient(baseURL, opts...)
			if err := c.Ping(ctx); err != nil {
				_ = c.Close()
				return nil, err
			}
			return c, nil
		},
	}
}

func (c *Client) Name() string { return "broker" }

// Ping checks the broker's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return fmt.Errorf("broker: build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return transport.Unavailable(c.Name(), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return transport.Unavailable(c.Name(), fmt.Errorf("health status %d", resp.StatusCode))
	}
	return nil
}

// Publish posts msg to the channel. Network failures and 5xx responses
// report ErrUnavailable.
func (c *Client) Publish(ctx context.Context, ch transport.Channel, msg transport.Message) error {
	if c.isClosed() {
		return transport.Unavailable(c.Name(), fmt.Errorf("client closed"))
	}
	msg.Channel = ch
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("broker: encode message: %w", err)
	}
	endpoint := c.base + "/channels/" + url.PathEscape(string(ch))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("broker: build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return transport.Unavailable(c.Name(), err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode >= 500:
		return transport.Unavailable(c.Name(), fmt.Errorf("publish status %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return fmt.Errorf("broker: publish rejected (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return nil
}

// Subscribe long-polls the channel from sequence zero. Poll failures
// are retried; they never close the subscription.
func (c *Client) Subscribe(ctx context.Context, ch transport.Channel) (transport.Subscription, error) {
	return c.SubscribeFrom(ctx, ch, 0)
}

// SubscribeFrom starts after the given sequence.
func (c *Client) SubscribeFrom(ctx context.Context, ch transport.Channel, after int64) (transport.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.Unavailable(c.Name(), fmt.Errorf("client closed"))
	}
	c.subs.Add(1)
	c.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	s := &subscription{out: make(chan transport.Message, 64), cancel: cancel}
	go func() {
		defer c.subs.Done()
		defer stop()
		defer close(s.out)
		c.poll(subCtx, ch, after, s.out)
	}()
	return s, nil
}

// Close stops every subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.subs.Wait()
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) poll(ctx context.Context, ch transport.Channel, cursor int64, out chan<- transport.Message) {
	for ctx.Err() == nil {
		batch, next, err := c.fetch(ctx, ch, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("broker poll failed", "channel", ch, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-c.clock.After(c.retry):
			}
			continue
		}
		for _, msg := range batch {
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
		cursor = next
	}
}

func (c *Client) fetch(ctx context.Context, ch transport.Channel, after int64) ([]transport.Message, int64, error) {
	q := url.Values{}
	q.Set("after", fmt.Sprint(after))
	if c.pollWait > 0 {
		q.Set("wait", c.pollWait.String())
	}
	endpoint := c.base + "/channels/" + url.PathEscape(string(ch)) + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, after, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, after, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, after, fmt.Errorf("poll status %d", resp.StatusCode)
	}
	var body pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, after, err
	}
	if body.Next < after {
		body.Next = after
	}
	return body.Messages, body.Next, nil
}

type subscription struct {
	out    chan transport.Message
	cancel context.CancelFunc
}

func (s *subscription) Messages() <-chan transport.Message { return s.out }

func (s *subscription) Close() { s.cancel() }
