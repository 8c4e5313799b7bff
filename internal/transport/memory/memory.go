// Package memory is the native in-process transport: a router of
// bounded subscriber queues with backlog and deduplication.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kingrea/powermode/internal/clock"
	"github.com/kingrea/powermode/internal/transport"
)

const (
	defaultSubscriberCapacity = 128
	defaultBacklogLimit       = 256
	defaultDedupeWindow       = 1024
)

// Option customizes a Router.
type Option func(*Router)

// Router fans published messages out to every subscriber of a channel.
// Messages published before the first subscriber arrives wait in a
// bounded backlog.
type Router struct {
	mu          sync.RWMutex
	subscribers map[transport.Channel]map[*subscriber]struct{}
	backlog     map[transport.Channel][]transport.Message
	sequence    map[transport.Channel]int64
	recentIDs   map[string]struct{}
	recentOrder []string
	closed      bool

	channelSize  int
	backlogLimit int
	dedupeWindow int
	clock        clock.Clock
	logger       *slog.Logger
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(r *Router) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithSubscriberCapacity overrides the buffered queue size per subscriber.
func WithSubscriberCapacity(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.channelSize = n
		}
	}
}

// WithBacklogLimit overrides the pre-subscription buffer size.
func WithBacklogLimit(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.backlogLimit = n
		}
	}
}

// WithDedupeWindow controls how many recent message ids are remembered.
func WithDedupeWindow(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.dedupeWindow = n
		}
	}
}

// New constructs a router.
func New(opts ...Option) *Router {
	r := &Router{
		subscribers:  map[transport.Channel]map[*subscriber]struct{}{},
		backlog:      map[transport.Channel][]transport.Message{},
		sequence:     map[transport.Channel]int64{},
		recentIDs:    map[string]struct{}{},
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		dedupeWindow: defaultDedupeWindow,
		clock:        clock.Real(),
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Factory exposes the router as the native-level adapter.
func Factory(r *Router) transport.Factory {
	return transport.Factory{
		Name:  "memory",
		Level: transport.LevelNative,
		Open: func(context.Context) (transport.Transport, error) {
			return r, nil
		},
	}
}

func (r *Router) Name() string { return "memory" }

// Publish stamps the channel and sequence and delivers the message.
// Duplicate ids inside the dedupe window are dropped.
func (r *Router) Publish(ctx context.Context, ch transport.Channel, msg transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg.Channel = ch
	msg.Normalize()
	if msg.Time.IsZero() {
		msg.Time = r.clock.Now().UTC()
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("memory transport: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return transport.Unavailable(r.Name(), fmt.Errorf("router closed"))
	}
	if r.isDuplicate(msg.ID) {
		r.mu.Unlock()
		return nil
	}
	r.sequence[ch]++
	msg.Sequence = r.sequence[ch]
	subs := r.snapshotSubscribers(ch)
	if len(subs) == 0 {
		r.bufferMessage(ch, msg)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(msg)
	}
	return nil
}

// Subscribe registers a consumer. Any backlog is replayed to the first
// subscriber. The subscription closes when ctx is done.
func (r *Router) Subscribe(ctx context.Context, ch transport.Channel) (transport.Subscription, error) {
	sub := newSubscriber(r.channelSize, r.logger)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, transport.Unavailable(r.Name(), fmt.Errorf("router closed"))
	}
	if r.subscribers[ch] == nil {
		r.subscribers[ch] = map[*subscriber]struct{}{}
	}
	r.subscribers[ch][sub] = struct{}{}
	backlog := r.backlog[ch]
	delete(r.backlog, ch)
	r.mu.Unlock()

	for _, msg := range backlog {
		sub.deliver(msg)
	}
	s := &subscription{sub: sub, cancel: func() { r.removeSubscriber(ch, sub) }}
	context.AfterFunc(ctx, s.Close)
	return s, nil
}

// Close shuts the router down. Later publishes report ErrUnavailable.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for ch, subs := range r.subscribers {
		for sub := range subs {
			sub.close()
		}
		delete(r.subscribers, ch)
	}
	return nil
}

type subscription struct {
	sub    *subscriber
	cancel func()
	once   sync.Once
}

func (s *subscription) Messages() <-chan transport.Message { return s.sub.ch }

func (s *subscription) Close() { s.once.Do(s.cancel) }

func (r *Router) snapshotSubscribers(ch transport.Channel) []*subscriber {
	live := r.subscribers[ch]
	if len(live) == 0 {
		return nil
	}
	items := make([]*subscriber, 0, len(live))
	for sub := range live {
		items = append(items, sub)
	}
	return items
}

func (r *Router) removeSubscriber(ch transport.Channel, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs := r.subscribers[ch]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.subscribers, ch)
		}
	}
	sub.close()
}

func (r *Router) bufferMessage(ch transport.Channel, msg transport.Message) {
	queue := r.backlog[ch]
	if len(queue) >= r.backlogLimit {
		queue = queue[1:]
		r.logger.Warn("memory transport backlog drop", "channel", ch, "limit", r.backlogLimit)
	}
	r.backlog[ch] = append(queue, msg)
}

func (r *Router) isDuplicate(id string) bool {
	if _, ok := r.recentIDs[id]; ok {
		return true
	}
	r.recentIDs[id] = struct{}{}
	r.recentOrder = append(r.recentOrder, id)
	if len(r.recentOrder) > r.dedupeWindow {
		oldest := r.recentOrder[0]
		r.recentOrder = r.recentOrder[1:]
		delete(r.recentIDs, oldest)
	}
	return false
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan transport.Message
	closed bool
	logger *slog.Logger
}

func newSubscriber(capacity int, logger *slog.Logger) *subscriber {
	return &subscriber{ch: make(chan transport.Message, capacity), logger: logger}
}

// deliver never blocks. On overflow the non-critical message of the
// oldest/incoming pair is dropped.
func (s *subscriber) deliver(msg transport.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
		return
	default:
	}
	var oldest transport.Message
	select {
	case oldest = <-s.ch:
	default:
		s.ch <- msg
		return
	}
	if oldest.Critical() && !msg.Critical() {
		s.ch <- oldest
		s.logger.Warn("memory transport dropped message", "kind", msg.Kind, "reason", "queue overflow:incoming")
		return
	}
	s.ch <- msg
	s.logger.Warn("memory transport dropped message", "kind", oldest.Kind, "reason", "queue overflow")
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
