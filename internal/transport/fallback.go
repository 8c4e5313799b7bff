package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Fallback presents an ordered list of adapters as one Transport. When
// the active adapter reports ErrUnavailable it degrades to the next one
// and moves every open subscription across.
type Fallback struct {
	mu        sync.Mutex
	ctx       context.Context
	factories []Factory
	index     int
	current   Transport
	relays    map[*relay]struct{}
	closed    bool
	logger    *slog.Logger
	onDegrade func(from, to string, cause error)
}

// NewFallback opens the first factory that succeeds.
func NewFallback(ctx context.Context, logger *slog.Logger, factories ...Factory) (*Fallback, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	f := &Fallback{
		ctx:       context.WithoutCancel(ctx),
		factories: factories,
		index:     -1,
		relays:    map[*relay]struct{}{},
		logger:    logger,
	}
	if err := f.advance(ctx, nil); err != nil {
		return nil, err
	}
	return f, nil
}

// OnDegrade registers a callback run after every switch to a lower
// adapter.
func (f *Fallback) OnDegrade(fn func(from, to string, cause error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDegrade = fn
}

// Name reports the active adapter.
func (f *Fallback) Name() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return "none"
	}
	return f.current.Name()
}

// Publish retries on lower adapters until one accepts the message.
func (f *Fallback) Publish(ctx context.Context, ch Channel, msg Message) error {
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return fmt.Errorf("transport: closed: %w", ErrUnavailable)
		}
		cur := f.current
		f.mu.Unlock()

		err := cur.Publish(ctx, ch, msg)
		if err == nil || !errors.Is(err, ErrUnavailable) {
			return err
		}
		if degradeErr := f.degrade(ctx, cur, err); degradeErr != nil {
			return degradeErr
		}
	}
}

// Subscribe returns a subscription that survives degradation.
func (f *Fallback) Subscribe(ctx context.Context, ch Channel) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("transport: closed: %w", ErrUnavailable)
	}
	r := &relay{
		owner:   f,
		channel: ch,
		out:     make(chan Message, 64),
		done:    make(chan struct{}),
	}
	if err := r.attach(ctx, f.current); err != nil {
		return nil, err
	}
	f.relays[r] = struct{}{}
	context.AfterFunc(ctx, r.Close)
	return r, nil
}

// Close closes the active adapter and every subscription.
func (f *Fallback) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	relays := make([]*relay, 0, len(f.relays))
	for r := range f.relays {
		relays = append(relays, r)
	}
	cur := f.current
	f.mu.Unlock()

	for _, r := range relays {
		r.Close()
	}
	if cur != nil {
		return cur.Close()
	}
	return nil
}

func (f *Fallback) degrade(ctx context.Context, failed Transport, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != failed {
		// another caller already moved on
		return nil
	}
	from := failed.Name()
	f.logger.Warn("transport unavailable, degrading", "adapter", from, "error", cause)
	_ = failed.Close()
	if err := f.advance(ctx, cause); err != nil {
		f.current = failed
		return err
	}
	for r := range f.relays {
		if err := r.attach(f.ctx, f.current); err != nil {
			f.logger.Warn("resubscribe after degrade failed", "channel", r.channel, "error", err)
		}
	}
	if f.onDegrade != nil {
		f.onDegrade(from, f.current.Name(), cause)
	}
	return nil
}

// advance opens the next factory. Caller holds f.mu or owns f.
func (f *Fallback) advance(ctx context.Context, cause error) error {
	var errs []error
	if cause != nil {
		errs = append(errs, cause)
	}
	for f.index+1 < len(f.factories) {
		f.index++
		factory := f.factories[f.index]
		t, err := factory.Open(ctx)
		if err != nil {
			f.logger.Warn("transport adapter failed to open", "adapter", factory.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		f.current = t
		f.logger.Info("transport selected", "adapter", t.Name(), "level", factory.Level.String())
		return nil
	}
	if len(errs) == 0 {
		return ErrExhausted
	}
	return fmt.Errorf("%w: %w", ErrExhausted, errors.Join(errs...))
}

func (f *Fallback) forget(r *relay) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.relays, r)
}

type relay struct {
	owner   *Fallback
	channel Channel
	out     chan Message

	mu     sync.Mutex
	inner  Subscription
	done   chan struct{}
	closed bool
	pumps  sync.WaitGroup
}

func (r *relay) Messages() <-chan Message { return r.out }

func (r *relay) attach(ctx context.Context, t Transport) error {
	sub, err := t.Subscribe(ctx, r.channel)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.Close()
		return nil
	}
	old := r.inner
	r.inner = sub
	r.pumps.Add(1)
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
	go r.pump(sub)
	return nil
}

func (r *relay) pump(sub Subscription) {
	defer r.pumps.Done()
	for {
		select {
		case <-r.done:
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			select {
			case r.out <- msg:
			case <-r.done:
				return
			}
		}
	}
}

func (r *relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.done)
	inner := r.inner
	r.mu.Unlock()
	if inner != nil {
		inner.Close()
	}
	r.pumps.Wait()
	close(r.out)
	r.owner.forget(r)
}
