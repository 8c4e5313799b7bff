// Package file is the lowest-capability transport: one append-only
// CBOR log per channel that subscribers tail from their own offset.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kingrea/powermode/internal/clock"
	"github.com/kingrea/powermode/internal/codec"
	"github.com/kingrea/powermode/internal/transport"
)

const (
	defaultPollInterval = 200 * time.Millisecond
	logSuffix           = ".cbor"
)

// Transport writes each channel to <dir>/<channel>.cbor.
type Transport struct {
	dir      string
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	sequence map[transport.Channel]int64
	closed   bool
	done     chan struct{}
	tails    sync.WaitGroup
}

// Option customizes a Transport.
type Option func(*Transport)

func WithClock(c clock.Clock) Option {
	return func(t *Transport) {
		if c != nil {
			t.clock = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithPollInterval sets how often subscribers check for new frames.
func WithPollInterval(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.interval = d
		}
	}
}

// Open creates dir if needed.
func Open(dir string, opts ...Option) (*Transport, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, transport.Unavailable("file", err)
	}
	t := &Transport{
		dir:      dir,
		clock:    clock.Real(),
		logger:   slog.New(slog.DiscardHandler),
		interval: defaultPollInterval,
		sequence: map[transport.Channel]int64{},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// Factory exposes a directory as the file-level adapter.
func Factory(dir string, opts ...Option) transport.Factory {
	return transport.Factory{
		Name:  "file",
		Level: transport.LevelFile,
		Open: func(context.Context) (transport.Transport, error) {
			return Open(dir, opts...)
		},
	}
}

func (t *Transport) Name() string { return "file" }

func (t *Transport) path(ch transport.Channel) string {
	return filepath.Join(t.dir, string(ch)+logSuffix)
}

// Publish appends one CBOR frame. The frame is written with a single
// write call so concurrent tailers never see a torn record from this
// process.
func (t *Transport) Publish(ctx context.Context, ch transport.Channel, msg transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg.Channel = ch
	msg.Normalize()
	if msg.Time.IsZero() {
		msg.Time = t.clock.Now().UTC()
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("file transport: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.Unavailable(t.Name(), errors.New("closed"))
	}
	seq, err := t.nextSequence(ch)
	if err != nil {
		return transport.Unavailable(t.Name(), err)
	}
	msg.Sequence = seq
	frame, err := codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("file transport: encode: %w", err)
	}
	f, err := os.OpenFile(t.path(ch), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return transport.Unavailable(t.Name(), err)
	}
	if _, err := f.Write(frame); err != nil {
		f.Close()
		return transport.Unavailable(t.Name(), err)
	}
	if err := f.Close(); err != nil {
		return transport.Unavailable(t.Name(), err)
	}
	t.sequence[ch] = seq
	return nil
}

// nextSequence counts existing frames the first time a channel is used.
func (t *Transport) nextSequence(ch transport.Channel) (int64, error) {
	if seq, ok := t.sequence[ch]; ok {
		return seq + 1, nil
	}
	data, err := os.ReadFile(t.path(ch))
	if errors.Is(err, os.ErrNotExist) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	msgs, _ := decodeFrames(data)
	var last int64
	for _, m := range msgs {
		if m.Sequence > last {
			last = m.Sequence
		}
	}
	return last + 1, nil
}

// Subscribe tails the channel log from its start.
func (t *Transport) Subscribe(ctx context.Context, ch transport.Channel) (transport.Subscription, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transport.Unavailable(t.Name(), errors.New("closed"))
	}
	t.tails.Add(1)
	t.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{out: make(chan transport.Message, 64), cancel: cancel}
	go func() {
		defer t.tails.Done()
		defer close(s.out)
		t.tail(subCtx, ch, s.out)
	}()
	return s, nil
}

// Close stops every tailer.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()
	t.tails.Wait()
	return nil
}

func (t *Transport) tail(ctx context.Context, ch transport.Channel, out chan<- transport.Message) {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()
	var offset int64
	for {
		msgs, next, err := t.readFrom(ch, offset)
		if err != nil {
			t.logger.Debug("file transport read failed", "channel", ch, "error", err)
		}
		offset = next
		for _, msg := range msgs {
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			case <-t.done:
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
		}
	}
}

// readFrom decodes complete frames after offset. A partially written
// trailing frame is left for the next read.
func (t *Transport) readFrom(ch transport.Channel, offset int64) ([]transport.Message, int64, error) {
	f, err := os.Open(t.path(ch))
	if errors.Is(err, os.ErrNotExist) {
		return nil, offset, nil
	}
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, err
	}
	msgs, consumed := decodeFrames(data)
	return msgs, offset + int64(consumed), nil
}

func decodeFrames(data []byte) ([]transport.Message, int) {
	var msgs []transport.Message
	rest := data
	for len(rest) > 0 {
		var msg transport.Message
		next, err := codec.UnmarshalFirst(rest, &msg)
		if err != nil {
			break
		}
		msgs = append(msgs, msg)
		rest = next
	}
	return msgs, len(data) - len(rest)
}

type subscription struct {
	out    chan transport.Message
	cancel context.CancelFunc
}

func (s *subscription) Messages() <-chan transport.Message { return s.out }

func (s *subscription) Close() { s.cancel() }
