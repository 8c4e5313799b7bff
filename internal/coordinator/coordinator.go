// Package coordinator owns running sessions. Each session is driven by
// one event loop goroutine; every mutation of its phases, barrier,
// roster, and directives happens on that loop.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/powermode/internal/clock"
	"github.com/kingrea/powermode/internal/consensus"
	"github.com/kingrea/powermode/internal/events"
	"github.com/kingrea/powermode/internal/insight"
	"github.com/kingrea/powermode/internal/persist"
	"github.com/kingrea/powermode/internal/session"
	"github.com/kingrea/powermode/internal/transport"
	"github.com/kingrea/powermode/internal/trigger"
)

const (
	DefaultCheckInInterval = 30 * time.Second
	DefaultMaxMissed       = 3
	DefaultStallWindows    = 2
	DefaultBarrierTimeout  = 10 * time.Minute
	DefaultEscalateAfter   = 2
)

// Settings tunes one coordinator.
type Settings struct {
	CheckInInterval time.Duration
	MaxMissed       int
	StallWindows    int
	BarrierTimeout  time.Duration
	EscalateAfter   int
	Consensus       consensus.Settings
	Insights        insight.Settings
	Triggers        trigger.Policy
	// Presets add or override named voting rules.
	Presets map[string]session.VotingRule
}

func (s *Settings) normalize() {
	if s.CheckInInterval <= 0 {
		s.CheckInInterval = DefaultCheckInInterval
	}
	if s.MaxMissed <= 0 {
		s.MaxMissed = DefaultMaxMissed
	}
	if s.StallWindows <= 0 {
		s.StallWindows = DefaultStallWindows
	}
	if s.BarrierTimeout <= 0 {
		s.BarrierTimeout = DefaultBarrierTimeout
	}
	if s.EscalateAfter <= 0 {
		s.EscalateAfter = DefaultEscalateAfter
	}
}

func (s Settings) preset(name string) (session.VotingRule, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if rule, ok := s.Presets[key]; ok {
		if rule.Name == "" {
			rule.Name = key
		}
		rule = rule.Normalized()
		return rule, rule.Validate()
	}
	return session.LookupPreset(name)
}

// Deps are the collaborators shared by every session of a registry.
type Deps struct {
	Clock     clock.Clock
	Logger    *slog.Logger
	Sink      events.Sink
	Store     persist.Store
	Transport transport.Transport
	Launcher  Launcher
}

func (d *Deps) normalize() {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if d.Sink == nil {
		d.Sink = events.Discard
	}
	if d.Store == nil {
		d.Store = persist.NewMemoryStore()
	}
}

// Coordinator drives one session.
type Coordinator struct {
	id       string
	settings Settings
	deps     Deps
	logger   *slog.Logger

	engine   *consensus.Engine
	insights *insight.Broker
	triggers *trigger.Evaluator

	cmds chan func()
	quit chan struct{}

	inboxMu sync.Mutex
	inbox   []func()

	// owned by the loop goroutine
	sess         session.Session
	directives   map[string][]Directive
	waiters      map[int][]chan BarrierResult
	results      map[int]BarrierResult
	lastProgress map[string]float64
	aborts       map[string]int
	edits        []trigger.Edit
	heartbeat    *clock.Timer
	windowStart  time.Time
	barrierTimer *clock.Timer
	remaining    time.Duration
	subs         []transport.Subscription
	cancelSubs   context.CancelFunc
	dirty        bool
	ending       bool
	failure      error

	final session.Session
}

func newCoordinator(sess session.Session, settings Settings, deps Deps) *Coordinator {
	settings.normalize()
	deps.normalize()
	logger := deps.Logger.With("session", sess.ID)
	c := &Coordinator{
		id:           sess.ID,
		settings:     settings,
		deps:         deps,
		logger:       logger,
		cmds:         make(chan func(), 64),
		quit:         make(chan struct{}),
		sess:         sess,
		directives:   map[string][]Directive{},
		waiters:      map[int][]chan BarrierResult{},
		results:      map[int]BarrierResult{},
		lastProgress: map[string]float64{},
		aborts:       map[string]int{},
	}
	c.engine = consensus.New(settings.Consensus,
		consensus.WithClock(deps.Clock),
		consensus.WithLogger(logger),
		consensus.WithSink(events.SinkFunc(c.roundEvent)),
	)
	c.insights = insight.New(settings.Insights,
		insight.WithClock(deps.Clock),
		insight.WithLogger(logger),
	)
	c.triggers = trigger.New(settings.Triggers, logger)
	for _, a := range sess.Agents {
		if a.Status != session.AgentDeparted {
			c.insights.Register(a.ID, a.AllInterests())
		}
	}
	c.insights.Restore(sess.Insights, sess.Pending)
	for i, p := range sess.Phases {
		if p.Status == session.PhaseComplete {
			c.results[i] = resultFor(i, p, nil)
		}
	}
	return c
}

// ID returns the session id.
func (c *Coordinator) ID() string { return c.id }

// Engine exposes the consensus engine for read access.
func (c *Coordinator) Engine() *consensus.Engine { return c.engine }

func (c *Coordinator) start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancelSubs = cancel
	if c.deps.Transport != nil {
		sub, err := c.deps.Transport.Subscribe(subCtx, transport.Commands)
		if err != nil {
			c.logger.Warn("subscribe to commands failed", "error", err)
		} else {
			c.subs = append(c.subs, sub)
			go c.consume(subCtx, sub)
		}
	}
	go c.loop()
	c.post(func() {
		c.armHeartbeat()
		if c.sess.Barrier != nil && !c.sess.Barrier.Closed {
			c.armBarrier(c.sess.Barrier.Deadline.Sub(c.now()))
		}
		c.dirty = true
	})
}

func (c *Coordinator) loop() {
	for {
		select {
		case fn := <-c.cmds:
			c.drainInbox()
			fn()
			c.drainInbox()
			c.flush()
			if c.ending {
				return
			}
		case <-c.quit:
			return
		}
	}
}

// do runs fn on the loop and waits for it.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(done) }:
	case <-c.quit:
		return fmt.Errorf("coordinator: session %s: %w", c.id, session.ErrSessionStopped)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-c.quit:
		select {
		case <-done:
			return nil
		default:
			return fmt.Errorf("coordinator: session %s: %w", c.id, session.ErrSessionStopped)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting for it.
func (c *Coordinator) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.quit:
	}
}

// notify queues fn without blocking. It is safe from any goroutine,
// including callbacks running under another component's lock.
func (c *Coordinator) notify(fn func()) {
	c.inboxMu.Lock()
	c.inbox = append(c.inbox, fn)
	c.inboxMu.Unlock()
	select {
	case c.cmds <- func() {}:
	default:
	}
}

func (c *Coordinator) drainInbox() {
	for {
		c.inboxMu.Lock()
		pending := c.inbox
		c.inbox = nil
		c.inboxMu.Unlock()
		if len(pending) == 0 {
			return
		}
		for _, fn := range pending {
			fn()
		}
	}
}

func (c *Coordinator) now() time.Time { return c.deps.Clock.Now().UTC() }

func (c *Coordinator) emit(ev events.Event) {
	ev.SessionID = c.id
	if ev.Time.IsZero() {
		ev.Time = c.now()
	}
	c.deps.Sink.Emit(ev)
}

func (c *Coordinator) touch() {
	c.sess.LastActivity = c.now()
	c.dirty = true
}

func (c *Coordinator) warn(code string, err error) {
	now := c.now()
	c.sess.Warn(code, err.Error(), now)
	c.dirty = true
	c.logger.Warn("session warning", "code", code, "error", err)
	c.emit(events.Event{Kind: events.Warning, Time: now, Detail: code, Fields: map[string]string{"message": err.Error()}})
}

// snapshot builds the persisted view of the session.
func (c *Coordinator) snapshot() session.Session {
	out := c.sess.Clone()
	out.Insights, out.Pending = c.insights.Snapshot()
	return out
}

// flush persists the session if anything changed.
func (c *Coordinator) flush() {
	if !c.dirty {
		return
	}
	c.dirty = false
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.deps.Store.Save(ctx, c.snapshot()); err != nil {
		now := c.now()
		c.sess.Warn(session.WarnPersistFailed, err.Error(), now)
		c.logger.Error("persist session failed", "error", err)
	}
}

// Snapshot returns an immutable copy of the session. After Stop it
// returns the final state.
func (c *Coordinator) Snapshot(ctx context.Context) (session.Session, error) {
	var out session.Session
	err := c.do(ctx, func() { out = c.snapshot() })
	if errors.Is(err, session.ErrSessionStopped) {
		return c.final.Clone(), nil
	}
	return out, err
}

// Pause suspends barrier deadlines and eviction. Check-ins are still
// recorded.
func (c *Coordinator) Pause(ctx context.Context) error {
	var err error
	if doErr := c.do(ctx, func() {
		if c.sess.Status != session.StatusActive {
			err = fmt.Errorf("coordinator: pause %s session: %w", c.sess.Status, session.ErrWrongPhase)
			return
		}
		c.sess.Status = session.StatusPaused
		if c.barrierTimer != nil {
			c.barrierTimer.Stop()
			c.barrierTimer = nil
			c.remaining = c.sess.Barrier.Deadline.Sub(c.now())
		}
		c.touch()
		c.emit(events.Event{Kind: events.SessionPaused})
	}); doErr != nil {
		return doErr
	}
	return err
}

// Resume continues a paused session.
func (c *Coordinator) Resume(ctx context.Context) error {
	var err error
	if doErr := c.do(ctx, func() {
		if c.sess.Status != session.StatusPaused {
			err = fmt.Errorf("coordinator: resume %s session: %w", c.sess.Status, session.ErrWrongPhase)
			return
		}
		c.sess.Status = session.StatusActive
		for i := range c.sess.Agents {
			c.sess.Agents[i].CheckedIn = true
		}
		if b := c.sess.Barrier; b != nil && !b.Closed {
			b.Deadline = c.now().Add(c.remaining)
			c.armBarrier(c.remaining)
		}
		c.touch()
		c.emit(events.Event{Kind: events.SessionResumed})
		c.checkBarrier()
	}); doErr != nil {
		return doErr
	}
	return err
}

// Stop aborts open rounds, persists the final state, and releases
// transport subscriptions. Stopping twice is a no-op.
func (c *Coordinator) Stop(ctx context.Context) error {
	err := c.do(ctx, func() { c.shutdown(session.StatusStopped, "session stopped") })
	if errors.Is(err, session.ErrSessionStopped) {
		return nil
	}
	return err
}

// shutdown runs on the loop and ends it.
func (c *Coordinator) shutdown(status session.Status, reason string) {
	if c.ending {
		return
	}
	c.ending = true
	c.engine.AbortAll(reason)
	c.engine.Close()
	c.drainInbox()
	if !c.sess.Status.Terminal() {
		c.sess.Status = status
	}
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	if c.barrierTimer != nil {
		c.barrierTimer.Stop()
	}
	if c.cancelSubs != nil {
		c.cancelSubs()
	}
	for _, sub := range c.subs {
		sub.Close()
	}
	c.touch()
	c.flush()
	c.final = c.snapshot()
	kind := events.SessionStopped
	if c.sess.Status == session.StatusCompleted {
		kind = events.SessionCompleted
	}
	c.emit(events.Event{Kind: kind, Detail: reason})
	c.logger.Info("session ended", "status", c.sess.Status, "reason", reason)
	close(c.quit)
}

// Done is closed once the session stopped or completed.
func (c *Coordinator) Done() <-chan struct{} { return c.quit }

// Err reports the fatal error that stopped the session, if any.
func (c *Coordinator) Err() error {
	select {
	case <-c.quit:
		return c.failure
	default:
		return nil
	}
}
