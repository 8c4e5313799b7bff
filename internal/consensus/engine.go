package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/powermode/internal/clock"
	"github.com/kingrea/powermode/internal/events"
	"github.com/kingrea/powermode/internal/session"
)

var (
	ErrClosed       = errors.New("consensus: engine closed")
	ErrUnknownRound = errors.New("consensus: unknown round")
)

// Settings configures an Engine.
type Settings struct {
	Timing     Timing
	Similarity float64
}

// Option customizes an Engine.
type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSink receives round lifecycle events.
func WithSink(sink events.Sink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// WithIDs overrides round id generation.
func WithIDs(next func() string) Option {
	return func(e *Engine) {
		if next != nil {
			e.nextID = next
		}
	}
}

// StartRequest asks for a round on a topic.
type StartRequest struct {
	SessionID    string
	Topic        string
	Reasons      []string
	Context      string
	Participants []Participant
	Rule         session.VotingRule
}

// StartResult reports whether a new round opened. When the topic
// already had an active round the request is absorbed into it.
type StartResult struct {
	RoundID string
	Started bool
}

type entry struct {
	round     *Round
	timer     *clock.Timer
	gen       int
	proposals int
	done      chan struct{}
	final     *Snapshot
}

// Engine runs consensus rounds for one session. At most one round is
// active per topic. Every deadline is driven by the injected clock.
type Engine struct {
	mu       sync.Mutex
	settings Settings
	clock    clock.Clock
	logger   *slog.Logger
	sink     events.Sink
	nextID   func() string

	rounds  map[string]*entry
	active  map[string]string
	history []string
	closed  bool
}

// New builds an engine. A zero Timing selects DefaultTiming.
func New(settings Settings, opts ...Option) *Engine {
	if settings.Timing == (Timing{}) {
		settings.Timing = DefaultTiming()
	}
	if settings.Similarity <= 0 || settings.Similarity > 1 {
		settings.Similarity = DefaultSimilarity
	}
	e := &Engine{
		settings: settings,
		clock:    clock.Real(),
		logger:   slog.New(slog.DiscardHandler),
		sink:     events.Discard,
		nextID:   func() string { return "round-" + uuid.NewString() },
		rounds:   map[string]*entry{},
		active:   map[string]string{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Start opens a round on req.Topic, or folds the request into the
// round already active on that topic.
func (e *Engine) Start(req StartRequest) (StartResult, error) {
	topic := strings.TrimSpace(req.Topic)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return StartResult{}, ErrClosed
	}
	if id, ok := e.active[topic]; ok {
		r := e.rounds[id].round
		for _, reason := range req.Reasons {
			r.AddReason(reason)
		}
		e.mu.Unlock()
		e.logger.Debug("trigger absorbed", "round", id, "topic", topic)
		return StartResult{RoundID: id}, nil
	}
	now := e.clock.Now()
	r, err := Open(RoundSpec{
		ID:           e.nextID(),
		SessionID:    req.SessionID,
		Topic:        topic,
		Reasons:      req.Reasons,
		Context:      req.Context,
		Participants: req.Participants,
		Rule:         req.Rule,
		Timing:       e.settings.Timing,
		Similarity:   e.settings.Similarity,
	}, now)
	if err != nil {
		e.mu.Unlock()
		return StartResult{}, err
	}
	ent := &entry{round: r, done: make(chan struct{})}
	e.rounds[r.ID()] = ent
	e.active[topic] = r.ID()
	out := e.afterLocked(ent, r.flush())
	e.mu.Unlock()
	e.logger.Info("round opened", "round", r.ID(), "topic", topic, "participants", len(req.Participants))
	e.emit(out)
	return StartResult{RoundID: r.ID(), Started: true}, nil
}

// Submit records a proposal from the token holder and returns its id.
func (e *Engine) Submit(roundID, agent, text string) (string, error) {
	var id string
	err := e.apply(roundID, func(ent *entry, now time.Time) ([]Transition, error) {
		next := fmt.Sprintf("%s-p%d", roundID, ent.proposals+1)
		trans, err := ent.round.Submit(next, agent, text, now)
		if err == nil {
			ent.proposals++
			id = next
		}
		return trans, err
	})
	return id, err
}

func (e *Engine) Pass(roundID, agent string) error {
	return e.apply(roundID, func(ent *entry, now time.Time) ([]Transition, error) {
		return ent.round.Pass(agent, now)
	})
}

func (e *Engine) Discuss(roundID, agent, text string) error {
	return e.apply(roundID, func(ent *entry, now time.Time) ([]Transition, error) {
		return ent.round.Discuss(agent, text, now)
	})
}

func (e *Engine) Yield(roundID, agent string) error {
	return e.apply(roundID, func(ent *entry, now time.Time) ([]Transition, error) {
		return ent.round.Yield(agent, now)
	})
}

func (e *Engine) Withdraw(roundID, agent, proposalID string) error {
	return e.apply(roundID, func(ent *entry, now time.Time) ([]Transition, error) {
		return ent.round.Withdraw(agent, proposalID, now)
	})
}

func (e *Engine) Vote(roundID, agent, proposalID string, value VoteValue) error {
	return e.apply(roundID, func(ent *entry, now time.Time) ([]Transition, error) {
		return ent.round.Vote(agent, proposalID, value, now)
	})
}

func (e *Engine) Choose(roundID, agent, proposalID string) error {
	return e.apply(roundID, func(ent *entry, now time.Time) ([]Transition, error) {
		return ent.round.Choose(agent, proposalID, now)
	})
}

func (e *Engine) Join(roundID string, p Participant) error {
	return e.apply(roundID, func(ent *entry, now time.Time) ([]Transition, error) {
		return ent.round.Join(p, now)
	})
}

func (e *Engine) Leave(roundID, agent string) error {
	return e.apply(roundID, func(ent *entry, now time.Time) ([]Transition, error) {
		return ent.round.Leave(agent, now)
	})
}

// JoinAll appends p to every active round.
func (e *Engine) JoinAll(p Participant) {
	for _, id := range e.openIDs() {
		if err := e.Join(id, p); err != nil {
			e.logger.Debug("join skipped", "round", id, "agent", p.ID, "error", err)
		}
	}
}

// LeaveAll removes agent from every active round.
func (e *Engine) LeaveAll(agent string) {
	for _, id := range e.openIDs() {
		if err := e.Leave(id, agent); err != nil {
			e.logger.Debug("leave skipped", "round", id, "agent", agent, "error", err)
		}
	}
}

// Snapshot returns a copy of the round.
func (e *Engine) Snapshot(roundID string) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.rounds[roundID]
	if !ok {
		return Snapshot{}, false
	}
	if ent.final != nil {
		return *ent.final, true
	}
	return ent.round.Snapshot(), true
}

// Active returns the id of the round active on topic.
func (e *Engine) Active(topic string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.active[topic]
	return id, ok
}

// ActiveTopics lists topics with an active round, sorted.
func (e *Engine) ActiveTopics() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	topics := make([]string, 0, len(e.active))
	for topic := range e.active {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Open returns snapshots of every active round ordered by open time.
func (e *Engine) Open() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, 0, len(e.active))
	for _, id := range e.active {
		out = append(out, e.rounds[id].round.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// History returns closed rounds in the order they closed.
func (e *Engine) History() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, 0, len(e.history))
	for _, id := range e.history {
		out = append(out, *e.rounds[id].final)
	}
	return out
}

// Wait blocks until the round is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, roundID string) (Snapshot, error) {
	e.mu.Lock()
	ent, ok := e.rounds[roundID]
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownRound, roundID)
	}
	select {
	case <-ent.done:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	snap, _ := e.Snapshot(roundID)
	return snap, nil
}

// AbortAll aborts every active round.
func (e *Engine) AbortAll(reason string) {
	for _, id := range e.openIDs() {
		_ = e.apply(id, func(ent *entry, now time.Time) ([]Transition, error) {
			return ent.round.Abort(reason, now), nil
		})
	}
}

// Close aborts active rounds and rejects new ones.
func (e *Engine) Close() {
	e.AbortAll("engine closed")
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (e *Engine) openIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for _, id := range e.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) apply(roundID string, op func(*entry, time.Time) ([]Transition, error)) error {
	e.mu.Lock()
	ent, ok := e.rounds[roundID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRound, roundID)
	}
	if ent.final != nil {
		e.mu.Unlock()
		return fmt.Errorf("consensus: round %s is %s: %w", roundID, ent.final.State, session.ErrWrongPhase)
	}
	now := e.clock.Now()
	// deadlines that already passed apply before the operation
	pending := ent.round.Tick(now)
	var err error
	if !ent.round.State().Terminal() {
		var trans []Transition
		trans, err = op(ent, now)
		pending = append(pending, trans...)
	} else {
		err = fmt.Errorf("consensus: round %s is %s: %w", roundID, ent.round.State(), session.ErrWrongPhase)
	}
	out := e.afterLocked(ent, pending)
	e.mu.Unlock()
	e.emit(out)
	return err
}

func (e *Engine) tick(roundID string, gen int) {
	e.mu.Lock()
	ent, ok := e.rounds[roundID]
	if !ok || ent.final != nil || ent.gen != gen {
		e.mu.Unlock()
		return
	}
	out := e.afterLocked(ent, ent.round.Tick(e.clock.Now()))
	e.mu.Unlock()
	e.emit(out)
}

// afterLocked re-arms the round timer, finalises terminal rounds, and
// converts transitions into events. e.mu must be held.
func (e *Engine) afterLocked(ent *entry, trans []Transition) []events.Event {
	r := ent.round
	if ent.timer != nil {
		ent.timer.Stop()
		ent.timer = nil
	}
	ent.gen++
	if r.State().Terminal() {
		if ent.final == nil {
			snap := r.Snapshot()
			ent.final = &snap
			delete(e.active, r.Topic())
			e.history = append(e.history, r.ID())
			close(ent.done)
		}
	} else if next := r.NextDeadline(); !next.IsZero() {
		d := next.Sub(e.clock.Now())
		if d <= 0 {
			d = time.Nanosecond
		}
		id, gen := r.ID(), ent.gen
		ent.timer = e.clock.AfterFunc(d, func() { e.tick(id, gen) })
	}

	out := make([]events.Event, 0, len(trans))
	snap := ent.final
	for _, t := range trans {
		ev := events.Event{
			SessionID: r.sessionID,
			Time:      t.At,
			Topic:     r.Topic(),
			Detail:    t.Reason,
			Fields: map[string]string{
				"round": r.ID(),
				"from":  string(t.From),
				"to":    string(t.To),
			},
		}
		switch t.To {
		case Gathering:
			ev.Kind = events.RoundOpened
		case Committed:
			ev.Kind = events.RoundCommitted
			if snap != nil && snap.Outcome != nil {
				ev.Fields["proposal"] = snap.Outcome.ProposalID
				ev.Fields["authors"] = strings.Join(snap.Outcome.Authors, ",")
			}
			ev.Duration = t.At.Sub(r.openedAt)
		case Aborted:
			ev.Kind = events.RoundAborted
			ev.Duration = t.At.Sub(r.openedAt)
		default:
			ev.Kind = events.RoundState
		}
		out = append(out, ev)
	}
	return out
}

func (e *Engine) emit(evs []events.Event) {
	for _, ev := range evs {
		e.sink.Emit(ev)
	}
}
