package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kingrea/powermode/internal/events"
	"github.com/kingrea/powermode/internal/session"
)

// StartRequest describes a new session. An empty preset falls back to
// the plan's preset, then to the default preset.
type StartRequest struct {
	ID     string
	Plan   session.Plan
	Preset string
}

type degrader interface {
	OnDegrade(fn func(from, to string, cause error))
}

// Registry owns every session of a process.
type Registry struct {
	mu       sync.Mutex
	settings Settings
	deps     Deps
	sessions map[string]*Coordinator
	closed   bool
}

// NewRegistry builds a registry. Every session shares deps.
func NewRegistry(settings Settings, deps Deps) *Registry {
	settings.normalize()
	deps.normalize()
	r := &Registry{
		settings: settings,
		deps:     deps,
		sessions: map[string]*Coordinator{},
	}
	if d, ok := deps.Transport.(degrader); ok {
		d.OnDegrade(r.degraded)
	}
	return r
}

func (r *Registry) degraded(from, to string, cause error) {
	r.mu.Lock()
	live := make([]*Coordinator, 0, len(r.sessions))
	for _, c := range r.sessions {
		live = append(live, c)
	}
	r.mu.Unlock()
	for _, c := range live {
		c.degraded(from, to, cause)
	}
}

// StartSession validates the plan, creates the session and starts its
// coordinator. Invalid input wraps session.ErrInvalidConfig and
// creates nothing.
func (r *Registry) StartSession(ctx context.Context, req StartRequest) (*Coordinator, error) {
	plan, err := req.Plan.Normalized()
	if err != nil {
		return nil, err
	}
	preset := strings.TrimSpace(req.Preset)
	if preset == "" {
		preset = plan.Preset
	}
	rule, err := r.settings.preset(preset)
	if err != nil {
		return nil, err
	}
	if plan.Ballot != "" {
		rule.Ballot = plan.Ballot
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = "pm-" + uuid.NewString()
	}
	sess, err := session.New(id, plan, rule, r.deps.Clock.Now())
	if err != nil {
		return nil, err
	}
	sess.Status = session.StatusActive

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("coordinator: registry closed: %w", session.ErrSessionStopped)
	}
	if _, dup := r.sessions[id]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("coordinator: session %s already exists: %w", id, session.ErrInvalidConfig)
	}
	c := newCoordinator(sess, r.settings, r.deps)
	r.sessions[id] = c
	r.mu.Unlock()

	c.start(ctx)
	if err := c.do(ctx, func() {
		c.emit(events.Event{Kind: events.SessionStarted, Detail: rule.Name, Fields: map[string]string{"plan": plan.ID}})
		c.logger.Info("session started", "plan", plan.ID, "preset", rule.Name, "phases", len(sess.Phases), "agents", len(sess.Agents))
	}); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns a live or finished session's coordinator.
func (r *Registry) Get(id string) (*Coordinator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("coordinator: %s: %w", id, session.ErrSessionNotFound)
	}
	return c, nil
}

// Sessions lists known session ids, sorted.
func (r *Registry) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop stops one session. Stopping twice is a no-op.
func (r *Registry) Stop(ctx context.Context, id string) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	return c.Stop(ctx)
}

// Resume continues a session. A paused live session resumes in place;
// otherwise the last persisted state is loaded. Sessions stopped on
// purpose or completed cannot resume; a session stopped by transport
// exhaustion can.
func (r *Registry) Resume(ctx context.Context, id string) (*Coordinator, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("coordinator: registry closed: %w", session.ErrSessionStopped)
	}
	live, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		select {
		case <-live.Done():
		default:
			if err := live.Resume(ctx); err != nil && !errors.Is(err, session.ErrWrongPhase) {
				return nil, err
			}
			return live, nil
		}
	}

	sess, err := r.deps.Store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrStateNotFound) {
			return nil, fmt.Errorf("coordinator: %s: %w: %w", id, session.ErrSessionNotFound, err)
		}
		return nil, err
	}
	switch sess.Status {
	case session.StatusActive, session.StatusPaused:
	case session.StatusStopped:
		if !stoppedByTransport(sess) {
			return nil, fmt.Errorf("coordinator: session %s was stopped: %w", id, session.ErrSessionStopped)
		}
	default:
		return nil, fmt.Errorf("coordinator: session %s is %s: %w", id, sess.Status, session.ErrSessionStopped)
	}

	now := r.deps.Clock.Now().UTC()
	if b := sess.Barrier; b != nil && !b.Closed {
		remaining := max(b.Deadline.Sub(sess.LastActivity), 0)
		b.Deadline = now.Add(remaining)
	}
	for i := range sess.Agents {
		sess.Agents[i].CheckedIn = true
	}
	sess.Status = session.StatusActive

	c := newCoordinator(sess, r.settings, r.deps)
	r.mu.Lock()
	r.sessions[id] = c
	r.mu.Unlock()
	c.start(ctx)
	if err := c.do(ctx, func() {
		c.emit(events.Event{Kind: events.SessionResumed, Detail: "restored"})
		c.logger.Info("session restored", "phase", c.sess.CurrentPhase)
		c.checkBarrier()
	}); err != nil {
		return nil, err
	}
	return c, nil
}

func stoppedByTransport(sess session.Session) bool {
	for i := len(sess.Warnings) - 1; i >= 0; i-- {
		w := sess.Warnings[i]
		switch w.Code {
		case session.WarnTransportExhausted:
			return true
		case session.WarnRoundAborted:
			continue
		default:
			return false
		}
	}
	return false
}

// Close stops every session and rejects new ones.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	live := make([]*Coordinator, 0, len(r.sessions))
	for _, c := range r.sessions {
		live = append(live, c)
	}
	r.mu.Unlock()
	var errs []error
	for _, c := range live {
		if err := c.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
