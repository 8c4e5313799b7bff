package coordinator

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/kingrea/powermode/internal/events"
	"github.com/kingrea/powermode/internal/session"
	"github.com/kingrea/powermode/internal/transport"
	"github.com/kingrea/powermode/internal/trigger"
)

// Launcher starts or unblocks an agent's work for a phase. Launch must
// not wait for the work to finish.
type Launcher interface {
	Launch(ctx context.Context, a Assignment) error
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, a Assignment) error

func (f LauncherFunc) Launch(ctx context.Context, a Assignment) error { return f(ctx, a) }

// Assignment is one agent's work for one phase.
type Assignment struct {
	SessionID    string    `json:"session_id"`
	Phase        string    `json:"phase"`
	PhaseIndex   int       `json:"phase_index"`
	Agent        string    `json:"agent"`
	Capabilities []string  `json:"capabilities"`
	Interests    []string  `json:"interests"`
	Deadline     time.Time `json:"deadline"`
}

// SkipCode says why an agent was not launched.
type SkipCode string

const (
	SkipDeparted       SkipCode = "departed"
	SkipBlocked        SkipCode = "blocked"
	SkipAlreadyRunning SkipCode = "already-running"
	SkipUnknown        SkipCode = "unknown-agent"
)

// Skip explains a skipped agent.
type Skip struct {
	Code   SkipCode `json:"code"`
	Detail string   `json:"detail"`
}

// DispatchResult is the launch decision for a phase.
type DispatchResult struct {
	Phase      int             `json:"phase"`
	Name       string          `json:"name"`
	Launched   []Assignment    `json:"launched"`
	Skipped    map[string]Skip `json:"skipped,omitempty"`
	Redispatch bool            `json:"redispatch"`
}

func (r *DispatchResult) skip(agent string, code SkipCode, detail string) {
	if r.Skipped == nil {
		r.Skipped = map[string]Skip{}
	}
	r.Skipped[agent] = Skip{Code: code, Detail: detail}
}

// Dispatch opens the phase's barrier and launches its required agents.
// Dispatching a phase twice returns the original decision without
// launching anything.
func (c *Coordinator) Dispatch(ctx context.Context, phase int) (DispatchResult, error) {
	var (
		res DispatchResult
		err error
	)
	if doErr := c.do(ctx, func() { res, err = c.dispatch(phase) }); doErr != nil {
		return DispatchResult{}, doErr
	}
	if err != nil || res.Redispatch || c.deps.Launcher == nil {
		return res, err
	}
	for _, a := range res.Launched {
		if launchErr := c.deps.Launcher.Launch(ctx, a); launchErr != nil {
			agent := a.Agent
			c.post(func() {
				c.warn(session.WarnAgentUnresponsive, fmt.Errorf("launch %s: %v: %w", agent, launchErr, session.ErrAgentUnresponsive))
			})
		}
	}
	return res, nil
}

func (c *Coordinator) dispatch(index int) (DispatchResult, error) {
	if index < 0 || index >= len(c.sess.Phases) {
		return DispatchResult{}, fmt.Errorf("coordinator: phase %d out of range: %w", index, session.ErrInvalidConfig)
	}
	p := &c.sess.Phases[index]
	if p.Dispatched {
		return c.redispatch(index), nil
	}
	if c.sess.Status != session.StatusActive && c.sess.Status != session.StatusPaused {
		return DispatchResult{}, fmt.Errorf("coordinator: dispatch in %s session: %w", c.sess.Status, session.ErrWrongPhase)
	}
	if index != c.sess.CurrentPhase {
		return DispatchResult{}, fmt.Errorf("coordinator: phase %s is not current: %w", p.Name, session.ErrWrongPhase)
	}

	now := c.now()
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = c.settings.BarrierTimeout
	}
	p.Dispatched = true
	p.Status = session.PhaseRunning
	p.StartedAt = now
	b := &session.Barrier{
		Phase:    index,
		Required: append([]string(nil), p.Required...),
		Deadline: now.Add(timeout),
	}
	c.sess.Barrier = b

	res := DispatchResult{Phase: index, Name: p.Name}
	for _, id := range p.Required {
		a := c.sess.Agent(id)
		switch {
		case a == nil:
			res.skip(id, SkipUnknown, "not in roster")
			c.evictFromBarrier(id, "agent %s is not in the roster")
			continue
		case a.Status == session.AgentDeparted:
			res.skip(id, SkipDeparted, "left the session")
			c.evictFromBarrier(id, "agent %s left the session")
			continue
		case a.Status == session.AgentBlocked:
			res.skip(id, SkipBlocked, "unresponsive")
			c.evictFromBarrier(id, "agent %s unresponsive")
			continue
		}
		a.Status = session.AgentRunning
		// only a window already under way when the agent launched is free
		a.CheckedIn = c.now().After(c.windowStart)
		a.MissedWindows = 0
		a.StalledWindows = 0
		a.Progress = 0
		a.Blocker = ""
		c.lastProgress[id] = 0
		res.Launched = append(res.Launched, Assignment{
			SessionID:    c.id,
			Phase:        p.Name,
			PhaseIndex:   index,
			Agent:        id,
			Capabilities: append([]string(nil), a.Capabilities...),
			Interests:    a.AllInterests(),
			Deadline:     b.Deadline,
		})
	}

	if c.sess.Status == session.StatusActive {
		c.armBarrier(timeout)
	} else {
		c.remaining = timeout
	}
	c.touch()
	for _, a := range res.Launched {
		c.publish(transport.Broadcast, transport.KindDispatch, a)
	}
	c.emit(events.Event{
		Kind:   events.PhaseDispatched,
		Time:   now,
		Phase:  p.Name,
		Fields: map[string]string{"launched": fmt.Sprint(len(res.Launched)), "skipped": fmt.Sprint(len(res.Skipped))},
	})
	c.logger.Info("phase dispatched", "phase", p.Name, "launched", len(res.Launched), "skipped", len(res.Skipped))

	sig := c.signal(trigger.SignalPhaseEntered)
	c.fire(sig)
	c.checkBarrier()
	return res, nil
}

// redispatch reports a phase that was already dispatched. Every agent
// counts as already running.
func (c *Coordinator) redispatch(index int) DispatchResult {
	p := c.sess.Phases[index]
	res := DispatchResult{Phase: index, Name: p.Name, Redispatch: true}
	for _, id := range p.Required {
		res.skip(id, SkipAlreadyRunning, "phase already dispatched")
	}
	return res
}

// evictFromBarrier drops agent from the open barrier's requirement and
// records why. format takes the agent id.
func (c *Coordinator) evictFromBarrier(agent, format string) {
	b := c.sess.Barrier
	if b == nil || b.Closed {
		return
	}
	if !slices.Contains(b.Required, agent) || slices.Contains(b.Arrived, agent) || slices.Contains(b.Evicted, agent) {
		return
	}
	b.Evicted = append(b.Evicted, agent)
	b.Partial = true
	p := &c.sess.Phases[b.Phase]
	p.PartialReasons = append(p.PartialReasons, fmt.Sprintf(format, agent))
	c.dirty = true
}
