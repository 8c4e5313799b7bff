package coordinator

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kingrea/powermode/internal/events"
	"github.com/kingrea/powermode/internal/session"
	"github.com/kingrea/powermode/internal/transport"
	"github.com/kingrea/powermode/internal/trigger"
)

// BarrierResult describes how a phase closed.
type BarrierResult struct {
	Phase    int           `json:"phase"`
	Name     string        `json:"name"`
	Arrived  []string      `json:"arrived"`
	Evicted  []string      `json:"evicted"`
	Advanced []string      `json:"advanced"`
	Partial  bool          `json:"partial"`
	TimedOut bool          `json:"timed_out"`
	Reasons  []string      `json:"reasons"`
	Waited   time.Duration `json:"waited"`
}

func resultFor(index int, p session.Phase, b *session.Barrier) BarrierResult {
	res := BarrierResult{
		Phase:   index,
		Name:    p.Name,
		Partial: p.Partial,
		Reasons: append([]string(nil), p.PartialReasons...),
	}
	if !p.StartedAt.IsZero() && !p.CompletedAt.IsZero() {
		res.Waited = p.CompletedAt.Sub(p.StartedAt)
	}
	if b != nil && b.Phase == index {
		res.Arrived = append([]string(nil), b.Arrived...)
		res.Evicted = append([]string(nil), b.Evicted...)
		res.Advanced = b.Outstanding()
		res.TimedOut = b.TimedOut
	}
	return res
}

// WaitBarrier blocks until the phase's barrier closes. A positive
// timeout pulls the barrier deadline in; it never extends it. A barrier
// that closes on its deadline is not an error: the result carries
// TimedOut and Partial instead.
func (c *Coordinator) WaitBarrier(ctx context.Context, phase int, timeout time.Duration) (BarrierResult, error) {
	ch := make(chan BarrierResult, 1)
	var err error
	if doErr := c.do(ctx, func() {
		if phase < 0 || phase >= len(c.sess.Phases) {
			err = fmt.Errorf("coordinator: phase %d out of range: %w", phase, session.ErrInvalidConfig)
			return
		}
		if res, ok := c.results[phase]; ok {
			ch <- res
			return
		}
		if phase != c.sess.CurrentPhase || !c.sess.Phases[phase].Dispatched {
			err = fmt.Errorf("coordinator: phase %s not dispatched: %w", c.sess.Phases[phase].Name, session.ErrWrongPhase)
			return
		}
		c.waiters[phase] = append(c.waiters[phase], ch)
		if b := c.sess.Barrier; timeout > 0 && b != nil && !b.Closed {
			deadline := c.now().Add(timeout)
			if deadline.Before(b.Deadline) {
				b.Deadline = deadline
				c.dirty = true
				if c.sess.Status == session.StatusActive {
					c.armBarrier(timeout)
				} else {
					c.remaining = timeout
				}
			}
		}
	}); doErr != nil {
		return BarrierResult{}, doErr
	}
	if err != nil {
		return BarrierResult{}, err
	}
	select {
	case res := <-ch:
		return res, nil
	case <-c.quit:
		select {
		case res := <-ch:
			return res, nil
		default:
			return BarrierResult{}, fmt.Errorf("coordinator: session %s: %w", c.id, session.ErrSessionStopped)
		}
	case <-ctx.Done():
		return BarrierResult{}, ctx.Err()
	}
}

// SignalQualityGate records an external quality gate pass for a
// quality-gated phase.
func (c *Coordinator) SignalQualityGate(ctx context.Context, phase int) error {
	var err error
	if doErr := c.do(ctx, func() {
		if phase < 0 || phase >= len(c.sess.Phases) {
			err = fmt.Errorf("coordinator: phase %d out of range: %w", phase, session.ErrInvalidConfig)
			return
		}
		p := &c.sess.Phases[phase]
		if p.Completion != session.CompletionQualityGate {
			err = fmt.Errorf("coordinator: phase %s has no quality gate: %w", p.Name, session.ErrWrongPhase)
			return
		}
		if p.GatePassed {
			return
		}
		p.GatePassed = true
		c.touch()
		c.logger.Info("quality gate passed", "phase", p.Name)
		c.checkBarrier()
	}); doErr != nil {
		return doErr
	}
	return err
}

func (c *Coordinator) armBarrier(d time.Duration) {
	if c.barrierTimer != nil {
		c.barrierTimer.Stop()
	}
	if d <= 0 {
		d = time.Nanosecond
	}
	phase := c.sess.Barrier.Phase
	c.barrierTimer = c.deps.Clock.AfterFunc(d, func() {
		c.notify(func() { c.barrierExpired(phase) })
	})
}

func (c *Coordinator) barrierExpired(phase int) {
	b := c.sess.Barrier
	if b == nil || b.Closed || b.Phase != phase || c.sess.Status != session.StatusActive {
		return
	}
	if c.now().Before(b.Deadline) {
		c.armBarrier(b.Deadline.Sub(c.now()))
		return
	}
	c.closePhase(true)
}

// checkBarrier closes the barrier once its completion predicate holds.
func (c *Coordinator) checkBarrier() {
	b := c.sess.Barrier
	if b == nil || b.Closed || c.sess.Status != session.StatusActive {
		return
	}
	p := &c.sess.Phases[b.Phase]
	if len(b.Outstanding()) == 0 || (p.Completion == session.CompletionQualityGate && p.GatePassed) {
		c.closePhase(false)
	}
}

func (c *Coordinator) closePhase(timedOut bool) {
	b := c.sess.Barrier
	now := c.now()
	index := b.Phase
	p := &c.sess.Phases[index]
	outstanding := b.Outstanding()

	b.Closed = true
	b.TimedOut = timedOut
	if c.barrierTimer != nil {
		c.barrierTimer.Stop()
		c.barrierTimer = nil
	}
	if timedOut {
		b.Partial = true
		reason := fmt.Sprintf("barrier timeout with %s outstanding", strings.Join(outstanding, ", "))
		p.PartialReasons = append(p.PartialReasons, reason)
		c.warn(session.WarnBarrierTimeout, fmt.Errorf("phase %s: %s: %w", p.Name, reason, session.ErrBarrierTimeout))
	}
	if len(b.Evicted) > 0 {
		b.Partial = true
	}
	p.Partial = b.Partial
	p.Status = session.PhaseComplete
	p.CompletedAt = now

	var advanced []string
	for _, id := range b.Required {
		a := c.sess.Agent(id)
		if a == nil || a.Status == session.AgentDone || a.Status == session.AgentDeparted {
			continue
		}
		advanced = append(advanced, id)
		c.direct(id, PhaseAdvance, fmt.Sprintf("phase %s closed; stop the current task and proceed", p.Name))
	}

	res := resultFor(index, *p, b)
	res.Advanced = advanced
	c.results[index] = res
	for _, ch := range c.waiters[index] {
		ch <- res
	}
	delete(c.waiters, index)

	c.emit(events.Event{
		Kind:     events.BarrierClosed,
		Time:     now,
		Phase:    p.Name,
		Duration: res.Waited,
		Fields: map[string]string{
			"partial":   fmt.Sprint(b.Partial),
			"timed_out": fmt.Sprint(timedOut),
			"arrived":   strings.Join(b.Arrived, ","),
			"evicted":   strings.Join(b.Evicted, ","),
		},
	})
	c.emit(events.Event{Kind: events.PhaseCompleted, Time: now, Phase: p.Name, Duration: res.Waited})
	c.publish(transport.Broadcast, transport.KindRound, res)
	c.logger.Info("phase completed", "phase", p.Name, "partial", b.Partial, "timed_out", timedOut)

	c.sess.CurrentPhase++
	c.touch()

	sig := c.signal(trigger.SignalPhaseDone)
	sig.Phase = p.Name
	sig.PhaseIndex = index
	sig.Checkpoint = p.Checkpoint
	c.fire(sig)

	if c.sess.CurrentPhase >= len(c.sess.Phases) {
		c.notify(c.maybeComplete)
	}
}

// maybeComplete ends the session once every phase closed and no round
// is still open.
func (c *Coordinator) maybeComplete() {
	if c.ending || c.sess.CurrentPhase < len(c.sess.Phases) {
		return
	}
	if len(c.engine.ActiveTopics()) > 0 {
		return
	}
	c.sess.Status = session.StatusCompleted
	c.shutdown(session.StatusCompleted, "all phases complete")
}

// arrive records a done report against the open barrier.
func (c *Coordinator) arrive(agent string) bool {
	b := c.sess.Barrier
	if b == nil || b.Closed || !slices.Contains(b.Required, agent) {
		return false
	}
	if slices.Contains(b.Arrived, agent) || slices.Contains(b.Evicted, agent) {
		return false
	}
	b.Arrived = append(b.Arrived, agent)
	c.dirty = true
	return true
}
