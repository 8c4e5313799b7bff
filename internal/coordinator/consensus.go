package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/kingrea/powermode/internal/consensus"
	"github.com/kingrea/powermode/internal/events"
	"github.com/kingrea/powermode/internal/session"
	"github.com/kingrea/powermode/internal/transport"
	"github.com/kingrea/powermode/internal/trigger"
)

// signal builds a trigger observation for the current phase.
func (c *Coordinator) signal(kind trigger.SignalKind) trigger.Signal {
	sig := trigger.Signal{
		Kind:        kind,
		SessionID:   c.id,
		PhaseIndex:  c.sess.CurrentPhase,
		LastRoundAt: c.sess.LastRoundAt,
		StartedAt:   c.sess.CreatedAt,
		Now:         c.now(),
	}
	if p := c.sess.Phase(); p != nil {
		sig.Phase = p.Name
		sig.Checkpoint = p.Checkpoint
	}
	for _, a := range c.sess.Agents {
		if a.Status == session.AgentDeparted || a.Status == session.AgentBlocked {
			continue
		}
		sig.Agents = append(sig.Agents, trigger.Seed{ID: a.ID, JoinedAt: a.JoinedAt, Capabilities: a.CapabilitySet()})
	}
	return sig
}

// fire evaluates sig and opens or feeds the rounds it asks for. It
// returns the round ids touched, in command order.
func (c *Coordinator) fire(sig trigger.Signal) []string {
	if c.ending {
		return nil
	}
	res := c.triggers.Evaluate(sig, c.engine)
	var ids []string
	for _, cmd := range append(append([]trigger.Command(nil), res.Start...), res.Absorbed...) {
		participants := make([]consensus.Participant, 0, len(cmd.Seeds))
		for _, s := range cmd.Seeds {
			participants = append(participants, consensus.Participant{ID: s.ID, JoinedAt: s.JoinedAt})
		}
		started, err := c.engine.Start(consensus.StartRequest{
			SessionID:    c.id,
			Topic:        cmd.Topic,
			Reasons:      cmd.ReasonStrings(),
			Context:      cmd.Context,
			Participants: participants,
			Rule:         c.sess.Rule,
		})
		if err != nil {
			c.logger.Warn("consensus start failed", "topic", cmd.Topic, "error", err)
			continue
		}
		ids = append(ids, started.RoundID)
		kind := events.TriggerAbsorbed
		if started.Started {
			kind = events.TriggerFired
		}
		c.emit(events.Event{
			Kind:   kind,
			Topic:  cmd.Topic,
			Detail: strings.Join(cmd.ReasonStrings(), ","),
			Fields: map[string]string{"round": started.RoundID},
		})
	}
	return ids
}

// RequestConsensus asks for a round on topic. An empty requester is a
// user request; otherwise the requesting agent is named. An empty
// topic falls back to a per-phase request topic.
func (c *Coordinator) RequestConsensus(ctx context.Context, requester, topic, detail string) (string, error) {
	var (
		id  string
		err error
	)
	if doErr := c.do(ctx, func() {
		if c.sess.Status.Terminal() {
			err = fmt.Errorf("coordinator: request in %s session: %w", c.sess.Status, session.ErrWrongPhase)
			return
		}
		kind := trigger.SignalUserRequest
		if requester != "" {
			if c.sess.Agent(requester) == nil {
				err = fmt.Errorf("coordinator: request from %q: %w", requester, session.ErrUnknownAgent)
				return
			}
			kind = trigger.SignalAgentRequest
		}
		sig := c.signal(kind)
		sig.Topic = topic
		sig.Requester = requester
		sig.Context = detail
		ids := c.fire(sig)
		if len(ids) == 0 {
			err = fmt.Errorf("coordinator: no participants for consensus on %q: %w", topic, session.ErrInvalidConfig)
			return
		}
		id = ids[0]
		c.touch()
	}); doErr != nil {
		return "", doErr
	}
	return id, err
}

// roundEvent receives engine events from any goroutine.
func (c *Coordinator) roundEvent(ev events.Event) {
	c.notify(func() { c.onRoundEvent(ev) })
}

func (c *Coordinator) onRoundEvent(ev events.Event) {
	c.emit(ev)
	if ev.Kind != events.RoundCommitted && ev.Kind != events.RoundAborted {
		return
	}
	snap, ok := c.engine.Snapshot(ev.Fields["round"])
	if !ok {
		return
	}
	rec := snap.Record()
	c.sess.Rounds = append(c.sess.Rounds, rec)
	c.sess.LastRoundAt = rec.ClosedAt
	c.touch()
	c.publish(transport.Broadcast, transport.KindRound, rec)

	if ev.Kind == events.RoundCommitted {
		delete(c.aborts, rec.Topic)
		for _, id := range snap.Eligible {
			if a := c.sess.Agent(id); a != nil && a.Status.Active() {
				c.direct(id, CourseCorrect, fmt.Sprintf("consensus on %s: %s", rec.Topic, rec.Outcome))
			}
		}
		c.logger.Info("round committed", "round", rec.ID, "topic", rec.Topic, "proposal", rec.ProposalID)
	} else {
		c.warn(session.WarnRoundAborted, fmt.Errorf("round %s on %s: %s: %w", rec.ID, rec.Topic, rec.Reason, session.ErrRoundAborted))
		if !c.ending {
			c.aborts[rec.Topic]++
			if c.aborts[rec.Topic] == c.settings.EscalateAfter {
				c.escalate(rec)
			}
		}
	}
	c.maybeComplete()
}

// escalate hands a topic that keeps failing to a human.
func (c *Coordinator) escalate(rec session.RoundRecord) {
	c.sess.Escalated = append(c.sess.Escalated, rec.Topic)
	c.dirty = true
	c.emit(events.Event{Kind: events.Escalated, Topic: rec.Topic, Detail: rec.Reason, Fields: map[string]string{"aborts": fmt.Sprint(c.aborts[rec.Topic])}})
	c.publish(transport.Escalation, transport.KindEscalation, rec)
	c.logger.Warn("consensus escalated", "topic", rec.Topic, "aborts", c.aborts[rec.Topic])
}

// round runs op against the engine on the loop.
func (c *Coordinator) round(ctx context.Context, agent string, op func() error) error {
	var err error
	if doErr := c.do(ctx, func() {
		if agent != "" && c.sess.Agent(agent) == nil {
			err = fmt.Errorf("coordinator: %q: %w", agent, session.ErrUnknownAgent)
			return
		}
		if err = op(); err == nil {
			c.touch()
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// Submit proposes text for the round while agent holds the token.
func (c *Coordinator) Submit(ctx context.Context, roundID, agent, text string) (string, error) {
	var id string
	err := c.round(ctx, agent, func() error {
		var err error
		id, err = c.engine.Submit(roundID, agent, text)
		return err
	})
	return id, err
}

// Pass gives up agent's proposing turn.
func (c *Coordinator) Pass(ctx context.Context, roundID, agent string) error {
	return c.round(ctx, agent, func() error { return c.engine.Pass(roundID, agent) })
}

// Discuss adds a note to the round and forwards it to the other ring
// members as an insight tagged with the round topic.
func (c *Coordinator) Discuss(ctx context.Context, roundID, agent, text string) error {
	return c.round(ctx, agent, func() error {
		if err := c.engine.Discuss(roundID, agent, text); err != nil {
			return err
		}
		snap, ok := c.engine.Snapshot(roundID)
		if !ok || strings.TrimSpace(text) == "" {
			return nil
		}
		c.share(session.Insight{
			Source:   agent,
			Type:     session.InsightDiscovery,
			Content:  text,
			Tags:     []string{snap.Topic},
			Audience: snap.Ring.Members,
		})
		return nil
	})
}

func (c *Coordinator) Yield(ctx context.Context, roundID, agent string) error {
	return c.round(ctx, agent, func() error { return c.engine.Yield(roundID, agent) })
}

func (c *Coordinator) Withdraw(ctx context.Context, roundID, agent, proposalID string) error {
	return c.round(ctx, agent, func() error { return c.engine.Withdraw(roundID, agent, proposalID) })
}

func (c *Coordinator) Vote(ctx context.Context, roundID, agent, proposalID string, value consensus.VoteValue) error {
	return c.round(ctx, agent, func() error { return c.engine.Vote(roundID, agent, proposalID, value) })
}

// Choose casts a single-choice ballot. An empty proposal abstains.
func (c *Coordinator) Choose(ctx context.Context, roundID, agent, proposalID string) error {
	return c.round(ctx, agent, func() error { return c.engine.Choose(roundID, agent, proposalID) })
}

// Round returns a snapshot of a round, open or closed.
func (c *Coordinator) Round(roundID string) (consensus.Snapshot, bool) {
	return c.engine.Snapshot(roundID)
}

// Join adds an agent to the roster mid-session. It joins every open
// round at the ring tail.
func (c *Coordinator) Join(ctx context.Context, spec session.AgentSpec) error {
	spec = spec.Normalize()
	var err error
	if doErr := c.do(ctx, func() {
		if spec.ID == "" {
			err = fmt.Errorf("coordinator: agent id is required: %w", session.ErrInvalidConfig)
			return
		}
		if _, perr := session.ParseCapabilities(spec.Capabilities); perr != nil {
			err = fmt.Errorf("coordinator: agent %s: %w", spec.ID, perr)
			return
		}
		now := c.now()
		a := c.sess.Agent(spec.ID)
		if a != nil && a.Status != session.AgentDeparted {
			err = fmt.Errorf("coordinator: agent %s already joined: %w", spec.ID, session.ErrInvalidConfig)
			return
		}
		if a == nil {
			c.sess.Agents = append(c.sess.Agents, session.AgentRef{ID: spec.ID})
			a = &c.sess.Agents[len(c.sess.Agents)-1]
		}
		a.Capabilities = spec.Capabilities
		a.Interests = spec.Interests
		a.Status = session.AgentPending
		a.JoinedAt = now
		a.CheckedIn = true
		c.insights.Register(a.ID, a.AllInterests())
		c.engine.JoinAll(consensus.Participant{ID: a.ID, JoinedAt: now})
		c.touch()
		c.emit(events.Event{Kind: events.AgentJoined, Time: now, Agent: a.ID})
	}); doErr != nil {
		return doErr
	}
	return err
}

// Leave removes an agent. It stops counting toward any barrier and
// leaves every open round; votes it already cast stand.
func (c *Coordinator) Leave(ctx context.Context, agent string) error {
	var err error
	if doErr := c.do(ctx, func() {
		a := c.sess.Agent(agent)
		if a == nil || a.Status == session.AgentDeparted {
			err = fmt.Errorf("coordinator: leave %q: %w", agent, session.ErrUnknownAgent)
			return
		}
		a.Status = session.AgentDeparted
		c.evictFromBarrier(agent, "agent %s left the session")
		c.insights.Unregister(agent)
		delete(c.directives, agent)
		c.engine.LeaveAll(agent)
		c.touch()
		c.emit(events.Event{Kind: events.AgentLeft, Agent: agent})
		c.checkBarrier()
	}); doErr != nil {
		return doErr
	}
	return err
}
