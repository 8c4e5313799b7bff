package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kingrea/powermode/internal/consensus"
	"github.com/kingrea/powermode/internal/events"
	"github.com/kingrea/powermode/internal/session"
	"github.com/kingrea/powermode/internal/transport"
)

const (
	senderCoordinator = "coordinator"
	publishTimeout    = 5 * time.Second
)

// ProposalMessage is a remote agent's PROPOSING turn. Pass gives the
// turn up without a proposal.
type ProposalMessage struct {
	Round string `json:"round"`
	Agent string `json:"agent"`
	Text  string `json:"text,omitempty"`
	Pass  bool   `json:"pass,omitempty"`
}

// VoteMessage is a remote agent's ballot. Choice selects the
// single-choice ballot.
type VoteMessage struct {
	Round    string              `json:"round"`
	Agent    string              `json:"agent"`
	Proposal string              `json:"proposal"`
	Value    consensus.VoteValue `json:"value,omitempty"`
	Choice   bool                `json:"choice,omitempty"`
}

// CheckInReply carries a remote check-in's result back to the agent.
type CheckInReply struct {
	Agent  string        `json:"agent"`
	Result CheckInResult `json:"result"`
	Error  string        `json:"error,omitempty"`
}

// publish sends payload on ch. A transport that ran out of fallbacks
// stops the session; anything less is a warning.
func (c *Coordinator) publish(ch transport.Channel, kind string, payload any) {
	if c.deps.Transport == nil {
		return
	}
	msg, err := transport.NewMessage(kind, senderCoordinator, c.id, payload)
	if err != nil {
		c.logger.Error("encode message failed", "kind", kind, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	err = c.deps.Transport.Publish(ctx, ch, msg)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrExhausted):
		if c.failure == nil {
			c.failure = fmt.Errorf("coordinator: publish %s on %s: %w", kind, ch, err)
			c.warn(session.WarnTransportExhausted, c.failure)
			c.notify(func() { c.shutdown(session.StatusStopped, "transport exhausted") })
		}
	default:
		c.warn(session.WarnTransportUnavailable, fmt.Errorf("publish %s on %s: %w", kind, ch, err))
	}
}

// degraded runs when the fallback transport switched adapters.
func (c *Coordinator) degraded(from, to string, cause error) {
	c.notify(func() {
		c.warn(session.WarnTransportUnavailable, fmt.Errorf("degraded from %s to %s: %w", from, to, cause))
		c.emit(events.Event{Kind: events.TransportDegraded, Detail: to, Fields: map[string]string{"from": from, "to": to}})
	})
}

// consume applies commands remote agents send on the commands channel.
func (c *Coordinator) consume(ctx context.Context, sub transport.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if msg.SessionID != "" && msg.SessionID != c.id {
				continue
			}
			if err := c.handle(ctx, msg); err != nil {
				c.logger.Debug("command rejected", "kind", msg.Kind, "sender", msg.Sender, "error", err)
			}
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, msg transport.Message) error {
	switch msg.Kind {
	case transport.KindCheckIn:
		var in CheckIn
		if err := msg.Decode(&in); err != nil {
			return err
		}
		res, err := c.CheckIn(ctx, in)
		reply := CheckInReply{Agent: in.Agent, Result: res}
		if err != nil {
			reply.Error = err.Error()
		}
		c.post(func() { c.publish(transport.Heartbeat, transport.KindHeartbeat, reply) })
		return err
	case transport.KindProposal:
		var p ProposalMessage
		if err := msg.Decode(&p); err != nil {
			return err
		}
		if p.Pass {
			return c.Pass(ctx, p.Round, p.Agent)
		}
		_, err := c.Submit(ctx, p.Round, p.Agent, p.Text)
		return err
	case transport.KindVote:
		var v VoteMessage
		if err := msg.Decode(&v); err != nil {
			return err
		}
		if v.Choice {
			return c.Choose(ctx, v.Round, v.Agent, v.Proposal)
		}
		return c.Vote(ctx, v.Round, v.Agent, v.Proposal, v.Value)
	case transport.KindStop:
		return c.Stop(ctx)
	}
	return fmt.Errorf("coordinator: unsupported command %q", msg.Kind)
}
