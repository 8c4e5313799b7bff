package coordinator

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kingrea/powermode/internal/consensus"
	"github.com/kingrea/powermode/internal/events"
	"github.com/kingrea/powermode/internal/insight"
	"github.com/kingrea/powermode/internal/session"
	"github.com/kingrea/powermode/internal/transport"
	"github.com/kingrea/powermode/internal/trigger"
)

// DirectiveKind is a coordinator instruction to an agent.
type DirectiveKind string

const (
	// Sync tells a finished agent to wait at the barrier.
	Sync DirectiveKind = "SYNC"
	// CourseCorrect redirects an agent with guidance text.
	CourseCorrect DirectiveKind = "COURSE_CORRECT"
	// DriftAlert is a warning only.
	DriftAlert DirectiveKind = "DRIFT_ALERT"
	// PhaseAdvance ends the agent's current task.
	PhaseAdvance DirectiveKind = "PHASE_ADVANCE"
)

// Directive is queued for an agent and delivered on its next check-in.
type Directive struct {
	Kind  DirectiveKind `json:"kind"`
	Agent string        `json:"agent"`
	Phase string        `json:"phase,omitempty"`
	Text  string        `json:"text"`
	At    time.Time     `json:"at"`
}

// Check-in statuses an agent may report.
const (
	StatusRunning = "running"
	StatusDone    = "done"
)

// CheckIn is the periodic heartbeat an agent sends. An empty Status
// leaves the agent's status unchanged.
type CheckIn struct {
	Agent        string            `json:"agent"`
	Status       string            `json:"status"`
	ToolCalls    int               `json:"tool_calls"`
	Progress     float64           `json:"progress"`
	CurrentTask  string            `json:"current_task"`
	Insights     []session.Insight `json:"insights,omitempty"`
	Blocker      string            `json:"blocker,omitempty"`
	Disagreement float64           `json:"disagreement,omitempty"`
	Edits        []string          `json:"edits,omitempty"`
}

// RoundNotice tells an agent about an open round it belongs to.
type RoundNotice struct {
	RoundID  string               `json:"round_id"`
	Topic    string               `json:"topic"`
	State    consensus.State      `json:"state"`
	Ballot   session.Ballot       `json:"ballot"`
	Holder   string               `json:"holder,omitempty"`
	YourTurn bool                 `json:"your_turn"`
	CanVote  bool                 `json:"can_vote"`
	Ballots  []consensus.Proposal `json:"ballots,omitempty"`
	Deadline time.Time            `json:"deadline"`
}

// CheckInResult is what the coordinator hands back. Phase names the
// session's current phase, empty once every phase closed.
type CheckInResult struct {
	Phase      string            `json:"phase"`
	Insights   []session.Insight `json:"insights"`
	Directives []Directive       `json:"directives"`
	Rounds     []RoundNotice     `json:"rounds,omitempty"`
}

// CheckIn records an agent heartbeat, publishes its insights, and
// returns the insights and directives queued for it.
func (c *Coordinator) CheckIn(ctx context.Context, in CheckIn) (CheckInResult, error) {
	var (
		res CheckInResult
		err error
	)
	if doErr := c.do(ctx, func() { res, err = c.checkIn(in) }); doErr != nil {
		return CheckInResult{}, doErr
	}
	return res, err
}

func (c *Coordinator) checkIn(in CheckIn) (CheckInResult, error) {
	in.Agent = strings.TrimSpace(in.Agent)
	a := c.sess.Agent(in.Agent)
	if a == nil || a.Status == session.AgentDeparted {
		return CheckInResult{}, fmt.Errorf("coordinator: check-in from %q: %w", in.Agent, session.ErrUnknownAgent)
	}
	switch in.Status {
	case "", StatusRunning, StatusDone:
	default:
		return CheckInResult{}, fmt.Errorf("coordinator: check-in status %q: %w", in.Status, session.ErrInvalidConfig)
	}
	for i, ins := range in.Insights {
		if !ins.Type.Valid() || strings.TrimSpace(ins.Content) == "" {
			return CheckInResult{}, fmt.Errorf("coordinator: check-in insight %d: %w", i, insight.ErrInvalidInsight)
		}
	}

	now := c.now()
	phase := c.sess.Phase()
	phaseName := ""
	if phase != nil {
		phaseName = phase.Name
	}
	previous := a.Disagreement
	returning := a.Status == session.AgentBlocked
	newBlocker := in.Blocker != "" && in.Blocker != a.Blocker

	a.LastCheckIn = now
	a.CheckedIn = true
	a.MissedWindows = 0
	a.ToolCalls = in.ToolCalls
	a.Progress = min(max(in.Progress, 0), 1)
	a.CurrentTask = in.CurrentTask
	a.Blocker = in.Blocker
	a.Disagreement = in.Disagreement
	switch {
	case in.Status == StatusDone:
		a.Status = session.AgentDone
	case in.Status == StatusRunning || returning:
		a.Status = session.AgentRunning
	}
	agentID := a.ID
	c.touch()
	c.emit(events.Event{
		Kind:   events.AgentCheckedIn,
		Time:   now,
		Agent:  agentID,
		Phase:  phaseName,
		Fields: map[string]string{"status": string(a.Status), "progress": fmt.Sprintf("%.2f", a.Progress)},
	})
	c.publish(transport.Heartbeat, transport.KindCheckIn, in)

	if returning {
		c.engine.JoinAll(consensus.Participant{ID: agentID, JoinedAt: a.JoinedAt})
		c.direct(agentID, CourseCorrect, fmt.Sprintf("you missed %d check-ins and were dropped from phase %s; resume and report status", c.settings.MaxMissed, phaseName))
	}

	for _, ins := range in.Insights {
		ins.Source = agentID
		ins.ID = ""
		c.share(ins)
	}
	if newBlocker {
		c.share(session.Insight{Source: agentID, Type: session.InsightBlocker, Content: in.Blocker, Tags: []string{"blocker"}})
		c.direct(agentID, DriftAlert, "blocker reported: "+in.Blocker)
	}

	if in.Status == StatusDone && c.arrive(agentID) {
		c.logger.Debug("barrier arrival", "agent", agentID, "phase", phaseName)
		c.checkBarrier()
		if b := c.sess.Barrier; b != nil && !b.Closed {
			c.direct(agentID, Sync, fmt.Sprintf("wait at the %s barrier", phaseName))
		}
	}

	if len(in.Edits) > 0 {
		for _, path := range in.Edits {
			c.edits = append(c.edits, trigger.Edit{Agent: agentID, Path: path, At: now})
		}
		c.pruneEdits(now)
		sig := c.signal(trigger.SignalEdits)
		sig.Edits = append([]trigger.Edit(nil), c.edits...)
		c.fire(sig)
	}
	if in.Disagreement != previous {
		sig := c.signal(trigger.SignalCheckIn)
		sig.Requester = agentID
		sig.Disagreement = in.Disagreement
		sig.PreviousDisagreement = previous
		c.fire(sig)
	}

	res := CheckInResult{
		Insights:   c.insights.Pull(agentID),
		Directives: c.directives[agentID],
		Rounds:     c.notices(agentID),
	}
	if p := c.sess.Phase(); p != nil {
		res.Phase = p.Name
	}
	delete(c.directives, agentID)
	return res, nil
}

// ReportEdits records file edits outside a check-in.
func (c *Coordinator) ReportEdits(ctx context.Context, agent string, paths ...string) error {
	var err error
	if doErr := c.do(ctx, func() {
		if c.sess.Agent(agent) == nil {
			err = fmt.Errorf("coordinator: edits from %q: %w", agent, session.ErrUnknownAgent)
			return
		}
		now := c.now()
		for _, path := range paths {
			c.edits = append(c.edits, trigger.Edit{Agent: agent, Path: path, At: now})
		}
		c.pruneEdits(now)
		sig := c.signal(trigger.SignalEdits)
		sig.Edits = append([]trigger.Edit(nil), c.edits...)
		c.fire(sig)
	}); doErr != nil {
		return doErr
	}
	return err
}

// pruneEdits keeps edits from the last check-in window.
func (c *Coordinator) pruneEdits(now time.Time) {
	cutoff := now.Add(-c.settings.CheckInInterval)
	kept := c.edits[:0]
	for _, e := range c.edits {
		if !e.At.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	c.edits = kept
}

// share publishes an insight through the broker and the transport.
func (c *Coordinator) share(in session.Insight) {
	res, err := c.insights.Publish(in)
	if err != nil {
		c.logger.Warn("insight rejected", "source", in.Source, "error", err)
		return
	}
	kind := events.InsightPublished
	if res.Duplicate {
		kind = events.InsightDuplicate
	}
	c.emit(events.Event{
		Kind:   kind,
		Agent:  in.Source,
		Detail: string(in.Type),
		Fields: map[string]string{"recipients": strings.Join(res.Recipients, ",")},
	})
	if !res.Duplicate {
		c.dirty = true
		c.publish(transport.Insights, transport.KindInsight, res.Insight)
	}
}

// direct queues a directive for agent.
func (c *Coordinator) direct(agent string, kind DirectiveKind, text string) {
	d := Directive{Kind: kind, Agent: agent, Text: text, At: c.now()}
	if p := c.sess.Phase(); p != nil {
		d.Phase = p.Name
	}
	c.directives[agent] = append(c.directives[agent], d)
	c.emit(events.Event{Kind: events.DirectiveIssued, Time: d.At, Agent: agent, Phase: d.Phase, Detail: string(kind)})
	c.publish(transport.Broadcast, transport.KindDirective, d)
}

// notices lists open rounds agent takes part in.
func (c *Coordinator) notices(agent string) []RoundNotice {
	var out []RoundNotice
	for _, snap := range c.engine.Open() {
		if !slices.Contains(snap.Ring.Members, agent) {
			continue
		}
		out = append(out, RoundNotice{
			RoundID:  snap.ID,
			Topic:    snap.Topic,
			State:    snap.State,
			Ballot:   snap.Rule.Ballot,
			Holder:   snap.Ring.Holder,
			YourTurn: snap.State == consensus.Proposing && snap.Ring.Holder == agent,
			CanVote:  snap.State == consensus.Voting && slices.Contains(snap.Eligible, agent),
			Ballots:  snap.Ballots,
			Deadline: snap.StateDeadline,
		})
	}
	return out
}
