// Package session holds the domain model shared by the coordinator, the
// consensus engine, the insight broker and persistence.
package session

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusStopped    Status = "stopped"
	StatusCompleted  Status = "completed"
)

// Terminal reports whether no further progress is possible.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCompleted
}

// PhaseStatus tracks a phase's runtime completion state.
type PhaseStatus string

const (
	PhasePending  PhaseStatus = "pending"
	PhaseRunning  PhaseStatus = "running"
	PhaseComplete PhaseStatus = "complete"
)

// Completion selects the predicate that closes a phase.
type Completion string

const (
	// CompletionAllDone closes the phase once every required agent
	// reports done.
	CompletionAllDone Completion = "all_done"
	// CompletionQualityGate also closes the phase once an external
	// quality gate passes.
	CompletionQualityGate Completion = "quality_gate"
)

// Phase is an ordered stage of a session. Only the runtime fields change
// after the session starts.
type Phase struct {
	Name       string        `json:"name"`
	Required   []string      `json:"required"`
	Completion Completion    `json:"completion"`
	Timeout    time.Duration `json:"timeout"`
	Checkpoint bool          `json:"checkpoint"`

	Status         PhaseStatus `json:"status"`
	Dispatched     bool        `json:"dispatched"`
	GatePassed     bool        `json:"gate_passed"`
	Partial        bool        `json:"partial"`
	PartialReasons []string    `json:"partial_reasons"`
	StartedAt      time.Time   `json:"started_at"`
	CompletedAt    time.Time   `json:"completed_at"`
}

// Requires reports whether agentID is in the phase's required set.
func (p Phase) Requires(agentID string) bool {
	for _, id := range p.Required {
		if id == agentID {
			return true
		}
	}
	return false
}

// AgentStatus is an agent's status for its current phase task.
type AgentStatus string

const (
	AgentPending  AgentStatus = "pending"
	AgentRunning  AgentStatus = "running"
	AgentDone     AgentStatus = "done"
	AgentBlocked  AgentStatus = "blocked"
	AgentDeparted AgentStatus = "departed"
)

// Active reports whether the agent still takes part in the session.
func (s AgentStatus) Active() bool {
	return s != AgentDeparted
}

// AgentRef is one roster entry.
type AgentRef struct {
	ID             string      `json:"id"`
	Capabilities   []string    `json:"capabilities"`
	Interests      []string    `json:"interests"`
	Status         AgentStatus `json:"status"`
	JoinedAt       time.Time   `json:"joined_at"`
	LastCheckIn    time.Time   `json:"last_check_in"`
	CheckedIn      bool        `json:"checked_in"`
	MissedWindows  int         `json:"missed_windows"`
	StalledWindows int         `json:"stalled_windows"`
	Progress       float64     `json:"progress"`
	ToolCalls      int         `json:"tool_calls"`
	CurrentTask    string      `json:"current_task"`
	Blocker        string      `json:"blocker"`
	Disagreement   float64     `json:"disagreement"`
}

// CapabilitySet rebuilds the typed capability set from the stored tags.
// Tags are validated when the agent joins, so unknown ones are skipped.
func (a AgentRef) CapabilitySet() AgentCapabilitySet {
	set, err := ParseCapabilities(a.Capabilities)
	if err != nil {
		var known []Capability
		for _, tag := range a.Capabilities {
			if c, ok := capabilities[tag]; ok {
				known = append(known, c)
			}
		}
		return NewCapabilitySet(known...)
	}
	return set
}

// AllInterests is the union of declared interests and capability
// interests.
func (a AgentRef) AllInterests() []string {
	out := append([]string{}, a.Interests...)
	return mergeTags(out, a.CapabilitySet().InterestTags())
}

// InsightType classifies an insight.
type InsightType string

const (
	InsightDiscovery InsightType = "discovery"
	InsightPattern   InsightType = "pattern"
	InsightBlocker   InsightType = "blocker"
	InsightQuestion  InsightType = "question"
	InsightWarning   InsightType = "warning"
)

// Valid reports whether t is one of the known insight types.
func (t InsightType) Valid() bool {
	switch t {
	case InsightDiscovery, InsightPattern, InsightBlocker, InsightQuestion, InsightWarning:
		return true
	}
	return false
}

// Critical insights are never dropped from a full delivery queue.
func (t InsightType) Critical() bool {
	return t == InsightBlocker || t == InsightWarning
}

// Insight is an immutable discovery shared by one agent. Updates are new
// insights naming the original in Supersedes.
type Insight struct {
	ID         string      `json:"id"`
	Source     string      `json:"source"`
	Type       InsightType `json:"type"`
	Content    string      `json:"content"`
	Tags       []string    `json:"tags"`
	Timestamp  time.Time   `json:"timestamp"`
	Supersedes string      `json:"supersedes"`
	// Audience, when set, replaces tag routing with these agents.
	Audience []string `json:"audience,omitempty"`
}

// Warning is a recovered error recorded on the session.
type Warning struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

const (
	WarnBarrierTimeout       = "barrier_timeout"
	WarnRoundAborted         = "round_aborted"
	WarnTransportUnavailable = "transport_unavailable"
	WarnTransportExhausted   = "transport_exhausted"
	WarnAgentUnresponsive    = "agent_unresponsive"
	WarnPersistFailed        = "persist_failed"
)

// Barrier is the sync barrier of the current phase.
type Barrier struct {
	Phase    int       `json:"phase"`
	Required []string  `json:"required"`
	Arrived  []string  `json:"arrived"`
	Evicted  []string  `json:"evicted"`
	Deadline time.Time `json:"deadline"`
	Closed   bool      `json:"closed"`
	Partial  bool      `json:"partial"`
	TimedOut bool      `json:"timed_out"`
}

// Outstanding lists required agents that have neither arrived nor been
// evicted, in required order.
func (b Barrier) Outstanding() []string {
	done := map[string]struct{}{}
	for _, id := range b.Arrived {
		done[id] = struct{}{}
	}
	for _, id := range b.Evicted {
		done[id] = struct{}{}
	}
	var out []string
	for _, id := range b.Required {
		if _, ok := done[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// RoundRecord summarises a terminal consensus round.
type RoundRecord struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	Reasons    []string  `json:"reasons"`
	State      string    `json:"state"`
	Visited    []string  `json:"visited"`
	ProposalID string    `json:"proposal_id"`
	Outcome    string    `json:"outcome"`
	Authors    []string  `json:"authors"`
	Quorum     float64   `json:"quorum"`
	Approval   float64   `json:"approval"`
	Reason     string    `json:"reason"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}

// Session is one coordinated multi-agent run. The coordinator owns it;
// everyone else sees clones.
type Session struct {
	ID           string              `json:"id"`
	PlanID       string              `json:"plan_id"`
	Phases       []Phase             `json:"phases"`
	Agents       []AgentRef          `json:"agents"`
	CurrentPhase int                 `json:"current_phase"`
	Status       Status              `json:"status"`
	CreatedAt    time.Time           `json:"created_at"`
	LastActivity time.Time           `json:"last_activity"`
	Rule         VotingRule          `json:"rule"`
	Warnings     []Warning           `json:"warnings"`
	Insights     []Insight           `json:"insights"`
	Pending      map[string][]string `json:"pending"`
	Barrier      *Barrier            `json:"barrier"`
	Rounds       []RoundRecord       `json:"rounds"`
	LastRoundAt  time.Time           `json:"last_round_at"`
	Escalated    []string            `json:"escalated"`
}

// Agent returns a pointer into the roster, or nil.
func (s *Session) Agent(id string) *AgentRef {
	for i := range s.Agents {
		if s.Agents[i].ID == id {
			return &s.Agents[i]
		}
	}
	return nil
}

// Phase returns the current phase, or nil once every phase completed.
func (s *Session) Phase() *Phase {
	if s.CurrentPhase < 0 || s.CurrentPhase >= len(s.Phases) {
		return nil
	}
	return &s.Phases[s.CurrentPhase]
}

// Warn appends a warning.
func (s *Session) Warn(code, message string, at time.Time) {
	s.Warnings = append(s.Warnings, Warning{Code: code, Message: message, At: at})
}

// Clone returns a deep copy that shares no memory with s.
func (s Session) Clone() Session {
	out := s
	out.Phases = nil
	if s.Phases != nil {
		out.Phases = make([]Phase, len(s.Phases))
		for i, p := range s.Phases {
			p.Required = cloneStrings(p.Required)
			p.PartialReasons = cloneStrings(p.PartialReasons)
			out.Phases[i] = p
		}
	}
	out.Agents = nil
	if s.Agents != nil {
		out.Agents = make([]AgentRef, len(s.Agents))
		for i, a := range s.Agents {
			a.Capabilities = cloneStrings(a.Capabilities)
			a.Interests = cloneStrings(a.Interests)
			out.Agents[i] = a
		}
	}
	if s.Warnings != nil {
		out.Warnings = append([]Warning{}, s.Warnings...)
	}
	out.Insights = nil
	if s.Insights != nil {
		out.Insights = make([]Insight, len(s.Insights))
		for i, in := range s.Insights {
			in.Tags = cloneStrings(in.Tags)
			in.Audience = cloneStrings(in.Audience)
			out.Insights[i] = in
		}
	}
	out.Pending = nil
	if s.Pending != nil {
		out.Pending = make(map[string][]string, len(s.Pending))
		for k, v := range s.Pending {
			out.Pending[k] = cloneStrings(v)
		}
	}
	if s.Barrier != nil {
		b := *s.Barrier
		b.Required = cloneStrings(b.Required)
		b.Arrived = cloneStrings(b.Arrived)
		b.Evicted = cloneStrings(b.Evicted)
		out.Barrier = &b
	}
	out.Rounds = nil
	if s.Rounds != nil {
		out.Rounds = make([]RoundRecord, len(s.Rounds))
		for i, r := range s.Rounds {
			r.Reasons = cloneStrings(r.Reasons)
			r.Visited = cloneStrings(r.Visited)
			r.Authors = cloneStrings(r.Authors)
			out.Rounds[i] = r
		}
	}
	out.Escalated = cloneStrings(s.Escalated)
	return out
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

func mergeTags(existing, adds []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(adds))
	out := make([]string, 0, len(existing)+len(adds))
	for _, list := range [][]string{existing, adds} {
		for _, tag := range list {
			if _, ok := seen[tag]; ok || tag == "" {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}
