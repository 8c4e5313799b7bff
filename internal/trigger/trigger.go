// Package trigger decides when a consensus round should open. The
// evaluator keeps no state between calls; everything it needs arrives
// in the Signal.
package trigger

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kingrea/powermode/internal/session"
)

// Reason names the predicate that fired.
type Reason string

const (
	UserRequest      Reason = "user_request"
	AgentRequest     Reason = "agent_request"
	ConflictingEdits Reason = "conflicting_edits"
	Disagreement     Reason = "disagreement"
	Checkpoint       Reason = "checkpoint"
	PhaseTransition  Reason = "phase_transition"
	Periodic         Reason = "periodic"
)

// SignalKind says what happened in the session.
type SignalKind string

const (
	SignalUserRequest  SignalKind = "user_request"
	SignalAgentRequest SignalKind = "agent_request"
	SignalEdits        SignalKind = "edits"
	SignalCheckIn      SignalKind = "checkin"
	SignalPhaseEntered SignalKind = "phase_entered"
	SignalPhaseDone    SignalKind = "phase_done"
	SignalTick         SignalKind = "tick"
)

const DefaultDisagreementThreshold = 0.3

// Policy holds the tunable thresholds.
type Policy struct {
	DisagreementThreshold float64
	// PeriodicInterval of zero disables the periodic predicate.
	PeriodicInterval time.Duration
	CheckpointPhases []string
	// PhaseTransitionRounds opens a round at every phase boundary.
	PhaseTransitionRounds bool
}

func (p Policy) normalized() Policy {
	if p.DisagreementThreshold <= 0 || p.DisagreementThreshold > 1 {
		p.DisagreementThreshold = DefaultDisagreementThreshold
	}
	return p
}

// Seed is a candidate round participant.
type Seed struct {
	ID           string
	JoinedAt     time.Time
	Capabilities session.AgentCapabilitySet
}

// Edit is one agent touching one path.
type Edit struct {
	Agent string
	Path  string
	At    time.Time
}

// Signal is one coordinator observation.
type Signal struct {
	Kind       SignalKind
	SessionID  string
	Topic      string
	Requester  string
	Context    string
	Agents     []Seed
	Phase      string
	PhaseIndex int
	// Checkpoint marks the phase as a mandatory checkpoint.
	Checkpoint           bool
	Disagreement         float64
	PreviousDisagreement float64
	Edits                []Edit
	LastRoundAt          time.Time
	// StartedAt stands in for LastRoundAt until a round has closed.
	StartedAt time.Time
	Now       time.Time
}

// Command asks the consensus engine to open a round.
type Command struct {
	Topic   string
	Reasons []Reason
	Seeds   []Seed
	Context string
}

// ReasonStrings returns the reasons as plain strings.
func (c Command) ReasonStrings() []string {
	out := make([]string, 0, len(c.Reasons))
	for _, r := range c.Reasons {
		out = append(out, string(r))
	}
	return out
}

// ActiveTopics reports rounds already in flight.
type ActiveTopics interface {
	Active(topic string) (string, bool)
}

// Result separates new rounds from triggers absorbed by active ones.
type Result struct {
	Start    []Command
	Absorbed []Command
}

// Fired reports whether any predicate fired.
func (r Result) Fired() bool { return len(r.Start)+len(r.Absorbed) > 0 }

type firing struct {
	reason Reason
	topic  string
	seeds  []Seed
}

type predicate func(Policy, Signal) []firing

// Evaluator runs every predicate against each signal.
type Evaluator struct {
	policy     Policy
	logger     *slog.Logger
	predicates []predicate
}

func New(policy Policy, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Evaluator{
		policy: policy.normalized(),
		logger: logger,
		predicates: []predicate{
			userRequest,
			agentRequest,
			conflictingEdits,
			disagreement,
			checkpoint,
			phaseTransition,
			periodic,
		},
	}
}

func (e *Evaluator) Policy() Policy { return e.policy }

// Evaluate returns one command per topic. Reasons for the same topic
// coalesce and seeds are merged. Topics with an active round are
// reported as absorbed.
func (e *Evaluator) Evaluate(sig Signal, active ActiveTopics) Result {
	byTopic := map[string]*Command{}
	var order []string
	for _, p := range e.predicates {
		for _, f := range p(e.policy, sig) {
			cmd, ok := byTopic[f.topic]
			if !ok {
				cmd = &Command{Topic: f.topic, Context: sig.Context}
				byTopic[f.topic] = cmd
				order = append(order, f.topic)
			}
			if !containsReason(cmd.Reasons, f.reason) {
				cmd.Reasons = append(cmd.Reasons, f.reason)
			}
			cmd.Seeds = mergeSeeds(cmd.Seeds, f.seeds)
		}
	}
	var res Result
	for _, topic := range order {
		cmd := *byTopic[topic]
		if active != nil {
			if id, ok := active.Active(topic); ok {
				e.logger.Debug("trigger absorbed", "topic", topic, "round", id, "reasons", cmd.ReasonStrings())
				res.Absorbed = append(res.Absorbed, cmd)
				continue
			}
		}
		if len(cmd.Seeds) == 0 {
			e.logger.Debug("trigger dropped without participants", "topic", topic)
			continue
		}
		e.logger.Info("trigger fired", "topic", topic, "reasons", cmd.ReasonStrings(), "seeds", len(cmd.Seeds))
		res.Start = append(res.Start, cmd)
	}
	return res
}

func userRequest(_ Policy, sig Signal) []firing {
	if sig.Kind != SignalUserRequest {
		return nil
	}
	return []firing{{reason: UserRequest, topic: requestTopic(sig), seeds: sig.Agents}}
}

func agentRequest(_ Policy, sig Signal) []firing {
	if sig.Kind != SignalAgentRequest || sig.Requester == "" {
		return nil
	}
	return []firing{{reason: AgentRequest, topic: requestTopic(sig), seeds: sig.Agents}}
}

// conflictingEdits fires once per path touched by two or more agents.
// Reviewers join the editors.
func conflictingEdits(_ Policy, sig Signal) []firing {
	editors := map[string][]string{}
	for _, e := range sig.Edits {
		path := strings.TrimSpace(e.Path)
		if path == "" || e.Agent == "" {
			continue
		}
		if !contains(editors[path], e.Agent) {
			editors[path] = append(editors[path], e.Agent)
		}
	}
	paths := make([]string, 0, len(editors))
	for path, agents := range editors {
		if len(agents) > 1 {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	out := make([]firing, 0, len(paths))
	for _, path := range paths {
		var seeds []Seed
		for _, a := range sig.Agents {
			if contains(editors[path], a.ID) || reviews(a) {
				seeds = append(seeds, a)
			}
		}
		out = append(out, firing{reason: ConflictingEdits, topic: "conflict:" + path, seeds: seeds})
	}
	return out
}

func reviews(s Seed) bool {
	for _, c := range s.Capabilities.All() {
		switch c.(type) {
		case session.Reviewer, session.Coordinator:
			return true
		}
	}
	return false
}

// disagreement fires when the score crosses the threshold upward.
func disagreement(p Policy, sig Signal) []firing {
	if sig.Disagreement < p.DisagreementThreshold || sig.PreviousDisagreement >= p.DisagreementThreshold {
		return nil
	}
	return []firing{{reason: Disagreement, topic: "disagreement:" + phaseName(sig), seeds: sig.Agents}}
}

func checkpoint(p Policy, sig Signal) []firing {
	if sig.Kind != SignalPhaseDone {
		return nil
	}
	if !sig.Checkpoint && !contains(p.CheckpointPhases, sig.Phase) {
		return nil
	}
	return []firing{{reason: Checkpoint, topic: "checkpoint:" + phaseName(sig), seeds: sig.Agents}}
}

func phaseTransition(p Policy, sig Signal) []firing {
	if !p.PhaseTransitionRounds || sig.Kind != SignalPhaseDone {
		return nil
	}
	return []firing{{reason: PhaseTransition, topic: "phase:" + phaseName(sig), seeds: sig.Agents}}
}

func periodic(p Policy, sig Signal) []firing {
	since := sig.LastRoundAt
	if since.IsZero() {
		since = sig.StartedAt
	}
	if p.PeriodicInterval <= 0 || sig.Now.IsZero() || since.IsZero() {
		return nil
	}
	if sig.Now.Sub(since) < p.PeriodicInterval {
		return nil
	}
	return []firing{{reason: Periodic, topic: "periodic:" + phaseName(sig), seeds: sig.Agents}}
}

func requestTopic(sig Signal) string {
	if topic := strings.TrimSpace(sig.Topic); topic != "" {
		return topic
	}
	return "request:" + phaseName(sig)
}

func phaseName(sig Signal) string {
	if sig.Phase != "" {
		return sig.Phase
	}
	return fmt.Sprintf("%d", sig.PhaseIndex)
}

func mergeSeeds(existing, adds []Seed) []Seed {
	for _, s := range adds {
		found := false
		for _, e := range existing {
			if e.ID == s.ID {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, s)
		}
	}
	return existing
}

func containsReason(list []Reason, r Reason) bool {
	for _, existing := range list {
		if existing == r {
			return true
		}
	}
	return false
}

func contains(list []string, value string) bool {
	for _, existing := range list {
		if existing == value {
			return true
		}
	}
	return false
}
