package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/powermode/internal/session"
)

var epoch = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

type activeSet map[string]string

func (a activeSet) Active(topic string) (string, bool) {
	id, ok := a[topic]
	return id, ok
}

func roster() []Seed {
	return []Seed{
		{ID: "impl-1", JoinedAt: epoch, Capabilities: session.NewCapabilitySet(session.Implementer{})},
		{ID: "impl-2", JoinedAt: epoch.Add(time.Second), Capabilities: session.NewCapabilitySet(session.Implementer{})},
		{ID: "rev", JoinedAt: epoch.Add(2 * time.Second), Capabilities: session.NewCapabilitySet(session.Reviewer{})},
		{ID: "explorer", JoinedAt: epoch.Add(3 * time.Second), Capabilities: session.NewCapabilitySet(session.Explorer{})},
	}
}

func seedIDs(seeds []Seed) []string {
	out := make([]string, 0, len(seeds))
	for _, s := range seeds {
		out = append(out, s.ID)
	}
	return out
}

func TestEvaluatePredicates(t *testing.T) {
	cases := []struct {
		name   string
		policy Policy
		sig    Signal
		topic  string
		reason Reason
	}{
		{
			name:   "user request uses the requested topic",
			sig:    Signal{Kind: SignalUserRequest, Topic: "api-shape", Agents: roster()},
			topic:  "api-shape",
			reason: UserRequest,
		},
		{
			name:   "agent request falls back to the phase topic",
			sig:    Signal{Kind: SignalAgentRequest, Requester: "impl-1", Phase: "build", Agents: roster()},
			topic:  "request:build",
			reason: AgentRequest,
		},
		{
			name:   "disagreement crossing",
			sig:    Signal{Kind: SignalCheckIn, Phase: "build", Disagreement: 0.4, PreviousDisagreement: 0.1, Agents: roster()},
			topic:  "disagreement:build",
			reason: Disagreement,
		},
		{
			name:   "checkpoint flagged on the phase",
			sig:    Signal{Kind: SignalPhaseDone, Phase: "design", Checkpoint: true, Agents: roster()},
			topic:  "checkpoint:design",
			reason: Checkpoint,
		},
		{
			name:   "checkpoint listed in policy",
			policy: Policy{CheckpointPhases: []string{"release"}},
			sig:    Signal{Kind: SignalPhaseDone, Phase: "release", Agents: roster()},
			topic:  "checkpoint:release",
			reason: Checkpoint,
		},
		{
			name:   "phase transition when enabled",
			policy: Policy{PhaseTransitionRounds: true},
			sig:    Signal{Kind: SignalPhaseDone, Phase: "build", Agents: roster()},
			topic:  "phase:build",
			reason: PhaseTransition,
		},
		{
			name:   "periodic schedule elapsed",
			policy: Policy{PeriodicInterval: 10 * time.Minute},
			sig:    Signal{Kind: SignalTick, Phase: "build", LastRoundAt: epoch, Now: epoch.Add(10 * time.Minute), Agents: roster()},
			topic:  "periodic:build",
			reason: Periodic,
		},
		{
			name:   "periodic before any round closed",
			policy: Policy{PeriodicInterval: time.Minute},
			sig:    Signal{Kind: SignalTick, Phase: "explore", StartedAt: epoch, Now: epoch.Add(time.Minute), Agents: roster()},
			topic:  "periodic:explore",
			reason: Periodic,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := New(tc.policy, nil).Evaluate(tc.sig, nil)
			require.Len(t, res.Start, 1)
			cmd := res.Start[0]
			assert.Equal(t, tc.topic, cmd.Topic)
			assert.Equal(t, []Reason{tc.reason}, cmd.Reasons)
			assert.Len(t, cmd.Seeds, 4)
		})
	}
}

func TestEvaluateQuietSignals(t *testing.T) {
	cases := []struct {
		name   string
		policy Policy
		sig    Signal
	}{
		{name: "plain check-in", sig: Signal{Kind: SignalCheckIn, Agents: roster()}},
		{name: "disagreement already above threshold", sig: Signal{Kind: SignalCheckIn, Disagreement: 0.9, PreviousDisagreement: 0.5, Agents: roster()}},
		{name: "disagreement below threshold", sig: Signal{Kind: SignalCheckIn, Disagreement: 0.29, Agents: roster()}},
		{name: "phase transition off by default", sig: Signal{Kind: SignalPhaseDone, Phase: "build", Agents: roster()}},
		{name: "periodic disabled", sig: Signal{Kind: SignalTick, LastRoundAt: epoch, Now: epoch.Add(time.Hour), Agents: roster()}},
		{
			name:   "periodic not yet due",
			policy: Policy{PeriodicInterval: time.Hour},
			sig:    Signal{Kind: SignalTick, LastRoundAt: epoch, Now: epoch.Add(59 * time.Minute), Agents: roster()},
		},
		{
			name:   "last round is newer than the session start",
			policy: Policy{PeriodicInterval: time.Hour},
			sig:    Signal{Kind: SignalTick, StartedAt: epoch, LastRoundAt: epoch.Add(30 * time.Minute), Now: epoch.Add(time.Hour), Agents: roster()},
		},
		{
			name:   "periodic without a reference time",
			policy: Policy{PeriodicInterval: time.Minute},
			sig:    Signal{Kind: SignalTick, Now: epoch.Add(time.Hour), Agents: roster()},
		},
		{name: "one agent editing a path twice", sig: Signal{Kind: SignalEdits, Edits: []Edit{{Agent: "impl-1", Path: "a.go"}, {Agent: "impl-1", Path: "a.go"}}, Agents: roster()}},
		{name: "no participants", sig: Signal{Kind: SignalUserRequest, Topic: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := New(tc.policy, nil).Evaluate(tc.sig, nil)
			assert.Empty(t, res.Start)
			assert.Empty(t, res.Absorbed)
		})
	}
}

func TestConflictingEditsSeedsEditorsAndReviewers(t *testing.T) {
	sig := Signal{
		Kind:   SignalEdits,
		Agents: roster(),
		Edits: []Edit{
			{Agent: "impl-1", Path: "store/db.go"},
			{Agent: "impl-2", Path: "store/db.go"},
			{Agent: "explorer", Path: "docs/notes.md"},
			{Agent: "impl-2", Path: "api/api.go"},
			{Agent: "impl-1", Path: "api/api.go"},
		},
	}
	res := New(Policy{}, nil).Evaluate(sig, nil)
	require.Len(t, res.Start, 2)
	assert.Equal(t, "conflict:api/api.go", res.Start[0].Topic)
	assert.Equal(t, "conflict:store/db.go", res.Start[1].Topic)
	assert.Equal(t, []string{"impl-1", "impl-2", "rev"}, seedIDs(res.Start[1].Seeds))
}

func TestEvaluateCoalescesByTopic(t *testing.T) {
	policy := Policy{CheckpointPhases: []string{"build"}, PhaseTransitionRounds: true}
	sig := Signal{Kind: SignalPhaseDone, Phase: "build", Checkpoint: true, Topic: "", Agents: roster()}

	res := New(policy, nil).Evaluate(sig, nil)
	require.Len(t, res.Start, 2)
	assert.Equal(t, "checkpoint:build", res.Start[0].Topic)
	assert.Equal(t, "phase:build", res.Start[1].Topic)

	user := Signal{Kind: SignalUserRequest, Topic: "checkpoint:build", Phase: "build", Checkpoint: true, Agents: roster()}
	res = New(Policy{}, nil).Evaluate(user, nil)
	require.Len(t, res.Start, 1)
	assert.Equal(t, []Reason{UserRequest}, res.Start[0].Reasons)
}

func TestEvaluateSameTopicFromTwoPredicates(t *testing.T) {
	sig := Signal{
		Kind:                 SignalAgentRequest,
		Requester:            "impl-1",
		Topic:                "disagreement:build",
		Phase:                "build",
		Disagreement:         0.5,
		PreviousDisagreement: 0.2,
		Agents:               roster(),
	}
	res := New(Policy{}, nil).Evaluate(sig, nil)
	require.Len(t, res.Start, 1)
	assert.Equal(t, []Reason{AgentRequest, Disagreement}, res.Start[0].Reasons)
	assert.Equal(t, []string{"agent_request", "disagreement"}, res.Start[0].ReasonStrings())
	assert.Len(t, res.Start[0].Seeds, 4)
}

func TestActiveTopicAbsorbsTrigger(t *testing.T) {
	sig := Signal{Kind: SignalUserRequest, Topic: "api-shape", Agents: roster()}
	res := New(Policy{}, nil).Evaluate(sig, activeSet{"api-shape": "round-1"})
	assert.Empty(t, res.Start)
	require.Len(t, res.Absorbed, 1)
	assert.True(t, res.Fired())
}

func TestPolicyDefaults(t *testing.T) {
	p := New(Policy{DisagreementThreshold: 7}, nil).Policy()
	assert.Equal(t, DefaultDisagreementThreshold, p.DisagreementThreshold)
}
