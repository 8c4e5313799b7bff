package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/powermode/internal/clock"
	"github.com/kingrea/powermode/internal/consensus"
	"github.com/kingrea/powermode/internal/events"
	"github.com/kingrea/powermode/internal/persist"
	"github.com/kingrea/powermode/internal/session"
	"github.com/kingrea/powermode/internal/transport"
	"github.com/kingrea/powermode/internal/transport/memory"
)

var epoch = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	t        *testing.T
	clock    *clock.FakeClock
	rec      *events.Recorder
	store    *persist.MemoryStore
	router   *memory.Router
	settings Settings
	reg      *Registry

	mu       sync.Mutex
	launched []Assignment
	onLaunch func(Assignment)
}

func testSettings() Settings {
	return Settings{
		CheckInInterval: 30 * time.Second,
		BarrierTimeout:  10 * time.Minute,
		Consensus: consensus.Settings{Timing: consensus.Timing{
			ProposingTurn: 10 * time.Second,
			Discussion:    30 * time.Second,
			Converging:    5 * time.Second,
			Voting:        20 * time.Second,
			Round:         5 * time.Minute,
		}},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clock:    clock.Fake(epoch),
		rec:      &events.Recorder{},
		store:    persist.NewMemoryStore(),
		settings: testSettings(),
	}
	h.router = memory.New(memory.WithClock(h.clock))
	h.reg = NewRegistry(h.settings, h.deps(h.router))
	t.Cleanup(func() {
		_ = h.reg.Close(context.Background())
		_ = h.router.Close()
	})
	return h
}

func (h *harness) deps(t transport.Transport) Deps {
	return Deps{
		Clock:     h.clock,
		Sink:      h.rec,
		Store:     h.store,
		Transport: t,
		Launcher:  LauncherFunc(h.launch),
	}
}

func (h *harness) launch(_ context.Context, a Assignment) error {
	h.mu.Lock()
	h.launched = append(h.launched, a)
	fn := h.onLaunch
	h.mu.Unlock()
	if fn != nil {
		fn(a)
	}
	return nil
}

func (h *harness) launchCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.launched)
}

func testPlan() session.Plan {
	return session.Plan{
		ID:     "plan-1",
		Phases: []session.PhaseSpec{{Name: "explore"}, {Name: "build"}},
		Agents: []session.AgentSpec{
			{ID: "alpha", Capabilities: []string{"explorer"}},
			{ID: "beta", Capabilities: []string{"implementer"}},
			{ID: "gamma", Capabilities: []string{"reviewer"}},
		},
	}
}

func (h *harness) start(plan session.Plan) *Coordinator {
	h.t.Helper()
	c, err := h.reg.StartSession(context.Background(), StartRequest{ID: "s1", Plan: plan})
	require.NoError(h.t, err)
	return c
}

// sync waits for the loop to apply everything queued so far.
func (h *harness) sync(c *Coordinator) session.Session {
	h.t.Helper()
	s, err := c.Snapshot(context.Background())
	require.NoError(h.t, err)
	return s
}

func (h *harness) step(c *Coordinator, d time.Duration) session.Session {
	h.t.Helper()
	h.clock.Advance(d)
	return h.sync(c)
}

func checkIn(t *testing.T, c *Coordinator, in CheckIn) CheckInResult {
	t.Helper()
	res, err := c.CheckIn(context.Background(), in)
	require.NoError(t, err)
	return res
}

func kinds(ds []Directive) []DirectiveKind {
	out := make([]DirectiveKind, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Kind)
	}
	return out
}

func TestStartSessionRejectsInvalidConfig(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	noPhases := testPlan()
	noPhases.Phases = nil
	_, err := h.reg.StartSession(ctx, StartRequest{Plan: noPhases})
	require.ErrorIs(t, err, session.ErrInvalidConfig)

	noAgents := testPlan()
	noAgents.Agents = nil
	_, err = h.reg.StartSession(ctx, StartRequest{Plan: noAgents})
	require.ErrorIs(t, err, session.ErrInvalidConfig)

	_, err = h.reg.StartSession(ctx, StartRequest{Plan: testPlan(), Preset: "reckless"})
	require.ErrorIs(t, err, session.ErrInvalidConfig)

	assert.Empty(t, h.reg.Sessions())
	assert.Zero(t, h.store.Saves())
}

func TestStartSessionAppliesPreset(t *testing.T) {
	h := newHarness(t)
	plan := testPlan()
	plan.Preset = "quick"
	c := h.start(plan)

	s := h.sync(c)
	assert.Equal(t, session.StatusActive, s.Status)
	assert.Equal(t, "quick", s.Rule.Name)
	assert.Equal(t, []string{"s1"}, h.reg.Sessions())
	assert.Equal(t, 1, h.rec.Count(events.SessionStarted))

	_, err := h.reg.StartSession(context.Background(), StartRequest{ID: "s1", Plan: testPlan()})
	require.ErrorIs(t, err, session.ErrInvalidConfig)
}

func TestSettingsPresetOverrides(t *testing.T) {
	s := Settings{Presets: map[string]session.VotingRule{
		"team":  {Quorum: 75, Approval: 66},
		"quick": {Name: "quick", Quorum: 40, Approval: 40, Ballot: session.BallotSingleChoice},
		"bad":   {Quorum: 0, Approval: 50},
	}}

	rule, err := s.preset("Team")
	require.NoError(t, err)
	assert.Equal(t, session.VotingRule{Name: "team", Quorum: 75, Approval: 66, Ballot: session.BallotApproval}, rule)

	rule, err = s.preset("quick")
	require.NoError(t, err)
	assert.Equal(t, 40.0, rule.Quorum)
	assert.Equal(t, session.BallotSingleChoice, rule.Ballot)

	rule, err = s.preset("strict")
	require.NoError(t, err)
	assert.Equal(t, 80.0, rule.Quorum)

	_, err = s.preset("bad")
	require.ErrorIs(t, err, session.ErrInvalidConfig)
}

func TestDispatchIsIdempotent(t *testing.T) {
	h := newHarness(t)
	c := h.start(testPlan())
	ctx := context.Background()

	res, err := c.Dispatch(ctx, 0)
	require.NoError(t, err)
	assert.False(t, res.Redispatch)
	assert.Len(t, res.Launched, 3)
	assert.Equal(t, 3, h.launchCount())
	assert.Equal(t, epoch.Add(10*time.Minute), res.Launched[0].Deadline)

	again, err := c.Dispatch(ctx, 0)
	require.NoError(t, err)
	assert.True(t, again.Redispatch)
	assert.Empty(t, again.Launched)
	assert.Equal(t, SkipAlreadyRunning, again.Skipped["beta"].Code)
	assert.Equal(t, 3, h.launchCount())

	_, err = c.Dispatch(ctx, 1)
	require.ErrorIs(t, err, session.ErrWrongPhase)

	s := h.sync(c)
	assert.Equal(t, session.PhaseRunning, s.Phases[0].Status)
	assert.Equal(t, session.AgentRunning, s.Agent("gamma").Status)
	require.NotNil(t, s.Barrier)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, s.Barrier.Required)
}

func TestBarrierClosesWhenAllDone(t *testing.T) {
	h := newHarness(t)
	c := h.start(testPlan())
	ctx := context.Background()
	_, err := c.Dispatch(ctx, 0)
	require.NoError(t, err)

	res := checkIn(t, c, CheckIn{Agent: "alpha", Status: StatusDone, Progress: 1})
	assert.Equal(t, []DirectiveKind{Sync}, kinds(res.Directives))
	checkIn(t, c, CheckIn{Agent: "beta", Status: StatusDone, Progress: 1})

	s := h.sync(c)
	assert.False(t, s.Barrier.Closed)
	assert.Equal(t, []string{"gamma"}, s.Barrier.Outstanding())

	res = checkIn(t, c, CheckIn{Agent: "gamma", Status: StatusDone, Progress: 1})
	assert.Empty(t, res.Directives)

	result, err := c.WaitBarrier(ctx, 0, 0)
	require.NoError(t, err)
	assert.False(t, result.Partial)
	assert.False(t, result.TimedOut)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, result.Arrived)
	assert.Empty(t, result.Advanced)

	s = h.sync(c)
	assert.Equal(t, 1, s.CurrentPhase)
	assert.Equal(t, session.PhaseComplete, s.Phases[0].Status)
	assert.Equal(t, 1, h.rec.Count(events.BarrierClosed))
	assert.Equal(t, 1, h.rec.Count(events.PhaseCompleted))
}

func TestUnresponsiveAgentIsEvictedAndBarrierClosesPartially(t *testing.T) {
	h := newHarness(t)
	c := h.start(testPlan())
	ctx := context.Background()
	_, err := c.Dispatch(ctx, 0)
	require.NoError(t, err)

	checkIn(t, c, CheckIn{Agent: "alpha", Status: StatusDone, Progress: 1})
	checkIn(t, c, CheckIn{Agent: "beta", Status: StatusDone, Progress: 1})

	h.step(c, 30*time.Second)
	s := h.step(c, 30*time.Second)
	assert.Equal(t, 2, s.Agent("gamma").MissedWindows)
	assert.Equal(t, session.AgentRunning, s.Agent("gamma").Status)
	assert.False(t, s.Barrier.Closed)

	s = h.step(c, 30*time.Second)
	assert.Equal(t, session.AgentBlocked, s.Agent("gamma").Status)
	assert.Equal(t, 1, s.CurrentPhase)
	assert.True(t, s.Phases[0].Partial)
	require.Len(t, s.Phases[0].PartialReasons, 1)
	assert.Contains(t, s.Phases[0].PartialReasons[0], "gamma unresponsive")

	result, err := c.WaitBarrier(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, result.Partial)
	assert.False(t, result.TimedOut)
	assert.Equal(t, []string{"gamma"}, result.Evicted)
	assert.Equal(t, []string{"gamma"}, result.Advanced)

	var codes []string
	for _, w := range s.Warnings {
		codes = append(codes, w.Code)
	}
	assert.Contains(t, codes, session.WarnAgentUnresponsive)
	assert.Equal(t, 1, h.rec.Count(events.AgentEvicted))

	res := checkIn(t, c, CheckIn{Agent: "gamma", Status: StatusRunning, Progress: 0.2})
	assert.Equal(t, []DirectiveKind{PhaseAdvance, CourseCorrect}, kinds(res.Directives))
	s = h.sync(c)
	assert.Equal(t, session.AgentRunning, s.Agent("gamma").Status)
}

func TestBarrierTimeoutAdvancesStragglers(t *testing.T) {
	h := newHarness(t)
	plan := testPlan()
	plan.Phases[0].Timeout = session.Duration(45 * time.Second)
	c := h.start(plan)
	ctx := context.Background()
	_, err := c.Dispatch(ctx, 0)
	require.NoError(t, err)

	checkIn(t, c, CheckIn{Agent: "alpha", Status: StatusDone, Progress: 1})
	h.step(c, 30*time.Second)
	s := h.step(c, 15*time.Second)
	assert.True(t, s.Barrier.TimedOut)
	assert.Equal(t, 1, s.CurrentPhase)

	result, err := c.WaitBarrier(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, result.TimedOut)
	assert.True(t, result.Partial)
	assert.Equal(t, []string{"beta", "gamma"}, result.Advanced)
	assert.Equal(t, 45*time.Second, result.Waited)
	assert.Equal(t, session.WarnBarrierTimeout, s.Warnings[0].Code)

	res := checkIn(t, c, CheckIn{Agent: "beta", Status: StatusRunning, Progress: 0.5})
	assert.Equal(t, []DirectiveKind{PhaseAdvance}, kinds(res.Directives))
}

func TestWaitBarrierTimeoutShortensDeadline(t *testing.T) {
	h := newHarness(t)
	c := h.start(testPlan())
	ctx := context.Background()
	_, err := c.Dispatch(ctx, 0)
	require.NoError(t, err)

	done := make(chan BarrierResult, 1)
	go func() {
		res, err := c.WaitBarrier(ctx, 0, 20*time.Second)
		if err == nil {
			done <- res
		}
	}()
	require.Eventually(t, func() bool {
		s, err := c.Snapshot(ctx)
		return err == nil && s.Barrier.Deadline.Equal(epoch.Add(20*time.Second))
	}, time.Second, time.Millisecond)

	h.step(c, 20*time.Second)
	select {
	case res := <-done:
		assert.True(t, res.TimedOut)
		assert.Len(t, res.Advanced, 3)
	case <-time.After(time.Second):
		t.Fatal("barrier did not close")
	}
}

func TestWaitBarrierRejectsUndispatchedPhase(t *testing.T) {
	h := newHarness(t)
	c := h.start(testPlan())
	_, err := c.WaitBarrier(context.Background(), 0, 0)
	require.ErrorIs(t, err, session.ErrWrongPhase)
	_, err = c.WaitBarrier(context.Background(), 7, 0)
	require.ErrorIs(t, err, session.ErrInvalidConfig)
}

func TestQualityGateClosesPhase(t *testing.T) {
	h := newHarness(t)
	plan := testPlan()
	plan.Phases[0].QualityGate = true
	c := h.start(plan)
	ctx := context.Background()

	require.ErrorIs(t, c.SignalQualityGate(ctx, 1), session.ErrWrongPhase)
	_, err := c.Dispatch(ctx, 0)
	require.NoError(t, err)
	checkIn(t, c, CheckIn{Agent: "alpha", Status: StatusDone, Progress: 1})
	require.NoError(t, c.SignalQualityGate(ctx, 0))

	result, err := c.WaitBarrier(ctx, 0, 0)
	require.NoError(t, err)
	assert.False(t, result.Partial)
	assert.Equal(t, []string{"beta", "gamma"}, result.Advanced)
	assert.True(t, h.sync(c).Phases[0].GatePassed)
}

func TestCheckInDeliversRelevantInsightsOnce(t *testing.T) {
	h := newHarness(t)
	c := h.start(testPlan())

	discovery := session.Insight{Type: session.InsightDiscovery, Content: "module graph is acyclic", Tags: []string{"architecture"}}
	checkIn(t, c, CheckIn{Agent: "beta", Status: StatusRunning, Insights: []session.Insight{discovery}})
	checkIn(t, c, CheckIn{Agent: "beta", Status: StatusRunning, Insights: []session.Insight{discovery}})

	res := checkIn(t, c, CheckIn{Agent: "alpha", Status: StatusRunning})
	require.Len(t, res.Insights, 1)
	assert.Equal(t, "beta", res.Insights[0].Source)
	assert.Equal(t, "module graph is acyclic", res.Insights[0].Content)

	res = checkIn(t, c, CheckIn{Agent: "gamma", Status: StatusRunning})
	assert.Empty(t, res.Insights)

	res = checkIn(t, c, CheckIn{Agent: "alpha", Status: StatusRunning})
	assert.Empty(t, res.Insights)

	assert.Equal(t, 1, h.rec.Count(events.InsightPublished))
	assert.Equal(t, 1, h.rec.Count(events.InsightDuplicate))
	assert.Len(t, h.sync(c).Insights, 1)
}

func TestCheckInRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	c := h.start(testPlan())
	ctx := context.Background()

	_, err := c.CheckIn(ctx, CheckIn{Agent: "nobody"})
	require.ErrorIs(t, err, session.ErrUnknownAgent)
	_, err = c.CheckIn(ctx, CheckIn{Agent: "alpha", Status: "sleeping"})
	require.ErrorIs(t, err, session.ErrInvalidConfig)
	_, err = c.CheckIn(ctx, CheckIn{Agent: "alpha", Insights: []session.Insight{{Type: "rumour", Content: "x"}}})
	require.Error(t, err)

	s := h.sync(c)
	assert.True(t, s.Agent("alpha").LastCheckIn.IsZero())
}

func TestBlockerRaisesDriftAlert(t *testing.T) {
	h := newHarness(t)
	c := h.start(testPlan())

	res := checkIn(t, c, CheckIn{Agent: "beta", Status: StatusRunning, Blocker: "migration lock held"})
	assert.Equal(t, []DirectiveKind{DriftAlert}, kinds(res.Directives))

	// the same blocker again is not news
	res = checkIn(t, c, CheckIn{Agent: "beta", Status: StatusRunning, Blocker: "migration lock held"})
	assert.Empty(t, res.Directives)

	s := h.sync(c)
	require.Len(t, s.Insights, 1)
	assert.Equal(t, session.InsightBlocker, s.Insights[0].Type)
	assert.Equal(t, "migration lock held", s.Agent("beta").Blocker)
}

func TestStalledAgentGetsDriftAlert(t *testing.T) {
	h := newHarness(t)
	c := h.start(testPlan())
	_, err := c.Dispatch(context.Background(), 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		checkIn(t, c, CheckIn{Agent: "alpha", Status: StatusRunning, Progress: 0.1})
		h.step(c, 30*time.Second)
	}
	res := checkIn(t, c, CheckIn{Agent: "alpha", Status: StatusRunning, Progress: 0.1})
	assert.Equal(t, []DirectiveKind{DriftAlert}, kinds(res.Directives))
	s := h.sync(c)
	assert.Equal(t, 2, s.Agent("alpha").StalledWindows)
}

func TestPauseSuspendsEviction(t *testing.T) {
	h := newHarness(t)
	c := h.start(testPlan())
	ctx := context.Background()
	_, err := c.Dispatch(ctx, 0)
	require.NoError(t, err)

	require.NoError(t, c.Pause(ctx))
	require.ErrorIs(t, c.Pause(ctx), session.ErrWrongPhase)
	for i := 0; i < 5; i++ {
		h.step(c, 30*time.Second)
	}
	s := h.sync(c)
	assert.Equal(t, session.StatusPaused, s.Status)
	assert.Equal(t, session.AgentRunning, s.Agent("gamma").Status)
	assert.Zero(t, s.Agent("gamma").MissedWindows)

	require.NoError(t, c.Resume(ctx))
	s = h.sync(c)
	assert.Equal(t, session.StatusActive, s.Status)
	assert.Equal(t, h.clock.Now().Add(10*time.Minute), s.Barrier.Deadline)
	assert.Equal(t, 1, h.rec.Count(events.SessionPaused))
	assert.Equal(t, 1, h.rec.Count(events.SessionResumed))

	saved, err := h.store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, saved.Status)
}

func TestUserRequestedRoundCommits(t *testing.T) {
	h := newHarness(t)
	c := h.start(testPlan())
	ctx := context.Background()

	id, err := c.RequestConsensus(ctx, "", "schema", "pick a storage schema")
	require.NoError(t, err)
	snap, ok := c.Round(id)
	require.True(t, ok)
	assert.Equal(t, consensus.Proposing, snap.State)
	assert.Equal(t, "alpha", snap.Ring.Holder)

	again, err := c.RequestConsensus(ctx, "beta", "schema", "")
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, h.rec.Count(events.TriggerAbsorbed))

	proposal, err := c.Submit(ctx, id, "alpha", "use one table per session")
	require.NoError(t, err)
	_, err = c.Submit(ctx, id, "gamma", "out of turn")
	require.ErrorIs(t, err, session.ErrNotYourTurn)
	require.NoError(t, c.Pass(ctx, id, "beta"))
	require.NoError(t, c.Pass(ctx, id, "gamma"))

	require.NoError(t, c.Discuss(ctx, id, "gamma", "fine by me"))
	for _, agent := range []string{"alpha", "beta", "gamma"} {
		require.NoError(t, c.Yield(ctx, id, agent))
	}
	snap, _ = c.Round(id)
	require.Equal(t, consensus.Voting, snap.State)

	require.NoError(t, c.Vote(ctx, id, "alpha", proposal, consensus.Approve))
	require.NoError(t, c.Vote(ctx, id, "beta", proposal, consensus.Approve))
	require.NoError(t, c.Vote(ctx, id, "gamma", proposal, consensus.Reject))

	s := h.sync(c)
	require.Len(t, s.Rounds, 1)
	assert.Equal(t, string(consensus.Committed), s.Rounds[0].State)
	assert.Equal(t, "use one table per session", s.Rounds[0].Outcome)
	assert.Equal(t, epoch, s.LastRoundAt)
	assert.Equal(t, 1, h.rec.Count(events.RoundCommitted))

	res := checkIn(t, c, CheckIn{Agent: "gamma", Status: StatusRunning})
	require.Equal(t, []DirectiveKind{CourseCorrect}, kinds(res.Directives))
	assert.Contains(t, res.Directives[0].Text, "use one table per session")
}

func TestPeriodicRoundOpensBeforeAnyRoundClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	settings := testSettings()
	settings.Triggers.PeriodicInterval = time.Minute
	reg := NewRegistry(settings, h.deps(h.router))
	defer reg.Close(ctx)

	c, err := reg.StartSession(ctx, StartRequest{ID: "s3", Plan: testPlan()})
	require.NoError(t, err)
	_, err = c.Dispatch(ctx, 0)
	require.NoError(t, err)

	for window := 0; window < 2; window++ {
		_, open := c.Engine().Active("periodic:explore")
		assert.False(t, open, "window %d", window)
		for _, agent := range []string{"alpha", "beta", "gamma"} {
			checkIn(t, c, CheckIn{Agent: agent, Status: StatusRunning, Progress: 0.1 * float64(window+1)})
		}
		h.step(c, 30*time.Second)
	}

	id, open := c.Engine().Active("periodic:explore")
	require.True(t, open)
	snap, _ := c.Round(id)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, snap.Ring.Members)
	assert.Equal(t, 1, h.rec.Count(events.TriggerFired))
	assert.True(t, h.sync(c).LastRoundAt.IsZero())
}

func TestDispatchMidWindowSkipsPartialWindow(t *testing.T) {
	h := newHarness(t)
	c := h.start(testPlan())
	ctx := context.Background()

	h.step(c, 10*time.Second)
	_, err := c.Dispatch(ctx, 0)
	require.NoError(t, err)

	s := h.step(c, 20*time.Second)
	assert.Zero(t, s.Agent("gamma").MissedWindows)
	h.step(c, 30*time.Second)
	s = h.step(c, 30*time.Second)
	assert.Equal(t, 2, s.Agent("gamma").MissedWindows)
	assert.Equal(t, session.AgentRunning, s.Agent("gamma").Status)

	s = h.step(c, 30*time.Second)
	assert.Equal(t, session.AgentBlocked, s.Agent("gamma").Status)
	assert.Equal(t, 3, s.Agent("gamma").MissedWindows)
}

func TestDiscussionNotesReachRingMembers(t *testing.T) {
	h := newHarness(t)
	c := h.start(testPlan())
	ctx := context.Background()

	id, err := c.RequestConsensus(ctx, "", "schema", "")
	require.NoError(t, err)
	for _, agent := range []string{"alpha", "beta", "gamma"} {
		require.NoError(t, c.Pass(ctx, id, agent))
	}
	require.NoError(t, c.Discuss(ctx, id, "gamma", "one table per session keeps resume simple"))

	for _, agent := range []string{"alpha", "beta"} {
		res := checkIn(t, c, CheckIn{Agent: agent, Status: StatusRunning})
		require.Len(t, res.Insights, 1, agent)
		assert.Equal(t, "gamma", res.Insights[0].Source)
		assert.Equal(t, "one table per session keeps resume simple", res.Insights[0].Content)
		assert.Equal(t, []string{"schema"}, res.Insights[0].Tags)
	}
	res := checkIn(t, c, CheckIn{Agent: "gamma", Status: StatusRunning})
	assert.Empty(t, res.Insights)
	assert.Equal(t, 1, h.rec.Count(events.InsightPublished))
}

func TestRepeatedAbortsEscalate(t *testing.T) {
	h := newHarness(t)
	c := h.start(testPlan())
	ctx := context.Background()
	agents := []string{"alpha", "beta", "gamma"}

	for i := 0; i < 2; i++ {
		id, err := c.RequestConsensus(ctx, "", "api", "")
		require.NoError(t, err)
		for _, agent := range agents {
			require.NoError(t, c.Pass(ctx, id, agent))
		}
		for _, agent := range agents {
			require.NoError(t, c.Yield(ctx, id, agent))
		}
		snap, _ := c.Round(id)
		require.Equal(t, consensus.Aborted, snap.State)
	}

	s := h.sync(c)
	assert.Equal(t, []string{"api"}, s.Escalated)
	assert.Equal(t, 2, h.rec.Count(events.RoundAborted))
	assert.Equal(t, 1, h.rec.Count(events.Escalated))

	sub, err := h.router.Subscribe(ctx, transport.Escalation)
	require.NoError(t, err)
	defer sub.Close()
	select {
	case msg := <-sub.Messages():
		assert.Equal(t, transport.KindEscalation, msg.Kind)
		var rec session.RoundRecord
		require.NoError(t, msg.Decode(&rec))
		assert.Equal(t, "api", rec.Topic)
	case <-time.After(time.Second):
		t.Fatal("no escalation message")
	}
}

func TestConflictingEditsOpenRound(t *testing.T) {
	h := newHarness(t)
	c := h.start(testPlan())

	checkIn(t, c, CheckIn{Agent: "alpha", Status: StatusRunning, Edits: []string{"store.go"}})
	_, open := c.Engine().Active("conflict:store.go")
	assert.False(t, open)

	checkIn(t, c, CheckIn{Agent: "beta", Status: StatusRunning, Edits: []string{"store.go"}})
	id, open := c.Engine().Active("conflict:store.go")
	require.True(t, open)
	snap, _ := c.Round(id)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, snap.Ring.Members)
	assert.Equal(t, 1, h.rec.Count(events.TriggerFired))

	require.NoError(t, c.ReportEdits(context.Background(), "gamma", "store.go"))
	assert.GreaterOrEqual(t, h.rec.Count(events.TriggerAbsorbed), 1)
}

func TestLeaveDropsAgentFromBarrier(t *testing.T) {
	h := newHarness(t)
	c := h.start(testPlan())
	ctx := context.Background()
	_, err := c.Dispatch(ctx, 0)
	require.NoError(t, err)

	checkIn(t, c, CheckIn{Agent: "alpha", Status: StatusDone})
	checkIn(t, c, CheckIn{Agent: "beta", Status: StatusDone})
	require.NoError(t, c.Leave(ctx, "gamma"))
	require.ErrorIs(t, c.Leave(ctx, "gamma"), session.ErrUnknownAgent)

	result, err := c.WaitBarrier(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, result.Partial)
	assert.Equal(t, []string{"gamma"}, result.Evicted)

	_, err = c.CheckIn(ctx, CheckIn{Agent: "gamma"})
	require.ErrorIs(t, err, session.ErrUnknownAgent)

	require.NoError(t, c.Join(ctx, session.AgentSpec{ID: "delta", Capabilities: []string{"tester"}}))
	s := h.sync(c)
	assert.Equal(t, session.AgentPending, s.Agent("delta").Status)
	assert.Equal(t, 1, h.rec.Count(events.AgentJoined))
}

func TestStopIsIdempotentAndPersistsFinalState(t *testing.T) {
	h := newHarness(t)
	c := h.start(testPlan())
	ctx := context.Background()

	id, err := c.RequestConsensus(ctx, "", "naming", "")
	require.NoError(t, err)

	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, h.reg.Stop(ctx, "s1"))

	snap, _ := c.Round(id)
	assert.Equal(t, consensus.Aborted, snap.State)

	s := h.sync(c)
	assert.Equal(t, session.StatusStopped, s.Status)
	require.Len(t, s.Rounds, 1)
	assert.Equal(t, "session stopped", s.Rounds[0].Reason)
	assert.Equal(t, 1, h.rec.Count(events.SessionStopped))

	saved, err := h.store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusStopped, saved.Status)

	_, err = c.CheckIn(ctx, CheckIn{Agent: "alpha"})
	require.ErrorIs(t, err, session.ErrSessionStopped)
	_, err = h.reg.Resume(ctx, "s1")
	require.ErrorIs(t, err, session.ErrSessionStopped)
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestResumeFromPersistedState(t *testing.T) {
	h := newHarness(t)
	c := h.start(testPlan())
	ctx := context.Background()
	_, err := c.Dispatch(ctx, 0)
	require.NoError(t, err)
	checkIn(t, c, CheckIn{Agent: "alpha", Status: StatusDone})
	h.sync(c)

	other := memory.New(memory.WithClock(h.clock))
	defer other.Close()
	reg := NewRegistry(h.settings, h.deps(other))
	defer reg.Close(ctx)

	_, err = reg.Resume(ctx, "missing")
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	resumed, err := reg.Resume(ctx, "s1")
	require.NoError(t, err)
	s := h.sync(resumed)
	assert.Equal(t, session.StatusActive, s.Status)
	assert.Equal(t, []string{"alpha"}, s.Barrier.Arrived)

	checkIn(t, resumed, CheckIn{Agent: "beta", Status: StatusDone})
	checkIn(t, resumed, CheckIn{Agent: "gamma", Status: StatusDone})
	result, err := resumed.WaitBarrier(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, result.Arrived)
}

func TestRunDrivesEveryPhase(t *testing.T) {
	h := newHarness(t)
	var c *Coordinator
	ready := make(chan struct{})
	h.onLaunch = func(a Assignment) {
		go func() {
			<-ready
			_, _ = c.CheckIn(context.Background(), CheckIn{Agent: a.Agent, Status: StatusDone, Progress: 1, CurrentTask: a.Phase})
		}()
	}
	c = h.start(testPlan())
	close(ready)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := c.Run(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "explore", results[0].Name)
	assert.Equal(t, "build", results[1].Name)
	assert.False(t, results[1].Partial)

	s := h.sync(c)
	assert.Equal(t, session.StatusCompleted, s.Status)
	assert.Equal(t, 1, h.rec.Count(events.SessionCompleted))
	assert.Equal(t, 6, h.launchCount())
}

func TestRemoteCheckInOverTransport(t *testing.T) {
	h := newHarness(t)
	c := h.start(testPlan())
	ctx := context.Background()

	msg, err := transport.NewMessage(transport.KindCheckIn, "alpha", "s1", CheckIn{Agent: "alpha", Status: StatusRunning, Progress: 0.4})
	require.NoError(t, err)
	require.NoError(t, h.router.Publish(ctx, transport.Commands, msg))

	require.Eventually(t, func() bool {
		s, err := c.Snapshot(ctx)
		return err == nil && s.Agent("alpha").Progress == 0.4
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.rec.Count(events.AgentCheckedIn))
}

func TestTransportExhaustionStopsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	router := memory.New(memory.WithClock(h.clock))
	fb, err := transport.NewFallback(ctx, nil, memory.Factory(router))
	require.NoError(t, err)
	reg := NewRegistry(h.settings, h.deps(fb))
	defer reg.Close(ctx)

	c, err := reg.StartSession(ctx, StartRequest{ID: "s2", Plan: testPlan()})
	require.NoError(t, err)
	require.NoError(t, router.Close())

	_, err = c.CheckIn(ctx, CheckIn{Agent: "alpha", Status: StatusRunning})
	require.NoError(t, err)
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("session kept running without a transport")
	}
	require.ErrorIs(t, c.Err(), transport.ErrExhausted)

	saved, err := h.store.Load(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, session.StatusStopped, saved.Status)

	fresh := memory.New(memory.WithClock(h.clock))
	defer fresh.Close()
	again := NewRegistry(h.settings, h.deps(fresh))
	defer again.Close(ctx)
	resumed, err := again.Resume(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, h.sync(resumed).Status)
}
