package consensus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/powermode/internal/clock"
	"github.com/kingrea/powermode/internal/events"
	"github.com/kingrea/powermode/internal/session"
)

var testTiming = Timing{
	ProposingTurn: 10 * time.Second,
	Discussion:    30 * time.Second,
	Converging:    5 * time.Second,
	Voting:        20 * time.Second,
	Round:         5 * time.Minute,
}

type harness struct {
	engine *Engine
	clock  *clock.FakeClock
	rec    *events.Recorder
}

func newHarness(t *testing.T, timing Timing) *harness {
	t.Helper()
	h := &harness{clock: clock.Fake(epoch), rec: &events.Recorder{}}
	n := 0
	h.engine = New(Settings{Timing: timing},
		WithClock(h.clock),
		WithSink(h.rec),
		WithIDs(func() string {
			n++
			return fmt.Sprintf("round-%d", n)
		}),
	)
	t.Cleanup(h.engine.Close)
	return h
}

func (h *harness) start(t *testing.T, topic, rule string, ids ...string) string {
	t.Helper()
	res, err := h.engine.Start(StartRequest{
		SessionID:    "s1",
		Topic:        topic,
		Reasons:      []string{"user_request"},
		Participants: members(ids...),
		Rule:         preset(t, rule),
	})
	require.NoError(t, err)
	require.True(t, res.Started)
	return res.RoundID
}

func (h *harness) state(t *testing.T, id string) State {
	t.Helper()
	snap, ok := h.engine.Snapshot(id)
	require.True(t, ok)
	return snap.State
}

func assertForwardOnly(t *testing.T, visited []State) {
	t.Helper()
	for i := 1; i < len(visited); i++ {
		assert.Greater(t, visited[i].rank(), visited[i-1].rank(), "visited %v", visited)
	}
}

func TestEngineCommitsAfterFullProtocol(t *testing.T) {
	h := newHarness(t, testTiming)
	id := h.start(t, "phase:design", "default", "a", "b", "c")
	require.Equal(t, Proposing, h.state(t, id))

	pid, err := h.engine.Submit(id, "a", "Split the store into read and write paths")
	require.NoError(t, err)
	assert.Equal(t, "round-1-p1", pid)
	require.NoError(t, h.engine.Pass(id, "b"))
	require.NoError(t, h.engine.Pass(id, "c"))
	require.Equal(t, Discussing, h.state(t, id))

	require.NoError(t, h.engine.Discuss(id, "b", "fine by me"))
	for _, agent := range []string{"a", "b", "c"} {
		require.NoError(t, h.engine.Yield(id, agent))
	}
	// a single ballot option skips the converging wait
	require.Equal(t, Voting, h.state(t, id))

	require.NoError(t, h.engine.Vote(id, "a", pid, Approve))
	require.NoError(t, h.engine.Vote(id, "b", pid, Approve))
	require.NoError(t, h.engine.Vote(id, "c", pid, Reject))

	snap, err := h.engine.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, Committed, snap.State)
	require.NotNil(t, snap.Outcome)
	assert.Equal(t, pid, snap.Outcome.ProposalID)
	assert.Equal(t, []State{Gathering, Proposing, Discussing, Converging, Voting, Committed}, snap.Visited)
	assert.Equal(t, epoch, snap.ClosedAt)

	rec := snap.Record()
	assert.Equal(t, "COMMITTED", rec.State)
	assert.Equal(t, []string{"a"}, rec.Authors)
	assert.Equal(t, []string{"user_request"}, rec.Reasons)

	assert.Equal(t, 1, h.rec.Count(events.RoundOpened))
	assert.Equal(t, 4, h.rec.Count(events.RoundState))
	assert.Equal(t, 1, h.rec.Count(events.RoundCommitted))
	_, active := h.engine.Active("phase:design")
	assert.False(t, active)
	require.Len(t, h.engine.History(), 1)
}

func TestEngineRejectsOutOfTurnAndWrongState(t *testing.T) {
	h := newHarness(t, testTiming)
	id := h.start(t, "t", "default", "a", "b")

	_, err := h.engine.Submit(id, "b", "me first")
	assert.ErrorIs(t, err, session.ErrNotYourTurn)
	_, err = h.engine.Submit(id, "x", "outsider")
	assert.ErrorIs(t, err, session.ErrNotParticipant)
	assert.ErrorIs(t, h.engine.Vote(id, "a", "round-1-p1", Approve), session.ErrWrongPhase)
	assert.ErrorIs(t, h.engine.Yield(id, "a"), session.ErrWrongPhase)
	assert.ErrorIs(t, h.engine.Pass("nope", "a"), ErrUnknownRound)
}

func TestEngineTurnTimeoutsForfeitAndCatchUp(t *testing.T) {
	h := newHarness(t, testTiming)
	id := h.start(t, "t", "default", "a", "b", "c")

	// a and b both time out within one clock jump
	h.clock.Advance(25 * time.Second)
	snap, _ := h.engine.Snapshot(id)
	require.Equal(t, Proposing, snap.State)
	assert.Equal(t, "c", snap.Ring.Holder)
	assert.Equal(t, epoch.Add(30*time.Second), snap.Ring.TurnDeadline)

	h.clock.Advance(5 * time.Second)
	assert.Equal(t, Discussing, h.state(t, id))

	h.clock.Advance(30 * time.Second)
	snap, err := h.engine.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, Aborted, snap.State)
	assert.Equal(t, "no proposals", snap.Outcome.Reason)
	assertForwardOnly(t, snap.Visited)
	assert.Equal(t, 1, h.rec.Count(events.RoundAborted))
}

func TestEngineQuorumMissedAtVotingDeadline(t *testing.T) {
	h := newHarness(t, testTiming)
	id := h.start(t, "t", "default", "a", "b", "c", "d")

	pid, err := h.engine.Submit(id, "a", "keep the current schema")
	require.NoError(t, err)
	for _, agent := range []string{"b", "c", "d"} {
		require.NoError(t, h.engine.Pass(id, agent))
	}
	h.clock.Advance(30 * time.Second)
	require.Equal(t, Voting, h.state(t, id))
	require.NoError(t, h.engine.Vote(id, "a", pid, Approve))

	h.clock.Advance(20 * time.Second)
	snap, err := h.engine.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, Aborted, snap.State)
	assert.Contains(t, snap.Outcome.Reason, "quorum not met")
	assert.InDelta(t, 25.0, snap.Outcome.Quorum, 0.001)
}

func TestEngineLastVoteWins(t *testing.T) {
	h := newHarness(t, testTiming)
	id := h.start(t, "t", "quick", "a", "b")

	pid, err := h.engine.Submit(id, "a", "option")
	require.NoError(t, err)
	require.NoError(t, h.engine.Pass(id, "b"))
	require.NoError(t, h.engine.Yield(id, "a"))
	require.NoError(t, h.engine.Yield(id, "b"))
	require.Equal(t, Voting, h.state(t, id))

	require.NoError(t, h.engine.Vote(id, "a", pid, Reject))
	require.NoError(t, h.engine.Vote(id, "a", pid, Approve))
	snap, _ := h.engine.Snapshot(id)
	require.Len(t, snap.Votes, 1)
	assert.Equal(t, Approve, snap.Votes[0].Value)

	require.NoError(t, h.engine.Vote(id, "b", pid, Abstain))
	assert.Equal(t, Committed, h.state(t, id))
}

func TestEngineConvergesDuplicateProposals(t *testing.T) {
	h := newHarness(t, testTiming)
	id := h.start(t, "t", "quick", "a", "b", "c")

	p1, err := h.engine.Submit(id, "a", "Cache the resolver results")
	require.NoError(t, err)
	_, err = h.engine.Submit(id, "b", "cache the resolver results.")
	require.NoError(t, err)
	p3, err := h.engine.Submit(id, "c", "Remove the resolver entirely")
	require.NoError(t, err)
	for _, agent := range []string{"a", "b", "c"} {
		require.NoError(t, h.engine.Yield(id, agent))
	}
	require.Equal(t, Converging, h.state(t, id))
	snap, _ := h.engine.Snapshot(id)
	require.Len(t, snap.Ballots, 2)
	assert.Equal(t, []string{"a", "b"}, snap.Ballots[0].Authors)

	assert.ErrorIs(t, h.engine.Withdraw(id, "a", p3), session.ErrNotParticipant)
	require.NoError(t, h.engine.Withdraw(id, "c", p3))
	// one option left, voting opens at once
	require.Equal(t, Voting, h.state(t, id))

	for _, agent := range []string{"a", "b", "c"} {
		require.NoError(t, h.engine.Vote(id, agent, p1, Approve))
	}
	snap, _ = h.engine.Snapshot(id)
	require.Equal(t, Committed, snap.State)
	assert.Equal(t, []string{"a", "b"}, snap.Outcome.Authors)
}

func TestEngineLateJoinerProposesButCannotVote(t *testing.T) {
	h := newHarness(t, testTiming)
	id := h.start(t, "t", "quick", "a", "b")

	require.NoError(t, h.engine.Pass(id, "a"))
	h.engine.JoinAll(Participant{ID: "late", JoinedAt: epoch.Add(time.Minute)})
	require.NoError(t, h.engine.Pass(id, "b"))

	pid, err := h.engine.Submit(id, "late", "late idea")
	require.NoError(t, err)
	require.Equal(t, Discussing, h.state(t, id))
	for _, agent := range []string{"a", "b", "late"} {
		require.NoError(t, h.engine.Yield(id, agent))
	}
	require.Equal(t, Voting, h.state(t, id))

	assert.ErrorIs(t, h.engine.Vote(id, "late", pid, Approve), session.ErrNotParticipant)
	require.NoError(t, h.engine.Vote(id, "a", pid, Approve))
	require.NoError(t, h.engine.Vote(id, "b", pid, Approve))
	snap, _ := h.engine.Snapshot(id)
	assert.Equal(t, Committed, snap.State)
	assert.Equal(t, []string{"a", "b"}, snap.Eligible)
}

func TestEngineLeaverVoteStandsAndEarlyCloseSkipsThem(t *testing.T) {
	h := newHarness(t, testTiming)
	id := h.start(t, "t", "default", "a", "b", "c")

	pid, err := h.engine.Submit(id, "a", "go")
	require.NoError(t, err)
	require.NoError(t, h.engine.Pass(id, "b"))
	require.NoError(t, h.engine.Pass(id, "c"))
	for _, agent := range []string{"a", "b", "c"} {
		require.NoError(t, h.engine.Yield(id, agent))
	}
	require.NoError(t, h.engine.Vote(id, "c", pid, Approve))
	h.engine.LeaveAll("c")
	require.NoError(t, h.engine.Vote(id, "a", pid, Approve))
	require.NoError(t, h.engine.Vote(id, "b", pid, Reject))

	snap, _ := h.engine.Snapshot(id)
	require.Equal(t, Committed, snap.State)
	assert.Len(t, snap.Votes, 3)
}

func TestEngineHolderLeavingPassesToken(t *testing.T) {
	h := newHarness(t, testTiming)
	id := h.start(t, "t", "default", "a", "b", "c")

	require.NoError(t, h.engine.Leave(id, "a"))
	snap, _ := h.engine.Snapshot(id)
	assert.Equal(t, "b", snap.Ring.Holder)
	assert.Equal(t, []string{"b", "c"}, snap.Ring.Members)
}

func TestEngineCoalescesTriggersByTopic(t *testing.T) {
	h := newHarness(t, testTiming)
	id := h.start(t, "conflict:main.go", "default", "a", "b")

	res, err := h.engine.Start(StartRequest{
		Topic:        "conflict:main.go",
		Reasons:      []string{"conflicting_edits"},
		Participants: members("a", "b"),
		Rule:         preset(t, "default"),
	})
	require.NoError(t, err)
	assert.False(t, res.Started)
	assert.Equal(t, id, res.RoundID)

	snap, _ := h.engine.Snapshot(id)
	assert.Equal(t, []string{"user_request", "conflicting_edits"}, snap.Reasons)
	assert.Equal(t, []string{"conflict:main.go"}, h.engine.ActiveTopics())
	assert.Equal(t, 1, h.rec.Count(events.RoundOpened))
}

func TestEngineRoundDeadlineAborts(t *testing.T) {
	timing := testTiming
	timing.Gathering = 10 * time.Minute
	timing.Round = time.Minute
	h := newHarness(t, timing)
	id := h.start(t, "t", "default", "a")
	require.Equal(t, Gathering, h.state(t, id))

	h.clock.Advance(time.Minute)
	snap, _ := h.engine.Snapshot(id)
	assert.Equal(t, Aborted, snap.State)
	assert.Equal(t, "round deadline elapsed", snap.Outcome.Reason)
	assert.Equal(t, []State{Gathering, Aborted}, snap.Visited)
}

func TestEngineTerminalRoundsRejectOperations(t *testing.T) {
	h := newHarness(t, testTiming)
	id := h.start(t, "t", "default", "a")
	h.engine.AbortAll("session stopped")

	assert.Equal(t, Aborted, h.state(t, id))
	assert.ErrorIs(t, h.engine.Pass(id, "a"), session.ErrWrongPhase)
	assert.Empty(t, h.engine.Open())

	// a fresh round may open on the same topic once the old one closed
	res, err := h.engine.Start(StartRequest{Topic: "t", Participants: members("a"), Rule: preset(t, "default")})
	require.NoError(t, err)
	assert.True(t, res.Started)
	assert.NotEqual(t, id, res.RoundID)
}

func TestEngineWaitHonoursContext(t *testing.T) {
	h := newHarness(t, testTiming)
	id := h.start(t, "t", "default", "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.engine.Wait(ctx, id)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngineClosedRejectsStart(t *testing.T) {
	h := newHarness(t, testTiming)
	h.engine.Close()
	_, err := h.engine.Start(StartRequest{Topic: "t", Participants: members("a"), Rule: preset(t, "default")})
	assert.ErrorIs(t, err, ErrClosed)
}
