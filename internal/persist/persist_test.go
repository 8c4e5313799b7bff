package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/powermode/internal/session"
)

var epoch = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

// fullSession sets every field, including nil and empty collections, so
// round trips can be compared exactly.
func fullSession(id string) session.Session {
	return session.Session{
		ID:     id,
		PlanID: "plan-1",
		Phases: []session.Phase{
			{
				Name:           "design",
				Required:       []string{"a", "b"},
				Completion:     session.CompletionAllDone,
				Timeout:        90 * time.Second,
				Checkpoint:     true,
				Status:         session.PhaseComplete,
				Dispatched:     true,
				Partial:        true,
				PartialReasons: []string{"b: agent unresponsive"},
				StartedAt:      epoch,
				CompletedAt:    epoch.Add(time.Minute),
			},
			{
				Name:       "build",
				Required:   []string{},
				Completion: session.CompletionQualityGate,
				Status:     session.PhaseRunning,
				Dispatched: true,
				GatePassed: true,
				StartedAt:  epoch.Add(time.Minute),
			},
		},
		Agents: []session.AgentRef{
			{
				ID:             "a",
				Capabilities:   []string{"explorer"},
				Interests:      []string{"api"},
				Status:         session.AgentRunning,
				JoinedAt:       epoch,
				LastCheckIn:    epoch.Add(30 * time.Second),
				CheckedIn:      true,
				StalledWindows: 1,
				Progress:       0.625,
				ToolCalls:      12,
				CurrentTask:    "mapping modules",
				Disagreement:   0.25,
			},
			{
				ID:            "b",
				Status:        session.AgentBlocked,
				JoinedAt:      epoch.Add(time.Nanosecond),
				MissedWindows: 3,
				Blocker:       "waiting on credentials",
			},
		},
		CurrentPhase: 1,
		Status:       session.StatusPaused,
		CreatedAt:    epoch,
		LastActivity: epoch.Add(2 * time.Minute),
		Rule:         session.VotingRule{Name: "strict", Quorum: 80, Approval: 75, Ballot: session.BallotApproval},
		Warnings:     []session.Warning{{Code: session.WarnAgentUnresponsive, Message: "b missed 3 windows", At: epoch.Add(time.Minute)}},
		Insights: []session.Insight{
			{ID: "ins-1", Source: "a", Type: session.InsightDiscovery, Content: "cache is cold", Tags: []string{"api"}, Timestamp: epoch},
			{ID: "ins-2", Source: "a", Type: session.InsightPattern, Content: "cache warms lazily", Tags: []string{}, Timestamp: epoch, Supersedes: "ins-1"},
		},
		Pending: map[string][]string{"b": {"ins-1"}, "c": {}},
		Barrier: &session.Barrier{
			Phase:    1,
			Required: []string{"a"},
			Arrived:  []string{},
			Deadline: epoch.Add(5 * time.Minute),
		},
		Rounds: []session.RoundRecord{{
			ID:         "round-1",
			Topic:      "checkpoint:design",
			Reasons:    []string{"checkpoint"},
			State:      "COMMITTED",
			Visited:    []string{"GATHERING", "PROPOSING", "DISCUSSING", "CONVERGING", "VOTING", "COMMITTED"},
			ProposalID: "round-1-p1",
			Outcome:    "ship it",
			Authors:    []string{"a"},
			Quorum:     100,
			Approval:   66.66666666666667,
			Reason:     "2 approve, 1 reject",
			OpenedAt:   epoch,
			ClosedAt:   epoch.Add(time.Minute),
		}},
		LastRoundAt: epoch.Add(time.Minute),
		Escalated:   []string{"conflict:main.go"},
	}
}

func TestSaveStateRoundTripsEveryField(t *testing.T) {
	want := fullSession("s1")
	blob, err := SaveState(want)
	require.NoError(t, err)

	got, err := LoadState(blob)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSaveStateIsDeterministic(t *testing.T) {
	a, err := SaveState(fullSession("s1"))
	require.NoError(t, err)
	b, err := SaveState(fullSession("s1").Clone())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSaveStateRoundTripsZeroSession(t *testing.T) {
	blob, err := SaveState(session.Session{ID: "empty"})
	require.NoError(t, err)
	got, err := LoadState(blob)
	require.NoError(t, err)
	assert.Equal(t, session.Session{ID: "empty"}, got)
}

func TestLoadStateRejectsGarbageAndUnknownFormat(t *testing.T) {
	_, err := LoadState([]byte("not cbor"))
	assert.Error(t, err)

	blob, err := SaveState(session.Session{ID: "x"})
	require.NoError(t, err)
	// the format field is the first map entry; bump its value
	mutated := append([]byte(nil), blob...)
	for i := range mutated {
		if mutated[i] == 0x01 {
			mutated[i] = 0x02
			break
		}
	}
	_, err = LoadState(mutated)
	assert.ErrorIs(t, err, ErrFormat)
}

func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Load(ctx, "missing")
	require.ErrorIs(t, err, session.ErrStateNotFound)

	first := fullSession("s1")
	require.NoError(t, store.Save(ctx, first))
	require.NoError(t, store.Save(ctx, fullSession("s2")))

	updated := first.Clone()
	updated.Status = session.StatusStopped
	updated.Warnings = append(updated.Warnings, session.Warning{Code: session.WarnBarrierTimeout, At: epoch})
	require.NoError(t, store.Save(ctx, updated))

	got, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, updated, got)

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, ids)

	require.NoError(t, store.Delete(ctx, "s2"))
	require.NoError(t, store.Delete(ctx, "s2"))
	ids, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)

	assert.ErrorIs(t, store.Save(ctx, session.Session{ID: "../escape"}), session.ErrInvalidConfig)
	require.NoError(t, store.Close())
}

func TestFileStore(t *testing.T) {
	store, err := Open(Config{Driver: DriverFile, Path: filepath.Join(t.TempDir(), "state")})
	require.NoError(t, err)
	storeContract(t, store)
}

func TestFileStoreWritesCompressedBlobAtomically(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), fullSession("s1")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "s1.state.zst", entries[0].Name())

	data, err := os.ReadFile(filepath.Join(dir, "s1.state.zst"))
	require.NoError(t, err)
	got, err := DecodeFile(data)
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
}

func TestSQLiteStore(t *testing.T) {
	store, err := Open(Config{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "sessions.db")})
	require.NoError(t, err)
	storeContract(t, store)
}

func TestMemoryStore(t *testing.T) {
	store, err := Open(Config{Driver: DriverMemory})
	require.NoError(t, err)
	storeContract(t, store)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "etcd"})
	assert.ErrorIs(t, err, session.ErrInvalidConfig)
	_, err = Open(Config{Driver: DriverFile})
	assert.ErrorIs(t, err, session.ErrInvalidConfig)
}
