package logbook

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/powermode/internal/events"
)

func TestTailReturnsRecentLinesAndTotal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.log")
	book, err := New(path)
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	for i := 0; i < 5; i++ {
		book.Info("entry-%d", i)
	}
	lines, total := book.Tail(3)
	if total != 5 {
		t.Fatalf("total lines = %d, want 5", total)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	for idx, want := range []string{"entry-2", "entry-3", "entry-4"} {
		if !strings.Contains(lines[idx], want) {
			t.Fatalf("line %d = %q, missing %s", idx, lines[idx], want)
		}
	}
}

func TestTailOnMissingFile(t *testing.T) {
	book, err := New(filepath.Join(t.TempDir(), "nested", "none.log"))
	if err != nil {
		t.Fatal(err)
	}
	if lines, total := book.Tail(10); lines != nil || total != 0 {
		t.Fatalf("Tail on empty logbook = %v, %d", lines, total)
	}
}

func TestEmitJournalsEvents(t *testing.T) {
	book, err := New(filepath.Join(t.TempDir(), "session.log"))
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	var sink events.Sink = book
	sink.Emit(events.Event{Kind: events.PhaseCompleted, Time: at, Phase: "build", Duration: 90 * time.Second})
	sink.Emit(events.Event{
		Kind:   events.AgentEvicted,
		Time:   at.Add(time.Minute),
		Agent:  "gamma",
		Detail: "missed 3 check-ins",
		Fields: map[string]string{"windows": "3", "barrier": "build"},
	})
	sink.Emit(events.Event{Kind: events.Escalated, Time: at.Add(2 * time.Minute), Topic: "api"})

	lines, total := book.Tail(10)
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	want := []string{
		"2026-04-01T10:00:00Z INFO  phase_completed phase=build took=1m30s",
		"2026-04-01T10:01:00Z WARN  agent_evicted agent=gamma barrier=build windows=3: missed 3 check-ins",
		"2026-04-01T10:02:00Z ERROR escalated topic=api",
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}
