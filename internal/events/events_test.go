package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFanoutSkipsNilSinks(t *testing.T) {
	t.Parallel()
	var a, b Recorder
	sink := Fanout(&a, nil, &b)
	sink.Emit(Event{Kind: SessionStarted})
	assert.Equal(t, 1, a.Count(SessionStarted))
	assert.Equal(t, 1, b.Count(SessionStarted))

	Fanout().Emit(Event{Kind: SessionStarted})
}

func TestCollectorReport(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCollector()
	feed := []Event{
		{Kind: AgentCheckedIn, Agent: "a", Time: base},
		{Kind: AgentCheckedIn, Agent: "a", Time: base.Add(time.Second)},
		{Kind: AgentCheckedIn, Agent: "b", Time: base.Add(2 * time.Second)},
		{Kind: InsightPublished, Time: base},
		{Kind: InsightPublished, Time: base},
		{Kind: InsightPublished, Time: base},
		{Kind: InsightDuplicate, Time: base},
		{Kind: RoundCommitted, Time: base},
		{Kind: RoundAborted, Time: base},
		{Kind: AgentEvicted, Agent: "c", Time: base},
		{Kind: DirectiveIssued, Detail: "PHASE_ADVANCE", Time: base},
		{Kind: BarrierClosed, Duration: 3 * time.Second, Fields: map[string]string{"partial": "true"}, Time: base},
		{Kind: BarrierClosed, Duration: 5 * time.Second, Time: base.Add(10 * time.Second)},
	}
	for _, ev := range feed {
		c.Emit(ev)
	}
	r := c.Report()
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, r.CheckIns)
	assert.Equal(t, 3, r.InsightsPublished)
	assert.Equal(t, 1, r.InsightsDeduped)
	assert.InDelta(t, 0.25, r.DedupRatio(), 1e-9)
	assert.Equal(t, 1, r.RoundsCommitted)
	assert.Equal(t, 1, r.RoundsAborted)
	assert.Equal(t, 1, r.Evictions)
	assert.Equal(t, 1, r.Directives["PHASE_ADVANCE"])
	assert.Equal(t, 1, r.PartialPhases)
	assert.Equal(t, 8*time.Second, r.BarrierWaitTotal)
	assert.Equal(t, 5*time.Second, r.BarrierWaitMax)
	assert.Equal(t, 10*time.Second, r.Elapsed)
}
