package events

import (
	"sync"
	"time"
)

// Collector derives efficiency metrics from the event stream. It only
// reads events and never touches session state.
type Collector struct {
	mu           sync.Mutex
	checkIns     map[string]int
	published    int
	duplicates   int
	committed    int
	aborted      int
	evictions    int
	directives   map[string]int
	barrierWaits []time.Duration
	partial      int
	degraded     int
	first, last  time.Time
}

func NewCollector() *Collector {
	return &Collector{
		checkIns:   map[string]int{},
		directives: map[string]int{},
	}
}

// Report is an immutable view of the collected metrics.
type Report struct {
	CheckIns          map[string]int `json:"check_ins"`
	InsightsPublished int            `json:"insights_published"`
	InsightsDeduped   int            `json:"insights_deduplicated"`
	RoundsCommitted   int            `json:"rounds_committed"`
	RoundsAborted     int            `json:"rounds_aborted"`
	Evictions         int            `json:"evictions"`
	Directives        map[string]int `json:"directives"`
	PartialPhases     int            `json:"partial_phases"`
	BarrierWaitTotal  time.Duration  `json:"barrier_wait_total"`
	BarrierWaitMax    time.Duration  `json:"barrier_wait_max"`
	TransportDegrades int            `json:"transport_degrades"`
	Elapsed           time.Duration  `json:"elapsed"`
}

// DedupRatio is the share of insight publishes that were duplicates.
func (r Report) DedupRatio() float64 {
	total := r.InsightsPublished + r.InsightsDeduped
	if total == 0 {
		return 0
	}
	return float64(r.InsightsDeduped) / float64(total)
}

func (c *Collector) Emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.first.IsZero() || ev.Time.Before(c.first) {
		c.first = ev.Time
	}
	if ev.Time.After(c.last) {
		c.last = ev.Time
	}
	switch ev.Kind {
	case AgentCheckedIn:
		c.checkIns[ev.Agent]++
	case InsightPublished:
		c.published++
	case InsightDuplicate:
		c.duplicates++
	case RoundCommitted:
		c.committed++
	case RoundAborted:
		c.aborted++
	case AgentEvicted:
		c.evictions++
	case DirectiveIssued:
		c.directives[ev.Detail]++
	case BarrierClosed:
		c.barrierWaits = append(c.barrierWaits, ev.Duration)
		if ev.Fields["partial"] == "true" {
			c.partial++
		}
	case TransportDegraded:
		c.degraded++
	}
}

// Report snapshots the metrics.
func (c *Collector) Report() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := Report{
		CheckIns:          make(map[string]int, len(c.checkIns)),
		InsightsPublished: c.published,
		InsightsDeduped:   c.duplicates,
		RoundsCommitted:   c.committed,
		RoundsAborted:     c.aborted,
		Evictions:         c.evictions,
		Directives:        make(map[string]int, len(c.directives)),
		PartialPhases:     c.partial,
		TransportDegrades: c.degraded,
		Elapsed:           c.last.Sub(c.first),
	}
	for _, k := range sortedKeys(c.checkIns) {
		r.CheckIns[k] = c.checkIns[k]
	}
	for _, k := range sortedKeys(c.directives) {
		r.Directives[k] = c.directives[k]
	}
	for _, d := range c.barrierWaits {
		r.BarrierWaitTotal += d
		if d > r.BarrierWaitMax {
			r.BarrierWaitMax = d
		}
	}
	return r
}
