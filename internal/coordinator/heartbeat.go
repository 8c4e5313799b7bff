package coordinator

import (
	"fmt"

	"github.com/kingrea/powermode/internal/events"
	"github.com/kingrea/powermode/internal/session"
	"github.com/kingrea/powermode/internal/trigger"
)

func (c *Coordinator) armHeartbeat() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	c.windowStart = c.now()
	c.heartbeat = c.deps.Clock.AfterFunc(c.settings.CheckInInterval, func() {
		c.notify(c.beat)
	})
}

// beat closes one check-in window. Running agents that stayed silent
// miss the window; agents whose progress did not move stall.
func (c *Coordinator) beat() {
	if c.ending {
		return
	}
	c.armHeartbeat()
	if c.sess.Status != session.StatusActive {
		return
	}
	for i := range c.sess.Agents {
		a := &c.sess.Agents[i]
		if a.Status != session.AgentRunning {
			continue
		}
		if !a.CheckedIn {
			a.MissedWindows++
			c.dirty = true
			c.logger.Debug("check-in window missed", "agent", a.ID, "missed", a.MissedWindows)
			if a.MissedWindows >= c.settings.MaxMissed {
				c.evict(a)
			}
			continue
		}
		a.CheckedIn = false
		if a.Progress <= c.lastProgress[a.ID] {
			a.StalledWindows++
			if a.StalledWindows == c.settings.StallWindows {
				c.direct(a.ID, DriftAlert, fmt.Sprintf("no progress across %d check-in windows", a.StalledWindows))
			}
		} else {
			a.StalledWindows = 0
		}
		c.lastProgress[a.ID] = a.Progress
		c.dirty = true
	}

	if n := c.insights.Collect(); n > 0 {
		c.logger.Debug("insights collected", "dropped", n)
		c.dirty = true
	}
	c.fire(c.signal(trigger.SignalTick))
	c.checkBarrier()
}

// evict marks an unresponsive agent blocked and releases the barrier
// and every round from waiting on it.
func (c *Coordinator) evict(a *session.AgentRef) {
	a.Status = session.AgentBlocked
	id := a.ID
	missed := a.MissedWindows
	c.evictFromBarrier(id, fmt.Sprintf("agent %%s unresponsive after %d missed check-ins", missed))
	c.warn(session.WarnAgentUnresponsive, fmt.Errorf("agent %s missed %d check-ins: %w", id, missed, session.ErrAgentUnresponsive))
	c.emit(events.Event{Kind: events.AgentEvicted, Agent: id, Fields: map[string]string{"missed": fmt.Sprint(missed)}})
	c.engine.LeaveAll(id)
	c.logger.Warn("agent evicted", "agent", id, "missed", missed)
}
