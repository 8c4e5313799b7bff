package coordinator

import (
	"context"
	"errors"

	"github.com/kingrea/powermode/internal/session"
)

// Run drives the session to the end: dispatch the current phase, wait
// at its barrier, let any rounds the boundary opened finish, advance.
// It returns the barrier results in phase order. A session stopped by
// Stop returns without error; a fatal transport failure returns it.
func (c *Coordinator) Run(ctx context.Context) ([]BarrierResult, error) {
	var results []BarrierResult
	for {
		phase, total, err := c.position(ctx)
		if err != nil {
			return results, c.runErr(err)
		}
		if phase >= total {
			select {
			case <-c.quit:
				return results, c.Err()
			case <-ctx.Done():
				return results, ctx.Err()
			}
		}
		if _, err := c.Dispatch(ctx, phase); err != nil {
			return results, c.runErr(err)
		}
		res, err := c.WaitBarrier(ctx, phase, 0)
		if err != nil {
			return results, c.runErr(err)
		}
		results = append(results, res)
		c.logger.Debug("barrier passed", "phase", res.Name, "partial", res.Partial)
		for _, snap := range c.engine.Open() {
			if _, err := c.engine.Wait(ctx, snap.ID); err != nil {
				return results, c.runErr(err)
			}
		}
	}
}

func (c *Coordinator) position(ctx context.Context) (int, int, error) {
	var phase, total int
	err := c.do(ctx, func() {
		phase, total = c.sess.CurrentPhase, len(c.sess.Phases)
	})
	return phase, total, err
}

func (c *Coordinator) runErr(err error) error {
	if errors.Is(err, session.ErrSessionStopped) {
		return c.Err()
	}
	return err
}
