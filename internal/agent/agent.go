// Package agent runs scripted workers against a coordinator. A worker
// checks in on an interval, shares its insights, takes its turns in
// consensus rounds, and reports done after its last step.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kingrea/powermode/internal/clock"
	"github.com/kingrea/powermode/internal/consensus"
	"github.com/kingrea/powermode/internal/coordinator"
	"github.com/kingrea/powermode/internal/session"
)

// DefaultInterval is the pause between a worker's check-ins.
const DefaultInterval = 50 * time.Millisecond

// ErrNotBound is returned by Launch before Bind.
var ErrNotBound = errors.New("agent: runner not bound to a coordinator")

// Script is what a worker does in every phase it is dispatched to.
type Script struct {
	// Steps is the number of check-ins before the worker reports done.
	Steps    int               `json:"steps" yaml:"steps"`
	Insights []session.Insight `json:"insights,omitempty" yaml:"insights,omitempty"`
	Blocker  string            `json:"blocker,omitempty" yaml:"blocker,omitempty"`
	Edits    []string          `json:"edits,omitempty" yaml:"edits,omitempty"`
	// Silent workers never check in.
	Silent   bool                `json:"silent,omitempty" yaml:"silent,omitempty"`
	Proposal string              `json:"proposal,omitempty" yaml:"proposal,omitempty"`
	Stance   consensus.VoteValue `json:"stance,omitempty" yaml:"stance,omitempty"`
}

// Coordinator is the part of a session coordinator a worker talks to.
type Coordinator interface {
	CheckIn(ctx context.Context, in coordinator.CheckIn) (coordinator.CheckInResult, error)
	Submit(ctx context.Context, roundID, agent, text string) (string, error)
	Pass(ctx context.Context, roundID, agent string) error
	Yield(ctx context.Context, roundID, agent string) error
	Vote(ctx context.Context, roundID, agent, proposalID string, value consensus.VoteValue) error
	Choose(ctx context.Context, roundID, agent, proposalID string) error
}

// Option customizes a Runner.
type Option func(*Runner)

func WithClock(c clock.Clock) Option {
	return func(r *Runner) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithInterval sets the pause between check-ins.
func WithInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

// Runner launches workers when the coordinator dispatches them. It
// implements coordinator.Launcher.
type Runner struct {
	scripts  map[string]Script
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration

	mu    sync.Mutex
	coord Coordinator
	group errgroup.Group
	runs  map[string]int
}

// NewRunner builds a runner. Agents without a script get the zero
// script, which reports done on the first check-in.
func NewRunner(scripts map[string]Script, opts ...Option) *Runner {
	r := &Runner{
		scripts:  map[string]Script{},
		clock:    clock.Real(),
		logger:   slog.New(slog.DiscardHandler),
		interval: DefaultInterval,
		runs:     map[string]int{},
	}
	for id, s := range scripts {
		r.scripts[id] = s
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Bind attaches the coordinator workers report to.
func (r *Runner) Bind(c Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coord = c
}

// Launch starts the agent's worker for one phase and returns at once.
func (r *Runner) Launch(ctx context.Context, a coordinator.Assignment) error {
	r.mu.Lock()
	c := r.coord
	if c == nil {
		r.mu.Unlock()
		return ErrNotBound
	}
	r.runs[a.Agent]++
	script := r.scripts[a.Agent]
	r.mu.Unlock()

	w := &worker{
		id:       a.Agent,
		phase:    a.Phase,
		script:   script,
		coord:    c,
		clock:    r.clock,
		interval: r.interval,
		logger:   r.logger.With("agent", a.Agent, "phase", a.Phase),
		done:     map[string]bool{},
	}
	r.group.Go(func() error { return w.run(context.WithoutCancel(ctx)) })
	return nil
}

// Runs reports how many times each agent was launched.
func (r *Runner) Runs() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.runs))
	for id, n := range r.runs {
		out[id] = n
	}
	return out
}

// Wait blocks until every launched worker returned and reports the
// first failure.
func (r *Runner) Wait() error {
	return r.group.Wait()
}

type worker struct {
	id       string
	phase    string
	script   Script
	coord    Coordinator
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
	// round actions already taken, keyed by round id and state
	done map[string]bool
}

func (w *worker) run(ctx context.Context) error {
	if w.script.Silent {
		w.logger.Debug("silent worker")
		return nil
	}
	steps := max(w.script.Steps, 1)
	for step := 1; ; step++ {
		if err := w.sleep(ctx); err != nil {
			return nil
		}
		in := coordinator.CheckIn{
			Agent:       w.id,
			Status:      coordinator.StatusRunning,
			ToolCalls:   step,
			Progress:    min(float64(step)/float64(steps), 1),
			CurrentTask: w.phase,
		}
		if step <= steps {
			in.CurrentTask = fmt.Sprintf("%s step %d/%d", w.phase, step, steps)
			if n := len(w.script.Insights); n > 0 && step <= n {
				in.Insights = []session.Insight{w.script.Insights[step-1]}
			}
			if step == 1 {
				in.Blocker = w.script.Blocker
				in.Edits = w.script.Edits
			}
		}
		switch {
		case step == steps:
			in.Status = coordinator.StatusDone
		case step > steps:
			// waiting at the barrier or in a round
			in.Status = ""
		}
		res, err := w.coord.CheckIn(ctx, in)
		if err != nil {
			if errors.Is(err, session.ErrSessionStopped) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("agent %s: check-in: %w", w.id, err)
		}
		w.rounds(ctx, res.Rounds)
		if advanced(res.Directives) && len(res.Rounds) == 0 {
			return nil
		}
		if step >= steps && res.Phase != w.phase && len(res.Rounds) == 0 {
			return nil
		}
	}
}

func (w *worker) sleep(ctx context.Context) error {
	select {
	case <-w.clock.After(w.interval):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func advanced(ds []coordinator.Directive) bool {
	for _, d := range ds {
		if d.Kind == coordinator.PhaseAdvance {
			return true
		}
	}
	return false
}

// rounds takes this worker's part in every open round once per state.
func (w *worker) rounds(ctx context.Context, notices []coordinator.RoundNotice) {
	for _, n := range notices {
		key := n.RoundID + "/" + string(n.State)
		var err error
		switch {
		case n.State == consensus.Proposing && n.YourTurn && !w.done[key]:
			w.done[key] = true
			if text := strings.TrimSpace(w.script.Proposal); text != "" {
				_, err = w.coord.Submit(ctx, n.RoundID, w.id, text)
			} else {
				err = w.coord.Pass(ctx, n.RoundID, w.id)
			}
		case n.State == consensus.Discussing && !w.done[key]:
			w.done[key] = true
			err = w.coord.Yield(ctx, n.RoundID, w.id)
		case n.State == consensus.Voting && n.CanVote && !w.done[key]:
			w.done[key] = true
			err = w.vote(ctx, n)
		}
		if err != nil {
			w.logger.Debug("round action rejected", "round", n.RoundID, "state", n.State, "error", err)
		}
	}
}

func (w *worker) vote(ctx context.Context, n coordinator.RoundNotice) error {
	if len(n.Ballots) == 0 {
		return nil
	}
	if n.Ballot == session.BallotSingleChoice {
		choice := n.Ballots[0].ID
		if w.script.Stance == consensus.Abstain {
			choice = ""
		}
		return w.coord.Choose(ctx, n.RoundID, w.id, choice)
	}
	stance := w.script.Stance
	if stance == "" {
		stance = consensus.Approve
	}
	var errs []error
	for _, b := range n.Ballots {
		if err := w.coord.Vote(ctx, n.RoundID, w.id, b.ID, stance); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
