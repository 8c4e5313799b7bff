package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/powermode/internal/agent"
	"github.com/kingrea/powermode/internal/config"
	"github.com/kingrea/powermode/internal/coordinator"
	"github.com/kingrea/powermode/internal/events"
	"github.com/kingrea/powermode/internal/logbook"
	"github.com/kingrea/powermode/internal/persist"
	"github.com/kingrea/powermode/internal/session"
	"github.com/kingrea/powermode/internal/transport"
	"github.com/kingrea/powermode/internal/transport/broker"
	"github.com/kingrea/powermode/internal/transport/file"
	"github.com/kingrea/powermode/internal/transport/memory"
)

type runOptions struct {
	planPath    string
	scriptsPath string
	sessionID   string
	preset      string
	steps       int
	interval    time.Duration
	timeout     time.Duration
	roster      rosterFlag
}

// runSummary is printed as JSON when a run ends.
type runSummary struct {
	Session   string                      `json:"session"`
	Plan      string                      `json:"plan"`
	Status    session.Status              `json:"status"`
	Transport string                      `json:"transport"`
	Phases    []coordinator.BarrierResult `json:"phases"`
	Rounds    []session.RoundRecord       `json:"rounds,omitempty"`
	Escalated []string                    `json:"escalated,omitempty"`
	Warnings  []session.Warning           `json:"warnings,omitempty"`
	Metrics   events.Report               `json:"metrics"`
	Journal   string                      `json:"journal"`
	Error     string                      `json:"error,omitempty"`
}

func newRunCmd(e *env) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a plan with simulated workers and print a JSON summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runPlan(ctx, cmd, e, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.planPath, "plan", "", "plan file (.yaml, .toml or .jsonc)")
	flags.StringVar(&opts.scriptsPath, "scripts", "", "YAML file mapping agent names to worker scripts")
	flags.StringVar(&opts.sessionID, "id", "", "session id (default: generated)")
	flags.StringVar(&opts.preset, "preset", "", "voting preset, overriding the plan and config")
	flags.IntVar(&opts.steps, "steps", 3, "check-ins an unscripted worker makes before reporting done")
	flags.DurationVar(&opts.interval, "interval", agent.DefaultInterval, "pause between worker check-ins")
	flags.DurationVar(&opts.timeout, "timeout", 0, "stop the session after this long (0 waits for completion)")
	flags.Var(&opts.roster, "agent", "roster entry name:capability,capability (repeatable, replaces the plan roster)")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func runPlan(ctx context.Context, cmd *cobra.Command, e *env, opts *runOptions) error {
	cfg, err := e.load()
	if err != nil {
		return err
	}
	log, err := e.logger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	plan, err := session.LoadPlanFile(opts.planPath)
	if err != nil {
		return err
	}
	if len(opts.roster.agents) > 0 {
		plan.Agents = opts.roster.agents
		for i := range plan.Phases {
			plan.Phases[i].Agents = nil
		}
	}
	if plan.Ballot == "" {
		plan.Ballot = cfg.Project.Consensus.Ballot
	}
	preset := opts.preset
	if preset == "" && plan.Preset == "" {
		preset = cfg.Project.Consensus.Preset
	}
	scripts, err := loadScripts(opts.scriptsPath)
	if err != nil {
		return err
	}
	for _, a := range plan.Agents {
		if _, ok := scripts[a.ID]; !ok {
			scripts[a.ID] = agent.Script{Steps: opts.steps}
		}
	}

	tr, err := openTransport(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	defer tr.Close()
	storeCfg := cfg.StoreConfig()
	storeCfg.Logger = log.Logger
	store, err := persist.Open(storeCfg)
	if err != nil {
		return err
	}
	defer store.Close()

	id := opts.sessionID
	if id == "" {
		id = "pm-" + uuid.NewString()
	}
	journal, err := logbook.New(cfg.SessionLogPath(id))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	collector := events.NewCollector()
	runner := agent.NewRunner(scripts, agent.WithLogger(log.Logger), agent.WithInterval(opts.interval))
	reg := coordinator.NewRegistry(cfg.CoordinatorSettings(), coordinator.Deps{
		Logger:    log.Logger,
		Sink:      events.Fanout(collector, journal),
		Store:     store,
		Transport: tr,
		Launcher:  runner,
	})
	defer reg.Close(context.WithoutCancel(ctx))

	c, err := reg.StartSession(ctx, coordinator.StartRequest{ID: id, Plan: plan, Preset: preset})
	if err != nil {
		return err
	}
	runner.Bind(c)

	runCtx := ctx
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	results, runErr := c.Run(runCtx)
	if runErr != nil {
		log.Warn("run ended early", "session", id, "error", runErr)
		_ = c.Stop(context.WithoutCancel(ctx))
	}
	if err := runner.Wait(); err != nil {
		log.Warn("worker failed", "session", id, "error", err)
	}
	snap, err := c.Snapshot(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}

	summary := runSummary{
		Session:   id,
		Plan:      plan.ID,
		Status:    snap.Status,
		Transport: tr.Name(),
		Phases:    results,
		Rounds:    snap.Rounds,
		Escalated: snap.Escalated,
		Warnings:  snap.Warnings,
		Metrics:   collector.Report(),
		Journal:   journal.Path(),
	}
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return err
	}
	return runErr
}

func loadScripts(path string) (map[string]agent.Script, error) {
	scripts := map[string]agent.Script{}
	if strings.TrimSpace(path) == "" {
		return scripts, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scripts: %w", err)
	}
	if err := yaml.Unmarshal(data, &scripts); err != nil {
		return nil, fmt.Errorf("parse scripts %s: %w", path, err)
	}
	return scripts, nil
}

// openTransport builds the adapter chain named by the config, best
// first.
func openTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*transport.Fallback, error) {
	tc := cfg.Project.Transport
	var factories []transport.Factory
	for _, name := range tc.Preference {
		switch name {
		case config.TransportMemory:
			factories = append(factories, memory.Factory(memory.New(memory.WithLogger(logger))))
		case config.TransportBroker:
			if tc.BrokerURL == "" {
				logger.Debug("broker transport skipped, no broker_url")
				continue
			}
			factories = append(factories, broker.Factory(tc.BrokerURL, broker.WithClientLogger(logger)))
		case config.TransportFile:
			factories = append(factories, file.Factory(tc.FileDir,
				file.WithLogger(logger),
				file.WithPollInterval(time.Duration(tc.PollInterval)),
			))
		}
	}
	return transport.SelectTransport(ctx, transport.AllLevels, logger, factories...)
}
