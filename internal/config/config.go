// internal/config/config.go
//
// This package handles configuration and the .powermode directory structure.
// Every project that runs Power Mode sessions gets a .powermode/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/powermode/internal/consensus"
	"github.com/kingrea/powermode/internal/coordinator"
	"github.com/kingrea/powermode/internal/insight"
	"github.com/kingrea/powermode/internal/persist"
	"github.com/kingrea/powermode/internal/session"
	"github.com/kingrea/powermode/internal/trigger"
)

const (
	// Dir is the name of the directory we create in each project
	Dir = ".powermode"

	TransportMemory = "memory"
	TransportBroker = "broker"
	TransportFile   = "file"
)

const defaultProjectConfigYAML = `# power mode project configuration
version: 1
log_level: info

# Adapters tried in capability order. The broker is only used when broker_url is set.
transport:
  preference: [memory, broker, file]
  broker_url: ""
  file_dir: .powermode/transport
  poll_interval: 200ms

persistence:
  driver: file            # file | sqlite | memory
  path: .powermode/sessions

checkin:
  interval: 30s
  max_missed: 3
  stall_windows: 2

barrier:
  timeout: 10m

consensus:
  preset: default
  proposing_turn: 30s
  discussion: 1m
  converging: 10s
  voting: 1m
  round_deadline: 10m
  similarity: 0.9
  escalate_after: 2

insights:
  dedup_window: 2m
  retention: 1h
  queue_limit: 256

triggers:
  disagreement_threshold: 0.3
  periodic_interval: 0s
  checkpoint_phases: []
  phase_transition: false

# Custom voting rules, selectable by name like the built-in presets.
# presets:
#   team:
#     quorum: 75
#     approval: 66
`

// TransportConfig selects and tunes the message transport.
type TransportConfig struct {
	Preference   []string         `yaml:"preference"`
	BrokerURL    string           `yaml:"broker_url,omitempty"`
	FileDir      string           `yaml:"file_dir,omitempty"`
	PollInterval session.Duration `yaml:"poll_interval,omitempty"`
}

// PersistenceConfig selects the session store.
type PersistenceConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path,omitempty"`
}

// CheckInConfig tunes the heartbeat.
type CheckInConfig struct {
	Interval     session.Duration `yaml:"interval"`
	MaxMissed    int              `yaml:"max_missed"`
	StallWindows int              `yaml:"stall_windows"`
}

// BarrierConfig tunes phase barriers.
type BarrierConfig struct {
	Timeout session.Duration `yaml:"timeout"`
}

// ConsensusConfig tunes rounds.
type ConsensusConfig struct {
	Preset        string           `yaml:"preset"`
	Ballot        session.Ballot   `yaml:"ballot,omitempty"`
	ProposingTurn session.Duration `yaml:"proposing_turn"`
	Discussion    session.Duration `yaml:"discussion"`
	Converging    session.Duration `yaml:"converging"`
	Voting        session.Duration `yaml:"voting"`
	RoundDeadline session.Duration `yaml:"round_deadline"`
	Similarity    float64          `yaml:"similarity"`
	EscalateAfter int              `yaml:"escalate_after"`
}

// InsightConfig tunes the insight broker.
type InsightConfig struct {
	DedupWindow session.Duration `yaml:"dedup_window"`
	Retention   session.Duration `yaml:"retention"`
	QueueLimit  int              `yaml:"queue_limit"`
}

// TriggerConfig tunes when rounds open on their own.
type TriggerConfig struct {
	DisagreementThreshold float64          `yaml:"disagreement_threshold"`
	PeriodicInterval      session.Duration `yaml:"periodic_interval"`
	CheckpointPhases      []string         `yaml:"checkpoint_phases"`
	PhaseTransition       bool             `yaml:"phase_transition"`
}

// PresetConfig declares a custom voting rule.
type PresetConfig struct {
	Quorum   float64        `yaml:"quorum"`
	Approval float64        `yaml:"approval"`
	Ballot   session.Ballot `yaml:"ballot,omitempty"`
}

// ProjectConfig models .powermode/config.yaml.
type ProjectConfig struct {
	Version     int                     `yaml:"version"`
	LogLevel    string                  `yaml:"log_level"`
	Transport   TransportConfig         `yaml:"transport"`
	Persistence PersistenceConfig       `yaml:"persistence"`
	CheckIn     CheckInConfig           `yaml:"checkin"`
	Barrier     BarrierConfig           `yaml:"barrier"`
	Consensus   ConsensusConfig         `yaml:"consensus"`
	Insights    InsightConfig           `yaml:"insights"`
	Triggers    TriggerConfig           `yaml:"triggers"`
	Presets     map[string]PresetConfig `yaml:"presets,omitempty"`
}

// Config holds the runtime configuration for one project.
type Config struct {
	// ProjectDir is the directory the command was run from
	ProjectDir string

	// StateDir is ProjectDir/.powermode
	StateDir string

	Project ProjectConfig
}

// InitDir creates the .powermode directory structure in the given project directory.
//
// Structure created:
// .powermode/
// ├── logs/        <- powermode.log and per-session journals
// ├── sessions/    <- persisted session state (file store)
// ├── state/       <- sqlite database when that driver is selected
// └── transport/   <- per-channel logs of the file transport
func InitDir(projectDir string) error {
	root := filepath.Join(projectDir, Dir)
	for _, sub := range []string{"logs", "sessions", "state", "transport"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(root, "config.yaml"))
}

// Load reads .powermode/config.yaml from projectDir. A missing file
// yields the defaults.
func Load(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir: projectDir,
		StateDir:   filepath.Join(projectDir, Dir),
		Project:    DefaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// SessionLogPath returns the journal file of one session.
func (c *Config) SessionLogPath(sessionID string) string {
	return filepath.Join(c.LogsDir(), "sessions", sessionID+".log")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.StateDir, "config.yaml")
}

// Override applies string values keyed like the YAML paths, e.g.
// "persistence.driver", in OverrideKeys order. Empty values are
// ignored. The result is normalized and validated again.
func (c *Config) Override(values map[string]string) error {
	pc := c.Project
	keys := OverrideKeys()
	for key := range values {
		if !slices.Contains(keys, key) {
			return fmt.Errorf("config: unknown override %q", key)
		}
	}
	for _, key := range keys {
		raw := strings.TrimSpace(values[key])
		if raw == "" {
			continue
		}
		if err := pc.set(key, raw); err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
	}
	pc.normalize(c.ProjectDir)
	if err := pc.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Project = pc
	return nil
}

// OverrideKeys lists the keys Override understands.
func OverrideKeys() []string {
	return []string{
		"log_level",
		"transport.preference",
		"transport.broker_url",
		"transport.file_dir",
		"persistence.driver",
		"persistence.path",
		"checkin.interval",
		"checkin.max_missed",
		"barrier.timeout",
		"consensus.preset",
		"consensus.ballot",
	}
}

func (pc *ProjectConfig) set(key, raw string) error {
	switch key {
	case "log_level":
		pc.LogLevel = raw
	case "transport.preference":
		pc.Transport.Preference = strings.Split(raw, ",")
	case "transport.broker_url":
		pc.Transport.BrokerURL = raw
	case "transport.file_dir":
		pc.Transport.FileDir = raw
	case "persistence.driver":
		if !strings.EqualFold(raw, pc.Persistence.Driver) {
			pc.Persistence.Path = ""
		}
		pc.Persistence.Driver = raw
	case "persistence.path":
		pc.Persistence.Path = raw
	case "checkin.interval":
		return pc.CheckIn.Interval.UnmarshalText([]byte(raw))
	case "barrier.timeout":
		return pc.Barrier.Timeout.UnmarshalText([]byte(raw))
	case "consensus.preset":
		pc.Consensus.Preset = raw
	case "consensus.ballot":
		pc.Consensus.Ballot = session.Ballot(raw)
	case "checkin.max_missed":
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		pc.CheckIn.MaxMissed = n
	}
	return nil
}

// CoordinatorSettings maps the file onto coordinator settings.
func (c *Config) CoordinatorSettings() coordinator.Settings {
	p := c.Project
	presets := make(map[string]session.VotingRule, len(p.Presets))
	for name, pr := range p.Presets {
		presets[name] = session.VotingRule{Name: name, Quorum: pr.Quorum, Approval: pr.Approval, Ballot: pr.Ballot}
	}
	return coordinator.Settings{
		CheckInInterval: time.Duration(p.CheckIn.Interval),
		MaxMissed:       p.CheckIn.MaxMissed,
		StallWindows:    p.CheckIn.StallWindows,
		BarrierTimeout:  time.Duration(p.Barrier.Timeout),
		EscalateAfter:   p.Consensus.EscalateAfter,
		Consensus: consensus.Settings{
			Timing: consensus.Timing{
				ProposingTurn: time.Duration(p.Consensus.ProposingTurn),
				Discussion:    time.Duration(p.Consensus.Discussion),
				Converging:    time.Duration(p.Consensus.Converging),
				Voting:        time.Duration(p.Consensus.Voting),
				Round:         time.Duration(p.Consensus.RoundDeadline),
			},
			Similarity: p.Consensus.Similarity,
		},
		Insights: insight.Settings{
			DedupWindow: time.Duration(p.Insights.DedupWindow),
			Retention:   time.Duration(p.Insights.Retention),
			QueueLimit:  p.Insights.QueueLimit,
		},
		Triggers: trigger.Policy{
			DisagreementThreshold: p.Triggers.DisagreementThreshold,
			PeriodicInterval:      time.Duration(p.Triggers.PeriodicInterval),
			CheckpointPhases:      p.Triggers.CheckpointPhases,
			PhaseTransitionRounds: p.Triggers.PhaseTransition,
		},
		Presets: presets,
	}
}

// StoreConfig returns the persistence settings.
func (c *Config) StoreConfig() persist.Config {
	return persist.Config{Driver: c.Project.Persistence.Driver, Path: c.Project.Persistence.Path}
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.Project.normalize(c.ProjectDir)
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize(c.ProjectDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

// DefaultProjectConfig returns the values used for anything the file
// leaves out.
func DefaultProjectConfig() ProjectConfig {
	timing := consensus.DefaultTiming()
	return ProjectConfig{
		Version:  1,
		LogLevel: "info",
		Transport: TransportConfig{
			Preference:   []string{TransportMemory, TransportBroker, TransportFile},
			PollInterval: session.Duration(200 * time.Millisecond),
		},
		Persistence: PersistenceConfig{Driver: persist.DriverFile},
		CheckIn: CheckInConfig{
			Interval:     session.Duration(coordinator.DefaultCheckInInterval),
			MaxMissed:    coordinator.DefaultMaxMissed,
			StallWindows: coordinator.DefaultStallWindows,
		},
		Barrier: BarrierConfig{Timeout: session.Duration(coordinator.DefaultBarrierTimeout)},
		Consensus: ConsensusConfig{
			Preset:        session.DefaultPreset,
			ProposingTurn: session.Duration(timing.ProposingTurn),
			Discussion:    session.Duration(timing.Discussion),
			Converging:    session.Duration(timing.Converging),
			Voting:        session.Duration(timing.Voting),
			RoundDeadline: session.Duration(timing.Round),
			Similarity:    consensus.DefaultSimilarity,
			EscalateAfter: coordinator.DefaultEscalateAfter,
		},
		Insights: InsightConfig{
			DedupWindow: session.Duration(insight.DefaultDedupWindow),
			Retention:   session.Duration(insight.DefaultRetention),
			QueueLimit:  insight.DefaultQueueLimit,
		},
		Triggers: TriggerConfig{DisagreementThreshold: trigger.DefaultDisagreementThreshold},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	d := DefaultProjectConfig()
	if pc.Version == 0 {
		pc.Version = d.Version
	}
	if pc.LogLevel == "" {
		pc.LogLevel = d.LogLevel
	}
	if len(pc.Transport.Preference) == 0 {
		pc.Transport.Preference = d.Transport.Preference
	}
	if pc.Transport.PollInterval == 0 {
		pc.Transport.PollInterval = d.Transport.PollInterval
	}
	if pc.Persistence.Driver == "" {
		pc.Persistence.Driver = d.Persistence.Driver
	}
	if pc.CheckIn.Interval == 0 {
		pc.CheckIn.Interval = d.CheckIn.Interval
	}
	if pc.CheckIn.MaxMissed == 0 {
		pc.CheckIn.MaxMissed = d.CheckIn.MaxMissed
	}
	if pc.CheckIn.StallWindows == 0 {
		pc.CheckIn.StallWindows = d.CheckIn.StallWindows
	}
	if pc.Barrier.Timeout == 0 {
		pc.Barrier.Timeout = d.Barrier.Timeout
	}
	dc := d.Consensus
	cc := &pc.Consensus
	if cc.Preset == "" {
		cc.Preset = dc.Preset
	}
	if cc.ProposingTurn == 0 {
		cc.ProposingTurn = dc.ProposingTurn
	}
	if cc.Discussion == 0 {
		cc.Discussion = dc.Discussion
	}
	if cc.Converging == 0 {
		cc.Converging = dc.Converging
	}
	if cc.Voting == 0 {
		cc.Voting = dc.Voting
	}
	if cc.RoundDeadline == 0 {
		cc.RoundDeadline = dc.RoundDeadline
	}
	if cc.Similarity == 0 {
		cc.Similarity = dc.Similarity
	}
	if cc.EscalateAfter == 0 {
		cc.EscalateAfter = dc.EscalateAfter
	}
	if pc.Insights.DedupWindow == 0 {
		pc.Insights.DedupWindow = d.Insights.DedupWindow
	}
	if pc.Insights.Retention == 0 {
		pc.Insights.Retention = d.Insights.Retention
	}
	if pc.Insights.QueueLimit == 0 {
		pc.Insights.QueueLimit = d.Insights.QueueLimit
	}
	if pc.Triggers.DisagreementThreshold == 0 {
		pc.Triggers.DisagreementThreshold = d.Triggers.DisagreementThreshold
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.LogLevel = normalizeName(pc.LogLevel)
	prefs := make([]string, 0, len(pc.Transport.Preference))
	for _, name := range pc.Transport.Preference {
		name = normalizeName(name)
		if name != "" && !slices.Contains(prefs, name) {
			prefs = append(prefs, name)
		}
	}
	pc.Transport.Preference = prefs
	pc.Transport.BrokerURL = strings.TrimRight(strings.TrimSpace(pc.Transport.BrokerURL), "/")
	if strings.TrimSpace(pc.Transport.FileDir) == "" {
		pc.Transport.FileDir = filepath.Join(Dir, "transport")
	}
	pc.Transport.FileDir = resolvePath(base, pc.Transport.FileDir)

	pc.Persistence.Driver = normalizeName(pc.Persistence.Driver)
	if strings.TrimSpace(pc.Persistence.Path) == "" {
		switch pc.Persistence.Driver {
		case persist.DriverSQLite:
			pc.Persistence.Path = filepath.Join(Dir, "state", "sessions.db")
		case persist.DriverFile:
			pc.Persistence.Path = filepath.Join(Dir, "sessions")
		}
	}
	pc.Persistence.Path = resolvePath(base, pc.Persistence.Path)

	pc.Consensus.Preset = normalizeName(pc.Consensus.Preset)
	pc.Consensus.Ballot = session.Ballot(normalizeName(string(pc.Consensus.Ballot)))

	phases := pc.Triggers.CheckpointPhases[:0:0]
	for _, name := range pc.Triggers.CheckpointPhases {
		if name = strings.TrimSpace(name); name != "" {
			phases = append(phases, name)
		}
	}
	pc.Triggers.CheckpointPhases = phases

	if len(pc.Presets) > 0 {
		presets := make(map[string]PresetConfig, len(pc.Presets))
		for name, pr := range pc.Presets {
			pr.Ballot = session.Ballot(normalizeName(string(pr.Ballot)))
			if pr.Ballot == "" {
				pr.Ballot = session.BallotApproval
			}
			presets[normalizeName(name)] = pr
		}
		pc.Presets = presets
	}
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	switch pc.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error")
	}
	if len(pc.Transport.Preference) == 0 {
		return fmt.Errorf("transport.preference needs at least one adapter")
	}
	for _, name := range pc.Transport.Preference {
		switch name {
		case TransportMemory, TransportBroker, TransportFile:
		default:
			return fmt.Errorf("transport.preference: unknown adapter %q", name)
		}
	}
	if pc.Transport.PollInterval <= 0 {
		return fmt.Errorf("transport.poll_interval must be positive")
	}
	switch pc.Persistence.Driver {
	case persist.DriverFile, persist.DriverSQLite, persist.DriverMemory:
	default:
		return fmt.Errorf("persistence.driver must be 'file', 'sqlite' or 'memory'")
	}
	if pc.CheckIn.Interval <= 0 {
		return fmt.Errorf("checkin.interval must be positive")
	}
	if pc.CheckIn.MaxMissed < 1 {
		return fmt.Errorf("checkin.max_missed must be >= 1")
	}
	if pc.CheckIn.StallWindows < 1 {
		return fmt.Errorf("checkin.stall_windows must be >= 1")
	}
	if pc.Barrier.Timeout <= 0 {
		return fmt.Errorf("barrier.timeout must be positive")
	}
	cc := pc.Consensus
	for name, d := range map[string]session.Duration{
		"proposing_turn": cc.ProposingTurn,
		"discussion":     cc.Discussion,
		"converging":     cc.Converging,
		"voting":         cc.Voting,
		"round_deadline": cc.RoundDeadline,
	} {
		if d <= 0 {
			return fmt.Errorf("consensus.%s must be positive", name)
		}
	}
	if cc.Similarity <= 0 || cc.Similarity > 1 {
		return fmt.Errorf("consensus.similarity must be in (0, 1]")
	}
	if cc.EscalateAfter < 1 {
		return fmt.Errorf("consensus.escalate_after must be >= 1")
	}
	switch cc.Ballot {
	case "", session.BallotApproval, session.BallotSingleChoice:
	default:
		return fmt.Errorf("consensus.ballot must be 'approval' or 'single_choice'")
	}
	if _, custom := pc.Presets[cc.Preset]; !custom {
		if _, err := session.LookupPreset(cc.Preset); err != nil {
			return fmt.Errorf("consensus.preset: %w", err)
		}
	}
	for name, pr := range pc.Presets {
		if name == "" {
			return fmt.Errorf("presets: empty name")
		}
		rule := session.VotingRule{Name: name, Quorum: pr.Quorum, Approval: pr.Approval, Ballot: pr.Ballot}
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("presets[%s]: %w", name, err)
		}
	}
	if pc.Insights.DedupWindow <= 0 || pc.Insights.Retention <= 0 {
		return fmt.Errorf("insights windows must be positive")
	}
	if pc.Insights.QueueLimit < 1 {
		return fmt.Errorf("insights.queue_limit must be >= 1")
	}
	if t := pc.Triggers.DisagreementThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("triggers.disagreement_threshold must be in (0, 1]")
	}
	if pc.Triggers.PeriodicInterval < 0 {
		return fmt.Errorf("triggers.periodic_interval must not be negative")
	}
	return nil
}

func normalizeName(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0644)
}

// Save writes the project config back to .powermode/config.yaml.
func (c *Config) Save() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults()
	c.Project.normalize(c.ProjectDir)
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.StateDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure state dir: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}
