package session

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Duration decodes from strings such as "90s" in YAML, TOML and JSON.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("duration %q: %w", value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Plan declares the phases and roster of a run.
type Plan struct {
	ID          string      `json:"id" yaml:"id" toml:"id"`
	Name        string      `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Preset      string      `json:"preset,omitempty" yaml:"preset,omitempty" toml:"preset,omitempty"`
	Ballot      Ballot      `json:"ballot,omitempty" yaml:"ballot,omitempty" toml:"ballot,omitempty"`
	Phases      []PhaseSpec `json:"phases" yaml:"phases" toml:"phases"`
	Agents      []AgentSpec `json:"agents" yaml:"agents" toml:"agents"`
}

// PhaseSpec declares one phase. An empty agent list requires every
// agent in the roster.
type PhaseSpec struct {
	Name        string   `json:"name" yaml:"name" toml:"name"`
	Agents      []string `json:"agents,omitempty" yaml:"agents,omitempty" toml:"agents,omitempty"`
	Timeout     Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	Checkpoint  bool     `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty" toml:"checkpoint,omitempty"`
	QualityGate bool     `json:"quality_gate,omitempty" yaml:"quality_gate,omitempty" toml:"quality_gate,omitempty"`
}

// AgentSpec declares one roster entry.
type AgentSpec struct {
	ID           string   `json:"id" yaml:"id" toml:"id"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty" toml:"capabilities,omitempty"`
	Interests    []string `json:"interests,omitempty" yaml:"interests,omitempty" toml:"interests,omitempty"`
}

// Normalize trims and lowercases tags, deduplicates the roster keeping
// the first entry, and fills phase rosters.
func (spec AgentSpec) Normalize() AgentSpec {
	spec.ID = strings.TrimSpace(spec.ID)
	spec.Capabilities = normalizeTags(spec.Capabilities)
	spec.Interests = normalizeTags(spec.Interests)
	return spec
}

// Normalized clones the plan, normalises it and validates the result.
func (p Plan) Normalized() (Plan, error) {
	out := Plan{
		ID:          strings.TrimSpace(p.ID),
		Name:        strings.TrimSpace(p.Name),
		Description: p.Description,
		Preset:      strings.ToLower(strings.TrimSpace(p.Preset)),
		Ballot:      Ballot(strings.ToLower(strings.TrimSpace(string(p.Ballot)))),
	}
	seen := map[string]struct{}{}
	for _, spec := range p.Agents {
		spec = spec.Normalize()
		if _, dup := seen[spec.ID]; dup {
			continue
		}
		seen[spec.ID] = struct{}{}
		out.Agents = append(out.Agents, spec)
	}
	for _, phase := range p.Phases {
		phase.Name = strings.TrimSpace(phase.Name)
		var agents []string
		if len(phase.Agents) == 0 {
			for _, spec := range out.Agents {
				agents = append(agents, spec.ID)
			}
		} else {
			agents = dedupe(trimAll(phase.Agents))
		}
		phase.Agents = agents
		out.Phases = append(out.Phases, phase)
	}
	if err := out.Validate(); err != nil {
		return Plan{}, err
	}
	return out, nil
}

// Validate ensures the plan can start a session. Every failure wraps
// ErrInvalidConfig.
func (p Plan) Validate() error {
	if len(p.Phases) == 0 {
		return fmt.Errorf("plan %s: at least one phase is required: %w", p.ID, ErrInvalidConfig)
	}
	if len(p.Agents) == 0 {
		return fmt.Errorf("plan %s: at least one agent is required: %w", p.ID, ErrInvalidConfig)
	}
	roster := map[string]struct{}{}
	for idx, spec := range p.Agents {
		if spec.ID == "" {
			return fmt.Errorf("plan %s agent[%d]: id is required: %w", p.ID, idx, ErrInvalidConfig)
		}
		if _, err := ParseCapabilities(spec.Capabilities); err != nil {
			return fmt.Errorf("plan %s agent %s: %w", p.ID, spec.ID, err)
		}
		roster[spec.ID] = struct{}{}
	}
	names := map[string]struct{}{}
	for idx, phase := range p.Phases {
		if phase.Name == "" {
			return fmt.Errorf("plan %s phase[%d]: name is required: %w", p.ID, idx, ErrInvalidConfig)
		}
		if _, dup := names[phase.Name]; dup {
			return fmt.Errorf("plan %s: duplicate phase %s: %w", p.ID, phase.Name, ErrInvalidConfig)
		}
		names[phase.Name] = struct{}{}
		if phase.Timeout < 0 {
			return fmt.Errorf("plan %s phase %s: timeout must be >= 0: %w", p.ID, phase.Name, ErrInvalidConfig)
		}
		if len(phase.Agents) == 0 {
			return fmt.Errorf("plan %s phase %s: no required agents: %w", p.ID, phase.Name, ErrInvalidConfig)
		}
		for _, id := range phase.Agents {
			if _, ok := roster[id]; !ok {
				return fmt.Errorf("plan %s phase %s: unknown agent %s: %w", p.ID, phase.Name, id, ErrInvalidConfig)
			}
		}
	}
	if p.Preset != "" {
		if _, err := LookupPreset(p.Preset); err != nil {
			return fmt.Errorf("plan %s: %w", p.ID, err)
		}
	}
	switch p.Ballot {
	case "", BallotApproval, BallotSingleChoice:
	default:
		return fmt.Errorf("plan %s: unknown ballot %q: %w", p.ID, p.Ballot, ErrInvalidConfig)
	}
	return nil
}

// PhaseNames lists phases in order.
func (p Plan) PhaseNames() []string {
	names := make([]string, 0, len(p.Phases))
	for _, phase := range p.Phases {
		names = append(names, phase.Name)
	}
	return names
}

// New builds a not-yet-started session from a normalised plan. Agents
// join in roster order, one nanosecond apart, so join order is stable.
func New(id string, plan Plan, rule VotingRule, now time.Time) (Session, error) {
	if strings.TrimSpace(id) == "" {
		return Session{}, fmt.Errorf("session id is required: %w", ErrInvalidConfig)
	}
	if err := plan.Validate(); err != nil {
		return Session{}, err
	}
	rule = rule.Normalized()
	if err := rule.Validate(); err != nil {
		return Session{}, err
	}
	now = now.UTC()
	s := Session{
		ID:           id,
		PlanID:       plan.ID,
		Status:       StatusNotStarted,
		CreatedAt:    now,
		LastActivity: now,
		Rule:         rule,
		Pending:      map[string][]string{},
	}
	for _, spec := range plan.Phases {
		completion := CompletionAllDone
		if spec.QualityGate {
			completion = CompletionQualityGate
		}
		s.Phases = append(s.Phases, Phase{
			Name:       spec.Name,
			Required:   cloneStrings(spec.Agents),
			Completion: completion,
			Timeout:    time.Duration(spec.Timeout),
			Checkpoint: spec.Checkpoint,
			Status:     PhasePending,
		})
	}
	for i, spec := range plan.Agents {
		s.Agents = append(s.Agents, AgentRef{
			ID:           spec.ID,
			Capabilities: cloneStrings(spec.Capabilities),
			Interests:    cloneStrings(spec.Interests),
			Status:       AgentPending,
			JoinedAt:     now.Add(time.Duration(i)),
		})
	}
	return s, nil
}

func normalizeTags(tags []string) []string {
	var out []string
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" {
			out = append(out, tag)
		}
	}
	out = dedupe(out)
	sort.Strings(out)
	return out
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// NormalizeTags lowercases, trims, deduplicates and sorts tags.
func NormalizeTags(tags []string) []string {
	return normalizeTags(tags)
}
