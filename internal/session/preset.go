package session

import (
	"fmt"
	"sort"
	"strings"
)

// Ballot selects how votes are collected in the VOTING state.
type Ballot string

const (
	// BallotApproval collects approve/reject/abstain per proposal.
	BallotApproval Ballot = "approval"
	// BallotSingleChoice lets each participant pick one proposal or
	// abstain.
	BallotSingleChoice Ballot = "single_choice"
)

// VotingRule holds the quorum and approval thresholds, as percentages,
// that a proposal must meet to commit.
type VotingRule struct {
	Name     string  `json:"name" yaml:"name"`
	Quorum   float64 `json:"quorum" yaml:"quorum"`
	Approval float64 `json:"approval" yaml:"approval"`
	Ballot   Ballot  `json:"ballot" yaml:"ballot"`
}

const DefaultPreset = "default"

var presets = map[string]VotingRule{
	"default":  {Name: "default", Quorum: 67, Approval: 60, Ballot: BallotApproval},
	"quick":    {Name: "quick", Quorum: 50, Approval: 50, Ballot: BallotApproval},
	"strict":   {Name: "strict", Quorum: 80, Approval: 75, Ballot: BallotApproval},
	"critical": {Name: "critical", Quorum: 100, Approval: 100, Ballot: BallotApproval},
}

// LookupPreset returns the built-in rule with the given name. An empty
// name selects the default preset.
func LookupPreset(name string) (VotingRule, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultPreset
	}
	rule, ok := presets[key]
	if !ok {
		return VotingRule{}, fmt.Errorf("unknown voting preset %q: %w", name, ErrInvalidConfig)
	}
	return rule, nil
}

// PresetNames lists the built-in presets alphabetically.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Normalized fills an empty ballot with the approval ballot.
func (r VotingRule) Normalized() VotingRule {
	r.Name = strings.TrimSpace(r.Name)
	if r.Ballot == "" {
		r.Ballot = BallotApproval
	}
	return r
}

// Validate checks both thresholds are in (0, 100] and the ballot is known.
func (r VotingRule) Validate() error {
	if r.Quorum <= 0 || r.Quorum > 100 {
		return fmt.Errorf("voting rule %s: quorum %.2f out of range: %w", r.Name, r.Quorum, ErrInvalidConfig)
	}
	if r.Approval <= 0 || r.Approval > 100 {
		return fmt.Errorf("voting rule %s: approval %.2f out of range: %w", r.Name, r.Approval, ErrInvalidConfig)
	}
	switch r.Ballot {
	case BallotApproval, BallotSingleChoice:
	default:
		return fmt.Errorf("voting rule %s: unknown ballot %q: %w", r.Name, r.Ballot, ErrInvalidConfig)
	}
	return nil
}
