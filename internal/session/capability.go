package session

import (
	"fmt"
	"sort"
	"strings"
)

// Capability is one of the fixed agent capability variants. The set is
// closed; consumers switch on the concrete type.
type Capability interface {
	Tag() string
	// Interests are the insight tags an agent with this capability
	// receives without declaring them.
	Interests() []string
	capability()
}

type (
	Explorer    struct{}
	Implementer struct{}
	Reviewer    struct{}
	Tester      struct{}
	Coordinator struct{}
)

func (Explorer) Tag() string         { return "explorer" }
func (Explorer) Interests() []string { return []string{"discovery", "architecture", "pattern"} }
func (Explorer) capability()         {}

func (Implementer) Tag() string         { return "implementer" }
func (Implementer) Interests() []string { return []string{"implementation", "api", "blocker"} }
func (Implementer) capability()         {}

func (Reviewer) Tag() string         { return "reviewer" }
func (Reviewer) Interests() []string { return []string{"review", "quality", "warning"} }
func (Reviewer) capability()         {}

func (Tester) Tag() string         { return "tester" }
func (Tester) Interests() []string { return []string{"test", "regression", "warning"} }
func (Tester) capability()         {}

func (Coordinator) Tag() string         { return "coordinator" }
func (Coordinator) Interests() []string { return []string{"blocker", "question", "consensus"} }
func (Coordinator) capability()         {}

var capabilities = map[string]Capability{
	"explorer":    Explorer{},
	"implementer": Implementer{},
	"reviewer":    Reviewer{},
	"tester":      Tester{},
	"coordinator": Coordinator{},
}

// AgentCapabilitySet is an ordered, duplicate-free set of capabilities.
type AgentCapabilitySet struct {
	caps []Capability
}

// ParseCapabilities builds a set from tags. Unknown tags are rejected.
func ParseCapabilities(tags []string) (AgentCapabilitySet, error) {
	var set AgentCapabilitySet
	seen := map[string]struct{}{}
	for _, raw := range tags {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if tag == "" {
			continue
		}
		c, ok := capabilities[tag]
		if !ok {
			return AgentCapabilitySet{}, fmt.Errorf("unknown capability %q: %w", raw, ErrInvalidConfig)
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		set.caps = append(set.caps, c)
	}
	return set, nil
}

// NewCapabilitySet builds a set from typed values.
func NewCapabilitySet(caps ...Capability) AgentCapabilitySet {
	var set AgentCapabilitySet
	for _, c := range caps {
		if c != nil && !set.Has(c) {
			set.caps = append(set.caps, c)
		}
	}
	return set
}

// Has reports whether the set contains the same variant as c.
func (s AgentCapabilitySet) Has(c Capability) bool {
	for _, existing := range s.caps {
		if existing.Tag() == c.Tag() {
			return true
		}
	}
	return false
}

func (s AgentCapabilitySet) Len() int { return len(s.caps) }

// All returns the capabilities in declaration order.
func (s AgentCapabilitySet) All() []Capability {
	out := make([]Capability, len(s.caps))
	copy(out, s.caps)
	return out
}

func (s AgentCapabilitySet) Tags() []string {
	tags := make([]string, 0, len(s.caps))
	for _, c := range s.caps {
		tags = append(tags, c.Tag())
	}
	return tags
}

// InterestTags is the sorted union of every capability's interests.
func (s AgentCapabilitySet) InterestTags() []string {
	set := map[string]struct{}{}
	for _, c := range s.caps {
		for _, tag := range c.Interests() {
			set[tag] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for tag := range set {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
