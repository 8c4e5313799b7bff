package main

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/kingrea/powermode/internal/session"
)

// rosterFlag collects repeated --agent name:tag,tag values.
type rosterFlag struct {
	agents []session.AgentSpec
}

var _ pflag.Value = (*rosterFlag)(nil)

func (f *rosterFlag) String() string {
	parts := make([]string, 0, len(f.agents))
	for _, a := range f.agents {
		if len(a.Capabilities) == 0 {
			parts = append(parts, a.ID)
			continue
		}
		parts = append(parts, a.ID+":"+strings.Join(a.Capabilities, ","))
	}
	return strings.Join(parts, " ")
}

func (f *rosterFlag) Set(value string) error {
	id, tags, _ := strings.Cut(value, ":")
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("agent %q: name is required", value)
	}
	spec := session.AgentSpec{ID: id}
	for _, tag := range strings.Split(tags, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			spec.Capabilities = append(spec.Capabilities, tag)
		}
	}
	if _, err := session.ParseCapabilities(spec.Capabilities); err != nil {
		return err
	}
	f.agents = append(f.agents, spec)
	return nil
}

func (f *rosterFlag) Type() string { return "name:tags" }
