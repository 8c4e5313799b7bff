package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Level ranks adapters by capability.
type Level int

const (
	LevelFile Level = iota + 1
	LevelBroker
	LevelNative
)

func (l Level) String() string {
	switch l {
	case LevelFile:
		return "file"
	case LevelBroker:
		return "broker"
	case LevelNative:
		return "native"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Factory opens one adapter.
type Factory struct {
	Name  string
	Level Level
	Open  func(ctx context.Context) (Transport, error)
}

// CapabilityProbe reports which adapter levels the host supports.
type CapabilityProbe interface {
	Supports(ctx context.Context, level Level) bool
}

// ProbeFunc adapts a function to CapabilityProbe.
type ProbeFunc func(ctx context.Context, level Level) bool

func (f ProbeFunc) Supports(ctx context.Context, level Level) bool { return f(ctx, level) }

// AllLevels is a probe that supports everything.
var AllLevels CapabilityProbe = ProbeFunc(func(context.Context, Level) bool { return true })

// SelectTransport orders the supported factories native, broker, file
// and opens the first one that comes up. The remaining factories stay
// behind it as fallbacks.
func SelectTransport(ctx context.Context, probe CapabilityProbe, logger *slog.Logger, factories ...Factory) (*Fallback, error) {
	if probe == nil {
		probe = AllLevels
	}
	var usable []Factory
	for _, f := range factories {
		if f.Open == nil {
			continue
		}
		if probe.Supports(ctx, f.Level) {
			usable = append(usable, f)
		}
	}
	sort.SliceStable(usable, func(i, j int) bool { return usable[i].Level > usable[j].Level })
	if len(usable) == 0 {
		return nil, fmt.Errorf("transport: no supported adapter: %w", ErrExhausted)
	}
	return NewFallback(ctx, logger, usable...)
}
