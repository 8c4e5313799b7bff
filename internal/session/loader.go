package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Format names a plan encoding.
type Format string

const (
	FormatYAML  Format = "yaml"
	FormatTOML  Format = "toml"
	FormatJSONC Format = "jsonc"
)

// FormatForPath picks a format from a file extension. Unknown
// extensions decode as YAML, which also accepts JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML
	case ".json", ".jsonc":
		return FormatJSONC
	default:
		return FormatYAML
	}
}

// ParsePlan decodes, normalises and validates a plan.
func ParsePlan(data []byte, format Format) (Plan, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Plan{}, fmt.Errorf("plan: payload is empty: %w", ErrInvalidConfig)
	}
	var plan Plan
	var err error
	switch format {
	case FormatTOML:
		err = toml.Unmarshal(data, &plan)
	case FormatJSONC:
		err = json.Unmarshal(jsonc.ToJSON(data), &plan)
	case FormatYAML, "":
		err = yaml.Unmarshal(data, &plan)
	default:
		return Plan{}, fmt.Errorf("plan: unknown format %q: %w", format, ErrInvalidConfig)
	}
	if err != nil {
		return Plan{}, fmt.Errorf("plan: decode %s: %v: %w", format, err, ErrInvalidConfig)
	}
	return plan.Normalized()
}

// LoadPlanReader reads a plan of the given format from r.
func LoadPlanReader(r io.Reader, format Format) (Plan, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Plan{}, fmt.Errorf("plan: read: %w", err)
	}
	return ParsePlan(content, format)
}

// LoadPlanFile loads a plan, choosing the decoder by extension.
func LoadPlanFile(path string) (Plan, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("plan: read %s: %w", path, err)
	}
	plan, err := ParsePlan(content, FormatForPath(path))
	if err != nil {
		return Plan{}, fmt.Errorf("plan: %s: %w", path, err)
	}
	return plan, nil
}
