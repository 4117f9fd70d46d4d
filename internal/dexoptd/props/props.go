// Package props provides read-only key/value lookup over system
// properties. The daemon consults properties for resource-control
// tuning of the compiler and for the staged-system version gate.
package props

import (
	"bufio"
	"bytes"
	"strings"

	"dexoptd/pkg/errors"
	"dexoptd/pkg/platform"
)

// Properties is a read-only property lookup.
type Properties interface {
	// Get returns the property value, or "" when unset.
	Get(key string) string
	// GetOrDefault returns the property value, or def when unset.
	GetOrDefault(key, def string) string
	// GetBool interprets the property as a boolean ("1", "true", "on",
	// "y", "yes" are true); unset falls back to def.
	GetBool(key string, def bool) bool
}

// MapProperties is a static in-memory property set, used for config
// overrides and in tests.
type MapProperties struct {
	values map[string]string
}

func NewMapProperties(values map[string]string) *MapProperties {
	if values == nil {
		values = map[string]string{}
	}
	return &MapProperties{values: values}
}

func (p *MapProperties) Get(key string) string {
	return p.values[key]
}

func (p *MapProperties) GetOrDefault(key, def string) string {
	if v, ok := p.values[key]; ok {
		return v
	}
	return def
}

func (p *MapProperties) GetBool(key string, def bool) bool {
	v, ok := p.values[key]
	if !ok {
		return def
	}
	return parseBool(v, def)
}

func parseBool(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "on", "y", "yes":
		return true
	case "0", "false", "off", "n", "no":
		return false
	default:
		return def
	}
}

// ParsePropFile parses a build.prop-style file: one "key=value" per
// line, "#" comments, blank lines ignored. The "key?=value" form sets
// a default that does not override an earlier plain assignment.
func ParsePropFile(data []byte) (map[string]string, error) {
	values := map[string]string{}
	assigned := map[string]bool{}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, errors.NewInvalidArgument("malformed property line %q", line)
		}

		optional := strings.HasSuffix(key, "?")
		key = strings.TrimSpace(strings.TrimSuffix(key, "?"))
		value = strings.TrimSpace(value)
		if key == "" {
			return nil, errors.NewInvalidArgument("malformed property line %q", line)
		}

		if optional {
			if !assigned[key] {
				values[key] = value
			}
			continue
		}
		values[key] = value
		assigned[key] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return values, nil
}

// LoadPropFile reads and parses a property file through the platform
// seam.
func LoadPropFile(plat platform.Platform, path string) (*MapProperties, error) {
	data, err := plat.ReadFile(path)
	if err != nil {
		return nil, errors.NewFilesystemError(path, "read", err)
	}
	values, err := ParsePropFile(data)
	if err != nil {
		return nil, err
	}
	return NewMapProperties(values), nil
}

// Layered combines property sources; earlier sources win.
type Layered struct {
	sources []Properties
}

func NewLayered(sources ...Properties) *Layered {
	return &Layered{sources: sources}
}

func (p *Layered) Get(key string) string {
	for _, s := range p.sources {
		if v := s.Get(key); v != "" {
			return v
		}
	}
	return ""
}

func (p *Layered) GetOrDefault(key, def string) string {
	if v := p.Get(key); v != "" {
		return v
	}
	return def
}

func (p *Layered) GetBool(key string, def bool) bool {
	if v := p.Get(key); v != "" {
		return parseBool(v, def)
	}
	return def
}
