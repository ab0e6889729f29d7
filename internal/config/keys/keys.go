// Package keys flattens TOML and YAML documents into dotted, normalized keys
// so either format can feed the same settings loader.
package keys

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatForPath picks a format from a file extension. TOML is the default.
func FormatForPath(path string) Format {
	lowered := strings.ToLower(path)
	if strings.HasSuffix(lowered, ".yaml") || strings.HasSuffix(lowered, ".yml") {
		return FormatYAML
	}
	return FormatTOML
}

type Store struct {
	flat map[string]any
}

func (s Store) Flat() map[string]any {
	flat := make(map[string]any, len(s.flat))
	for key, value := range s.flat {
		flat[key] = value
	}
	return flat
}

func Decode(format Format, data []byte) (Store, error) {
	raw := map[string]any{}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Store{}, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return Store{}, fmt.Errorf("decode toml: %w", err)
		}
	}
	return FromRaw(raw), nil
}

func FromRaw(raw map[string]any) Store {
	flat := make(map[string]any)
	flattenMap("", raw, flat)

	normalized := make(map[string]any, len(flat))
	keys := make([]string, 0, len(flat))
	for key := range flat {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		normalizedKey := NormalizeKey(key)
		if _, exists := normalized[normalizedKey]; exists {
			continue
		}
		normalized[normalizedKey] = flat[key]
	}
	return Store{flat: normalized}
}

func (s Store) GetBool(key string) (bool, bool) {
	return Bool(s.flat[NormalizeKey(key)])
}

func (s Store) GetInt(key string) (int64, bool) {
	return Int(s.flat[NormalizeKey(key)])
}

func (s Store) GetString(key string) (string, bool) {
	value, ok := s.flat[NormalizeKey(key)].(string)
	return value, ok
}

func (s Store) GetStrings(key string) ([]string, bool) {
	return Strings(s.flat[NormalizeKey(key)])
}

// Bool accepts booleans and the strings "true"/"false".
func Bool(value any) (bool, bool) {
	switch typed := value.(type) {
	case bool:
		return typed, true
	case string:
		switch strings.ToLower(strings.TrimSpace(typed)) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}
	}
	return false, false
}

func Int(value any) (int64, bool) {
	switch typed := value.(type) {
	case int64:
		return typed, true
	case int:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case uint64:
		return int64(typed), true
	case uint:
		return int64(typed), true
	case uint32:
		return int64(typed), true
	case float64:
		if typed == float64(int64(typed)) {
			return int64(typed), true
		}
	}
	return 0, false
}

// Strings accepts a list of strings, or a single comma separated string.
func Strings(value any) ([]string, bool) {
	switch typed := value.(type) {
	case []string:
		return cleanStrings(typed), true
	case []any:
		values := make([]string, 0, len(typed))
		for _, item := range typed {
			text, ok := item.(string)
			if !ok {
				return nil, false
			}
			values = append(values, text)
		}
		return cleanStrings(values), true
	case string:
		return cleanStrings(strings.Split(typed, ",")), true
	}
	return nil, false
}

// Duration accepts Go duration strings or integer milliseconds.
func Duration(value any) (time.Duration, bool) {
	if text, ok := value.(string); ok {
		text = strings.TrimSpace(text)
		if text == "" {
			return 0, true
		}
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	if millis, ok := Int(value); ok {
		return time.Duration(millis) * time.Millisecond, true
	}
	return 0, false
}

func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	parts := strings.Split(key, ".")
	for i, part := range parts {
		lowered := strings.ToLower(part)
		parts[i] = strings.ReplaceAll(lowered, "_", "-")
	}
	return strings.Join(parts, ".")
}

func cleanStrings(values []string) []string {
	cleaned := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}

func flattenMap(prefix string, raw map[string]any, out map[string]any) {
	for key, value := range raw {
		flattenValue(joinKey(prefix, key), value, out)
	}
}

func flattenValue(key string, value any, out map[string]any) {
	switch typed := value.(type) {
	case map[string]any:
		flattenMap(key, typed, out)
	default:
		out[key] = value
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
