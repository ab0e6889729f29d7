package config

import "strings"

const envPrefix = "BUNDLEWATCH_"

var envKeys = map[string]string{
	"LISTEN":    "server.listen",
	"TOKEN":     "server.token",
	"LOG_LEVEL": "log.level",
	"JOURNAL":   "journal.path",
	"TELEMETRY": "telemetry.enabled",
}

// EnvOverrides reads BUNDLEWATCH_* variables through lookup and returns them
// as dotted overrides.
func EnvOverrides(lookup func(string) (string, bool)) map[string]any {
	overrides := map[string]any{}
	if lookup == nil {
		return overrides
	}
	for suffix, key := range envKeys {
		value, ok := lookup(envPrefix + suffix)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		overrides[key] = value
	}
	return overrides
}

// Merge layers overrides left to right; later maps win.
func Merge(layers ...map[string]any) map[string]any {
	merged := map[string]any{}
	for _, layer := range layers {
		for key, value := range layer {
			merged[key] = value
		}
	}
	return merged
}
