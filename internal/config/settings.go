// Package config loads bundlewatch settings from built-in defaults, a TOML
// or YAML file, the environment, and command line overrides, in that order.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"bundlewatch/internal/config/keys"
	"bundlewatch/internal/logging"
)

//go:embed defaults.toml
var defaultsPayload []byte

const DefaultPath = "bundlewatch.toml"

type Settings struct {
	Watch     WatchConfig     `json:"watch" jsonschema:"description=Filesystem watch behavior"`
	Build     BuildConfig     `json:"build" jsonschema:"description=Build command and inputs"`
	Server    ServerConfig    `json:"server" jsonschema:"description=HTTP event stream"`
	Log       LogConfig       `json:"log"`
	Journal   JournalConfig   `json:"journal"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

type WatchConfig struct {
	PollInterval    time.Duration `json:"poll-interval,omitempty" jsonschema:"type=string,description=Polling interval such as 250ms; empty uses native notifications"`
	CompareContents bool          `json:"compare-contents,omitempty" jsonschema:"description=Hash file contents when polling"`
	Include         []string      `json:"include,omitempty" jsonschema:"description=Glob patterns of inputs to watch"`
	Exclude         []string      `json:"exclude,omitempty" jsonschema:"description=Glob patterns of inputs never watched"`
	NoWrite         bool          `json:"no-write,omitempty" jsonschema:"description=Build without writing output"`
	Cwd             string        `json:"cwd,omitempty"`
	Dir             string        `json:"dir,omitempty" jsonschema:"default=dist"`
}

type BuildConfig struct {
	Command []string `json:"command,omitempty" jsonschema:"description=Build command argv"`
	Inputs  []string `json:"inputs,omitempty" jsonschema:"description=Glob patterns of build inputs"`
	PTY     bool     `json:"pty,omitempty" jsonschema:"description=Run the build command on a pseudo terminal"`
}

type ServerConfig struct {
	Listen      string `json:"listen,omitempty" jsonschema:"description=Address for the event API; empty disables it"`
	Token       string `json:"token,omitempty"`
	StreamRate  int64  `json:"stream-rate,omitempty" jsonschema:"minimum=1"`
	StreamBurst int64  `json:"stream-burst,omitempty" jsonschema:"minimum=1"`
}

type LogConfig struct {
	Level string `json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warning,enum=error"`
}

type JournalConfig struct {
	Path string `json:"path,omitempty" jsonschema:"description=zstd JSON lines file receiving lifecycle events"`
}

type TelemetryConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// Load merges defaults, the file at path, then overrides. A missing file is
// not an error. Override keys use the dotted form, for example
// "watch.poll-interval".
func Load(path string, overrides map[string]any) (Settings, error) {
	defaultsStore, err := keys.Decode(keys.FormatTOML, defaultsPayload)
	if err != nil {
		return Settings{}, fmt.Errorf("decode defaults: %w", err)
	}
	values := defaultsStore.Flat()

	if strings.TrimSpace(path) != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Settings{}, fmt.Errorf("read config: %w", err)
			}
		} else {
			store, err := keys.Decode(keys.FormatForPath(path), payload)
			if err != nil {
				return Settings{}, fmt.Errorf("%s: %w", path, err)
			}
			for key, value := range store.Flat() {
				values[key] = value
			}
		}
	}

	for key, value := range overrides {
		normalized := keys.NormalizeKey(key)
		if normalized == "" {
			continue
		}
		values[normalized] = value
	}

	settings, err := fromValues(values)
	if err != nil {
		return Settings{}, err
	}
	return settings, settings.Validate()
}

func fromValues(values map[string]any) (Settings, error) {
	settings := Settings{}
	var errs []error

	interval, ok := keys.Duration(values["watch.poll-interval"])
	if !ok {
		errs = append(errs, fmt.Errorf("watch.poll-interval: invalid duration %v", values["watch.poll-interval"]))
	}
	settings.Watch.PollInterval = interval
	settings.Watch.CompareContents = boolSetting(values, "watch.compare-contents")
	settings.Watch.Include = stringsSetting(values, "watch.include")
	settings.Watch.Exclude = stringsSetting(values, "watch.exclude")
	settings.Watch.NoWrite = boolSetting(values, "watch.no-write")
	settings.Watch.Cwd = stringSetting(values, "watch.cwd")
	settings.Watch.Dir = stringSetting(values, "watch.dir")

	settings.Build.Command = stringsSetting(values, "build.command")
	settings.Build.Inputs = stringsSetting(values, "build.inputs")
	settings.Build.PTY = boolSetting(values, "build.pty")

	settings.Server.Listen = stringSetting(values, "server.listen")
	settings.Server.Token = stringSetting(values, "server.token")
	settings.Server.StreamRate = intSetting(values, "server.stream-rate")
	settings.Server.StreamBurst = intSetting(values, "server.stream-burst")

	settings.Log.Level = stringSetting(values, "log.level")
	settings.Journal.Path = stringSetting(values, "journal.path")
	settings.Telemetry.Enabled = boolSetting(values, "telemetry.enabled")

	return settings, errors.Join(errs...)
}

func (s Settings) Validate() error {
	var errs []error
	if s.Watch.PollInterval < 0 {
		errs = append(errs, errors.New("watch.poll-interval must not be negative"))
	}
	if s.Watch.CompareContents && s.Watch.PollInterval == 0 {
		errs = append(errs, errors.New("watch.compare-contents requires watch.poll-interval"))
	}
	if strings.TrimSpace(s.Watch.Dir) == "" {
		errs = append(errs, errors.New("watch.dir is required"))
	}
	if _, ok := logging.ParseLevel(s.Log.Level); !ok {
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", s.Log.Level))
	}
	if s.Server.StreamRate <= 0 || s.Server.StreamBurst <= 0 {
		errs = append(errs, errors.New("server.stream-rate and server.stream-burst must be positive"))
	}
	return errors.Join(errs...)
}

// LogLevel returns the parsed log level, defaulting to info.
func (s Settings) LogLevel() logging.Level {
	level, ok := logging.ParseLevel(s.Log.Level)
	if !ok {
		return logging.LevelInfo
	}
	return level
}

func stringSetting(values map[string]any, key string) string {
	if value, ok := values[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func stringsSetting(values map[string]any, key string) []string {
	parsed, _ := keys.Strings(values[key])
	return parsed
}

func boolSetting(values map[string]any, key string) bool {
	parsed, _ := keys.Bool(values[key])
	return parsed
}

func intSetting(values map[string]any, key string) int64 {
	parsed, _ := keys.Int(values[key])
	return parsed
}
