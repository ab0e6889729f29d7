// Package engine provides a build engine that runs an external build command
// and discovers its inputs by glob.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"bundlewatch/internal/logging"
	"bundlewatch/internal/watch"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	NoWriteEnv     = "BUNDLEWATCH_NO_WRITE"
	maxDiagnostics = 50
)

// Config describes the build command and its inputs.
type Config struct {
	// Command is the argv of the build. An empty command only discovers inputs.
	Command []string
	Cwd     string
	// Inputs are doublestar patterns, relative to Cwd unless absolute.
	Inputs []string
	// PTY runs the command on a pseudo terminal so it keeps colored output.
	PTY    bool
	Env    []string
	Output io.Writer
	Logger *logging.Logger
}

// Exec implements watch.BuildEngine.
type Exec struct {
	config Config
	logger *logging.Logger
}

func New(config Config) *Exec {
	if config.Output == nil {
		config.Output = io.Discard
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Exec{config: config, logger: logger.Component("engine")}
}

// Build runs the command and globs the inputs. Failures become diagnostics.
func (e *Exec) Build(ctx context.Context, noWrite bool) watch.BuildOutput {
	var output watch.BuildOutput
	if len(e.config.Command) > 0 {
		output.Errors = append(output.Errors, e.run(ctx, noWrite)...)
	}
	files, diagnostics := e.watchFiles()
	output.WatchFiles = files
	output.Errors = append(output.Errors, diagnostics...)
	return output
}

func (e *Exec) run(ctx context.Context, noWrite bool) []watch.Diagnostic {
	cmd := exec.CommandContext(ctx, e.config.Command[0], e.config.Command[1:]...)
	cmd.Dir = e.config.Cwd
	cmd.Env = append(append(os.Environ(), e.config.Env...), NoWriteEnv+"="+boolEnv(noWrite))

	e.logger.Debug("build command starting", map[string]string{
		"command":  strings.Join(e.config.Command, " "),
		"no_write": strconv.FormatBool(noWrite),
	})

	var (
		captured bytes.Buffer
		runErr   error
	)
	if e.config.PTY {
		runErr = runWithPty(cmd, io.MultiWriter(e.config.Output, &captured))
		if errors.Is(runErr, errPtyUnavailable) {
			return []watch.Diagnostic{{Code: "PTY_UNAVAILABLE", Message: runErr.Error()}}
		}
	} else {
		cmd.Stdout = e.config.Output
		cmd.Stderr = io.MultiWriter(e.config.Output, &captured)
		runErr = cmd.Run()
	}
	if runErr == nil {
		return nil
	}

	e.logger.Warn("build command failed", map[string]string{
		"command": strings.Join(e.config.Command, " "),
		"error":   runErr.Error(),
	})
	diagnostics := diagnosticsFrom(captured.Bytes())
	if len(diagnostics) == 0 {
		diagnostics = append(diagnostics, watch.Diagnostic{
			Code:    "BUILD_FAILED",
			Message: fmt.Sprintf("build command failed: %v", runErr),
		})
	}
	return diagnostics
}

func diagnosticsFrom(data []byte) []watch.Diagnostic {
	var diagnostics []watch.Diagnostic
	scanner := bufio.NewScanner(bytes.NewReader(stripANSI(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		diagnostics = append(diagnostics, watch.Diagnostic{Message: line})
		if len(diagnostics) == maxDiagnostics {
			break
		}
	}
	return diagnostics
}

// watchFiles expands Inputs into absolute paths, first match first.
func (e *Exec) watchFiles() ([]string, []watch.Diagnostic) {
	var (
		files       []string
		diagnostics []watch.Diagnostic
	)
	seen := make(map[string]struct{})
	add := func(path string) {
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}

	for _, pattern := range e.config.Inputs {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		var (
			matches []string
			err     error
		)
		if filepath.IsAbs(pattern) {
			matches, err = doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		} else {
			var relative []string
			relative, err = doublestar.Glob(os.DirFS(e.config.Cwd), filepath.ToSlash(pattern), doublestar.WithFilesOnly())
			for _, match := range relative {
				matches = append(matches, filepath.Join(e.config.Cwd, filepath.FromSlash(match)))
			}
		}
		if err != nil {
			diagnostics = append(diagnostics, watch.Diagnostic{
				Code:    "INVALID_INPUT",
				Message: fmt.Sprintf("input pattern %q: %v", pattern, err),
			})
			continue
		}
		for _, match := range matches {
			add(match)
		}
	}
	return files, diagnostics
}

func boolEnv(value bool) string {
	if value {
		return "1"
	}
	return "0"
}

// stripANSI removes escape sequences so terminal output reads as plain
// diagnostics.
func stripANSI(data []byte) []byte {
	const (
		text = iota
		escape
		csi
		osc
		oscEscape
	)
	state := text
	out := make([]byte, 0, len(data))
	for _, b := range data {
		switch state {
		case text:
			switch b {
			case 0x1b:
				state = escape
			case '\r':
			default:
				out = append(out, b)
			}
		case escape:
			switch b {
			case '[':
				state = csi
			case ']':
				state = osc
			default:
				state = text
			}
		case csi:
			if b >= 0x40 && b <= 0x7e {
				state = text
			}
		case osc:
			switch b {
			case 0x07:
				state = text
			case 0x1b:
				state = oscEscape
			}
		case oscEscape:
			state = text
		}
	}
	return out
}

