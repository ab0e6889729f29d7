package engine

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func writeInput(t *testing.T, root, relative string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(relative))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestBuildDiscoversInputs(t *testing.T) {
	root := t.TempDir()
	a := writeInput(t, root, "src/a.js")
	b := writeInput(t, root, "src/nested/b.js")
	config := writeInput(t, root, "rolldown.config.js")
	writeInput(t, root, "src/readme.md")

	engine := New(Config{
		Cwd:    root,
		Inputs: []string{"src/**/*.js", "src/a.js", config},
	})
	output := engine.Build(context.Background(), false)

	if len(output.Errors) != 0 {
		t.Fatalf("unexpected diagnostics %v", output.Errors)
	}
	want := []string{a, b, config}
	if !reflect.DeepEqual(output.WatchFiles, want) {
		t.Fatalf("expected %v, got %v", want, output.WatchFiles)
	}
}

func TestBuildReportsInvalidPattern(t *testing.T) {
	engine := New(Config{Cwd: t.TempDir(), Inputs: []string{"src/[a"}})
	output := engine.Build(context.Background(), false)
	if len(output.Errors) != 1 || output.Errors[0].Code != "INVALID_INPUT" {
		t.Fatalf("expected invalid input diagnostic, got %v", output.Errors)
	}
}

func TestBuildCommandSuccess(t *testing.T) {
	requireShell(t)
	var out strings.Builder
	engine := New(Config{
		Command: []string{"sh", "-c", "echo built"},
		Cwd:     t.TempDir(),
		Output:  &out,
	})
	output := engine.Build(context.Background(), false)
	if len(output.Errors) != 0 {
		t.Fatalf("unexpected diagnostics %v", output.Errors)
	}
	if !strings.Contains(out.String(), "built") {
		t.Fatalf("expected command output to be forwarded, got %q", out.String())
	}
}

func TestBuildCommandFailureUsesStderrLines(t *testing.T) {
	requireShell(t)
	engine := New(Config{
		Command: []string{"sh", "-c", "echo out; echo 'first problem' >&2; echo >&2; echo 'second problem' >&2; exit 2"},
		Cwd:     t.TempDir(),
	})
	output := engine.Build(context.Background(), false)
	if len(output.Errors) != 2 {
		t.Fatalf("expected 2 diagnostics, got %v", output.Errors)
	}
	if output.Errors[0].Message != "first problem" || output.Errors[1].Message != "second problem" {
		t.Fatalf("unexpected diagnostics %v", output.Errors)
	}
}

func TestBuildCommandFailureWithoutStderr(t *testing.T) {
	requireShell(t)
	engine := New(Config{Command: []string{"sh", "-c", "exit 3"}, Cwd: t.TempDir()})
	output := engine.Build(context.Background(), false)
	if len(output.Errors) != 1 || output.Errors[0].Code != "BUILD_FAILED" {
		t.Fatalf("expected BUILD_FAILED diagnostic, got %v", output.Errors)
	}
}

func TestBuildPassesNoWriteToCommand(t *testing.T) {
	requireShell(t)
	engine := New(Config{
		Command: []string{"sh", "-c", `test "$` + NoWriteEnv + `" = 1`},
		Cwd:     t.TempDir(),
	})
	if output := engine.Build(context.Background(), true); len(output.Errors) != 0 {
		t.Fatalf("expected no-write build to see %s=1, got %v", NoWriteEnv, output.Errors)
	}
	if output := engine.Build(context.Background(), false); len(output.Errors) != 1 {
		t.Fatalf("expected write build to see %s=0, got %v", NoWriteEnv, output.Errors)
	}
}

func TestBuildUnderPty(t *testing.T) {
	requireShell(t)
	engine := New(Config{
		Command: []string{"sh", "-c", `printf '\033[31mboom\033[0m\n'; exit 1`},
		Cwd:     t.TempDir(),
		PTY:     true,
	})
	output := engine.Build(context.Background(), false)
	if len(output.Errors) == 1 && output.Errors[0].Code == "PTY_UNAVAILABLE" {
		t.Skip("no pseudo terminal available")
	}
	if len(output.Errors) != 1 || output.Errors[0].Message != "boom" {
		t.Fatalf("expected stripped pty diagnostic, got %v", output.Errors)
	}
}

func TestStripANSI(t *testing.T) {
	input := "\x1b[1;31merror\x1b[0m: \x1b]8;;file://a\x07link\x1b]8;;\x07 done\r\n"
	if got := string(stripANSI([]byte(input))); got != "error: link done\n" {
		t.Fatalf("unexpected stripped output %q", got)
	}
}
