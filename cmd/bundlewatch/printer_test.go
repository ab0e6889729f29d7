package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bundlewatch/internal/watch"
)

func TestPrinterFormatsLifecycle(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	cwd := filepath.Join(string(filepath.Separator), "work", "app")
	var out bytes.Buffer
	p := newPrinter(&out, cwd)
	p.now = func() time.Time {
		return time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	}

	events := []watch.Event{
		{Code: watch.CodeRestart},
		{Code: watch.CodeStart},
		{Code: watch.CodeBundleStart},
		{Code: watch.CodeBundleEnd, Output: filepath.Join(cwd, "dist"), Duration: "12"},
		{Code: watch.CodeEnd},
		{Code: watch.CodeChange, Path: filepath.Join(cwd, "src", "a.js"), ChangeKind: watch.ChangeUpdate},
		{Code: watch.CodeError, Message: "[E1] src/a.js: unexpected token"},
		{Code: watch.CodeClose},
	}
	for _, ev := range events {
		if err := p.Print(ev); err != nil {
			t.Fatalf("print: %v", err)
		}
	}

	expected := []string{
		"bundling...",
		"created dist in 12ms",
		"[15:04:05] waiting for changes...",
		"update src/a.js",
		"[!] [E1] src/a.js: unexpected token",
		"watcher closed",
	}
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != len(expected) {
		t.Fatalf("expected %d lines, got %q", len(expected), out.String())
	}
	for i, want := range expected {
		if lines[i] != want {
			t.Fatalf("line %d: expected %q, got %q", i, want, lines[i])
		}
	}
}

func TestPrinterKeepsOutsidePathsAbsolute(t *testing.T) {
	cwd := filepath.Join(string(filepath.Separator), "work", "app")
	p := newPrinter(&bytes.Buffer{}, cwd)
	outside := filepath.Join(string(filepath.Separator), "tmp", "out")
	if got := p.relative(outside); got != outside {
		t.Fatalf("expected %q, got %q", outside, got)
	}
	if got := p.relative("dist"); got != "dist" {
		t.Fatalf("expected relative input unchanged, got %q", got)
	}
}

func TestPrinterKeepsMultilineErrors(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	var out bytes.Buffer
	p := newPrinter(&out, "")
	if err := p.Print(watch.Event{Code: watch.CodeError, Message: "first\n  at line 2"}); err != nil {
		t.Fatalf("print: %v", err)
	}
	if out.String() != "[!] first\n  at line 2\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}
