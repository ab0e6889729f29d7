package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"bundlewatch/internal/config"
	"bundlewatch/internal/journal"
	"bundlewatch/internal/version"
)

type command interface {
	Run(args []string) int
}

type commandDeps struct {
	Stdout    io.Writer
	Stderr    io.Writer
	LookupEnv func(string) (string, bool)
	// Signals returns the channel of shutdown signals and a func that stops
	// delivery.
	Signals  func() (<-chan os.Signal, func())
	RunWatch func(args []string, deps commandDeps) int
	RunBuild func(args []string, deps commandDeps) int
}

func defaultCommandDeps() commandDeps {
	return commandDeps{
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		LookupEnv: os.LookupEnv,
		Signals:   notifyShutdownSignals,
		RunWatch:  runWatch,
		RunBuild:  runBuild,
	}
}

func notifyShutdownSignals() (<-chan os.Signal, func()) {
	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	return signalCh, func() {
		signal.Stop(signalCh)
	}
}

func run(args []string, deps commandDeps) int {
	cmd, cmdArgs := resolveCommand(args, deps)
	return cmd.Run(cmdArgs)
}

type watchCommand struct {
	deps commandDeps
}

func (c watchCommand) Run(args []string) int {
	return c.deps.RunWatch(args, c.deps)
}

type buildCommand struct {
	deps commandDeps
}

func (c buildCommand) Run(args []string) int {
	return c.deps.RunBuild(args, c.deps)
}

type schemaCommand struct {
	deps commandDeps
}

func (c schemaCommand) Run(args []string) int {
	if len(args) > 0 {
		fmt.Fprintln(c.deps.Stderr, "usage: bundlewatch config schema")
		return 2
	}
	payload, err := config.SchemaJSON()
	if err != nil {
		fmt.Fprintln(c.deps.Stderr, err)
		return 1
	}
	fmt.Fprintln(c.deps.Stdout, string(payload))
	return 0
}

type journalCommand struct {
	deps commandDeps
}

// Run prints a journal as plain JSON lines. Events decoded before a
// corrupt line are still printed.
func (c journalCommand) Run(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(c.deps.Stderr, "usage: bundlewatch journal <file>")
		return 2
	}
	events, readErr := journal.Read(args[0])
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			fmt.Fprintln(c.deps.Stderr, err)
			return 1
		}
		fmt.Fprintln(c.deps.Stdout, string(line))
	}
	if readErr != nil {
		fmt.Fprintln(c.deps.Stderr, readErr)
		return 1
	}
	return 0
}

type versionCommand struct {
	deps commandDeps
}

func (c versionCommand) Run([]string) int {
	fmt.Fprintln(c.deps.Stdout, version.Get().String())
	return 0
}

type helpCommand struct {
	deps commandDeps
}

func (c helpCommand) Run([]string) int {
	fmt.Fprint(c.deps.Stdout, usageText)
	return 0
}

const usageText = `usage: bundlewatch [watch] [flags] [--] <build command...>

commands:
  watch           build, then rebuild on every input change (default)
  build           build once and exit
  config schema   print the settings JSON schema
  journal <file>  print a recorded event journal as JSON lines
  version         print version information
  help            show this message

run "bundlewatch watch -help" for the flag list.
`

func resolveCommand(args []string, deps commandDeps) (command, []string) {
	if len(args) == 0 {
		return watchCommand{deps: deps}, args
	}
	switch args[0] {
	case "watch":
		return watchCommand{deps: deps}, args[1:]
	case "build":
		return buildCommand{deps: deps}, args[1:]
	case "journal":
		return journalCommand{deps: deps}, args[1:]
	case "version":
		return versionCommand{deps: deps}, args[1:]
	case "help":
		return helpCommand{deps: deps}, args[1:]
	case "config":
		if len(args) > 1 && args[1] == "schema" {
			return schemaCommand{deps: deps}, args[2:]
		}
	}
	return watchCommand{deps: deps}, args
}
