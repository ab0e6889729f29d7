package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"bundlewatch/internal/cli"
	"bundlewatch/internal/config"
)

type watchFlags struct {
	ConfigPath  string
	ConfigSet   bool
	ShowVersion bool
	// Overrides holds only the flags given on the command line, keyed by
	// setting name.
	Overrides map[string]any
}

func parseWatchFlags(name string, args []string, errOut io.Writer) (watchFlags, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(errOut)

	configPath := fs.String("config", config.DefaultPath, "Settings file (TOML or YAML)")
	cwd := fs.String("cwd", "", "Working directory of the build")
	dir := fs.String("dir", "", "Output directory reported after each build")
	var include, exclude, inputs cli.StringList
	fs.Var(&include, "include", "Glob of inputs to watch (repeatable)")
	fs.Var(&exclude, "exclude", "Glob of inputs never watched (repeatable)")
	fs.Var(&inputs, "input", "Glob of build inputs (repeatable)")
	poll := fs.Duration("poll", 0, "Poll for changes at this interval instead of using native notifications")
	compareContents := fs.Bool("compare-contents", false, "Hash file contents when polling")
	noWrite := fs.Bool("no-write", false, "Build without writing output")
	pty := fs.Bool("pty", false, "Run the build command on a pseudo terminal")
	listen := fs.String("listen", "", "Serve the event API on this address")
	token := fs.String("token", "", "Bearer token required by the event API")
	journalPath := fs.String("journal", "", "Record lifecycle events to this file")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warning, error)")
	helpVersion := cli.AddHelpVersionFlags(fs, "", "")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [flags] [--] <build command...>\n\nflags:\n", name)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return watchFlags{}, err
	}
	if helpVersion.Help {
		fs.Usage()
		return watchFlags{}, flag.ErrHelp
	}

	set := cli.Visited(fs)
	overrides := map[string]any{}
	if set["cwd"] {
		overrides["watch.cwd"] = *cwd
	}
	if set["dir"] {
		overrides["watch.dir"] = *dir
	}
	if set["include"] {
		overrides["watch.include"] = []string(include)
	}
	if set["exclude"] {
		overrides["watch.exclude"] = []string(exclude)
	}
	if set["input"] {
		overrides["build.inputs"] = []string(inputs)
	}
	if set["poll"] {
		overrides["watch.poll-interval"] = poll.String()
	}
	if set["compare-contents"] {
		overrides["watch.compare-contents"] = *compareContents
	}
	if set["no-write"] {
		overrides["watch.no-write"] = *noWrite
	}
	if set["pty"] {
		overrides["build.pty"] = *pty
	}
	if set["listen"] {
		overrides["server.listen"] = *listen
	}
	if set["token"] {
		overrides["server.token"] = *token
	}
	if set["journal"] {
		overrides["journal.path"] = *journalPath
	}
	if set["log-level"] {
		overrides["log.level"] = *logLevel
	}
	if command := fs.Args(); len(command) > 0 {
		overrides["build.command"] = append([]string(nil), command...)
	}

	return watchFlags{
		ConfigPath:  *configPath,
		ConfigSet:   set["config"],
		ShowVersion: helpVersion.Version,
		Overrides:   overrides,
	}, nil
}

// loadSettings layers the environment under the command line flags. A
// config file named explicitly must exist.
func loadSettings(parsed watchFlags, lookup func(string) (string, bool)) (config.Settings, error) {
	if parsed.ConfigSet {
		if _, err := os.Stat(parsed.ConfigPath); err != nil {
			return config.Settings{}, fmt.Errorf("config file: %w", err)
		}
	}
	return config.Load(parsed.ConfigPath, config.Merge(config.EnvOverrides(lookup), parsed.Overrides))
}
