// Package cli parses the command line, dispatches subcommands and maps
// failures onto process exit codes.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"p2pshare/internal/apiclient"
	"p2pshare/internal/config"
)

const (
	ExitFailure = 1
	ExitUsage   = 2
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func usageError(format string, args ...any) error {
	return &ExitError{Code: ExitUsage, Message: fmt.Sprintf(format, args...)}
}

// env is what every command gets after the common flags are parsed.
type env struct {
	out, errOut io.Writer
	configPath  string
	apiAddr     string
	logLevel    string
	logFormat   string
}

func (e *env) config() (config.Config, error) {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return config.Config{}, &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	if e.logLevel != "" {
		cfg.Log.Level = e.logLevel
	}
	if e.logFormat != "" {
		cfg.Log.Format = e.logFormat
	}
	return cfg, nil
}

// client talks to the daemon at -api, falling back to the configured API
// address.
func (e *env) client() (*apiclient.Client, error) {
	addr := e.apiAddr
	if addr == "" {
		cfg, err := e.config()
		if err != nil {
			return nil, err
		}
		addr = cfg.API.Addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return apiclient.New(addr, 10*time.Second), nil
}

type runFunc func(ctx context.Context, e *env, args []string) error

// command binds its flags on a fresh FlagSet per invocation and returns the
// function to run once they are parsed.
type command struct {
	summary string
	usage   string
	setup   func(fs *flag.FlagSet) runFunc
}

// commands is filled in by init functions next to each implementation.
var commands = map[string]*command{}

func register(name string, c *command) {
	commands[name] = c
}

// Run dispatches args (without the program name) to a subcommand.
func Run(ctx context.Context, args []string, out, errOut io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(out)
		return nil
	}
	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		printUsage(errOut)
		return usageError("unknown command: %s", name)
	}

	e := &env{out: out, errOut: errOut}
	fs := flag.NewFlagSet("p2pshare "+name, flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&e.configPath, "config", "", "Path to a config file.")
	fs.StringVar(&e.apiAddr, "api", "", "Daemon API address (default from config, :8080).")
	fs.StringVar(&e.logLevel, "log-level", "", "Logging level: debug, info, warn, error.")
	fs.StringVar(&e.logFormat, "log-format", "", "Log format: text or json.")
	run := cmd.setup(fs)
	fs.Usage = func() {
		fmt.Fprintf(out, "Usage:\n  p2pshare %s %s\n\n%s\n\nOptions:\n", name, cmd.usage, cmd.summary)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	if err := validateLogFlags(e.logLevel, e.logFormat); err != nil {
		return err
	}
	return run(ctx, e, fs.Args())
}

func validateLogFlags(level, format string) error {
	switch strings.ToLower(level) {
	case "", "debug", "info", "warn", "error":
	default:
		return usageError("invalid log-level: must be 'debug', 'info', 'warn', or 'error'")
	}
	switch strings.ToLower(format) {
	case "", "text", "json":
	default:
		return usageError("invalid log-format: must be 'text' or 'json'")
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `
p2pshare - LAN file sharing through a tracker.

Usage:
  p2pshare <command> [options] [args]

Commands:
`)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-10s %s\n", name, commands[name].summary)
	}
	fmt.Fprint(w, "\nRun 'p2pshare <command> -h' for command options.\n")
}
