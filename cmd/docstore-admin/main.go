// Command docstore-admin runs one-shot administration against the
// repositories and work queues of a docstore descriptor.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"docstore/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// Command is a subcommand with its own flags
type Command struct {
	Flags *flag.FlagSet
	// Usage starts with the command name
	Usage string
	Short string
	Long  string
	Exec  func(ctx context.Context, env *Env, args []string) error
}

// Name returns the first word of Usage
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")
	return name
}

// PrintHelp prints the full help of the command
func (c *Command) PrintHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: docstore-admin", c.Usage)
	fmt.Fprintln(w)
	desc := c.Long
	if desc == "" {
		desc = c.Short
	}
	fmt.Fprintln(w, desc)
	if c.Flags.HasFlags() {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Flags:")
		c.Flags.SetOutput(w)
		c.Flags.PrintDefaults()
	}
}

// Run parses flags and executes the command. Returns the exit code.
func (c *Command) Run(ctx context.Context, env *Env, args []string) int {
	c.Flags.SetOutput(io.Discard)
	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(env.Out)
			return 0
		}
		fmt.Fprintln(env.Err, "error:", err)
		fmt.Fprintln(env.Err)
		c.PrintHelp(env.Err)
		return 1
	}
	if err := c.Exec(ctx, env, c.Flags.Args()); err != nil {
		fmt.Fprintln(env.Err, "error:", err)
		return 1
	}
	return 0
}

// Env is what commands run against
type Env struct {
	Config *config.Config
	Log    *logrus.Entry
	Out    io.Writer
	Err    io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("docstore-admin", flag.ContinueOnError)
	global.SetInterspersed(false)
	global.SetOutput(io.Discard)
	configPath := global.StringP("config", "c", "", "config file (default: search the usual locations)")
	verbose := global.BoolP("verbose", "v", false, "log at debug level")

	commands := allCommands()
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage(stdout, global, commands)
			return 0
		}
		fmt.Fprintln(stderr, "error:", err)
		printUsage(stderr, global, commands)
		return 1
	}
	rest := global.Args()
	if len(rest) == 0 || rest[0] == "help" {
		printUsage(stdout, global, commands)
		return 0
	}

	var cmd *Command
	for _, c := range commands {
		if c.Name() == rest[0] {
			cmd = c
			break
		}
	}
	if cmd == nil {
		fmt.Fprintln(stderr, "error: unknown command:", rest[0])
		printUsage(stderr, global, commands)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	logger := logrus.New()
	logger.SetOutput(stderr)
	if err := cfg.SetupLogging(logger); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	env := &Env{Config: cfg, Log: logrus.NewEntry(logger), Out: stdout, Err: stderr}
	return cmd.Run(ctx, env, rest[1:])
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, _, err = config.LoadFromPath(path)
	} else {
		cfg, _, err = config.Load()
	}
	return cfg, err
}

func printUsage(w io.Writer, global *flag.FlagSet, commands []*Command) {
	fmt.Fprintln(w, "Usage: docstore-admin [flags] <command> [command flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-42s %s\n", c.Usage, c.Short)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	global.SetOutput(w)
	global.PrintDefaults()
	global.SetOutput(io.Discard)
}
