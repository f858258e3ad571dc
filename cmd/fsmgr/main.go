package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/blockkit/fsmgr/internal/config"
	"github.com/blockkit/fsmgr/internal/logger"
	"github.com/blockkit/fsmgr/pkg/fs"
)

const (
	envLogLevel   string = "FSMGR_LOG_LEVEL"
	envConfigPath string = "FSMGR_CONFIG"
)

func main() {
	flagSet := pflag.NewFlagSet("default", pflag.ContinueOnError)
	// Stop at the first non-flag argument so subcommands parse their own
	// flags.
	flagSet.SetInterspersed(false)
	var (
		logLevel   = flagSet.String("log-level", "", "Logging level: panic, fatal, error, warn, warning, info, debug or trace. Defaults to the configured level.")
		configPath = flagSet.String("config", "", "Path to the optional YAML configuration file.")
		version    = flagSet.Bool("version", false, "Print the version and exit.")
	)
	flagSet.Usage = func() { printUsage(os.Stderr, flagSet) }
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatal(err)
	}
	if *version {
		printVersionAndExit()
	}

	args := flagSet.Args()
	if len(args) == 0 {
		flagSet.Usage()
		os.Exit(2)
	}
	switch args[0] {
	case "help":
		printUsage(os.Stdout, flagSet)
		os.Exit(0)
	case "version":
		printVersionAndExit()
	}
	cmd := findCommand(args[0])
	if cmd == nil {
		log.Fatalf("unknown command %q, run 'fsmgr help' for usage", args[0])
	}

	cfg, err := config.Load(newConfigPath(*configPath))
	if err != nil {
		log.Fatal(err)
	}
	manager := fs.New(newLogEntry(newLogLevel(*logLevel, cfg)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.run(ctx, manager, cfg, args[1:]); err != nil {
		stop()
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "fsmgr %s: %v\n", cmd.name, err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage:\n  fsmgr [flags] <command> [arguments]\n\nCommands:\n")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", c.usage, c.help)
	}
	fmt.Fprintf(tw, "  version\tprint the version and exit\n")
	fmt.Fprintf(tw, "  help\tprint this help\n")
	tw.Flush()
	fmt.Fprintf(w, "\nFlags:\n%s", flagSet.FlagUsages())
}

func printVersionAndExit() {
	fmt.Printf("%s - %s (%s)\n", GetVersion(), GetCommit(), GetTreeState()) //nolint: forbidigo // allow printing to console
	os.Exit(0)
}

func newConfigPath(path string) string {
	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	return path
}

func newLogLevel(level string, cfg config.Config) string {
	if level == "" {
		level = os.Getenv(envLogLevel)
	}
	if level == "" {
		level = cfg.LogLevel
	}
	return level
}

func newLogEntry(logLevel string) *logrus.Entry {
	entry := logrus.NewEntry(logger.New(logLevel))
	if host, err := os.Hostname(); err == nil {
		entry = entry.WithField(logger.HostKey, host)
	}
	return entry
}
