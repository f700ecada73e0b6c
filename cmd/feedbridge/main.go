// Package main implements the feedbridge binary, an incremental replication
// engine from a paginated upstream feed into PostgreSQL.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/feedbridge/feedbridge/internal/breaker"
	"github.com/feedbridge/feedbridge/internal/config"
	"github.com/feedbridge/feedbridge/internal/db"
	"github.com/feedbridge/feedbridge/internal/engine"
	"github.com/feedbridge/feedbridge/internal/feed"
	"github.com/feedbridge/feedbridge/internal/log"
	"github.com/feedbridge/feedbridge/internal/sink"
)

// Config holds the application configuration
type Config struct {
	PostgresDSN string `short:"p" env:"FEEDBRIDGE_POSTGRES_DSN" long:"postgres-dsn" description:"PostgreSQL connection string"`
	ConfigPath  string `short:"c" env:"FEEDBRIDGE_CONFIG" long:"config" description:"Path to the resource configuration file" default:"feedbridge.yaml"`
	Resources   string `short:"r" env:"FEEDBRIDGE_RESOURCES" long:"resources" description:"Comma-separated resource names to sync; empty means all"`
	LogLevel    string `short:"l" env:"FEEDBRIDGE_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	Force       bool   `long:"force" description:"Ignore persisted cursors and sync from the epoch start"`
	MaxRecords  int64  `long:"max-records" description:"Stop after this many parent records; 0 means unlimited"`
	DryRun      bool   `long:"dry-run" description:"Report pending record counts per resource without writing"`
	Version     bool   `short:"v" long:"version" description:"Show version information"`
	Help        bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	parser.SubcommandsOptional = true
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	return
}

// ResourceNames splits the --resources flag into a name list.
func (c *Config) ResourceNames() []string {
	if strings.TrimSpace(c.Resources) == "" {
		return nil
	}
	parts := strings.Split(c.Resources, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if name := strings.TrimSpace(p); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("feedbridge version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(logLevel string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(log.NewFormatter(false))
	logrus.SetReportCaller(false)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("feedbridge logging initialized")

	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

func main() {
	// Quick check for version flags before full parsing
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	cmdOpts, err := ParseCLI(os.Args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := SetupLogging(cmdOpts.LogLevel); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	cfg, err := config.Load(cmdOpts.ConfigPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Connect to PostgreSQL with retry logic
	pgPool, err := db.NewWithRetry(ctx, cmdOpts.PostgresDSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to PostgreSQL after retries")
	}
	defer pgPool.Close()

	conn, err := pgPool.Acquire(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to acquire connection for migrations")
	}
	err = db.ApplyMigrations(ctx, conn.Conn())
	conn.Release()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to apply database migrations")
	}

	feedClient, err := feed.NewClient(feed.Options{
		BaseURL:         cfg.Feed.BaseURL,
		OpenToken:       cfg.Feed.OpenToken,
		RestrictedToken: cfg.Feed.RestrictedToken,
		Timeout:         cfg.Feed.Timeout.Std(),
		Window: feed.WindowConfig{
			PerMinute: cfg.Feed.RequestsPerMinute,
			PerHour:   cfg.Feed.RequestsPerHour,
		},
		Pacer:   feed.DefaultPacerConfig(),
		Breaker: breaker.DefaultConfig(),
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create feed client")
	}

	pgSink := sink.New(pgPool, breaker.DefaultConfig())

	eng := engine.New(engine.Options{
		Config:     cfg,
		Feed:       feedClient,
		Sink:       pgSink,
		Pool:       pgPool,
		Resources:  cmdOpts.ResourceNames(),
		Force:      cmdOpts.Force,
		MaxRecords: cmdOpts.MaxRecords,
	})
	if cmdOpts.DryRun {
		pending, err := eng.Plan(ctx)
		if err != nil {
			logrus.WithError(err).Fatal("Dry run failed")
		}
		for name, n := range pending {
			logrus.WithFields(logrus.Fields{
				"resource": name,
				"pending":  n,
			}).Info("Dry run: records past cursor")
		}
		return
	}

	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("Sync run failed")
	}

	logrus.Info("Graceful shutdown completed")
}
