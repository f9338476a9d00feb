// ternd is the tern completion daemon. It is spawned by the shell
// integration, answers completion requests over a line-oriented JSON
// protocol on stdin/stdout, and runs the background learning loop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tern-sh/tern/internal/completion/engine"
	"github.com/tern-sh/tern/internal/completion/scheduler"
	"github.com/tern-sh/tern/internal/completion/store"
	"github.com/tern-sh/tern/internal/config"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ternd: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		dbPath     string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "ternd",
		Short: "adaptive completion daemon for remote shells",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath, dbPath, verbose)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file (default ~/.tern/config.yaml)")
	cmd.Flags().StringVar(&dbPath, "db", "", "database file (default ~/.tern/completion.db)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the ternd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
	return cmd
}

func serve(parent context.Context, configPath, dbPath string, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		configPath = p
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if cfg.Store.Path == "" {
		p, err := store.DefaultPath()
		if err != nil {
			return err
		}
		cfg.Store.Path = p
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Options{Path: cfg.Store.Path, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	trans := newLocalTransport()
	eng := engine.New(engine.Dependencies{
		Store:     st,
		Transport: trans,
		Logger:    logger,
	}, cfg)

	sched := scheduler.New(st, eng.Pruners(), scheduler.Options{
		Interval:            cfg.SchedulerInterval(),
		BatchSize:           cfg.Scheduler.BatchSize,
		MinSupport:          cfg.Scheduler.MinSupport,
		MinObservations:     cfg.Scheduler.MinObservations,
		MinConfidence:       cfg.Scheduler.MinConfidence,
		RegressionThreshold: cfg.Scheduler.RollbackThreshold,
		PatternMaxAge:       time.Duration(cfg.Scheduler.PatternMaxAgeDays) * 24 * time.Hour,
		Logger:              logger,
	})
	go sched.Run(ctx)

	logger.Info("ternd starting", "version", version, "db", cfg.Store.Path)
	return serveLines(ctx, eng, trans, os.Stdin, os.Stdout, logger)
}
