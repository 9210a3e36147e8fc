package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/runoor/pkg/api"
	"github.com/ethpandaops/runoor/pkg/archive"
	"github.com/ethpandaops/runoor/pkg/config"
	"github.com/ethpandaops/runoor/pkg/dispatch"
	"github.com/ethpandaops/runoor/pkg/engine"
	"github.com/ethpandaops/runoor/pkg/gate"
	"github.com/ethpandaops/runoor/pkg/notify"
	"github.com/ethpandaops/runoor/pkg/policy"
	"github.com/ethpandaops/runoor/pkg/scm"
	"github.com/ethpandaops/runoor/pkg/store"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator",
	Long: `Start the orchestration engine and, when configured, the API server.
The engine polls the database for work, so several instances may run
against the same database and coordinate through conditional writes.`,
	RunE: runOrchestrator,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	if len(cfgFiles) == 0 {
		return fmt.Errorf("config file is required (use --config)")
	}

	// Load configuration.
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Parse policy conditions up front so a bad document fails the
	// start instead of being skipped at evaluation time.
	if err := validatePolicyConditions(cfg.Policies); err != nil {
		return err
	}

	engCfg, err := engine.NewConfig(&cfg.Orchestrator)
	if err != nil {
		return fmt.Errorf("parsing orchestrator config: %w", err)
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	if len(cfg.Policies) > 0 {
		if err := st.SeedPolicies(ctx, cfg.Policies); err != nil {
			return fmt.Errorf("seeding policies: %w", err)
		}
	}

	dispatcher, err := dispatch.NewFromConfig(log, &cfg.Dispatch, st)
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}

	defer func() {
		if err := dispatcher.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop dispatcher")
		}
	}()

	sink, err := archive.New(log, cfg.Archive)
	if err != nil {
		return fmt.Errorf("creating archive sink: %w", err)
	}

	eng := engine.NewEngine(
		log,
		engCfg,
		st,
		dispatcher,
		gate.New(log, st),
		policy.NewEvaluator(log, cfg.Notify.DefaultApprovers),
		scm.New(log, &cfg.SCM),
		notify.New(log, &cfg.Notify),
		sink,
	)

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	defer func() {
		if err := eng.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop engine")
		}
	}()

	var srv api.Server

	if cfg.API != nil {
		if err := cfg.ValidateAPI(); err != nil {
			return fmt.Errorf("validating api config: %w", err)
		}

		srv = api.NewServer(log, cfg.API, st, eng)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting api server: %w", err)
		}
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if srv != nil {
		if err := srv.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop api server")
		}
	}

	return nil
}
