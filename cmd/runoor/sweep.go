package main

import (
	"fmt"

	"github.com/ethpandaops/runoor/pkg/config"
	"github.com/ethpandaops/runoor/pkg/engine"
	"github.com/ethpandaops/runoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release expired run claims and exit",
	Long: `Scan for claims whose lease has expired and return their runs to the
pending queue. A running engine sweeps on its own; this command covers
databases no engine is currently serving.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	if len(cfgFiles) == 0 {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	engCfg, err := engine.NewConfig(&cfg.Orchestrator)
	if err != nil {
		return fmt.Errorf("parsing orchestrator config: %w", err)
	}

	ctx := cmd.Context()

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	released, err := st.SweepExpiredClaims(ctx, engCfg.ClaimLease)
	if err != nil {
		return fmt.Errorf("sweeping expired claims: %w", err)
	}

	log.WithFields(logrus.Fields{
		"released": released,
		"lease":    engCfg.ClaimLease,
	}).Info("Sweep completed")

	return nil
}
