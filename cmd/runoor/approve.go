package main

import (
	"fmt"

	"github.com/ethpandaops/runoor/pkg/config"
	"github.com/ethpandaops/runoor/pkg/lifecycle"
	"github.com/ethpandaops/runoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	approveRunID string
	approver     string
)

var approveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Approve a blocked run for merging",
	Long: `Release a run waiting on manual approval into the merge phase. The
approver name is recorded in the run's transition log. Equivalent to
the approve endpoint of the API server.`,
	RunE: runApprove,
}

func init() {
	rootCmd.AddCommand(approveCmd)
	approveCmd.Flags().StringVar(&approveRunID, "run", "",
		"ID of the run to approve")
	approveCmd.Flags().StringVar(&approver, "approver", "",
		"Name recorded as the approving party")

	_ = approveCmd.MarkFlagRequired("run")
	_ = approveCmd.MarkFlagRequired("approver")
}

func runApprove(cmd *cobra.Command, args []string) error {
	if len(cfgFiles) == 0 {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
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

	run, err := st.GetRun(ctx, approveRunID)
	if err != nil {
		return fmt.Errorf("looking up run %s: %w", approveRunID, err)
	}

	if run.State != lifecycle.StateBlocked {
		return fmt.Errorf("run %s is %s, only %s runs can be approved",
			run.ID, run.State, lifecycle.StateBlocked)
	}

	if _, err := st.Transition(
		ctx, run.ID, lifecycle.StateBlocked, lifecycle.StateMerging,
		store.TransitionDetail{Trigger: approver, Reason: "approved"},
	); err != nil {
		return fmt.Errorf("approving run: %w", err)
	}

	log.WithFields(logrus.Fields{
		"run":      run.ID,
		"approver": approver,
	}).Info("Run approved for merge")

	return nil
}
