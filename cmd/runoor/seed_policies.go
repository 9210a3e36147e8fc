package main

import (
	"fmt"

	"github.com/ethpandaops/runoor/pkg/config"
	"github.com/ethpandaops/runoor/pkg/policy"
	"github.com/ethpandaops/runoor/pkg/store"
	"github.com/spf13/cobra"
)

var seedPoliciesCmd = &cobra.Command{
	Use:   "seed-policies",
	Short: "Write configured merge policies to the database",
	Long: `Upsert the policies from the config file into the database without
starting the orchestrator. Existing policies are matched by name and
updated in place; policies absent from the config are left alone.`,
	RunE: runSeedPolicies,
}

func init() {
	rootCmd.AddCommand(seedPoliciesCmd)
}

func runSeedPolicies(cmd *cobra.Command, args []string) error {
	if len(cfgFiles) == 0 {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if len(cfg.Policies) == 0 {
		return fmt.Errorf("no policies configured")
	}

	if err := validatePolicyConditions(cfg.Policies); err != nil {
		return err
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

	if err := st.SeedPolicies(ctx, cfg.Policies); err != nil {
		return fmt.Errorf("seeding policies: %w", err)
	}

	log.WithField("policies", len(cfg.Policies)).Info("Policies seeded")

	return nil
}

// validatePolicyConditions parses every condition document so a bad
// config fails loudly instead of being skipped at evaluation time.
func validatePolicyConditions(policies []config.PolicyConfig) error {
	for _, p := range policies {
		cond, err := policy.FromMap(p.Conditions)
		if err != nil {
			return fmt.Errorf("policy %q: %w", p.Name, err)
		}

		if cond == nil {
			continue
		}

		if err := cond.Validate(); err != nil {
			return fmt.Errorf("policy %q: %w", p.Name, err)
		}
	}

	return nil
}
