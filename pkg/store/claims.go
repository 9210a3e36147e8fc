package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethpandaops/runoor/pkg/lifecycle"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TryClaim attempts to move a pending run to CLAIMED for the given
// worker. The claim is a single conditional update guarded by the
// current state, so at most one concurrent caller wins; losers see
// zero affected rows and get (false, nil).
func (s *store) TryClaim(ctx context.Context, req ClaimRequest) (bool, error) {
	claimed := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run Run
		if err := tx.Where("id = ?", req.RunID).First(&run).Error; err != nil {
			return fmt.Errorf("loading run: %w", err)
		}

		if run.State != lifecycle.StatePending || run.CancelRequested {
			return nil
		}

		if req.PerRepoLimit > 0 {
			var active int64
			if err := tx.Model(&Run{}).
				Where("repo = ? AND state IN ?", run.Repo, lifecycle.ActiveStates()).
				Count(&active).Error; err != nil {
				return fmt.Errorf("counting active runs for repo: %w", err)
			}

			if active >= int64(req.PerRepoLimit) {
				return nil
			}
		}

		result := tx.Model(&Run{}).
			Where("id = ? AND state = ?", req.RunID, lifecycle.StatePending).
			Updates(map[string]any{
				"state":      lifecycle.StateClaimed,
				"claimed_by": req.WorkerID,
				"claimed_at": time.Now().UTC(),
			})
		if result.Error != nil {
			return fmt.Errorf("claiming run: %w", result.Error)
		}

		if result.RowsAffected == 0 {
			// Lost the race to another worker.
			return nil
		}

		transition := RunTransition{
			RunID:     req.RunID,
			FromState: lifecycle.StatePending,
			ToState:   lifecycle.StateClaimed,
			Trigger:   req.WorkerID,
		}
		if err := tx.Create(&transition).Error; err != nil {
			return fmt.Errorf("recording claim transition: %w", err)
		}

		claimed = true

		return nil
	})
	if err != nil {
		return false, err
	}

	return claimed, nil
}

// ClaimableRuns returns pending, uncancelled runs ordered by priority
// then age.
func (s *store) ClaimableRuns(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("state = ? AND cancel_requested = ?", lifecycle.StatePending, false).
		Order("priority DESC, created_at ASC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing claimable runs: %w", err)
	}

	return runs, nil
}

// SweepExpiredClaims returns runs whose claim outlived the lease to
// PENDING so another worker can pick them up. Each release is its own
// conditional write: a holder that advanced the run in the meantime
// wins and the release is skipped.
func (s *store) SweepExpiredClaims(
	ctx context.Context, lease time.Duration,
) (int, error) {
	cutoff := time.Now().UTC().Add(-lease)
	released := 0

	var stale []Run
	if err := s.db.WithContext(ctx).
		Where("state = ? AND claimed_at < ?", lifecycle.StateClaimed, cutoff).
		Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("finding expired claims: %w", err)
	}

	for i := range stale {
		run := &stale[i]

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.Model(&Run{}).
				Where(
					"id = ? AND state = ? AND claimed_at < ?",
					run.ID, lifecycle.StateClaimed, cutoff,
				).
				Updates(map[string]any{
					"state":      lifecycle.StatePending,
					"claimed_by": "",
					"claimed_at": nil,
				})
			if result.Error != nil {
				return fmt.Errorf("releasing claim: %w", result.Error)
			}

			if result.RowsAffected == 0 {
				return nil
			}

			transition := RunTransition{
				RunID:     run.ID,
				FromState: lifecycle.StateClaimed,
				ToState:   lifecycle.StatePending,
				Trigger:   lifecycle.TriggerSweeper,
				Reason:    fmt.Sprintf("claim by %s expired after %s", run.ClaimedBy, lease),
			}
			if err := tx.Create(&transition).Error; err != nil {
				return fmt.Errorf("recording sweep transition: %w", err)
			}

			released++

			return nil
		})
		if err != nil {
			return released, err
		}
	}

	if released > 0 {
		s.log.WithField("count", released).Info("Released expired claims")
	}

	return released, nil
}

// Transition moves a run from one state to another and appends the
// transition log entry, both in a single transaction. The state write
// is conditional on the expected from state; a concurrent change
// returns ErrStateConflict and nothing is recorded.
func (s *store) Transition(
	ctx context.Context,
	runID string,
	from, to lifecycle.State,
	detail TransitionDetail,
) (*Run, error) {
	if err := lifecycle.ValidateTransition(from, to); err != nil {
		return nil, err
	}

	if detail.Trigger == "" {
		detail.Trigger = lifecycle.TriggerSystem
	}

	var updated Run

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{"state": to}

		if detail.ErrorMessage != nil {
			updates["error_message"] = *detail.ErrorMessage
		}

		if detail.IncRetry {
			updates["retry_count"] = gorm.Expr("retry_count + 1")
		}

		if detail.ClaimedBy != nil {
			updates["claimed_by"] = *detail.ClaimedBy
			updates["claimed_at"] = time.Now().UTC()
		}

		if lifecycle.IsTerminal(to) {
			updates["completed_at"] = time.Now().UTC()
		}

		result := tx.Model(&Run{}).
			Where("id = ? AND state = ?", runID, from).
			Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("updating run state: %w", result.Error)
		}

		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: run %s is no longer %s", ErrStateConflict, runID, from)
		}

		transition := RunTransition{
			RunID:     runID,
			FromState: from,
			ToState:   to,
			Trigger:   detail.Trigger,
			Reason:    detail.Reason,
		}

		if len(detail.Metadata) > 0 {
			metadata, err := json.Marshal(detail.Metadata)
			if err != nil {
				return fmt.Errorf("encoding transition metadata: %w", err)
			}

			transition.Metadata = metadata
		}

		if err := tx.Create(&transition).Error; err != nil {
			return fmt.Errorf("recording transition: %w", err)
		}

		if err := tx.Where("id = ?", runID).First(&updated).Error; err != nil {
			return fmt.Errorf("reloading run: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"run":  runID,
		"from": from,
		"to":   to,
	}).Debug("Run transitioned")

	return &updated, nil
}

func (s *store) ListTransitions(
	ctx context.Context, runID string,
) ([]RunTransition, error) {
	var transitions []RunTransition
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&transitions).Error; err != nil {
		return nil, fmt.Errorf("listing transitions: %w", err)
	}

	return transitions, nil
}

// VerifyProjections compares each run's stored state against the last
// entry in its transition log. A run with no log entries is expected
// to still be PENDING.
func (s *store) VerifyProjections(
	ctx context.Context,
) ([]ProjectionMismatch, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Select("id", "state").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	var latest []RunTransition
	if err := s.db.WithContext(ctx).
		Where(
			"id IN (?)",
			s.db.Model(&RunTransition{}).Select("MAX(id)").Group("run_id"),
		).
		Find(&latest).Error; err != nil {
		return nil, fmt.Errorf("loading latest transitions: %w", err)
	}

	lastState := make(map[string]lifecycle.State, len(latest))
	for _, t := range latest {
		lastState[t.RunID] = t.ToState
	}

	var mismatches []ProjectionMismatch

	for _, run := range runs {
		expected, ok := lastState[run.ID]
		if !ok {
			expected = lifecycle.StatePending
		}

		if run.State != expected {
			mismatches = append(mismatches, ProjectionMismatch{
				RunID:    run.ID,
				RunState: run.State,
				LogState: expected,
			})
		}
	}

	return mismatches, nil
}
