package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethpandaops/runoor/pkg/config"
	"github.com/ethpandaops/runoor/pkg/lifecycle"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// --- Issues ---

func (s *store) CreateIssues(ctx context.Context, issues []RunIssue) error {
	if len(issues) == 0 {
		return nil
	}

	for i := range issues {
		if issues[i].ID == "" {
			issues[i].ID = uuid.NewString()
		}

		if issues[i].Status == "" {
			issues[i].Status = lifecycle.IssuePending
		}
	}

	if err := s.db.WithContext(ctx).
		CreateInBatches(&issues, 50).Error; err != nil {
		return fmt.Errorf("creating issues: %w", err)
	}

	return nil
}

func (s *store) GetIssue(ctx context.Context, id string) (*RunIssue, error) {
	var issue RunIssue
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&issue).Error; err != nil {
		return nil, fmt.Errorf("getting issue: %w", err)
	}

	return &issue, nil
}

func (s *store) ListIssues(
	ctx context.Context, runID string,
) ([]RunIssue, error) {
	var issues []RunIssue
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC, id ASC").
		Find(&issues).Error; err != nil {
		return nil, fmt.Errorf("listing issues: %w", err)
	}

	return issues, nil
}

func (s *store) MarkIssueDispatched(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Model(&RunIssue{}).
		Where("id = ? AND status = ?", id, lifecycle.IssuePending).
		Updates(map[string]any{
			"status":         lifecycle.IssueDispatched,
			"dispatched_at":  time.Now().UTC(),
			"dispatch_error": "",
		})
	if result.Error != nil {
		return fmt.Errorf("marking issue dispatched: %w", result.Error)
	}

	return nil
}

func (s *store) MarkIssueDispatchFailed(
	ctx context.Context, id, reason string,
) error {
	result := s.db.WithContext(ctx).
		Model(&RunIssue{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":         lifecycle.IssueFailed,
			"dispatch_error": reason,
			"completed_at":   time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("marking issue dispatch failed: %w", result.Error)
	}

	return nil
}

// ResetIssuesForRetry rewinds a run's unfinished issues to pending so
// a retry attempt re-dispatches them. Completed issues keep their
// results.
func (s *store) ResetIssuesForRetry(ctx context.Context, runID string) error {
	result := s.db.WithContext(ctx).
		Model(&RunIssue{}).
		Where("run_id = ? AND status <> ?", runID, lifecycle.IssueCompleted).
		Updates(map[string]any{
			"status":         lifecycle.IssuePending,
			"dispatch_error": "",
			"dispatched_at":  nil,
			"completed_at":   nil,
		})
	if result.Error != nil {
		return fmt.Errorf("resetting issues for retry: %w", result.Error)
	}

	return nil
}

// ExpireStaleIssues fails dispatched issues whose worker has not
// reported within the timeout.
func (s *store) ExpireStaleIssues(
	ctx context.Context, runID string, olderThan time.Duration,
) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	result := s.db.WithContext(ctx).
		Model(&RunIssue{}).
		Where(
			"run_id = ? AND status = ? AND dispatched_at < ?",
			runID, lifecycle.IssueDispatched, cutoff,
		).
		Updates(map[string]any{
			"status":         lifecycle.IssueFailed,
			"dispatch_error": fmt.Sprintf("worker did not report within %s", olderThan),
			"completed_at":   time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("expiring stale issues: %w", result.Error)
	}

	return int(result.RowsAffected), nil
}

// RecordIssueResult stores a worker's report. Reports for issues that
// already reached a terminal status are ignored so worker callback
// retries stay idempotent.
func (s *store) RecordIssueResult(
	ctx context.Context, id string, result IssueResult,
) (*RunIssue, error) {
	var issue RunIssue

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&issue).Error; err != nil {
			return fmt.Errorf("loading issue: %w", err)
		}

		if lifecycle.IssueTerminal(issue.Status) {
			return nil
		}

		now := time.Now().UTC()

		issue.Status = lifecycle.IssueCompleted
		if !result.Success {
			issue.Status = lifecycle.IssueFailed
		}

		issue.PRURL = result.PRURL
		issue.ResultSummary = result.ResultSummary
		issue.LinterPassed = result.LinterPassed
		issue.TypecheckPassed = result.TypecheckPassed
		issue.TestsPassed = result.TestsPassed
		issue.TestsExisted = result.TestsExisted
		issue.CompletedAt = &now

		if err := tx.Save(&issue).Error; err != nil {
			return fmt.Errorf("saving issue result: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &issue, nil
}

// --- Validations ---

func (s *store) CreateValidation(
	ctx context.Context, validation *Validation,
) error {
	if validation.ID == "" {
		validation.ID = uuid.NewString()
	}

	if err := s.db.WithContext(ctx).Create(validation).Error; err != nil {
		return fmt.Errorf("creating validation: %w", err)
	}

	return nil
}

func (s *store) ListValidations(
	ctx context.Context, runID string,
) ([]Validation, error) {
	var validations []Validation
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at DESC").
		Find(&validations).Error; err != nil {
		return nil, fmt.Errorf("listing validations: %w", err)
	}

	return validations, nil
}

func (s *store) LatestValidation(
	ctx context.Context, runID string,
) (*Validation, error) {
	var validation Validation
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at DESC").
		First(&validation).Error; err != nil {
		return nil, fmt.Errorf("getting latest validation: %w", err)
	}

	return &validation, nil
}

// --- Policies ---

// SeedPolicies upserts config-sourced merge policies by name.
func (s *store) SeedPolicies(
	ctx context.Context, policies []config.PolicyConfig,
) error {
	for _, p := range policies {
		conditions, err := json.Marshal(p.Conditions)
		if err != nil {
			return fmt.Errorf("encoding conditions for %q: %w", p.Name, err)
		}

		approvers, err := json.Marshal(p.RequireApprovalFrom)
		if err != nil {
			return fmt.Errorf("encoding approvers for %q: %w", p.Name, err)
		}

		enabled := true
		if p.Enabled != nil {
			enabled = *p.Enabled
		}

		policy := &Policy{Name: p.Name}

		// Assign uses a map so false values overwrite too.
		result := s.db.WithContext(ctx).
			Where("name = ?", p.Name).
			Assign(map[string]any{
				"priority":              p.Priority,
				"conditions":            conditions,
				"auto_merge_allowed":    p.AutoMergeAllowed,
				"require_approval_from": approvers,
				"enabled":               enabled,
			}).
			FirstOrCreate(policy)
		if result.Error != nil {
			return fmt.Errorf("seeding policy %q: %w", p.Name, result.Error)
		}
	}

	if len(policies) > 0 {
		s.log.WithField("count", len(policies)).
			Info("Seeded merge policies from config")
	}

	return nil
}

func (s *store) ListPolicies(
	ctx context.Context, enabledOnly bool,
) ([]Policy, error) {
	query := s.db.WithContext(ctx)

	if enabledOnly {
		query = query.Where("enabled = ?", true)
	}

	var policies []Policy
	if err := query.
		Order("priority DESC, name ASC").
		Find(&policies).Error; err != nil {
		return nil, fmt.Errorf("listing policies: %w", err)
	}

	return policies, nil
}

// --- Notifications ---

func (s *store) CreateNotification(
	ctx context.Context, notification *Notification,
) error {
	if err := s.db.WithContext(ctx).Create(notification).Error; err != nil {
		return fmt.Errorf("creating notification: %w", err)
	}

	return nil
}

func (s *store) MarkNotificationDelivered(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"delivered": true,
			"sent_at":   time.Now().UTC(),
		}).Error; err != nil {
		return fmt.Errorf("marking notification delivered: %w", err)
	}

	return nil
}

func (s *store) ListNotifications(
	ctx context.Context, runID string,
) ([]Notification, error) {
	var notifications []Notification
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&notifications).Error; err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}

	return notifications, nil
}

// --- Admin sessions ---

func (s *store) CreateSession(
	ctx context.Context, session *AdminSession,
) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	return nil
}

func (s *store) GetSessionByToken(
	ctx context.Context, token string,
) (*AdminSession, error) {
	var session AdminSession
	if err := s.db.WithContext(ctx).
		Where("token = ?", token).
		First(&session).Error; err != nil {
		return nil, fmt.Errorf("getting session by token: %w", err)
	}

	return &session, nil
}

func (s *store) UpdateSessionLastActive(
	ctx context.Context, id uint, t time.Time,
) error {
	if err := s.db.WithContext(ctx).
		Model(&AdminSession{}).
		Where("id = ?", id).
		Update("last_active_at", t).Error; err != nil {
		return fmt.Errorf("updating session last active: %w", err)
	}

	return nil
}

func (s *store) DeleteSession(ctx context.Context, token string) error {
	if err := s.db.WithContext(ctx).
		Where("token = ?", token).
		Delete(&AdminSession{}).Error; err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}

func (s *store) DeleteExpiredSessions(ctx context.Context) error {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now().UTC()).
		Delete(&AdminSession{})
	if result.Error != nil {
		return fmt.Errorf("deleting expired sessions: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.log.WithField("count", result.RowsAffected).
			Debug("Cleaned up expired sessions")
	}

	return nil
}
