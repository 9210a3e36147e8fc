package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethpandaops/runoor/pkg/lifecycle"
	"github.com/ethpandaops/runoor/pkg/policy"
	"github.com/ethpandaops/runoor/pkg/retryctl"
	"github.com/ethpandaops/runoor/pkg/scm"
	"github.com/ethpandaops/runoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// stepRun drives one state transition for a run. Errors are contained
// here: contention is skipped quietly, everything else funnels into
// the retry controller.
func (e *engine) stepRun(ctx context.Context, run *store.Run) {
	err := e.step(ctx, run)
	if err == nil {
		return
	}

	if errors.Is(err, store.ErrStateConflict) {
		e.log.WithField("run", run.ID).Debug("Run changed concurrently, skipping")

		return
	}

	e.handleFailure(ctx, run, err)
}

func (e *engine) step(ctx context.Context, run *store.Run) error {
	// Cancellation wins over whatever the run was about to do.
	if run.CancelRequested {
		return e.cancelRun(ctx, run)
	}

	switch run.State {
	case lifecycle.StateClaimed:
		return e.stepClaimed(ctx, run)
	case lifecycle.StateWorking:
		return e.stepWorking(ctx, run)
	case lifecycle.StateValidating:
		return e.stepValidating(ctx, run)
	case lifecycle.StateMerging:
		return e.stepMerging(ctx, run)
	case lifecycle.StateBlocked:
		// Waits for a human decision.
		return nil
	default:
		return nil
	}
}

func (e *engine) cancelRun(ctx context.Context, run *store.Run) error {
	return e.settleFailed(ctx, run, store.TransitionDetail{
		Trigger: lifecycle.TriggerSystem,
		Reason:  "cancelled",
	})
}

// stepClaimed decomposes the run into issues on first entry, moves it
// to WORKING and hands pending issues to the dispatcher. A retry
// re-enters here with its issues already present; completed ones are
// not dispatched again.
func (e *engine) stepClaimed(ctx context.Context, run *store.Run) error {
	issues, err := e.store.ListIssues(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("listing issues: %w", err)
	}

	reason := ""

	if len(issues) == 0 {
		issues, err = e.createIssues(ctx, run)
		if err != nil {
			return fmt.Errorf("decomposing run: %w", err)
		}

		reason = fmt.Sprintf("decomposed into %d issues", len(issues))
	}

	updated, err := e.store.Transition(
		ctx, run.ID, lifecycle.StateClaimed, lifecycle.StateWorking,
		store.TransitionDetail{
			Trigger: e.cfg.WorkerID,
			Reason:  reason,
		},
	)
	if err != nil {
		return err
	}

	e.dispatchPending(ctx, updated, issues)

	return nil
}

func (e *engine) createIssues(
	ctx context.Context, run *store.Run,
) ([]store.RunIssue, error) {
	types, err := run.WorkerTypeList()
	if err != nil {
		return nil, err
	}

	if len(types) == 0 {
		types = e.cfg.DefaultWorkerTypes
	}

	issues := make([]store.RunIssue, 0, len(types))
	for _, wt := range types {
		issues = append(issues, store.RunIssue{
			RunID:      run.ID,
			WorkerType: wt,
		})
	}

	if err := e.store.CreateIssues(ctx, issues); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"run":    run.ID,
		"issues": len(issues),
	}).Info("Run decomposed into issues")

	return issues, nil
}

// dispatchPending hands pending issues to the dispatcher. A transient
// dispatch failure leaves the issue pending for the next pass; only a
// permanent one settles it as failed.
func (e *engine) dispatchPending(
	ctx context.Context, run *store.Run, issues []store.RunIssue,
) {
	for i := range issues {
		issue := &issues[i]

		if issue.Status != lifecycle.IssuePending {
			continue
		}

		fields := logrus.Fields{
			"run":    run.ID,
			"issue":  issue.ID,
			"worker": issue.WorkerType,
		}

		if err := e.dispatcher.Dispatch(ctx, run, issue); err != nil {
			if retryctl.IsTransient(err) {
				e.log.WithError(err).WithFields(fields).
					Warn("Dispatch failed, retrying next pass")

				continue
			}

			e.log.WithError(err).WithFields(fields).Error("Dispatch failed")

			if err := e.store.MarkIssueDispatchFailed(
				ctx, issue.ID, err.Error(),
			); err != nil {
				e.log.WithError(err).WithFields(fields).
					Error("Recording dispatch failure failed")
			}

			continue
		}

		if err := e.store.MarkIssueDispatched(ctx, issue.ID); err != nil {
			e.log.WithError(err).WithFields(fields).
				Error("Recording dispatch failed")
		}
	}
}

// stepWorking expires silent workers, re-dispatches anything still
// pending and advances once every issue settled.
func (e *engine) stepWorking(ctx context.Context, run *store.Run) error {
	expired, err := e.store.ExpireStaleIssues(ctx, run.ID, e.cfg.IssueTimeout)
	if err != nil {
		return fmt.Errorf("expiring stale issues: %w", err)
	}

	if expired > 0 {
		e.log.WithFields(logrus.Fields{
			"run":     run.ID,
			"expired": expired,
		}).Warn("Expired issues whose workers never reported")
	}

	issues, err := e.store.ListIssues(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("listing issues: %w", err)
	}

	e.dispatchPending(ctx, run, issues)

	if !allTerminal(issues) {
		return nil
	}

	_, err = e.store.Transition(
		ctx, run.ID, lifecycle.StateWorking, lifecycle.StateValidating,
		store.TransitionDetail{
			Trigger: e.cfg.WorkerID,
			Reason:  "all issues settled",
		},
	)

	return err
}

// stepValidating runs the quality gate, then asks the policy set what
// to do with the result.
func (e *engine) stepValidating(ctx context.Context, run *store.Run) error {
	validation, err := e.gate.Evaluate(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("evaluating quality gate: %w", err)
	}

	if validation.OverallResult != store.ResultPass {
		msg := "validation failed: " + validationSummary(validation)

		return e.settleFailed(ctx, run, store.TransitionDetail{
			Trigger:      e.cfg.WorkerID,
			Reason:       msg,
			ErrorMessage: &msg,
		})
	}

	issues, err := e.store.ListIssues(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("listing issues: %w", err)
	}

	policies, err := e.store.ListPolicies(ctx, true)
	if err != nil {
		return fmt.Errorf("listing policies: %w", err)
	}

	decision := e.policies.Decide(policies, policyContext(run, issues, validation))

	if decision.Kind != policy.KindAutoMerge {
		return e.blockRun(ctx, run, decision)
	}

	if url := firstPRURL(issues); url != "" && url != run.PRURL {
		if err := e.store.SetRunPRURL(ctx, run.ID, url); err != nil {
			return fmt.Errorf("recording pr url: %w", err)
		}
	}

	_, err = e.store.Transition(
		ctx, run.ID, lifecycle.StateValidating, lifecycle.StateMerging,
		store.TransitionDetail{
			Trigger: e.cfg.WorkerID,
			Reason:  decision.Reason,
		},
	)

	return err
}

// stepMerging merges every issue PR and settles the run. The host
// treats re-issued merges as success, so re-entry after a partial
// failure is safe.
func (e *engine) stepMerging(ctx context.Context, run *store.Run) error {
	issues, err := e.store.ListIssues(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("listing issues: %w", err)
	}

	merged := 0

	for i := range issues {
		issue := &issues[i]

		if issue.PRURL == "" {
			continue
		}

		if err := e.scm.Merge(ctx, issue.PRURL); err != nil {
			if errors.Is(err, scm.ErrMergeConflict) {
				return e.blockRunWithReason(
					ctx, run,
					fmt.Sprintf("merge conflict on %s", issue.PRURL),
					nil,
				)
			}

			return fmt.Errorf("merging %s: %w", issue.PRURL, err)
		}

		merged++
	}

	updated, err := e.store.Transition(
		ctx, run.ID, lifecycle.StateMerging, lifecycle.StateDone,
		store.TransitionDetail{
			Trigger: e.cfg.WorkerID,
			Reason:  fmt.Sprintf("merged %d pull requests", merged),
		},
	)
	if err != nil {
		return err
	}

	e.stats.completed.Add(1)

	e.log.WithFields(logrus.Fields{
		"run":    run.ID,
		"merged": merged,
	}).Info("Run completed")

	e.notifyRun(ctx, updated, store.NotifyRunDone, fmt.Sprintf(
		"Run %q (%s) completed", updated.Title, updated.ID,
	))
	e.archiveRun(ctx, updated)

	return nil
}

// handleFailure funnels a step error through the retry controller. A
// retry rewinds the run to CLAIMED with its unfinished issues reset;
// completed issues keep their results so finished work is never
// re-issued.
func (e *engine) handleFailure(ctx context.Context, run *store.Run, stepErr error) {
	msg := stepErr.Error()

	switch e.retries.OnFailure(run, stepErr) {
	case retryctl.OutcomeRetry:
		_, err := e.store.Transition(
			ctx, run.ID, run.State, lifecycle.StateClaimed,
			store.TransitionDetail{
				Trigger: e.cfg.WorkerID,
				Reason: fmt.Sprintf(
					"retry %d/%d: %s",
					run.RetryCount+1, e.retries.MaxRetries(), msg,
				),
				ErrorMessage: &msg,
				IncRetry:     true,
				ClaimedBy:    &e.cfg.WorkerID,
			},
		)
		if err != nil {
			e.logSettleError(run.ID, err)

			return
		}

		if err := e.store.ResetIssuesForRetry(ctx, run.ID); err != nil {
			e.log.WithError(err).WithField("run", run.ID).
				Error("Resetting issues for retry failed")
		}

		e.log.WithError(stepErr).WithFields(logrus.Fields{
			"run":     run.ID,
			"attempt": run.RetryCount + 1,
		}).Warn("Run step failed, retrying")
	case retryctl.OutcomeFail:
		if err := e.settleFailed(ctx, run, store.TransitionDetail{
			Trigger:      e.cfg.WorkerID,
			Reason:       msg,
			ErrorMessage: &msg,
		}); err != nil {
			e.logSettleError(run.ID, err)
		}
	}
}

// settleFailed moves a run to FAILED and fires the terminal side
// effects.
func (e *engine) settleFailed(
	ctx context.Context, run *store.Run, detail store.TransitionDetail,
) error {
	updated, err := e.store.Transition(
		ctx, run.ID, run.State, lifecycle.StateFailed, detail,
	)
	if err != nil {
		return err
	}

	e.stats.failed.Add(1)

	e.log.WithFields(logrus.Fields{
		"run":    run.ID,
		"reason": detail.Reason,
	}).Info("Run failed")

	e.notifyRun(ctx, updated, store.NotifyRunFailed, fmt.Sprintf(
		"Run %q (%s) failed: %s", updated.Title, updated.ID, detail.Reason,
	))
	e.archiveRun(ctx, updated)

	return nil
}

// blockRun parks the run for a human decision per the policy outcome.
func (e *engine) blockRun(
	ctx context.Context, run *store.Run, decision policy.Decision,
) error {
	reason := decision.Reason
	if len(decision.Approvers) > 0 {
		reason = fmt.Sprintf(
			"%s: approval required from %s",
			decision.Reason, strings.Join(decision.Approvers, ", "),
		)
	}

	metadata := map[string]any{}

	if decision.PolicyName != "" {
		metadata["policy"] = decision.PolicyName
	}

	if len(decision.Approvers) > 0 {
		metadata["approvers"] = decision.Approvers
	}

	return e.blockRunWithReason(ctx, run, reason, metadata)
}

func (e *engine) blockRunWithReason(
	ctx context.Context, run *store.Run, reason string, metadata map[string]any,
) error {
	updated, err := e.store.Transition(
		ctx, run.ID, run.State, lifecycle.StateBlocked,
		store.TransitionDetail{
			Trigger:  e.cfg.WorkerID,
			Reason:   reason,
			Metadata: metadata,
		},
	)
	if err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{
		"run":    run.ID,
		"reason": reason,
	}).Info("Run blocked")

	e.notifyRun(ctx, updated, store.NotifyRunBlocked, fmt.Sprintf(
		"Run %q (%s) needs a decision: %s", updated.Title, updated.ID, reason,
	))

	return nil
}

func (e *engine) logSettleError(runID string, err error) {
	if errors.Is(err, store.ErrStateConflict) {
		e.log.WithField("run", runID).Debug("Run changed concurrently, skipping")

		return
	}

	e.log.WithError(err).WithField("run", runID).Error("Settling run failed")
}

// notifyRun records the notification first, then attempts delivery.
// Delivery failures never touch run state; the row stays undelivered.
func (e *engine) notifyRun(
	ctx context.Context, run *store.Run, messageType, body string,
) {
	n := &store.Notification{
		RunID:       run.ID,
		Channel:     e.notifier.Channel(),
		MessageType: messageType,
		Body:        body,
	}

	if err := e.store.CreateNotification(ctx, n); err != nil {
		e.log.WithError(err).WithField("run", run.ID).
			Warn("Recording notification failed")

		return
	}

	if err := e.notifier.Send(ctx, n); err != nil {
		e.log.WithError(err).WithField("run", run.ID).
			Warn("Notification delivery failed")

		return
	}

	if err := e.store.MarkNotificationDelivered(ctx, n.ID); err != nil {
		e.log.WithError(err).WithField("run", run.ID).
			Warn("Marking notification delivered failed")
	}
}

// runBundle is the JSON document archived for terminal runs.
type runBundle struct {
	Run         *store.Run            `json:"run"`
	Transitions []store.RunTransition `json:"transitions"`
	Issues      []store.RunIssue      `json:"issues"`
	Validations []store.Validation    `json:"validations"`
}

// archiveRun stores the terminal bundle. Best effort, like
// notifications.
func (e *engine) archiveRun(ctx context.Context, run *store.Run) {
	if e.sink == nil {
		return
	}

	bundle, err := e.buildBundle(ctx, run)
	if err != nil {
		e.log.WithError(err).WithField("run", run.ID).
			Warn("Building archive bundle failed")

		return
	}

	if err := e.sink.Store(ctx, run.ID+".json", bundle); err != nil {
		e.log.WithError(err).WithField("run", run.ID).
			Warn("Archiving run failed")

		return
	}

	e.log.WithField("run", run.ID).Debug("Run archived")
}

func (e *engine) buildBundle(
	ctx context.Context, run *store.Run,
) ([]byte, error) {
	transitions, err := e.store.ListTransitions(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("listing transitions: %w", err)
	}

	issues, err := e.store.ListIssues(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("listing issues: %w", err)
	}

	validations, err := e.store.ListValidations(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("listing validations: %w", err)
	}

	return json.MarshalIndent(runBundle{
		Run:         run,
		Transitions: transitions,
		Issues:      issues,
		Validations: validations,
	}, "", "  ")
}

// allTerminal is vacuously true for zero issues; the gate then fails
// the run for having nothing to validate.
func allTerminal(issues []store.RunIssue) bool {
	for i := range issues {
		if !lifecycle.IssueTerminal(issues[i].Status) {
			return false
		}
	}

	return true
}

func firstPRURL(issues []store.RunIssue) string {
	for i := range issues {
		if issues[i].PRURL != "" {
			return issues[i].PRURL
		}
	}

	return ""
}

func validationSummary(v *store.Validation) string {
	return fmt.Sprintf(
		"linter=%t typecheck=%t tests=%t",
		v.LinterPassed, v.TypecheckPassed, v.TestsPassed,
	)
}

// policyContext snapshots a run for policy evaluation. Worker types
// come from the actual decomposition rather than the intake request.
func policyContext(
	run *store.Run, issues []store.RunIssue, v *store.Validation,
) policy.Context {
	types := make([]string, 0, len(issues))
	for i := range issues {
		types = append(types, string(issues[i].WorkerType))
	}

	return policy.Context{
		Repo:            run.Repo,
		Branch:          run.Branch,
		RiskLevel:       run.RiskLevel,
		RetryCount:      run.RetryCount,
		WorkerTypes:     types,
		OverallResult:   v.OverallResult,
		TestsExisted:    v.TestsExisted,
		LinterPassed:    v.LinterPassed,
		TypecheckPassed: v.TypecheckPassed,
		TestsPassed:     v.TestsPassed,
	}
}
