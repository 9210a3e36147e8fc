// Package gate computes the quality gate for a run from its workers'
// reports. Every evaluation is recorded as a fresh validation row;
// earlier rows are never rewritten.
package gate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethpandaops/runoor/pkg/lifecycle"
	"github.com/ethpandaops/runoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// Gate evaluates runs against the quality bar.
type Gate struct {
	log   logrus.FieldLogger
	store store.Store
}

// New creates a Gate.
func New(log logrus.FieldLogger, st store.Store) *Gate {
	return &Gate{
		log:   log.WithField("component", "gate"),
		store: st,
	}
}

// issueDetail is the per-issue breakdown stored in the validation row.
type issueDetail struct {
	IssueID            string `json:"issue_id"`
	WorkerType         string `json:"worker_type"`
	Status             string `json:"status"`
	LinterPassed       *bool  `json:"linter_passed,omitempty"`
	TypecheckPassed    *bool  `json:"typecheck_passed,omitempty"`
	TestsPassed        *bool  `json:"tests_passed,omitempty"`
	TestsExisted       *bool  `json:"tests_existed,omitempty"`
	TestsPassByDefault bool   `json:"tests_pass_by_default,omitempty"`
	DispatchError      string `json:"dispatch_error,omitempty"`
}

type gateDetails struct {
	Issues   []issueDetail `json:"issues"`
	Failures []string      `json:"failures,omitempty"`
}

// Evaluate computes the gate for a run and records the result. The
// gate passes only when every issue completed and reported linter,
// typecheck and tests green. A worker reporting tests_existed=false
// passes the tests axis by default; the validation row flags this by
// carrying tests_existed=false alongside an overall pass.
func (g *Gate) Evaluate(ctx context.Context, runID string) (*store.Validation, error) {
	issues, err := g.store.ListIssues(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("listing issues: %w", err)
	}

	validation, details := g.compute(runID, issues)

	encoded, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encoding gate details: %w", err)
	}

	validation.Details = encoded

	if err := g.store.CreateValidation(ctx, validation); err != nil {
		return nil, fmt.Errorf("recording validation: %w", err)
	}

	g.log.WithFields(logrus.Fields{
		"run":    runID,
		"result": validation.OverallResult,
	}).Info("Quality gate evaluated")

	return validation, nil
}

func (g *Gate) compute(
	runID string, issues []store.RunIssue,
) (*store.Validation, gateDetails) {
	validation := &store.Validation{
		RunID:         runID,
		OverallResult: store.ResultFail,
	}

	details := gateDetails{}

	if len(issues) == 0 {
		details.Failures = append(details.Failures, "run has no issues to validate")

		return validation, details
	}

	linter, typecheck, tests := true, true, true
	testsExisted := true

	for i := range issues {
		issue := &issues[i]

		detail := issueDetail{
			IssueID:         issue.ID,
			WorkerType:      string(issue.WorkerType),
			Status:          string(issue.Status),
			LinterPassed:    issue.LinterPassed,
			TypecheckPassed: issue.TypecheckPassed,
			TestsPassed:     issue.TestsPassed,
			TestsExisted:    issue.TestsExisted,
			DispatchError:   issue.DispatchError,
		}

		if issue.Status != lifecycle.IssueCompleted {
			linter, typecheck, tests = false, false, false
			testsExisted = false
			details.Failures = append(details.Failures, fmt.Sprintf(
				"issue %s (%s) did not complete", issue.ID, issue.WorkerType,
			))
			details.Issues = append(details.Issues, detail)

			continue
		}

		if !reported(issue.LinterPassed) {
			linter = false
			details.Failures = append(details.Failures, fmt.Sprintf(
				"issue %s: linter failed or unreported", issue.ID,
			))
		}

		if !reported(issue.TypecheckPassed) {
			typecheck = false
			details.Failures = append(details.Failures, fmt.Sprintf(
				"issue %s: typecheck failed or unreported", issue.ID,
			))
		}

		switch {
		case reported(issue.TestsPassed):
			// Tests ran and passed.
		case issue.TestsExisted != nil && !*issue.TestsExisted:
			detail.TestsPassByDefault = true
		default:
			tests = false
			details.Failures = append(details.Failures, fmt.Sprintf(
				"issue %s: tests failed or unreported", issue.ID,
			))
		}

		if issue.TestsExisted == nil || !*issue.TestsExisted {
			testsExisted = false
		}

		details.Issues = append(details.Issues, detail)
	}

	validation.LinterPassed = linter
	validation.TypecheckPassed = typecheck
	validation.TestsPassed = tests
	validation.TestsExisted = testsExisted

	if linter && typecheck && tests {
		validation.OverallResult = store.ResultPass
	}

	return validation, details
}

func reported(v *bool) bool {
	return v != nil && *v
}
