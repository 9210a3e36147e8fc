package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethpandaops/runoor/pkg/config"
	"github.com/ethpandaops/runoor/pkg/lifecycle"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{
			Path: filepath.Join(t.TempDir(), "test.db"),
		},
	}

	s, ok := NewStore(log, cfg).(*store)
	require.True(t, ok)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() {
		_ = s.Stop()
	})

	return s
}

func newTestRun(externalID string) *Run {
	return &Run{
		ExternalID: externalID,
		Title:      "bump dependency",
		Repo:       "acme/api",
		Branch:     "main",
		RiskLevel:  lifecycle.RiskLow,
	}
}

func TestCreateRun_SetsDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("issue-1")
	require.NoError(t, s.CreateRun(ctx, run))

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, lifecycle.StatePending, run.State)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "issue-1", got.ExternalID)
	assert.Equal(t, lifecycle.StatePending, got.State)
}

func TestCreateRun_DuplicateExternalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, newTestRun("issue-1")))

	err := s.CreateRun(ctx, newTestRun("issue-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateExternalID))

	// The original run is untouched.
	got, err := s.GetRunByExternalID(ctx, "issue-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatePending, got.State)
}

func TestTryClaim_ExactlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("issue-1")
	require.NoError(t, s.CreateRun(ctx, run))

	const workers = 16

	var (
		wg   sync.WaitGroup
		wins atomic.Int64
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			claimed, err := s.TryClaim(ctx, ClaimRequest{
				RunID:    run.ID,
				WorkerID: string(rune('a' + n)),
			})
			assert.NoError(t, err)

			if claimed {
				wins.Add(1)
			}
		}(i)
	}

	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateClaimed, got.State)
	assert.NotEmpty(t, got.ClaimedBy)
	assert.NotNil(t, got.ClaimedAt)

	// Exactly one claim transition was recorded.
	transitions, err := s.ListTransitions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, lifecycle.StatePending, transitions[0].FromState)
	assert.Equal(t, lifecycle.StateClaimed, transitions[0].ToState)
}

func TestTryClaim_RespectsPerRepoLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newTestRun("issue-1")
	second := newTestRun("issue-2")
	require.NoError(t, s.CreateRun(ctx, first))
	require.NoError(t, s.CreateRun(ctx, second))

	claimed, err := s.TryClaim(ctx, ClaimRequest{
		RunID: first.ID, WorkerID: "w1", PerRepoLimit: 1,
	})
	require.NoError(t, err)
	assert.True(t, claimed)

	// Same repo already has an active run.
	claimed, err = s.TryClaim(ctx, ClaimRequest{
		RunID: second.ID, WorkerID: "w1", PerRepoLimit: 1,
	})
	require.NoError(t, err)
	assert.False(t, claimed)

	// A run for another repo is unaffected.
	other := newTestRun("issue-3")
	other.Repo = "acme/web"
	require.NoError(t, s.CreateRun(ctx, other))

	claimed, err = s.TryClaim(ctx, ClaimRequest{
		RunID: other.ID, WorkerID: "w1", PerRepoLimit: 1,
	})
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestTryClaim_SkipsCancelled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("issue-1")
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.RequestCancel(ctx, run.ID))

	claimed, err := s.TryClaim(ctx, ClaimRequest{RunID: run.ID, WorkerID: "w1"})
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestClaimableRuns_OrderedByPriorityThenAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := newTestRun("issue-low")
	require.NoError(t, s.CreateRun(ctx, low))

	high := newTestRun("issue-high")
	high.Priority = 10
	require.NoError(t, s.CreateRun(ctx, high))

	cancelled := newTestRun("issue-cancelled")
	require.NoError(t, s.CreateRun(ctx, cancelled))
	require.NoError(t, s.RequestCancel(ctx, cancelled.ID))

	runs, err := s.ClaimableRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "issue-high", runs[0].ExternalID)
	assert.Equal(t, "issue-low", runs[1].ExternalID)
}

func TestTransition_WritesStateAndLogTogether(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("issue-1")
	require.NoError(t, s.CreateRun(ctx, run))

	claimed, err := s.TryClaim(ctx, ClaimRequest{RunID: run.ID, WorkerID: "w1"})
	require.NoError(t, err)
	require.True(t, claimed)

	updated, err := s.Transition(
		ctx, run.ID,
		lifecycle.StateClaimed, lifecycle.StateWorking,
		TransitionDetail{Trigger: "w1", Reason: "issues dispatched"},
	)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateWorking, updated.State)

	transitions, err := s.ListTransitions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, lifecycle.StateWorking, transitions[1].ToState)
	assert.Equal(t, "issues dispatched", transitions[1].Reason)
}

func TestTransition_StateConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("issue-1")
	require.NoError(t, s.CreateRun(ctx, run))

	// Run is PENDING, not CLAIMED; the conditional write must miss and
	// leave no log entry behind.
	_, err := s.Transition(
		ctx, run.ID,
		lifecycle.StateClaimed, lifecycle.StateWorking,
		TransitionDetail{Trigger: "w1"},
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStateConflict))

	transitions, err := s.ListTransitions(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, transitions)
}

func TestTransition_RejectsInvalidEdge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("issue-1")
	require.NoError(t, s.CreateRun(ctx, run))

	_, err := s.Transition(
		ctx, run.ID,
		lifecycle.StatePending, lifecycle.StateDone,
		TransitionDetail{Trigger: "w1"},
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, lifecycle.ErrInvalidTransition))
}

func TestTransition_RetryIncrementsCountAndReclaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("issue-1")
	require.NoError(t, s.CreateRun(ctx, run))

	claimed, err := s.TryClaim(ctx, ClaimRequest{RunID: run.ID, WorkerID: "w1"})
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = s.Transition(
		ctx, run.ID,
		lifecycle.StateClaimed, lifecycle.StateWorking,
		TransitionDetail{Trigger: "w1"},
	)
	require.NoError(t, err)

	errMsg := "connection refused"
	workerID := "w1"

	updated, err := s.Transition(
		ctx, run.ID,
		lifecycle.StateWorking, lifecycle.StateClaimed,
		TransitionDetail{
			Trigger:      "w1",
			Reason:       "retry 1/2: connection refused",
			ErrorMessage: &errMsg,
			IncRetry:     true,
			ClaimedBy:    &workerID,
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.RetryCount)
	assert.Equal(t, "connection refused", updated.ErrorMessage)
	assert.Equal(t, "w1", updated.ClaimedBy)
}

func TestTransition_TerminalSetsCompletedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("issue-1")
	require.NoError(t, s.CreateRun(ctx, run))

	reason := "cancelled"

	updated, err := s.Transition(
		ctx, run.ID,
		lifecycle.StatePending, lifecycle.StateFailed,
		TransitionDetail{Trigger: lifecycle.TriggerSystem, Reason: reason, ErrorMessage: &reason},
	)
	require.NoError(t, err)
	assert.NotNil(t, updated.CompletedAt)
	assert.Equal(t, "cancelled", updated.ErrorMessage)
}

func TestSweepExpiredClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := newTestRun("issue-expired")
	require.NoError(t, s.CreateRun(ctx, expired))

	fresh := newTestRun("issue-fresh")
	fresh.Repo = "acme/web"
	require.NoError(t, s.CreateRun(ctx, fresh))

	for _, id := range []string{expired.ID, fresh.ID} {
		claimed, err := s.TryClaim(ctx, ClaimRequest{RunID: id, WorkerID: "w1"})
		require.NoError(t, err)
		require.True(t, claimed)
	}

	// Backdate one claim past the lease.
	stale := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.db.Model(&Run{}).
		Where("id = ?", expired.ID).
		Update("claimed_at", stale).Error)

	released, err := s.SweepExpiredClaims(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	got, err := s.GetRun(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatePending, got.State)
	assert.Empty(t, got.ClaimedBy)
	assert.Nil(t, got.ClaimedAt)

	// The release is on the record.
	transitions, err := s.ListTransitions(ctx, expired.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, lifecycle.TriggerSweeper, transitions[1].Trigger)
	assert.Contains(t, transitions[1].Reason, "w1")

	// The fresh claim is untouched.
	got, err = s.GetRun(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateClaimed, got.State)
}

func TestVerifyProjections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A pending run with no transitions is consistent.
	pending := newTestRun("issue-pending")
	require.NoError(t, s.CreateRun(ctx, pending))

	// A claimed run with its claim transition is consistent.
	claimedRun := newTestRun("issue-claimed")
	claimedRun.Repo = "acme/web"
	require.NoError(t, s.CreateRun(ctx, claimedRun))

	claimed, err := s.TryClaim(ctx, ClaimRequest{RunID: claimedRun.ID, WorkerID: "w1"})
	require.NoError(t, err)
	require.True(t, claimed)

	mismatches, err := s.VerifyProjections(ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	// Corrupt a projection behind the log's back.
	require.NoError(t, s.db.Model(&Run{}).
		Where("id = ?", claimedRun.ID).
		Update("state", lifecycle.StateDone).Error)

	mismatches, err = s.VerifyProjections(ctx)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, claimedRun.ID, mismatches[0].RunID)
	assert.Equal(t, lifecycle.StateDone, mismatches[0].RunState)
	assert.Equal(t, lifecycle.StateClaimed, mismatches[0].LogState)
}

func TestIssueLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("issue-1")
	require.NoError(t, s.CreateRun(ctx, run))

	issues := []RunIssue{
		{RunID: run.ID, WorkerType: lifecycle.WorkerCode},
		{RunID: run.ID, WorkerType: lifecycle.WorkerImage},
	}
	require.NoError(t, s.CreateIssues(ctx, issues))

	listed, err := s.ListIssues(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)

	for _, issue := range listed {
		assert.NotEmpty(t, issue.ID)
		assert.Equal(t, lifecycle.IssuePending, issue.Status)
	}

	require.NoError(t, s.MarkIssueDispatched(ctx, listed[0].ID))

	got, err := s.GetIssue(ctx, listed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.IssueDispatched, got.Status)
	assert.NotNil(t, got.DispatchedAt)

	require.NoError(t, s.MarkIssueDispatchFailed(ctx, listed[1].ID, "endpoint unreachable"))

	got, err = s.GetIssue(ctx, listed[1].ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.IssueFailed, got.Status)
	assert.Equal(t, "endpoint unreachable", got.DispatchError)
}

func TestRecordIssueResult_FirstReportWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("issue-1")
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.CreateIssues(ctx, []RunIssue{
		{RunID: run.ID, WorkerType: lifecycle.WorkerCode},
	}))

	listed, err := s.ListIssues(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.NoError(t, s.MarkIssueDispatched(ctx, listed[0].ID))

	pass := true

	first, err := s.RecordIssueResult(ctx, listed[0].ID, IssueResult{
		Success:         true,
		PRURL:           "https://github.com/acme/api/pull/42",
		LinterPassed:    &pass,
		TypecheckPassed: &pass,
		TestsPassed:     &pass,
		TestsExisted:    &pass,
	})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.IssueCompleted, first.Status)
	require.NotNil(t, first.LinterPassed)
	assert.True(t, *first.LinterPassed)

	// A duplicate callback must not overwrite the first report.
	second, err := s.RecordIssueResult(ctx, listed[0].ID, IssueResult{Success: false})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.IssueCompleted, second.Status)
	assert.Equal(t, "https://github.com/acme/api/pull/42", second.PRURL)
}

func TestResetIssuesForRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("issue-1")
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.CreateIssues(ctx, []RunIssue{
		{RunID: run.ID, WorkerType: lifecycle.WorkerCode},
		{RunID: run.ID, WorkerType: lifecycle.WorkerImage},
	}))

	listed, err := s.ListIssues(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)

	// One issue completed, one failed.
	require.NoError(t, s.MarkIssueDispatched(ctx, listed[0].ID))
	_, err = s.RecordIssueResult(ctx, listed[0].ID, IssueResult{Success: true})
	require.NoError(t, err)
	require.NoError(t, s.MarkIssueDispatchFailed(ctx, listed[1].ID, "boom"))

	require.NoError(t, s.ResetIssuesForRetry(ctx, run.ID))

	listed, err = s.ListIssues(ctx, run.ID)
	require.NoError(t, err)

	byType := make(map[lifecycle.WorkerType]RunIssue, len(listed))
	for _, issue := range listed {
		byType[issue.WorkerType] = issue
	}

	// Completed work survives, the failure is rewound.
	assert.Equal(t, lifecycle.IssueCompleted, byType[lifecycle.WorkerCode].Status)
	assert.Equal(t, lifecycle.IssuePending, byType[lifecycle.WorkerImage].Status)
	assert.Empty(t, byType[lifecycle.WorkerImage].DispatchError)
}

func TestExpireStaleIssues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("issue-1")
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.CreateIssues(ctx, []RunIssue{
		{RunID: run.ID, WorkerType: lifecycle.WorkerCode},
	}))

	listed, err := s.ListIssues(ctx, run.ID)
	require.NoError(t, err)
	require.NoError(t, s.MarkIssueDispatched(ctx, listed[0].ID))

	// Nothing stale yet.
	expired, err := s.ExpireStaleIssues(ctx, run.ID, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, expired)

	// Backdate the dispatch.
	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, s.db.Model(&RunIssue{}).
		Where("id = ?", listed[0].ID).
		Update("dispatched_at", old).Error)

	expired, err = s.ExpireStaleIssues(ctx, run.ID, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := s.GetIssue(ctx, listed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.IssueFailed, got.Status)
	assert.Contains(t, got.DispatchError, "did not report")
}

func TestValidations_LatestWinsButHistoryKept(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("issue-1")
	require.NoError(t, s.CreateRun(ctx, run))

	first := &Validation{RunID: run.ID, OverallResult: ResultFail}
	require.NoError(t, s.CreateValidation(ctx, first))

	// Force distinct timestamps; SQLite stores what gorm gives it.
	require.NoError(t, s.db.Model(&Validation{}).
		Where("id = ?", first.ID).
		Update("created_at", time.Now().UTC().Add(-time.Minute)).Error)

	second := &Validation{
		RunID:           run.ID,
		LinterPassed:    true,
		TypecheckPassed: true,
		TestsPassed:     true,
		TestsExisted:    true,
		OverallResult:   ResultPass,
	}
	require.NoError(t, s.CreateValidation(ctx, second))

	latest, err := s.LatestValidation(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ResultPass, latest.OverallResult)

	all, err := s.ListValidations(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSeedPolicies_UpsertByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enabled := true

	require.NoError(t, s.SeedPolicies(ctx, []config.PolicyConfig{
		{
			Name:             "low-risk-auto",
			Priority:         100,
			Enabled:          &enabled,
			AutoMergeAllowed: true,
			Conditions:       map[string]any{"field": "risk_level", "op": "eq", "value": "LOW"},
		},
	}))

	policies, err := s.ListPolicies(ctx, true)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.True(t, policies[0].AutoMergeAllowed)
	assert.Equal(t, 100, policies[0].Priority)

	// Re-seeding with changed values updates in place, including
	// false booleans.
	disabled := false

	require.NoError(t, s.SeedPolicies(ctx, []config.PolicyConfig{
		{
			Name:     "low-risk-auto",
			Priority: 50,
			Enabled:  &disabled,
		},
	}))

	policies, err = s.ListPolicies(ctx, false)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.False(t, policies[0].Enabled)
	assert.False(t, policies[0].AutoMergeAllowed)
	assert.Equal(t, 50, policies[0].Priority)

	// enabledOnly filters it out now.
	policies, err = s.ListPolicies(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, policies)
}

func TestListPolicies_OrderedByPriorityThenName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SeedPolicies(ctx, []config.PolicyConfig{
		{Name: "beta", Priority: 10},
		{Name: "alpha", Priority: 10},
		{Name: "top", Priority: 100},
	}))

	policies, err := s.ListPolicies(ctx, true)
	require.NoError(t, err)
	require.Len(t, policies, 3)
	assert.Equal(t, "top", policies[0].Name)
	assert.Equal(t, "alpha", policies[1].Name)
	assert.Equal(t, "beta", policies[2].Name)
}

func TestNotifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("issue-1")
	require.NoError(t, s.CreateRun(ctx, run))

	n := &Notification{
		RunID:       run.ID,
		Channel:     "slack",
		MessageType: NotifyRunBlocked,
		Body:        "approval required",
	}
	require.NoError(t, s.CreateNotification(ctx, n))
	require.NoError(t, s.MarkNotificationDelivered(ctx, n.ID))

	listed, err := s.ListNotifications(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.True(t, listed[0].Delivered)
	assert.NotNil(t, listed[0].SentAt)
}

func TestSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := &AdminSession{
		Token:     "tok-1",
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, s.CreateSession(ctx, session))

	got, err := s.GetSessionByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)

	require.NoError(t, s.UpdateSessionLastActive(ctx, session.ID, time.Now().UTC()))

	// Expired sessions get cleaned up; live ones survive.
	expired := &AdminSession{
		Token:     "tok-2",
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, s.CreateSession(ctx, expired))
	require.NoError(t, s.DeleteExpiredSessions(ctx))

	_, err = s.GetSessionByToken(ctx, "tok-2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	_, err = s.GetSessionByToken(ctx, "tok-1")
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession(ctx, "tok-1"))

	_, err = s.GetSessionByToken(ctx, "tok-1")
	require.Error(t, err)
}

func TestListRuns_FilterAndPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, ext := range []string{"a", "b", "c"} {
		run := newTestRun("issue-" + ext)
		require.NoError(t, s.CreateRun(ctx, run))
	}

	other := newTestRun("issue-web")
	other.Repo = "acme/web"
	require.NoError(t, s.CreateRun(ctx, other))

	claimed, err := s.TryClaim(ctx, ClaimRequest{RunID: other.ID, WorkerID: "w1"})
	require.NoError(t, err)
	require.True(t, claimed)

	runs, total, err := s.ListRuns(ctx, RunFilter{Repo: "acme/api"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, runs, 3)

	runs, total, err = s.ListRuns(ctx, RunFilter{State: string(lifecycle.StateClaimed)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, runs, 1)
	assert.Equal(t, "issue-web", runs[0].ExternalID)

	runs, total, err = s.ListRuns(ctx, RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	assert.Len(t, runs, 2)
}

func TestCountRunsByState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newTestRun("issue-1")
	require.NoError(t, s.CreateRun(ctx, first))

	second := newTestRun("issue-2")
	second.Repo = "acme/web"
	require.NoError(t, s.CreateRun(ctx, second))

	claimed, err := s.TryClaim(ctx, ClaimRequest{RunID: second.ID, WorkerID: "w1"})
	require.NoError(t, err)
	require.True(t, claimed)

	counts, err := s.CountRunsByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[lifecycle.StatePending])
	assert.Equal(t, int64(1), counts[lifecycle.StateClaimed])
}
