// Package store persists runs and everything attached to them. All
// state changes go through conditional writes so that concurrent
// orchestrators never need an external lock.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/runoor/pkg/config"
	"github.com/ethpandaops/runoor/pkg/lifecycle"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	// defaultListLimit is applied when a list request carries no limit.
	defaultListLimit = 50

	// maxListLimit caps a single list page.
	maxListLimit = 500
)

var (
	// ErrDuplicateExternalID is returned by CreateRun when the external
	// id was already submitted.
	ErrDuplicateExternalID = errors.New("external id already exists")

	// ErrStateConflict is returned by Transition when the run left the
	// expected state before the write landed.
	ErrStateConflict = errors.New("run state changed concurrently")
)

// RunFilter narrows and pages ListRuns.
type RunFilter struct {
	State  string
	Repo   string
	Limit  int
	Offset int
}

// ClaimRequest is one attempt to take ownership of a pending run.
type ClaimRequest struct {
	RunID        string
	WorkerID     string
	PerRepoLimit int
}

// TransitionDetail carries the audit fields written alongside a state
// change.
type TransitionDetail struct {
	Trigger      string
	Reason       string
	Metadata     map[string]any
	ErrorMessage *string
	IncRetry     bool
	ClaimedBy    *string
}

// IssueResult is a worker's report for a dispatched issue.
type IssueResult struct {
	Success         bool
	PRURL           string
	ResultSummary   string
	LinterPassed    *bool
	TypecheckPassed *bool
	TestsPassed     *bool
	TestsExisted    *bool
}

// ProjectionMismatch is a run whose stored state disagrees with the
// last entry in its transition log.
type ProjectionMismatch struct {
	RunID    string
	RunState lifecycle.State
	LogState lifecycle.State
}

// Store provides persistence for runs, issues, transitions,
// validations, policies, notifications and admin sessions.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Run intake and reads.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	GetRunByExternalID(ctx context.Context, externalID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, int64, error)
	ListRunsByState(ctx context.Context, states ...lifecycle.State) ([]Run, error)
	CountRunsByState(ctx context.Context) (map[lifecycle.State]int64, error)
	RequestCancel(ctx context.Context, id string) error
	SetRunPRURL(ctx context.Context, id, prURL string) error

	// Claiming and the state machine.
	TryClaim(ctx context.Context, req ClaimRequest) (bool, error)
	ClaimableRuns(ctx context.Context, limit int) ([]Run, error)
	SweepExpiredClaims(ctx context.Context, lease time.Duration) (int, error)
	Transition(
		ctx context.Context,
		runID string,
		from, to lifecycle.State,
		detail TransitionDetail,
	) (*Run, error)
	ListTransitions(ctx context.Context, runID string) ([]RunTransition, error)
	VerifyProjections(ctx context.Context) ([]ProjectionMismatch, error)

	// Issues.
	CreateIssues(ctx context.Context, issues []RunIssue) error
	GetIssue(ctx context.Context, id string) (*RunIssue, error)
	ListIssues(ctx context.Context, runID string) ([]RunIssue, error)
	MarkIssueDispatched(ctx context.Context, id string) error
	MarkIssueDispatchFailed(ctx context.Context, id, reason string) error
	ResetIssuesForRetry(ctx context.Context, runID string) error
	ExpireStaleIssues(ctx context.Context, runID string, olderThan time.Duration) (int, error)
	RecordIssueResult(ctx context.Context, id string, result IssueResult) (*RunIssue, error)

	// Validations.
	CreateValidation(ctx context.Context, validation *Validation) error
	ListValidations(ctx context.Context, runID string) ([]Validation, error)
	LatestValidation(ctx context.Context, runID string) (*Validation, error)

	// Policies.
	SeedPolicies(ctx context.Context, policies []config.PolicyConfig) error
	ListPolicies(ctx context.Context, enabledOnly bool) ([]Policy, error)

	// Notifications.
	CreateNotification(ctx context.Context, notification *Notification) error
	MarkNotificationDelivered(ctx context.Context, id uint) error
	ListNotifications(ctx context.Context, runID string) ([]Notification, error)

	// Admin sessions.
	CreateSession(ctx context.Context, session *AdminSession) error
	GetSessionByToken(ctx context.Context, token string) (*AdminSession, error)
	UpdateSessionLastActive(ctx context.Context, id uint, t time.Time) error
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		// A single connection serializes writers, which SQLite wants
		// anyway; concurrent claims otherwise hit SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&RunIssue{},
		&RunTransition{},
		&Validation{},
		&Policy{},
		&Notification{},
		&AdminSession{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Run intake and reads ---

// CreateRun inserts a new run in PENDING. A duplicate external id
// returns ErrDuplicateExternalID so intake stays idempotent.
func (s *store) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	if run.State == "" {
		run.State = lifecycle.StatePending
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Run{}).
			Where("external_id = ?", run.ExternalID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("checking external id: %w", err)
		}

		if count > 0 {
			return ErrDuplicateExternalID
		}

		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("creating run: %w", err)
		}

		return nil
	})
	if err != nil {
		// Two intakes can pass the pre-check concurrently on postgres;
		// the unique index catches the loser.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateExternalID
		}

		return err
	}

	return nil
}

func (s *store) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&run).Error; err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

func (s *store) GetRunByExternalID(
	ctx context.Context, externalID string,
) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("external_id = ?", externalID).
		First(&run).Error; err != nil {
		return nil, fmt.Errorf("getting run by external id: %w", err)
	}

	return &run, nil
}

func (s *store) ListRuns(
	ctx context.Context, filter RunFilter,
) ([]Run, int64, error) {
	query := s.db.WithContext(ctx).Model(&Run{})

	if filter.State != "" {
		query = query.Where("state = ?", filter.State)
	}

	if filter.Repo != "" {
		query = query.Where("repo = ?", filter.Repo)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting runs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	if limit > maxListLimit {
		limit = maxListLimit
	}

	var runs []Run
	if err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("listing runs: %w", err)
	}

	return runs, total, nil
}

func (s *store) ListRunsByState(
	ctx context.Context, states ...lifecycle.State,
) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("state IN ?", states).
		Order("created_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs by state: %w", err)
	}

	return runs, nil
}

func (s *store) CountRunsByState(
	ctx context.Context,
) (map[lifecycle.State]int64, error) {
	var rows []struct {
		State lifecycle.State
		Count int64
	}

	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Select("state, COUNT(*) AS count").
		Group("state").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting runs by state: %w", err)
	}

	counts := make(map[lifecycle.State]int64, len(rows))
	for _, row := range rows {
		counts[row.State] = row.Count
	}

	return counts, nil
}

// RequestCancel marks a run for cancellation. The poll loop finalizes
// it before the next transition; already-terminal runs keep the flag
// set with no effect.
func (s *store) RequestCancel(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ?", id).
		Update("cancel_requested", true)
	if result.Error != nil {
		return fmt.Errorf("requesting cancel: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("requesting cancel: %w", gorm.ErrRecordNotFound)
	}

	return nil
}

func (s *store) SetRunPRURL(ctx context.Context, id, prURL string) error {
	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ?", id).
		Update("pr_url", prURL).Error; err != nil {
		return fmt.Errorf("setting run pr url: %w", err)
	}

	return nil
}
