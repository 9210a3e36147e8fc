// Package engine drives runs through their lifecycle: it claims
// pending runs, decomposes them into issues, dispatches workers,
// applies the quality gate and merge policies, merges approved work
// and settles terminal states. Several engines may share one store;
// every state change is a conditional write, so concurrent engines
// coordinate through the database instead of locks.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ethpandaops/runoor/pkg/archive"
	"github.com/ethpandaops/runoor/pkg/config"
	"github.com/ethpandaops/runoor/pkg/dispatch"
	"github.com/ethpandaops/runoor/pkg/gate"
	"github.com/ethpandaops/runoor/pkg/lifecycle"
	"github.com/ethpandaops/runoor/pkg/notify"
	"github.com/ethpandaops/runoor/pkg/policy"
	"github.com/ethpandaops/runoor/pkg/retryctl"
	"github.com/ethpandaops/runoor/pkg/scm"
	"github.com/ethpandaops/runoor/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Default engine settings.
const (
	DefaultPollInterval        = 30 * time.Second
	DefaultSweepInterval       = time.Minute
	DefaultClaimLease          = 30 * time.Minute
	DefaultIssueTimeout        = time.Hour
	DefaultConsistencyInterval = 10 * time.Minute
	DefaultMaxRetries          = 2
	DefaultMaxConcurrentRuns   = 3
	DefaultPerRepoLimit        = 1
)

// claimPageSize bounds how many pending runs one claim phase inspects.
const claimPageSize = 50

// Engine runs the orchestration loop.
type Engine interface {
	// Start begins the poll loop after a crash-recovery sweep.
	Start(ctx context.Context) error
	// Stop waits for the current pass to finish.
	Stop() error
	// Stats returns a snapshot of engine activity since start.
	Stats() Stats
}

// Config holds the parsed engine settings.
type Config struct {
	WorkerID            string
	PollInterval        time.Duration
	SweepInterval       time.Duration
	ClaimLease          time.Duration
	IssueTimeout        time.Duration
	ConsistencyInterval time.Duration
	MaxRetries          int
	MaxConcurrentRuns   int
	PerRepoLimit        int
	DefaultWorkerTypes  []lifecycle.WorkerType
}

// NewConfig parses the orchestrator section into engine settings,
// filling defaults for anything unset.
func NewConfig(orch *config.OrchestratorConfig) (*Config, error) {
	cfg := &Config{
		WorkerID:          orch.WorkerID,
		MaxRetries:        DefaultMaxRetries,
		MaxConcurrentRuns: orch.MaxConcurrentRuns,
		PerRepoLimit:      orch.PerRepoLimit,
	}

	var err error

	if cfg.PollInterval, err = parseInterval(
		"poll_interval", orch.PollInterval, DefaultPollInterval,
	); err != nil {
		return nil, err
	}

	if cfg.SweepInterval, err = parseInterval(
		"sweep_interval", orch.SweepInterval, DefaultSweepInterval,
	); err != nil {
		return nil, err
	}

	if cfg.ClaimLease, err = parseInterval(
		"claim_lease", orch.ClaimLease, DefaultClaimLease,
	); err != nil {
		return nil, err
	}

	if cfg.IssueTimeout, err = parseInterval(
		"issue_timeout", orch.IssueTimeout, DefaultIssueTimeout,
	); err != nil {
		return nil, err
	}

	if cfg.ConsistencyInterval, err = parseInterval(
		"consistency_interval", orch.ConsistencyInterval, DefaultConsistencyInterval,
	); err != nil {
		return nil, err
	}

	if orch.MaxRetries != nil {
		cfg.MaxRetries = *orch.MaxRetries
	}

	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}

	if cfg.PerRepoLimit <= 0 {
		cfg.PerRepoLimit = DefaultPerRepoLimit
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}

	for _, wt := range orch.DefaultWorkerTypes {
		cfg.DefaultWorkerTypes = append(
			cfg.DefaultWorkerTypes, lifecycle.WorkerType(wt),
		)
	}

	if len(cfg.DefaultWorkerTypes) == 0 {
		cfg.DefaultWorkerTypes = []lifecycle.WorkerType{lifecycle.WorkerCode}
	}

	return cfg, nil
}

func parseInterval(
	name, value string, fallback time.Duration,
) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", name, err)
	}

	return d, nil
}

// defaultWorkerID identifies this engine in claims when no worker id
// is configured. The hostname keeps claims readable; the random
// fallback only matters in containers without one.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err == nil && host != "" {
		return host
	}

	return "runoor-" + uuid.NewString()[:8]
}

// Ensure interface compliance.
var _ Engine = (*engine)(nil)

type engine struct {
	log        logrus.FieldLogger
	cfg        *Config
	store      store.Store
	dispatcher dispatch.Dispatcher
	gate       *gate.Gate
	policies   *policy.Evaluator
	scm        scm.Host
	notifier   notify.Notifier
	sink       archive.Sink
	retries    *retryctl.Controller

	done chan struct{}
	wg   sync.WaitGroup

	// Touched only by the poll goroutine.
	lastSweep       time.Time
	lastConsistency time.Time

	stats counters
}

// NewEngine creates an Engine. The archive sink may be nil when no
// archive backend is configured.
func NewEngine(
	log logrus.FieldLogger,
	cfg *Config,
	st store.Store,
	dispatcher dispatch.Dispatcher,
	g *gate.Gate,
	policies *policy.Evaluator,
	host scm.Host,
	notifier notify.Notifier,
	sink archive.Sink,
) Engine {
	return &engine{
		log:        log.WithField("component", "engine"),
		cfg:        cfg,
		store:      st,
		dispatcher: dispatcher,
		gate:       g,
		policies:   policies,
		scm:        host,
		notifier:   notifier,
		sink:       sink,
		retries:    retryctl.NewController(log, cfg.MaxRetries),
		done:       make(chan struct{}),
	}
}

// Start sweeps leases that expired while no engine was running, then
// begins the poll loop. Claims this worker still holds resume on the
// first pass because the advance phase matches on worker id.
func (e *engine) Start(ctx context.Context) error {
	released, err := e.store.SweepExpiredClaims(ctx, e.cfg.ClaimLease)
	if err != nil {
		return fmt.Errorf("sweeping expired claims: %w", err)
	}

	e.stats.swept.Add(int64(released))
	e.lastSweep = time.Now()

	e.wg.Add(1)

	go e.loop(ctx)

	e.log.WithFields(logrus.Fields{
		"worker_id":     e.cfg.WorkerID,
		"poll_interval": e.cfg.PollInterval,
	}).Info("Engine started")

	return nil
}

func (e *engine) Stop() error {
	close(e.done)
	e.wg.Wait()

	e.log.Info("Engine stopped")

	return nil
}

func (e *engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	// First pass runs immediately instead of one interval in.
	e.pass(ctx)

	for {
		select {
		case <-e.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pass(ctx)
		}
	}
}

// pass is one iteration of the loop: housekeeping, then claiming,
// then advancing every run this worker holds.
func (e *engine) pass(ctx context.Context) {
	e.stats.passes.Add(1)
	e.stats.lastPass.Store(time.Now().UnixNano())

	if time.Since(e.lastSweep) >= e.cfg.SweepInterval {
		e.lastSweep = time.Now()

		released, err := e.store.SweepExpiredClaims(ctx, e.cfg.ClaimLease)
		if err != nil {
			e.log.WithError(err).Error("Sweeping expired claims failed")
		} else {
			e.stats.swept.Add(int64(released))
		}
	}

	if time.Since(e.lastConsistency) >= e.cfg.ConsistencyInterval {
		e.lastConsistency = time.Now()
		e.checkProjections(ctx)
	}

	e.finalizeCancelledPending(ctx)
	e.claimRuns(ctx)
	e.advanceRuns(ctx)
}

func (e *engine) checkProjections(ctx context.Context) {
	mismatches, err := e.store.VerifyProjections(ctx)
	if err != nil {
		e.log.WithError(err).Error("Projection check failed")

		return
	}

	for _, m := range mismatches {
		e.log.WithFields(logrus.Fields{
			"run":       m.RunID,
			"run_state": m.RunState,
			"log_state": m.LogState,
		}).Error("Run state diverged from its transition log")
	}

	e.stats.mismatches.Add(int64(len(mismatches)))
}

// finalizeCancelledPending settles cancelled runs nothing has claimed.
// Claimed runs reach the same end through their step's cancel check.
func (e *engine) finalizeCancelledPending(ctx context.Context) {
	runs, err := e.store.ListRunsByState(ctx, lifecycle.StatePending)
	if err != nil {
		e.log.WithError(err).Error("Listing pending runs failed")

		return
	}

	for i := range runs {
		run := &runs[i]

		if !run.CancelRequested {
			continue
		}

		if err := e.cancelRun(ctx, run); err != nil {
			e.logStepError(run.ID, err)
		}
	}
}

// claimRuns fills this worker's free slots with claimable runs.
// Blocked runs wait on humans and do not consume a slot.
func (e *engine) claimRuns(ctx context.Context) {
	active, err := e.store.ListRunsByState(ctx, lifecycle.ActiveStates()...)
	if err != nil {
		e.log.WithError(err).Error("Listing active runs failed")

		return
	}

	capacity := e.cfg.MaxConcurrentRuns

	for i := range active {
		if active[i].ClaimedBy == e.cfg.WorkerID &&
			active[i].State != lifecycle.StateBlocked {
			capacity--
		}
	}

	if capacity <= 0 {
		return
	}

	candidates, err := e.store.ClaimableRuns(ctx, claimPageSize)
	if err != nil {
		e.log.WithError(err).Error("Listing claimable runs failed")

		return
	}

	for i := range candidates {
		if capacity == 0 {
			break
		}

		run := &candidates[i]

		claimed, err := e.store.TryClaim(ctx, store.ClaimRequest{
			RunID:        run.ID,
			WorkerID:     e.cfg.WorkerID,
			PerRepoLimit: e.cfg.PerRepoLimit,
		})
		if err != nil {
			e.log.WithError(err).WithField("run", run.ID).
				Warn("Claim attempt failed")

			continue
		}

		if !claimed {
			continue
		}

		capacity--
		e.stats.claimed.Add(1)

		e.log.WithFields(logrus.Fields{
			"run":  run.ID,
			"repo": run.Repo,
		}).Info("Claimed run")
	}
}

// advanceRuns drives one step for every active run this worker holds.
func (e *engine) advanceRuns(ctx context.Context) {
	runs, err := e.store.ListRunsByState(ctx, lifecycle.ActiveStates()...)
	if err != nil {
		e.log.WithError(err).Error("Listing active runs failed")

		return
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentRuns)

	for i := range runs {
		run := runs[i]

		if run.ClaimedBy != e.cfg.WorkerID {
			continue
		}

		g.Go(func() error {
			e.stepRun(groupCtx, &run)

			return nil
		})
	}

	_ = g.Wait()
}
