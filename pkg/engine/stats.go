package engine

import (
	"sync/atomic"
	"time"
)

// Stats is a snapshot of engine activity since start.
type Stats struct {
	WorkerID             string    `json:"worker_id"`
	Passes               int64     `json:"passes"`
	ClaimedRuns          int64     `json:"claimed_runs"`
	CompletedRuns        int64     `json:"completed_runs"`
	FailedRuns           int64     `json:"failed_runs"`
	ReleasedClaims       int64     `json:"released_claims"`
	ProjectionMismatches int64     `json:"projection_mismatches"`
	LastPassAt           time.Time `json:"last_pass_at"`
}

type counters struct {
	passes     atomic.Int64
	claimed    atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	swept      atomic.Int64
	mismatches atomic.Int64
	lastPass   atomic.Int64
}

func (e *engine) Stats() Stats {
	stats := Stats{
		WorkerID:             e.cfg.WorkerID,
		Passes:               e.stats.passes.Load(),
		ClaimedRuns:          e.stats.claimed.Load(),
		CompletedRuns:        e.stats.completed.Load(),
		FailedRuns:           e.stats.failed.Load(),
		ReleasedClaims:       e.stats.swept.Load(),
		ProjectionMismatches: e.stats.mismatches.Load(),
	}

	if nano := e.stats.lastPass.Load(); nano > 0 {
		stats.LastPassAt = time.Unix(0, nano).UTC()
	}

	return stats
}
