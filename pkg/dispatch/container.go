package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	units "github.com/docker/go-units"
	"github.com/ethpandaops/runoor/pkg/config"
	"github.com/ethpandaops/runoor/pkg/docker"
	"github.com/ethpandaops/runoor/pkg/retryctl"
	"github.com/ethpandaops/runoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// containerDispatcher launches one worker container per issue and
// records the result when the container exits.
type containerDispatcher struct {
	log     logrus.FieldLogger
	cfg     *config.ContainerDispatchConfig
	store   store.Store
	runtime docker.Runtime

	memoryBytes int64
	nanoCPUs    int64

	ctx context.Context
	wg  sync.WaitGroup
}

// Ensure interface compliance.
var _ Dispatcher = (*containerDispatcher)(nil)

// NewContainerDispatcher creates a container-mode Dispatcher on the
// given runtime.
func NewContainerDispatcher(
	log logrus.FieldLogger,
	cfg *config.ContainerDispatchConfig,
	st store.Store,
	rt docker.Runtime,
) (Dispatcher, error) {
	memoryBytes, err := units.RAMInBytes(cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("parsing container memory %q: %w", cfg.Memory, err)
	}

	return &containerDispatcher{
		log:         log.WithField("component", "dispatch-container"),
		cfg:         cfg,
		store:       st,
		runtime:     rt,
		memoryBytes: memoryBytes,
		nanoCPUs:    int64(cfg.CPUs * 1e9),
	}, nil
}

// Start connects the runtime, prepares the worker network and removes
// containers orphaned by a previous process. Orphaned issues are reaped
// separately by the issue timeout.
func (d *containerDispatcher) Start(ctx context.Context) error {
	d.ctx = ctx

	if err := d.runtime.Start(ctx); err != nil {
		return fmt.Errorf("starting container runtime: %w", err)
	}

	if err := d.runtime.EnsureNetwork(ctx, d.cfg.Network); err != nil {
		return fmt.Errorf("preparing worker network: %w", err)
	}

	orphans, err := d.runtime.ListManagedContainers(ctx)
	if err != nil {
		return fmt.Errorf("listing worker containers: %w", err)
	}

	for _, c := range orphans {
		if err := d.runtime.RemoveContainer(ctx, c.ID); err != nil {
			d.log.WithError(err).WithField("container", c.Name).
				Warn("Failed to remove orphaned worker container")
		}
	}

	if len(orphans) > 0 {
		d.log.WithField("count", len(orphans)).Info("Removed orphaned worker containers")
	}

	return nil
}

// Stop waits for container watchers to finish.
func (d *containerDispatcher) Stop() error {
	d.wg.Wait()

	return d.runtime.Stop()
}

// Dispatch launches the worker container for the issue and watches it
// in the background.
func (d *containerDispatcher) Dispatch(
	ctx context.Context,
	run *store.Run,
	issue *store.RunIssue,
) error {
	image, ok := d.cfg.Images[string(issue.WorkerType)]
	if !ok {
		return fmt.Errorf("no image configured for worker type %s", issue.WorkerType)
	}

	if err := d.runtime.PullImage(ctx, image, d.cfg.PullPolicy); err != nil {
		return retryctl.Transient(fmt.Errorf("pulling worker image: %w", err))
	}

	env := map[string]string{
		"RUNOOR_ISSUE_ID":    issue.ID,
		"RUNOOR_RUN_ID":      run.ID,
		"RUNOOR_WORKER_TYPE": string(issue.WorkerType),
		"RUNOOR_REPO":        run.Repo,
		"RUNOOR_BRANCH":      run.Branch,
		"RUNOOR_TITLE":       run.Title,
		"RUNOOR_DESCRIPTION": run.Description,
	}

	if issue.WorkspacePath != "" {
		env["RUNOOR_WORKSPACE"] = issue.WorkspacePath
	}

	for k, v := range d.cfg.Environment {
		env[k] = v
	}

	spec := &docker.ContainerSpec{
		Name:        containerName(issue.ID),
		Image:       image,
		Env:         env,
		NetworkName: d.cfg.Network,
		Labels: map[string]string{
			docker.LabelManagedBy: docker.ManagedByValue,
			docker.LabelIssueID:   issue.ID,
			docker.LabelRunID:     run.ID,
		},
		MemoryBytes: d.memoryBytes,
		NanoCPUs:    d.nanoCPUs,
	}

	containerID, err := d.runtime.RunContainer(ctx, spec)
	if err != nil {
		return retryctl.Transient(fmt.Errorf("launching worker container: %w", err))
	}

	d.log.WithFields(logrus.Fields{
		"issue":       issue.ID,
		"run":         run.ID,
		"worker_type": issue.WorkerType,
		"container":   containerID[:12],
	}).Info("Launched worker container")

	d.wg.Add(1)

	go d.watch(containerID, issue.ID)

	return nil
}

// watch waits for the worker container to exit, records its result and
// removes the container. An aborted wait leaves the issue dispatched
// for the issue timeout to reap.
func (d *containerDispatcher) watch(containerID, issueID string) {
	defer d.wg.Done()

	log := d.log.WithFields(logrus.Fields{
		"issue":     issueID,
		"container": containerID[:12],
	})

	exitCode, err := d.runtime.WaitContainer(d.ctx, containerID)
	if err != nil {
		log.WithError(err).Warn("Worker wait aborted")

		return
	}

	stdout, stderr, err := d.runtime.ContainerLogs(d.ctx, containerID)
	if err != nil {
		log.WithError(err).Warn("Failed to collect worker logs")
	}

	result := parseWorkerReport(stdout)
	if result == nil {
		result = resultFromExitCode(exitCode, stderr)
	}

	if _, err := d.store.RecordIssueResult(d.ctx, issueID, *result); err != nil {
		log.WithError(err).Error("Failed to record worker result")
	}

	if err := d.runtime.RemoveContainer(d.ctx, containerID); err != nil {
		log.WithError(err).Warn("Failed to remove worker container")
	}

	log.WithFields(logrus.Fields{
		"exit_code": exitCode,
		"success":   result.Success,
	}).Debug("Worker container finished")
}

// workerReport is the JSON document a worker prints as its final stdout
// line.
type workerReport struct {
	Success         bool   `json:"success"`
	PRURL           string `json:"pr_url"`
	ResultSummary   string `json:"result_summary"`
	LinterPassed    *bool  `json:"linter_passed"`
	TypecheckPassed *bool  `json:"typecheck_passed"`
	TestsPassed     *bool  `json:"tests_passed"`
	TestsExisted    *bool  `json:"tests_existed"`
}

// parseWorkerReport extracts the report from the last JSON object line
// of the worker's stdout. Returns nil if no line parses.
func parseWorkerReport(stdout string) *store.IssueResult {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")

	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}

		var report workerReport
		if err := json.Unmarshal([]byte(line), &report); err != nil {
			continue
		}

		return &store.IssueResult{
			Success:         report.Success,
			PRURL:           report.PRURL,
			ResultSummary:   report.ResultSummary,
			LinterPassed:    report.LinterPassed,
			TypecheckPassed: report.TypecheckPassed,
			TestsPassed:     report.TestsPassed,
			TestsExisted:    report.TestsExisted,
		}
	}

	return nil
}

// resultFromExitCode builds a result for workers that exited without a
// report. Validation axes stay unreported, which fails the quality gate.
func resultFromExitCode(exitCode int64, stderr string) *store.IssueResult {
	if exitCode == 0 {
		return &store.IssueResult{
			Success:       true,
			ResultSummary: "worker exited without a report",
		}
	}

	summary := fmt.Sprintf("worker exited with code %d", exitCode)

	if tail := lastLine(stderr); tail != "" {
		summary = fmt.Sprintf("%s: %s", summary, tail)
	}

	return &store.IssueResult{
		Success:       false,
		ResultSummary: summary,
	}
}

// lastLine returns the final non-empty line of s.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")

	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}

	return ""
}

// containerName derives a stable container name from the issue id.
func containerName(issueID string) string {
	id := issueID
	if len(id) > 8 {
		id = id[:8]
	}

	return "runoor-worker-" + id
}
