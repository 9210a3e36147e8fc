// Package scm merges pull requests on the source control host.
package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethpandaops/runoor/pkg/config"
	"github.com/ethpandaops/runoor/pkg/retryctl"
	"github.com/sirupsen/logrus"
)

const (
	defaultGitHubBaseURL = "https://api.github.com"
	githubHTTPTimeout    = 30 * time.Second
	mergeMaxElapsed      = 2 * time.Minute
)

// ErrMergeConflict is returned when the host refuses the merge because
// the pull request cannot land cleanly. Retrying will not help; a human
// has to resolve it.
var ErrMergeConflict = errors.New("pull request cannot be merged")

// Host merges pull requests. Merge is idempotent: merging an already
// merged pull request succeeds.
type Host interface {
	Merge(ctx context.Context, prURL string) error
}

// New builds the Host for the configured provider. Without one, merges
// fail with an explicit error instead of silently succeeding.
func New(log logrus.FieldLogger, cfg *config.SCMConfig) Host {
	if cfg != nil && cfg.GitHub != nil {
		return NewGitHubHost(log, cfg.GitHub)
	}

	return &disabledHost{}
}

type disabledHost struct{}

var _ Host = (*disabledHost)(nil)

func (*disabledHost) Merge(_ context.Context, _ string) error {
	return fmt.Errorf("no scm host configured")
}

type gitHubHost struct {
	log        logrus.FieldLogger
	cfg        *config.GitHubSCMConfig
	httpClient *http.Client
	baseURL    string
}

// NewGitHubHost creates a Host backed by the GitHub REST API.
func NewGitHubHost(log logrus.FieldLogger, cfg *config.GitHubSCMConfig) Host {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGitHubBaseURL
	}

	return &gitHubHost{
		log:        log.WithField("component", "scm"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: githubHTTPTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// Compile-time interface check.
var _ Host = (*gitHubHost)(nil)

type prRef struct {
	owner  string
	repo   string
	number int
}

type mergeRequest struct {
	MergeMethod string `json:"merge_method"`
}

type pullResponse struct {
	Merged bool `json:"merged"`
}

// Merge lands the pull request, retrying transient failures with
// exponential backoff. Conflicts and already-closed pull requests come
// back as ErrMergeConflict.
func (h *gitHubHost) Merge(ctx context.Context, prURL string) error {
	if prURL == "" {
		return fmt.Errorf("run has no pull request to merge")
	}

	ref, err := parsePRURL(prURL)
	if err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = mergeMaxElapsed

	if err := backoff.Retry(func() error {
		return h.merge(ctx, ref)
	}, backoff.WithContext(bo, ctx)); err != nil {
		return err
	}

	h.log.WithFields(logrus.Fields{
		"repo":   ref.owner + "/" + ref.repo,
		"number": ref.number,
	}).Info("Merged pull request")

	return nil
}

// merge performs a single merge attempt. Errors are tagged for the
// surrounding retry loop: transient ones get retried, permanent ones
// abort immediately.
func (h *gitHubHost) merge(ctx context.Context, ref *prRef) error {
	body, err := json.Marshal(mergeRequest{MergeMethod: h.cfg.MergeMethod})
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encoding merge request: %w", err))
	}

	endpoint := fmt.Sprintf(
		"%s/repos/%s/%s/pulls/%d/merge",
		h.baseURL, ref.owner, ref.repo, ref.number,
	)

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPut, endpoint, bytes.NewReader(body),
	)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}

	req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return retryctl.Transient(fmt.Errorf("merging pull request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil

	case resp.StatusCode == http.StatusMethodNotAllowed ||
		resp.StatusCode == http.StatusConflict:
		// A previous attempt may have landed already.
		merged, checkErr := h.isMerged(ctx, ref)
		if checkErr == nil && merged {
			h.log.WithFields(logrus.Fields{
				"repo":   ref.owner + "/" + ref.repo,
				"number": ref.number,
			}).Debug("Pull request already merged")

			return nil
		}

		return backoff.Permanent(fmt.Errorf(
			"%w: github returned status %d", ErrMergeConflict, resp.StatusCode,
		))

	case resp.StatusCode >= http.StatusInternalServerError:
		return retryctl.Transient(fmt.Errorf(
			"github api returned status %d", resp.StatusCode,
		))

	default:
		msg, _ := io.ReadAll(resp.Body)

		return backoff.Permanent(fmt.Errorf(
			"github api returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(msg)),
		))
	}
}

// isMerged checks the pull request's merged flag.
func (h *gitHubHost) isMerged(ctx context.Context, ref *prRef) (bool, error) {
	endpoint := fmt.Sprintf(
		"%s/repos/%s/%s/pulls/%d",
		h.baseURL, ref.owner, ref.repo, ref.number,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("fetching pull request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("github api returned status %d", resp.StatusCode)
	}

	var pull pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pull); err != nil {
		return false, fmt.Errorf("decoding pull request: %w", err)
	}

	return pull.Merged, nil
}

// parsePRURL extracts owner, repo and number from a pull request URL
// like https://github.com/org/repo/pull/42.
func parsePRURL(raw string) (*prRef, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing pull request url: %w", err)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 4 || parts[2] != "pull" {
		return nil, fmt.Errorf("unrecognized pull request url %q", raw)
	}

	number, err := strconv.Atoi(parts[3])
	if err != nil || number <= 0 {
		return nil, fmt.Errorf("unrecognized pull request url %q", raw)
	}

	return &prRef{owner: parts[0], repo: parts[1], number: number}, nil
}
