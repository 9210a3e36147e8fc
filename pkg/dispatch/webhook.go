package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethpandaops/runoor/pkg/config"
	"github.com/ethpandaops/runoor/pkg/retryctl"
	"github.com/ethpandaops/runoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// dispatchMaxElapsed bounds the in-process retry window for a single
// dispatch attempt. Failures past it surface to the engine, which
// redispatches on a later pass.
const dispatchMaxElapsed = 30 * time.Second

// webhookDispatcher POSTs issues to per-worker-type HTTP endpoints.
type webhookDispatcher struct {
	log        logrus.FieldLogger
	cfg        *config.WebhookDispatchConfig
	httpClient *http.Client
}

// Ensure interface compliance.
var _ Dispatcher = (*webhookDispatcher)(nil)

// NewWebhookDispatcher creates a webhook-mode Dispatcher.
func NewWebhookDispatcher(
	log logrus.FieldLogger,
	cfg *config.WebhookDispatchConfig,
) (Dispatcher, error) {
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("parsing webhook timeout: %w", err)
	}

	return &webhookDispatcher{
		log:        log.WithField("component", "dispatch-webhook"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (w *webhookDispatcher) Start(_ context.Context) error {
	w.log.WithField("endpoints", len(w.cfg.Endpoints)).Info("Webhook dispatch ready")

	return nil
}

func (w *webhookDispatcher) Stop() error {
	return nil
}

// issuePayload is the body POSTed to worker endpoints.
type issuePayload struct {
	IssueID       string `json:"issue_id"`
	RunID         string `json:"run_id"`
	WorkerType    string `json:"worker_type"`
	Repo          string `json:"repo"`
	Branch        string `json:"branch"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	WorkspacePath string `json:"workspace_path,omitempty"`
	CallbackURL   string `json:"callback_url,omitempty"`
}

// Dispatch POSTs the issue to its worker type's endpoint, retrying
// transient failures. The outgoing error keeps its transient tag so the
// engine can tell a flaky endpoint from a misconfigured one.
func (w *webhookDispatcher) Dispatch(
	ctx context.Context,
	run *store.Run,
	issue *store.RunIssue,
) error {
	endpoint, ok := w.cfg.Endpoints[string(issue.WorkerType)]
	if !ok {
		return fmt.Errorf("no webhook endpoint configured for worker type %s", issue.WorkerType)
	}

	payload := issuePayload{
		IssueID:       issue.ID,
		RunID:         run.ID,
		WorkerType:    string(issue.WorkerType),
		Repo:          run.Repo,
		Branch:        run.Branch,
		Title:         run.Title,
		Description:   run.Description,
		WorkspacePath: issue.WorkspacePath,
		CallbackURL:   w.callbackURL(issue.ID),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding issue payload: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = dispatchMaxElapsed

	if err := backoff.Retry(func() error {
		return w.post(ctx, endpoint, body)
	}, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("dispatching issue %s: %w", issue.ID, err)
	}

	w.log.WithFields(logrus.Fields{
		"issue":       issue.ID,
		"run":         run.ID,
		"worker_type": issue.WorkerType,
	}).Info("Dispatched issue to worker")

	return nil
}

// post performs a single delivery attempt.
func (w *webhookDispatcher) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, endpoint, bytes.NewReader(body),
	)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")

	if w.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.AuthToken)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return retryctl.Transient(fmt.Errorf("posting to worker endpoint: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		return nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return retryctl.Transient(fmt.Errorf(
			"worker endpoint returned status %d", resp.StatusCode,
		))
	default:
		msg, _ := io.ReadAll(resp.Body)

		return backoff.Permanent(fmt.Errorf(
			"worker endpoint returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(msg)),
		))
	}
}

// callbackURL builds the per-issue result callback handed to workers.
func (w *webhookDispatcher) callbackURL(issueID string) string {
	if w.cfg.CallbackURL == "" {
		return ""
	}

	return strings.TrimRight(w.cfg.CallbackURL, "/") + "/api/v1/issues/" + issueID + "/result"
}
