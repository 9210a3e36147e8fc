package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethpandaops/runoor/pkg/config"
	"github.com/ethpandaops/runoor/pkg/engine"
	"github.com/ethpandaops/runoor/pkg/lifecycle"
	"github.com/ethpandaops/runoor/pkg/stats"
	"github.com/ethpandaops/runoor/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

type fixture struct {
	srv    *server
	store  store.Store
	router http.Handler
}

func newTestServer(
	t *testing.T, mutate ...func(*config.APIConfig),
) *fixture {
	t.Helper()

	st := store.NewStore(testLog(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{
			Path: filepath.Join(t.TempDir(), "test.db"),
		},
	})
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() {
		_ = st.Stop()
	})

	cfg := &config.APIConfig{
		Server: config.APIServerConfig{Listen: "127.0.0.1:0"},
	}

	for _, m := range mutate {
		m(cfg)
	}

	srv := &server{
		log:   testLog(),
		cfg:   cfg,
		store: st,
		done:  make(chan struct{}),
	}

	return &fixture{srv: srv, store: st, router: srv.buildRouter()}
}

func (f *fixture) do(
	t *testing.T,
	method, path string,
	body any,
	cookies ...*http.Cookie,
) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	return rec
}

func (f *fixture) createRun(
	t *testing.T, mutate ...func(*store.Run),
) *store.Run {
	t.Helper()

	run := &store.Run{
		ExternalID: uuid.NewString(),
		Title:      "bump dependency",
		Repo:       "acme/api",
		Branch:     "main",
		RiskLevel:  lifecycle.RiskLow,
	}

	for _, m := range mutate {
		m(run)
	}

	require.NoError(t, f.store.CreateRun(context.Background(), run))

	return run
}

// driveTo walks a run through the given states, starting from PENDING.
func (f *fixture) driveTo(
	t *testing.T, runID string, states ...lifecycle.State,
) {
	t.Helper()

	from := lifecycle.StatePending

	for _, to := range states {
		_, err := f.store.Transition(
			context.Background(), runID, from, to,
			store.TransitionDetail{Trigger: "test"},
		)
		require.NoError(t, err)

		from = to
	}
}

func adminHash(t *testing.T) string {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword(
		[]byte("hunter2"), bcrypt.MinCost,
	)
	require.NoError(t, err)

	return string(hash)
}

func (f *fixture) login(t *testing.T) *http.Cookie {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"password": "hunter2"})
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)

	return cookies[0]
}

func TestHealthcheck(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodGet, "/healthcheck", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestCreateRun(t *testing.T) {
	f := newTestServer(t)

	body := map[string]any{
		"external_id":  "beads-4711",
		"title":        "bump dependency",
		"repo":         "acme/api",
		"branch":       "main",
		"risk_level":   "MEDIUM",
		"priority":     5,
		"worker_types": []string{"code", "agent"},
	}

	rec := f.do(t, http.MethodPost, "/api/v1/runs", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created store.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, lifecycle.StatePending, created.State)
	assert.Equal(t, lifecycle.RiskMedium, created.RiskLevel)
	assert.Equal(t, 5, created.Priority)

	types, err := created.WorkerTypeList()
	require.NoError(t, err)
	assert.Equal(t, []lifecycle.WorkerType{
		lifecycle.WorkerCode, lifecycle.WorkerAgent,
	}, types)

	// Resubmitting the same external id returns the original run.
	rec = f.do(t, http.MethodPost, "/api/v1/runs", body)
	require.Equal(t, http.StatusConflict, rec.Code)

	var existing store.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &existing))
	assert.Equal(t, created.ID, existing.ID)
}

func TestCreateRun_Validation(t *testing.T) {
	f := newTestServer(t)

	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{
			name: "missing required fields",
			body: map[string]any{"title": "x"},
			want: "external_id, title and repo are required",
		},
		{
			name: "invalid risk level",
			body: map[string]any{
				"external_id": "r-1",
				"title":       "x",
				"repo":        "acme/api",
				"risk_level":  "EXTREME",
			},
			want: "invalid risk_level",
		},
		{
			name: "invalid worker type",
			body: map[string]any{
				"external_id":  "r-2",
				"title":        "x",
				"repo":         "acme/api",
				"worker_types": []string{"welder"},
			},
			want: "invalid worker_type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/runs", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		req := httptest.NewRequest(
			http.MethodPost, "/api/v1/runs", strings.NewReader("{"),
		)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestListRuns(t *testing.T) {
	f := newTestServer(t)

	f.createRun(t)
	f.createRun(t, func(r *store.Run) { r.Repo = "acme/web" })

	claimed := f.createRun(t)
	f.driveTo(t, claimed.ID, lifecycle.StateClaimed)

	rec := f.do(t, http.MethodGet, "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp listRunsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.Total)
	assert.Len(t, resp.Runs, 3)

	rec = f.do(t, http.MethodGet, "/api/v1/runs?state=CLAIMED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, claimed.ID, resp.Runs[0].ID)

	rec = f.do(t, http.MethodGet, "/api/v1/runs?repo=acme/web", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Total)

	// Paging caps the page but reports the full count.
	rec = f.do(t, http.MethodGet, "/api/v1/runs?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.Total)
	assert.Len(t, resp.Runs, 2)

	rec = f.do(t, http.MethodGet, "/api/v1/runs?state=LIMBO", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun(t *testing.T) {
	f := newTestServer(t)

	run := f.createRun(t)

	rec := f.do(t, http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got store.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, run.ExternalID, got.ExternalID)

	rec = f.do(t, http.MethodGet, "/api/v1/runs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunTransitionsAndValidations(t *testing.T) {
	f := newTestServer(t)

	run := f.createRun(t)
	f.driveTo(t, run.ID, lifecycle.StateClaimed, lifecycle.StateWorking)

	require.NoError(t, f.store.CreateValidation(
		context.Background(), &store.Validation{
			RunID:           run.ID,
			LinterPassed:    true,
			TypecheckPassed: true,
			TestsPassed:     true,
			TestsExisted:    true,
			OverallResult:   store.ResultPass,
		},
	))

	rec := f.do(t, http.MethodGet,
		"/api/v1/runs/"+run.ID+"/transitions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var transitions []store.RunTransition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &transitions))
	require.Len(t, transitions, 2)
	assert.Equal(t, lifecycle.StatePending, transitions[0].FromState)
	assert.Equal(t, lifecycle.StateClaimed, transitions[0].ToState)
	assert.Equal(t, lifecycle.StateWorking, transitions[1].ToState)

	rec = f.do(t, http.MethodGet,
		"/api/v1/runs/"+run.ID+"/validations", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var validations []store.Validation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &validations))
	require.Len(t, validations, 1)
	assert.Equal(t, store.ResultPass, validations[0].OverallResult)

	rec = f.do(t, http.MethodGet,
		"/api/v1/runs/"+uuid.NewString()+"/transitions", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet,
		"/api/v1/runs/"+uuid.NewString()+"/validations", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListPolicies(t *testing.T) {
	f := newTestServer(t)

	require.NoError(t, f.store.SeedPolicies(
		context.Background(), []config.PolicyConfig{
			{Name: "trusted", Priority: 10, AutoMergeAllowed: true},
		},
	))

	rec := f.do(t, http.MethodGet, "/api/v1/policies", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var policies []store.Policy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &policies))
	require.Len(t, policies, 1)
	assert.Equal(t, "trusted", policies[0].Name)
	assert.True(t, policies[0].AutoMergeAllowed)
}

func TestIssueResultCallback(t *testing.T) {
	f := newTestServer(t)

	run := f.createRun(t)
	issues := []store.RunIssue{
		{RunID: run.ID, WorkerType: lifecycle.WorkerCode},
	}
	require.NoError(t, f.store.CreateIssues(context.Background(), issues))

	path := "/api/v1/issues/" + issues[0].ID + "/result"

	rec := f.do(t, http.MethodPost, path, map[string]any{
		"success":          true,
		"pr_url":           "https://github.com/acme/api/pull/7",
		"result_summary":   "bumped to v2",
		"linter_passed":    true,
		"typecheck_passed": true,
		"tests_passed":     true,
		"tests_existed":    true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var issue store.RunIssue
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issue))
	assert.Equal(t, lifecycle.IssueCompleted, issue.Status)
	assert.Equal(t, "https://github.com/acme/api/pull/7", issue.PRURL)
	require.NotNil(t, issue.LinterPassed)
	assert.True(t, *issue.LinterPassed)

	// A worker retrying the callback is acknowledged without a rewrite.
	rec = f.do(t, http.MethodPost, path, map[string]any{"success": false})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.store.GetIssue(context.Background(), issues[0].ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.IssueCompleted, got.Status)

	rec = f.do(t, http.MethodPost,
		"/api/v1/issues/"+uuid.NewString()+"/result",
		map[string]any{"success": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIssueResultWorkerToken(t *testing.T) {
	f := newTestServer(t, func(cfg *config.APIConfig) {
		cfg.Auth.WorkerToken = "wkr-secret"
	})

	run := f.createRun(t)
	issues := []store.RunIssue{
		{RunID: run.ID, WorkerType: lifecycle.WorkerCode},
	}
	require.NoError(t, f.store.CreateIssues(context.Background(), issues))

	path := "/api/v1/issues/" + issues[0].ID + "/result"
	encoded, err := json.Marshal(map[string]any{"success": true})
	require.NoError(t, err)

	// Without the token.
	rec := f.do(t, http.MethodPost, path, map[string]any{"success": true})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// With the wrong token.
	req := httptest.NewRequest(
		http.MethodPost, path, bytes.NewReader(encoded),
	)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// With the right token.
	req = httptest.NewRequest(
		http.MethodPost, path, bytes.NewReader(encoded),
	)
	req.Header.Set("Authorization", "Bearer wkr-secret")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogin(t *testing.T) {
	f := newTestServer(t, func(cfg *config.APIConfig) {
		cfg.Auth.AdminPasswordHash = adminHash(t)
		cfg.Auth.SessionTTL = "1h"
	})

	rec := f.do(t, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/auth/login",
		map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	cookie := f.login(t)
	assert.Equal(t, sessionCookieName, cookie.Name)
	assert.NotEmpty(t, cookie.Value)
	assert.True(t, cookie.HttpOnly)

	// The session is stored server side with the configured TTL.
	session, err := f.store.GetSessionByToken(
		context.Background(), cookie.Value,
	)
	require.NoError(t, err)
	assert.WithinDuration(t,
		time.Now().UTC().Add(time.Hour), session.ExpiresAt, time.Minute)

	// Logout destroys it.
	rec = f.do(t, http.MethodPost, "/api/v1/auth/logout", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = f.store.GetSessionByToken(context.Background(), cookie.Value)
	assert.Error(t, err)
}

func TestLoginDisabledWithoutHash(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"password": "anything"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "disabled")
}

func TestApproveRun(t *testing.T) {
	f := newTestServer(t, func(cfg *config.APIConfig) {
		cfg.Auth.AdminPasswordHash = adminHash(t)
	})

	run := f.createRun(t)
	f.driveTo(t, run.ID,
		lifecycle.StateClaimed,
		lifecycle.StateWorking,
		lifecycle.StateValidating,
		lifecycle.StateBlocked,
	)

	path := "/api/v1/runs/" + run.ID + "/approve"
	body := map[string]string{"approver": "alice"}

	// No session.
	rec := f.do(t, http.MethodPost, path, body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	cookie := f.login(t)

	// Missing approver.
	rec = f.do(t, http.MethodPost, path, map[string]string{}, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, path, body, cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	var approved store.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &approved))
	assert.Equal(t, lifecycle.StateMerging, approved.State)

	transitions, err := f.store.ListTransitions(
		context.Background(), run.ID,
	)
	require.NoError(t, err)
	require.NotEmpty(t, transitions)

	last := transitions[len(transitions)-1]
	assert.Equal(t, "alice", last.Trigger)
	assert.Equal(t, "approved", last.Reason)

	// Approving again conflicts: the run is no longer blocked.
	rec = f.do(t, http.MethodPost, path, body, cookie)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost,
		"/api/v1/runs/"+uuid.NewString()+"/approve", body, cookie)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRun(t *testing.T) {
	f := newTestServer(t, func(cfg *config.APIConfig) {
		cfg.Auth.AdminPasswordHash = adminHash(t)
	})

	cookie := f.login(t)
	run := f.createRun(t)

	rec := f.do(t, http.MethodPost,
		"/api/v1/runs/"+run.ID+"/cancel", nil, cookie)
	require.Equal(t, http.StatusAccepted, rec.Code)

	got, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)

	// A finished run cannot be cancelled.
	finished := f.createRun(t)
	f.driveTo(t, finished.ID, lifecycle.StateFailed)

	rec = f.do(t, http.MethodPost,
		"/api/v1/runs/"+finished.ID+"/cancel", nil, cookie)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost,
		"/api/v1/runs/"+uuid.NewString()+"/cancel", nil, cookie)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminEndpointsDisabledWithoutHash(t *testing.T) {
	f := newTestServer(t)

	run := f.createRun(t)

	rec := f.do(t, http.MethodPost,
		"/api/v1/runs/"+run.ID+"/cancel", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "disabled")
}

type fakeEngine struct {
	stats engine.Stats
}

func (f *fakeEngine) Stats() engine.Stats { return f.stats }

func TestStatus(t *testing.T) {
	f := newTestServer(t)

	f.createRun(t)
	f.createRun(t)

	rec := f.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Engine *engine.Stats    `json:"engine"`
		Runs   map[string]int64 `json:"runs"`
		Host   *stats.Snapshot  `json:"host"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Engine)
	assert.Equal(t, int64(2), resp.Runs["PENDING"])
	require.NotNil(t, resp.Host)
	assert.Positive(t, resp.Host.CPUCount)

	// With an engine attached the counters appear.
	f.srv.engine = &fakeEngine{
		stats: engine.Stats{WorkerID: "worker-9", Passes: 3},
	}

	rec = f.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Engine)
	assert.Equal(t, "worker-9", resp.Engine.WorkerID)
	assert.Equal(t, int64(3), resp.Engine.Passes)
}

func TestRateLimit(t *testing.T) {
	f := newTestServer(t, func(cfg *config.APIConfig) {
		cfg.Server.RateLimit = config.RateLimitConfig{
			Enabled: true,
			Public:  config.RateLimitTier{RequestsPerMinute: 2},
			Admin:   config.RateLimitTier{RequestsPerMinute: 2},
		}
	})

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodGet, "/api/v1/policies", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/policies", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// The healthcheck sits outside the limited group.
	rec = f.do(t, http.MethodGet, "/healthcheck", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerStartStop(t *testing.T) {
	f := newTestServer(t)

	srv := NewServer(testLog(), f.srv.cfg, f.store, nil)
	require.NoError(t, srv.Start(context.Background()))
	require.NoError(t, srv.Stop())
}

func TestServerStartPortConflict(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	defer ln.Close()

	f := newTestServer(t, func(cfg *config.APIConfig) {
		cfg.Server.Listen = ln.Addr().String()
	})

	srv := NewServer(testLog(), f.srv.cfg, f.store, nil)
	err = srv.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on")
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4567"
	assert.Equal(t, "10.1.2.3", extractIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 70.41.3.18")
	assert.Equal(t, "203.0.113.9", extractIP(req))
}

func TestParseIntParam(t *testing.T) {
	assert.Equal(t, 0, parseIntParam(""))
	assert.Equal(t, 0, parseIntParam("abc"))
	assert.Equal(t, 0, parseIntParam("-5"))
	assert.Equal(t, 25, parseIntParam("25"))
}
