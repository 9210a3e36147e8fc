package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethpandaops/runoor/pkg/engine"
	"github.com/ethpandaops/runoor/pkg/lifecycle"
	"github.com/ethpandaops/runoor/pkg/stats"
	"github.com/ethpandaops/runoor/pkg/store"
	"github.com/go-chi/chi/v5"
)

const defaultSessionTTL = 24 * time.Hour

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// --- Public handlers ---

// handleHealthcheck returns server health status.
func (s *server) handleHealthcheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Engine *engine.Stats             `json:"engine,omitempty"`
	Runs   map[lifecycle.State]int64 `json:"runs"`
	Host   *stats.Snapshot           `json:"host"`
}

// handleStatus returns engine counters, run counts per state, and a
// snapshot of the host the orchestrator runs on.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountRunsByState(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to count runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	resp := statusResponse{
		Runs: counts,
		Host: stats.Collect(r.Context(), s.log),
	}

	if s.engine != nil {
		engineStats := s.engine.Stats()
		resp.Engine = &engineStats
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- Run handlers ---

type createRunRequest struct {
	ExternalID  string   `json:"external_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Repo        string   `json:"repo"`
	Branch      string   `json:"branch,omitempty"`
	RiskLevel   string   `json:"risk_level,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	WorkerTypes []string `json:"worker_types,omitempty"`
}

// handleCreateRun accepts a run into the lifecycle. Resubmitting an
// external id returns 409 with the run it first created, so intake is
// safe to retry.
func (s *server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.ExternalID == "" || req.Title == "" || req.Repo == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"external_id, title and repo are required"})

		return
	}

	risk := lifecycle.RiskLow
	if req.RiskLevel != "" {
		risk = lifecycle.RiskLevel(req.RiskLevel)
		if !lifecycle.IsValidRiskLevel(risk) {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid risk_level: " + req.RiskLevel})

			return
		}
	}

	run := &store.Run{
		ExternalID:  req.ExternalID,
		Title:       req.Title,
		Description: req.Description,
		Repo:        req.Repo,
		Branch:      req.Branch,
		RiskLevel:   risk,
		Priority:    req.Priority,
	}

	if len(req.WorkerTypes) > 0 {
		types := make([]lifecycle.WorkerType, 0, len(req.WorkerTypes))

		for _, t := range req.WorkerTypes {
			wt := lifecycle.WorkerType(t)
			if !lifecycle.IsValidWorkerType(wt) {
				writeJSON(w, http.StatusBadRequest,
					errorResponse{"invalid worker_type: " + t})

				return
			}

			types = append(types, wt)
		}

		encoded, err := json.Marshal(types)
		if err != nil {
			s.log.WithError(err).Error("Failed to encode worker types")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"internal error"})

			return
		}

		run.WorkerTypes = encoded
	}

	err := s.store.CreateRun(r.Context(), run)
	if errors.Is(err, store.ErrDuplicateExternalID) {
		existing, lookupErr := s.store.GetRunByExternalID(
			r.Context(), req.ExternalID,
		)
		if lookupErr != nil {
			s.log.WithError(lookupErr).Error("Failed to load existing run")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"internal error"})

			return
		}

		writeJSON(w, http.StatusConflict, existing)

		return
	}

	if err != nil {
		s.log.WithError(err).Error("Failed to create run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusCreated, run)
}

type listRunsResponse struct {
	Runs  []store.Run `json:"runs"`
	Total int64       `json:"total"`
}

// handleListRuns lists runs, newest first, filtered by state and repo.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := store.RunFilter{
		State:  query.Get("state"),
		Repo:   query.Get("repo"),
		Limit:  parseIntParam(query.Get("limit")),
		Offset: parseIntParam(query.Get("offset")),
	}

	if filter.State != "" &&
		!lifecycle.IsValidState(lifecycle.State(filter.State)) {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid state: " + filter.State})

		return
	}

	runs, total, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:  runs,
		Total: total,
	})
}

// handleGetRun returns a single run by id.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"run not found"})

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleListTransitions returns a run's transition log in order.
func (s *server) handleListTransitions(
	w http.ResponseWriter, r *http.Request,
) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"run not found"})

		return
	}

	transitions, err := s.store.ListTransitions(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Error("Failed to list transitions")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, transitions)
}

// handleListValidations returns a run's quality gate evaluations.
func (s *server) handleListValidations(
	w http.ResponseWriter, r *http.Request,
) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"run not found"})

		return
	}

	validations, err := s.store.ListValidations(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Error("Failed to list validations")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, validations)
}

// handleListPolicies returns the configured merge policies.
func (s *server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.store.ListPolicies(r.Context(), false)
	if err != nil {
		s.log.WithError(err).Error("Failed to list policies")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, policies)
}

// --- Worker callback ---

type issueResultRequest struct {
	Success         bool   `json:"success"`
	PRURL           string `json:"pr_url,omitempty"`
	ResultSummary   string `json:"result_summary,omitempty"`
	LinterPassed    *bool  `json:"linter_passed,omitempty"`
	TypecheckPassed *bool  `json:"typecheck_passed,omitempty"`
	TestsPassed     *bool  `json:"tests_passed,omitempty"`
	TestsExisted    *bool  `json:"tests_existed,omitempty"`
}

// handleIssueResult records a worker's outcome for a dispatched issue.
// Reports against an already settled issue are acknowledged without
// changing it, so workers can safely retry the callback.
func (s *server) handleIssueResult(w http.ResponseWriter, r *http.Request) {
	var req issueResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	issue, err := s.store.RecordIssueResult(
		r.Context(), chi.URLParam(r, "id"), store.IssueResult{
			Success:         req.Success,
			PRURL:           req.PRURL,
			ResultSummary:   req.ResultSummary,
			LinterPassed:    req.LinterPassed,
			TypecheckPassed: req.TypecheckPassed,
			TestsPassed:     req.TestsPassed,
			TestsExisted:    req.TestsExisted,
		},
	)
	if err != nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"issue not found"})

		return
	}

	writeJSON(w, http.StatusOK, issue)
}

// --- Auth handlers ---

type loginRequest struct {
	Password string `json:"password"`
}

// handleLogin checks the admin password and issues a session cookie.
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth.AdminPasswordHash == "" {
		writeJSON(w, http.StatusForbidden,
			errorResponse{"admin endpoints are disabled"})

		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.Password == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"password is required"})

		return
	}

	if !checkPassword(s.cfg.Auth.AdminPasswordHash, req.Password) {
		writeJSON(w, http.StatusUnauthorized,
			errorResponse{"invalid credentials"})

		return
	}

	token, err := generateSessionToken()
	if err != nil {
		s.log.WithError(err).Error("Failed to generate session token")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	ttl := s.sessionTTL()

	session := &store.AdminSession{
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}

	if err := s.store.CreateSession(r.Context(), session); err != nil {
		s.log.WithError(err).Error("Failed to create session")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(ttl.Seconds()),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"expires_at": session.ExpiresAt,
	})
}

// handleLogout destroys the current session.
func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil {
		_ = s.store.DeleteSession(r.Context(), cookie.Value)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) sessionTTL() time.Duration {
	if s.cfg.Auth.SessionTTL == "" {
		return defaultSessionTTL
	}

	ttl, err := time.ParseDuration(s.cfg.Auth.SessionTTL)
	if err != nil {
		return defaultSessionTTL
	}

	return ttl
}

// parseIntParam parses a non-negative integer query parameter,
// returning zero on anything else.
func parseIntParam(value string) int {
	if value == "" {
		return 0
	}

	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0
	}

	return n
}
