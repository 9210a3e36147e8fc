package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethpandaops/runoor/pkg/lifecycle"
	"github.com/ethpandaops/runoor/pkg/store"
	"github.com/go-chi/chi/v5"
)

// --- Admin run decisions ---

type approveRunRequest struct {
	Approver string `json:"approver"`
}

// handleApproveRun releases a blocked run into merging. The approver
// name lands in the transition log as the trigger.
func (s *server) handleApproveRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req approveRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.Approver == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"approver is required"})

		return
	}

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"run not found"})

		return
	}

	run, err := s.store.Transition(
		r.Context(), id,
		lifecycle.StateBlocked, lifecycle.StateMerging,
		store.TransitionDetail{
			Trigger: req.Approver,
			Reason:  "approved",
		},
	)
	if err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			writeJSON(w, http.StatusConflict,
				errorResponse{"run is not blocked"})

			return
		}

		s.log.WithError(err).Error("Failed to approve run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	s.log.WithField("run", run.ID).
		WithField("approver", req.Approver).
		Info("Run approved for merge")

	writeJSON(w, http.StatusOK, run)
}

// handleCancelRun marks a run for cancellation. The engine settles it
// on its next pass; runs already terminal are left alone.
func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"run not found"})

		return
	}

	if lifecycle.IsTerminal(run.State) {
		writeJSON(w, http.StatusConflict,
			errorResponse{"run already finished"})

		return
	}

	if err := s.store.RequestCancel(r.Context(), id); err != nil {
		s.log.WithError(err).Error("Failed to request cancel")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	s.log.WithField("run", id).Info("Run cancellation requested")

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "cancel requested",
	})
}
