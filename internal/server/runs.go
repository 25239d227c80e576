package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/azevedojoel/relay/internal/abort"
	"github.com/azevedojoel/relay/internal/queue"
)

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := s.deps.Runs.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleAbortRun cancels an in-flight run. Aborting a run that is not
// executing reports aborted=false rather than an error: the run may have
// finished, or may still be queued (use the queue removal endpoint for that).
func (s *Server) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	aborted := s.deps.Aborts.Abort(id.String())
	if aborted {
		s.deps.RunStats.AbortsTotal.Inc()
		s.logger.Info().Str("run_id", id.String()).Msg("run abort requested")
	}

	writeJSON(w, http.StatusOK, map[string]any{"aborted": aborted})
}

// handleRemovePendingRun deletes a run's queue job before a worker picks it
// up. A job already being processed cannot be removed, only aborted.
func (s *Server) handleRemovePendingRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	s.removePending(w, r, s.deps.AgentJobs, id)
}

func (s *Server) handleRemovePendingWorkflowRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow run id")
		return
	}

	s.removePending(w, r, s.deps.WfJobs, id)
}

func (s *Server) removePending(w http.ResponseWriter, r *http.Request, q *queue.Queue, id uuid.UUID) {
	err := q.Remove(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, queue.ErrJobActive):
		writeError(w, http.StatusConflict, "job is being processed")
	case errors.Is(err, queue.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	default:
		s.logger.Error().Err(err).Msg("failed to remove pending job")
		writeError(w, http.StatusInternalServerError, "failed to remove pending job")
	}
}

func (s *Server) handleGetWorkflowRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow run id")
		return
	}

	run, err := s.deps.WfRuns.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleAbortWorkflowRun cancels an in-flight workflow run. All steps share
// one cancellation scope, so the current step stops and no further steps
// start.
func (s *Server) handleAbortWorkflowRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow run id")
		return
	}

	aborted := s.deps.Aborts.Abort(abort.WorkflowKey(id.String()))
	if aborted {
		s.deps.RunStats.AbortsTotal.Inc()
		s.logger.Info().Str("run_id", id.String()).Msg("workflow run abort requested")
	}

	writeJSON(w, http.StatusOK, map[string]any{"aborted": aborted})
}
