package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/azevedojoel/relay/internal/database"
	"github.com/azevedojoel/relay/internal/scheduler"
)

// cronParser accepts standard five-field cron expressions, matching what the
// scheduler evaluates at tick time.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// scheduleRequest is the JSON body for creating or updating a schedule.
type scheduleRequest struct {
	UserID        uuid.UUID  `json:"user_id"`
	AgentID       uuid.UUID  `json:"agent_id"`
	Name          string     `json:"name"`
	Prompt        string     `json:"prompt"`
	Kind          string     `json:"kind"`
	CronExpr      *string    `json:"cron_expr,omitempty"`
	RunAt         *time.Time `json:"run_at,omitempty"`
	Enabled       *bool      `json:"enabled,omitempty"`
	Timezone      string     `json:"timezone,omitempty"`
	SelectedTools []string   `json:"selected_tools,omitempty"`
}

// validate checks the request and returns the normalized schedule kind.
func (req *scheduleRequest) validate() (database.ScheduleKind, error) {
	if req.UserID == uuid.Nil {
		return "", fmt.Errorf("user_id is required")
	}
	if req.AgentID == uuid.Nil {
		return "", fmt.Errorf("agent_id is required")
	}
	if req.Name == "" {
		return "", fmt.Errorf("name is required")
	}
	if req.Prompt == "" {
		return "", fmt.Errorf("prompt is required")
	}

	kind := database.ScheduleKind(req.Kind)
	switch kind {
	case database.ScheduleKindRecurring:
		if req.CronExpr == nil || *req.CronExpr == "" {
			return "", fmt.Errorf("cron_expr is required for recurring schedules")
		}
		if _, err := cronParser.Parse(*req.CronExpr); err != nil {
			return "", fmt.Errorf("invalid cron expression: %v", err)
		}
	case database.ScheduleKindOneOff:
		if req.RunAt == nil {
			return "", fmt.Errorf("run_at is required for one-off schedules")
		}
	default:
		return "", fmt.Errorf("kind must be %q or %q", database.ScheduleKindRecurring, database.ScheduleKindOneOff)
	}

	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			return "", fmt.Errorf("invalid timezone: %v", err)
		}
	}

	return kind, nil
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	kind, err := req.validate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}

	sched := &database.Schedule{
		ID:            uuid.New(),
		UserID:        req.UserID,
		AgentID:       req.AgentID,
		Name:          req.Name,
		Prompt:        req.Prompt,
		Kind:          kind,
		CronExpr:      req.CronExpr,
		RunAt:         req.RunAt,
		Enabled:       enabled,
		Timezone:      tz,
		SelectedTools: req.SelectedTools,
	}

	if err := s.deps.Schedules.Create(r.Context(), sched); err != nil {
		s.logger.Error().Err(err).Msg("failed to create schedule")
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	userID, err := queryUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	schedules, err := s.deps.Schedules.ListByUser(r.Context(), userID, pagination(r))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list schedules")
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	sched, err := s.deps.Schedules.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	existing, err := s.deps.Schedules.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == uuid.Nil {
		req.UserID = existing.UserID
	}

	kind, err := req.validate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing.AgentID = req.AgentID
	existing.Name = req.Name
	existing.Prompt = req.Prompt
	existing.Kind = kind
	existing.CronExpr = req.CronExpr
	existing.RunAt = req.RunAt
	existing.SelectedTools = req.SelectedTools
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}
	if req.Timezone != "" {
		existing.Timezone = req.Timezone
	}

	if err := s.deps.Schedules.Update(r.Context(), existing); err != nil {
		s.logger.Error().Err(err).Str("schedule_id", id.String()).Msg("failed to update schedule")
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	if err := s.deps.Schedules.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleRunScheduleNow triggers a schedule immediately, outside its cron
// cadence. The firing does not touch last_run_at, so the next cron tick is
// unaffected.
func (s *Server) handleRunScheduleNow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	sched, err := s.deps.Schedules.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	run, err := s.deps.Submitter.SubmitRun(r.Context(), scheduler.RunSubmission{
		ScheduleID:    &sched.ID,
		UserID:        sched.UserID,
		AgentID:       sched.AgentID,
		Prompt:        sched.Prompt,
		SelectedTools: sched.SelectedTools,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("schedule_id", id.String()).Msg("failed to submit run")
		writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":          run.ID,
		"status":          run.Status,
		"conversation_id": run.ConversationID,
	})
}

func (s *Server) handleListScheduleRuns(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	runs, err := s.deps.Runs.ListBySchedule(r.Context(), id, pagination(r))
	if err != nil {
		s.logger.Error().Err(err).Str("schedule_id", id.String()).Msg("failed to list runs")
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}
