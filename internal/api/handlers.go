// Package api exposes the engine over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/amberlight-labs/haven/internal/ledger"
	"github.com/amberlight-labs/haven/internal/prefs"
	"github.com/amberlight-labs/haven/internal/schedule"
	"github.com/amberlight-labs/haven/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// PrefService abstracts preference reads and writes for the API layer.
// Implemented by prefs.Service.
type PrefService interface {
	UpdateAgentName(userID, name string) error
	UpdateModelProvider(userID, provider string) error
	UpdateCheckInTime(userID, hhmm string) error
	UpdateTimezone(userID, tz string) error
	Snapshot(userID string) prefs.Preferences
}

// LedgerService abstracts the check-in ledger. Implemented by ledger.Ledger.
type LedgerService interface {
	UpsertCheckIn(userID, tone, summary string, intensity int, recommendations []string) (ledger.Record, error)
	History(userID string, limit int) ([]ledger.Record, error)
}

// EngineService abstracts the check-in cycle. Implemented by checkin.Engine.
type EngineService interface {
	StartCheckIn(ctx context.Context, userID string) error
	HandleUserMessage(ctx context.Context, userID, text string) (ledger.Record, bool, error)
}

// SchedulerService abstracts job management. Implemented by schedule.Scheduler.
type SchedulerService interface {
	EnsureDailyCheckIn(userID string) error
	ScheduleOneOff(userID string, t schedule.Trigger, callback, description string) (string, error)
	List(userID string) ([]storage.ScheduledJob, error)
	Cancel(jobID string) error
}

type AppDeps struct {
	Prefs  PrefService
	Ledger LedgerService
	Engine EngineService
	Sched  SchedulerService
	Token  string
	UserID string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/internal/update-name", handleUpdateName(deps))
		r.Post("/internal/update-model-provider", handleUpdateModelProvider(deps))
		r.Post("/internal/update-check-in-time", handleUpdateCheckInTime(deps))
		r.Post("/internal/update-timezone", handleUpdateTimezone(deps))
		r.Get("/internal/preferences", handleGetPreferences(deps))

		r.Post("/internal/save-check-in", handleSaveCheckIn(deps))
		r.Get("/internal/history", handleHistory(deps))
		r.Post("/internal/send-message", handleSendMessage(deps))

		r.Get("/internal/tasks", handleListTasks(deps))
		r.Post("/internal/tasks", handleScheduleTask(deps))
		r.Delete("/internal/tasks/{id}", handleCancelTask(deps))

		r.Post("/test-check-in", handleTestCheckIn(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleUpdateName(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := deps.Prefs.UpdateAgentName(deps.UserID, req.Name); err != nil {
			writeDomainError(w, err, "failed to update agent name")
			return
		}
		writeJSON(w, map[string]any{"success": true, "name": req.Name})
	}
}

func handleUpdateModelProvider(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Provider string `json:"provider"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := deps.Prefs.UpdateModelProvider(deps.UserID, req.Provider); err != nil {
			writeDomainError(w, err, "failed to update model provider")
			return
		}
		writeJSON(w, map[string]any{"success": true, "provider": req.Provider})
	}
}

// handleUpdateCheckInTime also re-arms the daily job so the new time takes
// effect without a restart.
func handleUpdateCheckInTime(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Time string `json:"time"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := deps.Prefs.UpdateCheckInTime(deps.UserID, req.Time); err != nil {
			writeDomainError(w, err, "failed to update check-in time")
			return
		}
		if err := deps.Sched.EnsureDailyCheckIn(deps.UserID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "rescheduling daily check-in: %v", err)
			return
		}
		writeJSON(w, map[string]any{"success": true, "time": req.Time})
	}
}

func handleUpdateTimezone(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Timezone string `json:"timezone"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := deps.Prefs.UpdateTimezone(deps.UserID, req.Timezone); err != nil {
			writeDomainError(w, err, "failed to update timezone")
			return
		}
		writeJSON(w, map[string]any{"success": true, "timezone": req.Timezone})
	}
}

func handleGetPreferences(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := deps.Prefs.Snapshot(deps.UserID)
		writeJSON(w, map[string]any{
			"agent_name":     p.AgentName,
			"model_provider": p.ModelProvider,
			"check_in_time":  p.CheckInTime,
			"timezone":       p.Timezone,
		})
	}
}

type saveCheckInRequest struct {
	EmotionalTone   string   `json:"emotionalTone"`
	Summary         string   `json:"summary"`
	Intensity       int      `json:"intensity"`
	Recommendations []string `json:"recommendations"`
}

type checkInResponse struct {
	ID              string   `json:"id"`
	Date            string   `json:"date"`
	Tone            string   `json:"tone"`
	Intensity       int      `json:"intensity"`
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations"`
	CreatedAt       string   `json:"created_at"`
}

func toCheckInResponse(rec ledger.Record) checkInResponse {
	return checkInResponse{
		ID:              rec.ID,
		Date:            rec.Day,
		Tone:            rec.Tone,
		Intensity:       rec.Intensity,
		Summary:         rec.Summary,
		Recommendations: rec.Recommendations,
		CreatedAt:       rec.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// handleSaveCheckIn records a check-in directly. All fields are required;
// agents that want recommendations derived use the MCP tool instead.
func handleSaveCheckIn(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req saveCheckInRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Recommendations == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "recommendations is required")
			return
		}

		rec, err := deps.Ledger.UpsertCheckIn(deps.UserID, req.EmotionalTone, req.Summary, req.Intensity, req.Recommendations)
		if err != nil {
			writeDomainError(w, err, "failed to save check-in")
			return
		}
		writeJSON(w, map[string]any{"success": true, "check_in": toCheckInResponse(rec)})
	}
}

func handleHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 7, 30)

		records, err := deps.Ledger.History(deps.UserID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load history: %v", err)
			return
		}

		out := make([]checkInResponse, len(records))
		for i, rec := range records {
			out[i] = toCheckInResponse(rec)
		}
		writeJSON(w, map[string]any{"success": true, "check_ins": out})
	}
}

// handleSendMessage delivers an inbound user message to the engine. When the
// message completes a pending check-in, the recorded entry is returned.
func handleSendMessage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message string `json:"message"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		rec, completed, err := deps.Engine.HandleUserMessage(r.Context(), deps.UserID, req.Message)
		if err != nil {
			writeDomainError(w, err, "failed to handle message")
			return
		}
		resp := map[string]any{"success": true, "completed_check_in": completed}
		if completed {
			resp["check_in"] = toCheckInResponse(rec)
		}
		writeJSON(w, resp)
	}
}

type scheduleTaskRequest struct {
	At           string `json:"at"`            // RFC 3339
	AfterSeconds int    `json:"after_seconds"` // relative delay
	Cron         string `json:"cron"`          // standard 5-field expression
	Callback     string `json:"callback"`
	Description  string `json:"description"`
}

func handleScheduleTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scheduleTaskRequest
		if !decodeBody(w, r, &req) {
			return
		}

		var t schedule.Trigger
		if req.At != "" {
			at, err := time.Parse(time.RFC3339, req.At)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "at must be RFC 3339: %v", err)
				return
			}
			t.At = at
		}
		if req.AfterSeconds > 0 {
			t.After = time.Duration(req.AfterSeconds) * time.Second
		}
		t.Cron = req.Cron

		callback := req.Callback
		if callback == "" {
			callback = schedule.DailyCheckInCallback
		}

		id, err := deps.Sched.ScheduleOneOff(deps.UserID, t, callback, req.Description)
		if err != nil {
			writeDomainError(w, err, "failed to schedule task")
			return
		}
		writeJSON(w, map[string]any{"success": true, "task_id": id})
	}
}

func handleListTasks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := deps.Sched.List(deps.UserID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list tasks: %v", err)
			return
		}

		type taskResponse struct {
			ID          string `json:"id"`
			Callback    string `json:"callback"`
			TriggerKind string `json:"trigger_kind"`
			TriggerSpec string `json:"trigger_spec"`
			Description string `json:"description,omitempty"`
		}
		out := make([]taskResponse, len(jobs))
		for i, j := range jobs {
			out[i] = taskResponse{
				ID:          j.ID,
				Callback:    j.Callback,
				TriggerKind: j.TriggerKind,
				TriggerSpec: j.TriggerSpec,
				Description: j.Description,
			}
		}
		writeJSON(w, map[string]any{"success": true, "tasks": out})
	}
}

func handleCancelTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Sched.Cancel(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel task: %v", err)
			return
		}
		writeJSON(w, map[string]any{"success": true})
	}
}

// handleTestCheckIn starts a check-in cycle immediately, outside the daily
// schedule.
func handleTestCheckIn(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Engine.StartCheckIn(r.Context(), deps.UserID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to start check-in: %v", err)
			return
		}
		writeJSON(w, map[string]any{"success": true, "message": "check-in started"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// writeDomainError maps validation failures to 400 and missing resources to
// 404; anything else is a 500.
func writeDomainError(w http.ResponseWriter, err error, context string) {
	switch {
	case errors.Is(err, prefs.ErrValidation), errors.Is(err, ledger.ErrValidation), errors.Is(err, schedule.ErrInvalidSchedule):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", context, err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
