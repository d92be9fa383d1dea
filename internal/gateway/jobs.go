package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/nodepilot/internal/gse"
	"github.com/basket/nodepilot/internal/job"
	"github.com/basket/nodepilot/internal/store"
)

// JobAPI is the slice of the job service the gateway exposes.
type JobAPI interface {
	Submit(ctx context.Context, req job.SubmitRequest) (*job.SubmitResult, error)
	Status(ctx context.Context, jobID int64, filter job.StatusFilter) (*job.StatusView, error)
	Retry(ctx context.Context, jobID int64, instanceIDs []string) error
	Revoke(ctx context.Context, jobID int64, instanceIDs []string) error
	GenCommands(ctx context.Context, jobID, hostID int64, batch bool) ([]gse.Command, error)
	RollbackPreview(ctx context.Context, subscriptionID int64) (map[int64]*job.RollbackTarget, error)
}

type submitPayload struct {
	SubscriptionID int64  `json:"subscription_id"`
	Action         string `json:"action,omitempty"`
	Scope          string `json:"scope,omitempty"`
	RunImmediately bool   `json:"run_immediately"`
}

type instancesPayload struct {
	InstanceIDs []string `json:"instance_ids,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var payload submitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if payload.SubscriptionID <= 0 {
		http.Error(w, "subscription_id is required", http.StatusBadRequest)
		return
	}
	result, err := s.cfg.Jobs.Submit(r.Context(), job.SubmitRequest{
		SubscriptionID: payload.SubscriptionID,
		Action:         payload.Action,
		ScopeRaw:       payload.Scope,
		RunImmediately: payload.RunImmediately,
	})
	if err != nil {
		if result != nil {
			// Task persisted but not runnable; surface both.
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"task_id": result.TaskID,
				"error":   err.Error(),
			})
			return
		}
		s.jobError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"job_id":  result.JobID,
		"task_id": result.TaskID,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := job.StatusFilter{
		IPContains: q.Get("ip"),
		Limit:      intParam(q.Get("limit")),
		Offset:     intParam(q.Get("offset")),
	}
	for _, raw := range q["status"] {
		if raw = strings.TrimSpace(strings.ToUpper(raw)); raw != "" {
			filter.Statuses = append(filter.Statuses, store.InstanceStatus(raw))
		}
	}
	for _, raw := range q["instance_id"] {
		if raw = strings.TrimSpace(raw); raw != "" {
			filter.InstanceIDs = append(filter.InstanceIDs, raw)
		}
	}
	view, err := s.cfg.Jobs.Status(r.Context(), jobID, filter)
	if err != nil {
		s.jobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleJobRetry(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.cfg.Jobs.Retry)
}

func (s *Server) handleJobRevoke(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.cfg.Jobs.Revoke)
}

func (s *Server) jobAction(w http.ResponseWriter, r *http.Request,
	act func(ctx context.Context, jobID int64, instanceIDs []string) error) {
	jobID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var payload instancesPayload
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := act(r.Context(), jobID, payload.InstanceIDs); err != nil {
		s.jobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID})
}

func (s *Server) handleJobCommands(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	hostID, err := strconv.ParseInt(r.URL.Query().Get("host_id"), 10, 64)
	if err != nil || hostID <= 0 {
		http.Error(w, "host_id is required", http.StatusBadRequest)
		return
	}
	batch := r.URL.Query().Get("batch") == "true"
	commands, err := s.cfg.Jobs.GenCommands(r.Context(), jobID, hostID, batch)
	if err != nil {
		s.jobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": commands})
}

func (s *Server) handleRollbackPreview(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	targets, err := s.cfg.Jobs.RollbackPreview(r.Context(), subID)
	if err != nil {
		s.jobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

func (s *Server) jobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, job.ErrNotRunnable):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func intParam(raw string) int {
	n, _ := strconv.Atoi(raw)
	return n
}
