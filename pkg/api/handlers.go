package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/jacob-bach/icarusd/pkg/scheduler"
	"github.com/jacob-bach/icarusd/pkg/storage"
	"github.com/jacob-bach/icarusd/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// spawnRequest is the POST /jobs/spawn body.
type spawnRequest struct {
	Task        string `json:"task"`
	ProjectPath string `json:"project_path"`
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	jobID, err := s.sched.Submit(req.Task, req.ProjectPath)
	if err != nil {
		var submissionErr *scheduler.SubmissionError
		if errors.As(err, &submissionErr) {
			writeError(w, http.StatusBadRequest, submissionErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(types.JobPending),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, err := s.store.GetJob(id)
	if err != nil {
		var notFound *storage.ErrNotFound
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sample, err := s.store.LatestTelemetry(id)
	if err != nil {
		var notFound *storage.ErrNotFound
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "no telemetry recorded for job")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	report, err := s.store.LatestAudit(id)
	if err != nil {
		var notFound *storage.ErrNotFound
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "no audit report recorded for job")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := types.JobStatus(r.URL.Query().Get("status"))

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = parsed
	}

	jobs, err := s.store.ListByRecency(status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, jobs)
}

// approveRequest is the POST /jobs/{id}/approve body.
type approveRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var err error
	if req.Approved {
		err = s.sched.Approve(id)
	} else {
		err = s.sched.Reject(id, req.Comment)
	}

	if err != nil {
		var invalidState *scheduler.InvalidStateError
		if errors.As(err, &invalidState) {
			writeError(w, http.StatusConflict, invalidState.Error())
			return
		}
		var notFound *storage.ErrNotFound
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	job, err := s.store.GetJob(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id": id,
		"status": string(job.Status),
	})
}

// callbackRequest is the agent callback wire payload. Agents send any
// subset of these fields; absent fields are nil.
type callbackRequest struct {
	CurrentTool *string          `json:"current_tool,omitempty"`
	CPUUsage    *float64         `json:"cpu_usage,omitempty"`
	RAMUsageMB  *float64         `json:"ram_usage_mb,omitempty"`
	Status      *string          `json:"status,omitempty"`
	Error       *string          `json:"error,omitempty"`
	AuditReport *auditReportWire `json:"audit_report,omitempty"`
}

type auditReportWire struct {
	Passed  bool   `json:"passed"`
	Summary string `json:"summary"`
	Details string `json:"details,omitempty"`
}

// handleCallback implements the agent callback contract: a payload for a
// missing or terminal job is accepted with 200 and dropped. Otherwise it
// is dispatched field-by-field onto the telemetry log, the audit log,
// and the callback bus.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	job, err := s.store.GetJob(id)
	if err != nil || job.Status.Terminal() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "dropped"})
		return
	}

	if req.CurrentTool != nil || req.CPUUsage != nil || req.RAMUsageMB != nil {
		sample := &types.TelemetrySample{
			JobID:     id,
			Stage:     stageFor(job.Status),
			Timestamp: time.Now(),
		}
		if req.CurrentTool != nil {
			sample.CurrentTool = *req.CurrentTool
		}
		if req.CPUUsage != nil {
			sample.CPUPercent = *req.CPUUsage
		}
		if req.RAMUsageMB != nil {
			sample.MemoryBytes = uint64(*req.RAMUsageMB * 1024 * 1024)
		}
		if err := s.store.AppendTelemetry(sample); err != nil {
			s.logger.Warn().Err(err).Str("job_id", id).Msg("failed to append telemetry from callback")
		}
	}

	if req.AuditReport != nil {
		report := &types.AuditReport{
			JobID:     id,
			Passed:    req.AuditReport.Passed,
			Summary:   req.AuditReport.Summary,
			Details:   req.AuditReport.Details,
			CreatedAt: time.Now(),
		}
		if err := s.store.AppendAudit(report); err != nil {
			s.logger.Warn().Err(err).Str("job_id", id).Msg("failed to append audit report from callback")
		}
	}

	if req.Status != nil {
		switch *req.Status {
		case "error":
			message := "agent reported an error"
			if req.Error != nil {
				message = *req.Error
			}
			s.bus.SignalError(id, message)
		case "completed":
			s.bus.SignalCompletion(id)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// stageFor infers which stage a telemetry sample belongs to from the
// job's current status; the callback contract itself carries no stage
// field.
func stageFor(status types.JobStatus) types.SandboxRole {
	if status == types.JobChecking {
		return types.RoleChecker
	}
	return types.RoleBuilder
}
