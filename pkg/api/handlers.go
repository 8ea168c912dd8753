package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"stagehand/pkg/eventlog"
	"stagehand/pkg/protocol"
)

// enqueueRequest is the POST /projects/{id}/jobs body.
type enqueueRequest struct {
	Kind             string            `json:"kind"`
	RunID            string            `json:"run_id,omitempty"`
	ExpectedArtifact string            `json:"expected_artifact_path,omitempty"`
	Params           map[string]string `json:"params,omitempty"`
}

type createProjectRequest struct {
	ProjectID string `json:"project_id"`
}

type healthResponse struct {
	Status        string `json:"status"`
	QueueDepth    int    `json:"queue_depth"`
	InFlight      int    `json:"in_flight"`
	Projects      int    `json:"projects"`
	SessionCount  int    `json:"session_count"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}

	projects, err := s.store.ListProjects()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	resp.Projects = len(projects)
	for _, projectID := range projects {
		q, err := s.store.Load(projectID)
		if err != nil {
			continue
		}
		for i := range q.Jobs {
			switch {
			case q.Jobs[i].Status == protocol.StatusQueued:
				resp.QueueDepth++
			case q.Jobs[i].Status.InFlight():
				resp.InFlight++
			}
		}
	}

	if s.sessions != nil {
		if live, err := s.sessions.Live(); err == nil {
			resp.SessionCount = len(live)
		}
	}
	if s.ctrl != nil {
		resp.UptimeSeconds = int64(s.ctrl.Uptime() / time.Second)
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	if projects == nil {
		projects = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"projects": projects})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectID == "" {
		s.writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}

	if err := s.store.CreateProject(req.ProjectID); err != nil {
		var deleted *protocol.ProjectDeletedError
		if errors.As(err, &deleted) {
			s.writeError(w, http.StatusGone, "project id was deleted and cannot be reused")
			return
		}
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"project_id": req.ProjectID})
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	err := s.ctrl.OnProjectDeleted(r.Context(), projectID)
	if err != nil {
		var unknown *protocol.UnknownProjectError
		if errors.As(err, &unknown) {
			s.writeError(w, http.StatusNotFound, "unknown project")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	kind := protocol.JobKind(req.Kind)
	if !kind.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown job kind: "+req.Kind)
		return
	}

	job := protocol.Job{
		ID:               uuid.NewString(),
		ProjectID:        projectID,
		RunID:            req.RunID,
		Kind:             kind,
		Status:           protocol.StatusQueued,
		CreatedAt:        time.Now(),
		ExpectedArtifact: req.ExpectedArtifact,
		Params:           req.Params,
	}

	if err := s.store.Append(projectID, job); err != nil {
		var deleted *protocol.ProjectDeletedError
		if errors.As(err, &deleted) {
			s.writeError(w, http.StatusGone, "project deleted")
			return
		}
		var unknown *protocol.UnknownProjectError
		if errors.As(err, &unknown) {
			s.writeError(w, http.StatusNotFound, "unknown project")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.events != nil {
		_ = s.events.Append(r.Context(), eventlog.EventEnqueued, "api", projectID, job.ID, string(kind))
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"job_id": job.ID})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	q, err := s.store.Load(projectID)
	if err != nil {
		var unknown *protocol.UnknownProjectError
		if errors.As(err, &unknown) {
			s.writeError(w, http.StatusNotFound, "unknown project")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if q.Jobs == nil {
		q.Jobs = []protocol.Job{}
	}
	s.writeJSON(w, http.StatusOK, q.Jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.findJob(jobID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.findJob(jobID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err := s.ctrl.Cancel(r.Context(), job.ProjectID, jobID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Report the post-cancel state; a job that completed first stays
	// completed and the caller sees that.
	job, err = s.findJob(jobID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if s.events == nil {
		s.writeError(w, http.StatusNotFound, "progress tracking disabled")
		return
	}
	sample, ok, err := s.events.Progress(r.Context(), jobID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "no progress recorded")
		return
	}
	s.writeJSON(w, http.StatusOK, sample)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
