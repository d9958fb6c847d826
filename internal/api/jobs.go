package api

import (
	"net/http"
	"strconv"

	"github.com/agentconsole/agentconsole/internal/events"
	"github.com/agentconsole/agentconsole/internal/store"
)

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.JobFilter{
		Status: store.JobStatus(q.Get("status")),
		Type:   q.Get("type"),
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			f.Limit = n
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			f.Offset = n
		}
	}

	jobs, err := s.queue.GetJobs(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := s.queue.CountJobs(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": total})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := s.queue.RetryJob(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Publish(events.JobUpdated, map[string]any{"jobId": jobID})
	writeSuccess(w)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := s.queue.CancelJob(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Publish(events.JobUpdated, map[string]any{"jobId": jobID})
	writeSuccess(w)
}
