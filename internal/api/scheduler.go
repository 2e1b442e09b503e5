package api

import (
	"net/http"
	"strings"
)

// handleSchedulerJobs lists jobs and their state
func (s *Server) handleSchedulerJobs(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.sched.ListJobs())
}

// handleSchedulerRunJob handles POST /api/scheduler/jobs/{id}/run
func (s *Server) handleSchedulerRunJob(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not enabled")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/scheduler/jobs/")
	id, ok := strings.CutSuffix(rest, "/run")
	if !ok || id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if _, err := s.sched.GetJob(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err := s.sched.RunJobNow(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	job, _ := s.sched.GetJob(id)
	writeJSON(w, http.StatusOK, job)
}
