package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/alexfaker/autoGenVideo/internal/domain"
	"github.com/alexfaker/autoGenVideo/internal/orchestrator"
)

const maxJobsPage = 500

func (a *App) StatusReport(w http.ResponseWriter, r *http.Request) {
	if a.Status == nil {
		a.error(w, http.StatusServiceUnavailable, "engine not ready")
		return
	}
	a.json(w, http.StatusOK, a.Status.Report())
}

// ListJobs serves GET /v1/jobs?state=queued,pending&limit=n, newest first.
func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	var states []domain.JobState
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s, err := domain.ParseJobState(strings.TrimSpace(part))
			if err != nil {
				a.error(w, http.StatusBadRequest, err.Error())
				return
			}
			states = append(states, s)
		}
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			a.error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxJobsPage)
	}

	var jobs []domain.Job
	if len(states) > 0 {
		jobs = a.Jobs.ListByState(states...)
	} else {
		jobs = a.Jobs.All()
	}
	out := make([]orchestrator.JobSummary, 0, min(len(jobs), limit))
	for i := len(jobs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, orchestrator.Summarize(jobs[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": out, "total": len(jobs)})
}

// GetJob serves GET /v1/jobs/{ref}; ref is a remote job id or correlation id.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	job, err := a.Jobs.Find(ref)
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		a.error(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.json(w, http.StatusOK, orchestrator.Summarize(job))
}

func (a *App) ScheduleEntries(w http.ResponseWriter, r *http.Request) {
	if a.Schedule == nil {
		a.json(w, http.StatusOK, map[string]any{"entries": []any{}})
		return
	}
	a.json(w, http.StatusOK, map[string]any{"entries": a.Schedule.Entries(a.now())})
}

func (a *App) AccountList(w http.ResponseWriter, r *http.Request) {
	if a.Accounts == nil {
		a.error(w, http.StatusServiceUnavailable, "session store not configured")
		return
	}
	accounts, err := a.Accounts.Accounts(r.Context())
	if err != nil {
		a.error(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.json(w, http.StatusOK, map[string]any{"accounts": accounts})
}
