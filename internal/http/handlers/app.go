// Package handlers serves the read-only monitor API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/alexfaker/autoGenVideo/internal/domain"
	"github.com/alexfaker/autoGenVideo/internal/infra/credentials"
	"github.com/alexfaker/autoGenVideo/internal/orchestrator"
	"github.com/alexfaker/autoGenVideo/internal/scheduler"
)

// StatusSource builds engine snapshots. *orchestrator.Orchestrator
// satisfies it.
type StatusSource interface {
	Report() orchestrator.StatusReport
}

// JobSource reads jobs. *registry.Registry satisfies it.
type JobSource interface {
	ListByState(states ...domain.JobState) []domain.Job
	All() []domain.Job
	Find(ref string) (domain.Job, error)
}

// ScheduleSource lists scheduler entries.
type ScheduleSource interface {
	Entries(now time.Time) []scheduler.EntryInfo
}

// AccountSource lists stored credentials without tokens.
type AccountSource interface {
	Accounts(ctx context.Context) ([]credentials.AccountStatus, error)
}

type App struct {
	Status   StatusSource
	Jobs     JobSource
	Schedule ScheduleSource
	Accounts AccountSource
	Now      func() time.Time
}

func (a *App) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, msg string) {
	a.json(w, code, map[string]string{"error": msg})
}
