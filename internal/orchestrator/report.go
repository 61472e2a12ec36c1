package orchestrator

import (
	"time"

	"github.com/alexfaker/autoGenVideo/internal/domain"
)

// JobSummary is the reporting view of a job.
type JobSummary struct {
	CorrelationID string          `json:"correlation_id"`
	JobID         string          `json:"job_id,omitempty"`
	AccountID     string          `json:"account_id"`
	State         domain.JobState `json:"state"`
	Attempts      int             `json:"attempt_count"`
	LastError     string          `json:"last_error,omitempty"`
	Retryable     bool            `json:"retryable"`
	Result        string          `json:"result_reference,omitempty"`
	DownloadPath  string          `json:"download_path,omitempty"`
	DownloadError string          `json:"download_error,omitempty"`
	Generation    int             `json:"generation"`
	RedriveOf     string          `json:"redrive_of,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Summarize converts a job to its reporting view.
func Summarize(j domain.Job) JobSummary {
	return JobSummary{
		CorrelationID: j.CorrelationID,
		JobID:         j.JobID,
		AccountID:     j.AccountID,
		State:         j.State,
		Attempts:      j.AttemptCount,
		LastError:     j.LastError,
		Retryable:     j.Retryable,
		Result:        j.ResultReference,
		DownloadPath:  j.DownloadPath,
		DownloadError: j.DownloadError,
		Generation:    j.Generation,
		RedriveOf:     j.RedriveOf,
		UpdatedAt:     j.UpdatedAt,
	}
}

// StatusReport is the engine snapshot shown by the status command and API.
type StatusReport struct {
	GeneratedAt    time.Time               `json:"generated_at"`
	Counts         map[domain.JobState]int `json:"counts"`
	Active         int                     `json:"active"`
	MaxConcurrent  int                     `json:"max_concurrent"`
	OffPeak        bool                    `json:"off_peak"`
	RequireOffPeak bool                    `json:"require_off_peak"`
	NextOffPeak    *time.Time              `json:"next_off_peak,omitempty"`
	Undownloaded   int                     `json:"undownloaded"`
	RecentFailures []JobSummary            `json:"recent_failures,omitempty"`
}

const recentFailureLimit = 10

// Report builds a status snapshot without any remote call.
func (o *Orchestrator) Report() StatusReport {
	now := o.now()
	rep := StatusReport{
		GeneratedAt:    now.UTC(),
		Counts:         o.reg.Counts(),
		Active:         o.reg.ActiveCount(),
		MaxConcurrent:  o.maxConcurrent,
		OffPeak:        o.pacing.IsOffPeak(now),
		RequireOffPeak: o.pacing.RequiresOffPeak(),
	}
	if !rep.OffPeak {
		if next := o.pacing.NextOffPeak(now); !next.IsZero() {
			rep.NextOffPeak = &next
		}
	}
	for _, j := range o.reg.ListByState(domain.JobStateCompleted) {
		if !j.Downloaded() {
			rep.Undownloaded++
		}
	}
	failed := o.reg.ListByState(domain.JobStateFailed)
	for i := len(failed) - 1; i >= 0 && len(rep.RecentFailures) < recentFailureLimit; i-- {
		rep.RecentFailures = append(rep.RecentFailures, Summarize(failed[i]))
	}
	return rep
}
