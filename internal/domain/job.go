package domain

import (
	"fmt"
	"time"

	"github.com/alexfaker/autoGenVideo/internal/domain/jsoncfg"
)

// JobState enumerates job lifecycle states.
type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateSubmitting JobState = "submitting"
	JobStatePending    JobState = "pending"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
)

// AllJobStates lists states in lifecycle order.
var AllJobStates = []JobState{JobStateQueued, JobStateSubmitting, JobStatePending, JobStateCompleted, JobStateFailed}

var jobTransitions = map[JobState][]JobState{
	JobStateQueued:     {JobStateSubmitting, JobStateFailed},
	JobStateSubmitting: {JobStatePending, JobStateQueued, JobStateFailed},
	JobStatePending:    {JobStatePending, JobStateCompleted, JobStateQueued, JobStateFailed},
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to JobState) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Active reports whether a job in s counts against the concurrency budget.
func (s JobState) Active() bool {
	return s == JobStateSubmitting || s == JobStatePending
}

// ParseJobState validates a persisted or user supplied state name.
func ParseJobState(v string) (JobState, error) {
	for _, s := range AllJobStates {
		if string(s) == v {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown job state %q", v)
}

// ImageRef is the normalized image descriptor produced by preprocessing.
type ImageRef struct {
	Path         string `json:"path"`
	OriginalPath string `json:"original_path"`
	MIME         string `json:"mime"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Size         int64  `json:"size"`
	SHA256       string `json:"sha256"`
	AspectRatio  string `json:"aspect_ratio"`
	UploadID     string `json:"upload_id,omitempty"`
}

// Job encapsulates the lifecycle of one image-to-video generation.
type Job struct {
	Seq             int64
	CorrelationID   string
	JobID           string
	AccountID       string
	Input           ImageRef
	Prompt          string
	Settings        jsoncfg.TaskSettings
	State           JobState
	AttemptCount    int
	LastError       string
	Retryable       bool
	ResultReference string
	Generation      int
	RedriveOf       string
	DownloadPath    string
	DownloadError   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	SubmittedAt     *time.Time
	LastPolledAt    *time.Time
	CompletedAt     *time.Time
	DownloadedAt    *time.Time
}

// Ref returns the most specific identifier known for the job.
func (j Job) Ref() string {
	if j.JobID != "" {
		return j.JobID
	}
	return j.CorrelationID
}

// Downloaded reports whether the result has been fetched and verified.
func (j Job) Downloaded() bool {
	return j.DownloadedAt != nil
}
