package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/alexfaker/autoGenVideo/internal/domain"
	"github.com/alexfaker/autoGenVideo/internal/infra"
	"github.com/alexfaker/autoGenVideo/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobRepository backed by PostgreSQL.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewJobRepositoryPG creates a job repository executing through sql.
func NewJobRepositoryPG(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql}
}

// Insert stores a new job and assigns its insertion sequence.
func (r *JobRepositoryPG) Insert(ctx context.Context, job *domain.Job) error {
	input, err := encodeInput(job.Input)
	if err != nil {
		return err
	}
	settings, err := encodeSettings(job.Settings)
	if err != nil {
		return err
	}
	row := r.sql.QueryRow(ctx, sqlinline.QInsertJob,
		job.CorrelationID,
		job.JobID,
		job.AccountID,
		input,
		job.Prompt,
		settings,
		string(job.State),
		job.AttemptCount,
		job.LastError,
		job.Retryable,
		job.ResultReference,
		job.Generation,
		job.RedriveOf,
		job.DownloadPath,
		job.DownloadError,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
		utcPtr(job.SubmittedAt),
		utcPtr(job.LastPolledAt),
		utcPtr(job.CompletedAt),
		utcPtr(job.DownloadedAt),
	)
	if err := row.Scan(&job.Seq); err != nil {
		return fmt.Errorf("insert job %s: %w", job.CorrelationID, err)
	}
	return nil
}

// Update writes the mutable columns of job.
func (r *JobRepositoryPG) Update(ctx context.Context, job *domain.Job) error {
	input, err := encodeInput(job.Input)
	if err != nil {
		return err
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QUpdateJob,
		job.CorrelationID,
		job.JobID,
		input,
		string(job.State),
		job.AttemptCount,
		job.LastError,
		job.Retryable,
		job.ResultReference,
		job.DownloadPath,
		job.DownloadError,
		job.UpdatedAt.UTC(),
		utcPtr(job.SubmittedAt),
		utcPtr(job.LastPolledAt),
		utcPtr(job.CompletedAt),
		utcPtr(job.DownloadedAt),
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.CorrelationID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job %s: %w", job.CorrelationID, domain.ErrNotFound)
	}
	return nil
}

// Load returns every job in insertion order.
func (r *JobRepositoryPG) Load(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QSelectJobs)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var (
			job                 domain.Job
			state               string
			input, settings     []byte
			createdAt, updated  time.Time
			submitted, polled   *time.Time
			completed, download *time.Time
		)
		if err := rows.Scan(
			&job.Seq,
			&job.CorrelationID,
			&job.JobID,
			&job.AccountID,
			&input,
			&job.Prompt,
			&settings,
			&state,
			&job.AttemptCount,
			&job.LastError,
			&job.Retryable,
			&job.ResultReference,
			&job.Generation,
			&job.RedriveOf,
			&job.DownloadPath,
			&job.DownloadError,
			&createdAt,
			&updated,
			&submitted,
			&polled,
			&completed,
			&download,
		); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if err := decodeJobPayload(&job, state, input, settings); err != nil {
			return nil, err
		}
		job.CreatedAt = createdAt.UTC()
		job.UpdatedAt = updated.UTC()
		job.SubmittedAt = utcPtr(submitted)
		job.LastPolledAt = utcPtr(polled)
		job.CompletedAt = utcPtr(completed)
		job.DownloadedAt = utcPtr(download)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// Delete removes the given jobs.
func (r *JobRepositoryPG) Delete(ctx context.Context, correlationIDs []string) error {
	if len(correlationIDs) == 0 {
		return nil
	}
	if _, err := r.sql.Exec(ctx, sqlinline.QDeleteJobs, correlationIDs); err != nil {
		return fmt.Errorf("delete jobs: %w", err)
	}
	return nil
}

// MigratePG creates the postgres schema when missing.
func MigratePG(ctx context.Context, sql infra.SQLExecutor) error {
	if _, err := sql.Exec(ctx, sqlinline.QPGCreateSchema); err != nil {
		return fmt.Errorf("migrate postgres schema: %w", err)
	}
	return nil
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
