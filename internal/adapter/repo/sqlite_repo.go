package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alexfaker/autoGenVideo/internal/domain"
	"github.com/alexfaker/autoGenVideo/internal/infra"
	"github.com/alexfaker/autoGenVideo/internal/sqlinline"
)

// SQLiteStore implements both repositories over the embedded database.
type SQLiteStore struct {
	run *infra.SQLiteRunner
}

// NewSQLiteStore wraps runner; call Migrate before first use.
func NewSQLiteStore(runner *infra.SQLiteRunner) *SQLiteStore {
	return &SQLiteStore{run: runner}
}

// Migrate creates the schema when missing.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.run.ExecContext(ctx, sqlinline.QSQLiteCreateSchema); err != nil {
		return fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return nil
}

// Jobs exposes the job repository view.
func (s *SQLiteStore) Jobs() domain.JobRepository { return sqliteJobs{s} }

// Credentials exposes the credential repository view.
func (s *SQLiteStore) Credentials() domain.CredentialRepository { return sqliteCredentials{s} }

type sqliteJobs struct{ s *SQLiteStore }

func (r sqliteJobs) Insert(ctx context.Context, job *domain.Job) error {
	input, err := encodeInput(job.Input)
	if err != nil {
		return err
	}
	settings, err := encodeSettings(job.Settings)
	if err != nil {
		return err
	}
	res, err := r.s.run.ExecContext(ctx, sqlinline.QSQLiteInsertJob,
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
		nullTime(job.SubmittedAt),
		nullTime(job.LastPolledAt),
		nullTime(job.CompletedAt),
		nullTime(job.DownloadedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.CorrelationID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.CorrelationID, err)
	}
	job.Seq = seq
	return nil
}

func (r sqliteJobs) Update(ctx context.Context, job *domain.Job) error {
	input, err := encodeInput(job.Input)
	if err != nil {
		return err
	}
	res, err := r.s.run.ExecContext(ctx, sqlinline.QSQLiteUpdateJob,
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
		nullTime(job.SubmittedAt),
		nullTime(job.LastPolledAt),
		nullTime(job.CompletedAt),
		nullTime(job.DownloadedAt),
		job.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.CorrelationID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update job %s: %w", job.CorrelationID, domain.ErrNotFound)
	}
	return nil
}

func (r sqliteJobs) Load(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.s.run.QueryContext(ctx, sqlinline.QSQLiteSelectJobs)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var (
			job                 domain.Job
			state               string
			input, settings     string
			createdAt, updated  time.Time
			submitted, polled   sql.NullTime
			completed, download sql.NullTime
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
		if err := decodeJobPayload(&job, state, []byte(input), []byte(settings)); err != nil {
			return nil, err
		}
		job.CreatedAt = createdAt.UTC()
		job.UpdatedAt = updated.UTC()
		job.SubmittedAt = timePtr(submitted)
		job.LastPolledAt = timePtr(polled)
		job.CompletedAt = timePtr(completed)
		job.DownloadedAt = timePtr(download)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func (r sqliteJobs) Delete(ctx context.Context, correlationIDs []string) error {
	for _, id := range correlationIDs {
		if _, err := r.s.run.ExecContext(ctx, sqlinline.QSQLiteDeleteJob, id); err != nil {
			return fmt.Errorf("delete job %s: %w", id, err)
		}
	}
	return nil
}

type sqliteCredentials struct{ s *SQLiteStore }

func (r sqliteCredentials) Get(ctx context.Context, accountID string) (*domain.SealedCredential, error) {
	row, err := r.s.run.QueryRowContext(ctx, sqlinline.QSQLiteSelectCredential, accountID)
	if err != nil {
		return nil, err
	}
	var c domain.SealedCredential
	if err := row.Scan(&c.AccountID, &c.Sealed, &c.ExpiresAt, &c.UpdatedAt); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("select credential %s: %w", accountID, err)
	}
	return &c, nil
}

func (r sqliteCredentials) Put(ctx context.Context, c domain.SealedCredential) error {
	if _, err := r.s.run.ExecContext(ctx, sqlinline.QSQLiteUpsertCredential, c.AccountID, c.Sealed, c.ExpiresAt.UTC(), c.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("upsert credential %s: %w", c.AccountID, err)
	}
	return nil
}

func (r sqliteCredentials) Delete(ctx context.Context, accountID string) error {
	if _, err := r.s.run.ExecContext(ctx, sqlinline.QSQLiteDeleteCredential, accountID); err != nil {
		return fmt.Errorf("delete credential %s: %w", accountID, err)
	}
	return nil
}

func (r sqliteCredentials) List(ctx context.Context) ([]domain.SealedCredential, error) {
	rows, err := r.s.run.QueryContext(ctx, sqlinline.QSQLiteSelectCredentials)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []domain.SealedCredential
	for rows.Next() {
		var c domain.SealedCredential
		if err := rows.Scan(&c.AccountID, &c.Sealed, &c.ExpiresAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
