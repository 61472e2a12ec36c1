// Package registry is the durable record of every job and the only place job
// state changes. Each transition is validated against the job state machine,
// persisted, and only then made visible, all under one lock.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alexfaker/autoGenVideo/internal/domain"
	"github.com/alexfaker/autoGenVideo/internal/domain/jsoncfg"
	"github.com/alexfaker/autoGenVideo/internal/infra"
)

// Registry indexes jobs in memory and writes every change through to repo.
type Registry struct {
	mu      sync.Mutex
	repo    domain.JobRepository
	logger  infra.Logger
	now     func() time.Time
	order   []*domain.Job
	byCorr  map[string]*domain.Job
	byJobID map[string]*domain.Job
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New loads the persisted jobs. Jobs found in submitting were interrupted
// mid-call by a previous process and go back to queued.
func New(ctx context.Context, repo domain.JobRepository, logger infra.Logger, opts ...Option) (*Registry, error) {
	r := &Registry{
		repo:    repo,
		logger:  infra.Component(logger, "registry"),
		now:     time.Now,
		byCorr:  make(map[string]*domain.Job),
		byJobID: make(map[string]*domain.Job),
	}
	for _, opt := range opts {
		opt(r)
	}

	jobs, err := repo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: load: %w", err)
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].Seq < jobs[j].Seq })
	for i := range jobs {
		r.index(&jobs[i])
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.order {
		if j.State != domain.JobStateSubmitting {
			continue
		}
		if _, err := r.applyLocked(ctx, j.CorrelationID, domain.JobStateQueued, func(next *domain.Job) error {
			next.LastError = "submission interrupted by restart"
			next.Retryable = true
			return nil
		}); err != nil {
			return nil, err
		}
		r.logger.Warn().Str("job", j.CorrelationID).Msg("requeued interrupted submission")
	}
	return r, nil
}

func (r *Registry) index(j *domain.Job) {
	r.order = append(r.order, j)
	r.byCorr[j.CorrelationID] = j
	if j.JobID != "" {
		r.byJobID[j.JobID] = j
	}
}

// EnqueueRequest describes a new job.
type EnqueueRequest struct {
	CorrelationID string
	AccountID     string
	Input         domain.ImageRef
	Prompt        string
	Settings      jsoncfg.TaskSettings
	RedriveOf     string
	Generation    int
}

// Enqueue creates a job in queued. A missing correlation id is generated.
func (r *Registry) Enqueue(ctx context.Context, req EnqueueRequest) (domain.Job, error) {
	if req.AccountID == "" {
		return domain.Job{}, errors.New("registry: account id is required")
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enqueueLocked(ctx, req)
}

func (r *Registry) enqueueLocked(ctx context.Context, req EnqueueRequest) (domain.Job, error) {
	if _, exists := r.byCorr[req.CorrelationID]; exists {
		return domain.Job{}, fmt.Errorf("registry: correlation id %s already exists", req.CorrelationID)
	}
	now := r.now().UTC()
	job := &domain.Job{
		CorrelationID: req.CorrelationID,
		AccountID:     req.AccountID,
		Input:         req.Input,
		Prompt:        req.Prompt,
		Settings:      req.Settings,
		State:         domain.JobStateQueued,
		RedriveOf:     req.RedriveOf,
		Generation:    req.Generation,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.repo.Insert(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("registry: enqueue: %w", err)
	}
	r.index(job)
	r.logger.Info().Str("job", job.CorrelationID).Str("account", job.AccountID).Msg("job queued")
	return *job, nil
}

// MarkSubmitting admits a queued job when fewer than maxActive jobs are in
// submitting or pending. maxActive <= 0 disables the check.
func (r *Registry) MarkSubmitting(ctx context.Context, ref string, maxActive int) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if maxActive > 0 && r.activeLocked() >= maxActive {
		return domain.Job{}, domain.ErrConcurrencyLimit
	}
	return r.applyLocked(ctx, ref, domain.JobStateSubmitting, func(*domain.Job) error { return nil })
}

// MarkPending records the remote job id after a successful submission.
// failures are the transient failures absorbed while submitting.
func (r *Registry) MarkPending(ctx context.Context, ref, jobID string, failures int) (domain.Job, error) {
	if jobID == "" {
		return domain.Job{}, errors.New("registry: remote job id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if other, ok := r.byJobID[jobID]; ok && other.CorrelationID != r.corrOf(ref) {
		return domain.Job{}, fmt.Errorf("registry: job id %s already assigned to %s", jobID, other.CorrelationID)
	}
	return r.applyLocked(ctx, ref, domain.JobStatePending, func(next *domain.Job) error {
		if next.State != domain.JobStateSubmitting {
			return fmt.Errorf("%w: %s is %s, not submitting", domain.ErrInvalidTransition, next.CorrelationID, next.State)
		}
		now := r.now().UTC()
		next.JobID = jobID
		next.AttemptCount += failures
		next.LastError = ""
		next.Retryable = false
		next.SubmittedAt = &now
		return nil
	})
}

// TouchPolled notes a poll that found the job still running. note, when
// set, records a transient poll failure without changing state.
func (r *Registry) TouchPolled(ctx context.Context, ref, note string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(ctx, ref, domain.JobStatePending, func(next *domain.Job) error {
		if next.State != domain.JobStatePending {
			return fmt.Errorf("%w: %s is %s, not pending", domain.ErrInvalidTransition, next.CorrelationID, next.State)
		}
		now := r.now().UTC()
		next.LastPolledAt = &now
		next.LastError = note
		return nil
	})
}

// MarkPollFailure charges failures to a pending job whose status check gave
// up. The job stays pending while attempt_count is within maxAttempts and
// fails, still retryable, once it goes over.
func (r *Registry) MarkPollFailure(ctx context.Context, ref string, failures int, cause error, maxAttempts int) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.lookup(ref)
	if !ok {
		return domain.Job{}, fmt.Errorf("registry: %s: %w", ref, domain.ErrNotFound)
	}
	target := domain.JobStatePending
	if cur.AttemptCount+failures > maxAttempts {
		target = domain.JobStateFailed
	}
	return r.applyLocked(ctx, ref, target, func(next *domain.Job) error {
		if next.State != domain.JobStatePending {
			return fmt.Errorf("%w: %s is %s, not pending", domain.ErrInvalidTransition, next.CorrelationID, next.State)
		}
		now := r.now().UTC()
		next.LastPolledAt = &now
		next.AttemptCount += failures
		next.LastError = errText(cause)
		next.Retryable = true
		return nil
	})
}

// MarkCompleted records the result reference of a finished job.
func (r *Registry) MarkCompleted(ctx context.Context, ref, resultRef string) (domain.Job, error) {
	if resultRef == "" {
		return domain.Job{}, errors.New("registry: result reference is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(ctx, ref, domain.JobStateCompleted, func(next *domain.Job) error {
		now := r.now().UTC()
		next.ResultReference = resultRef
		next.LastPolledAt = &now
		next.CompletedAt = &now
		next.LastError = ""
		return nil
	})
}

// MarkRetry charges failures to the job and sends it back to queued, or to
// failed once the attempt count exceeds maxAttempts. failures may be zero
// to requeue without charging an attempt.
func (r *Registry) MarkRetry(ctx context.Context, ref string, failures int, cause error, maxAttempts int) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.lookup(ref)
	if !ok {
		return domain.Job{}, fmt.Errorf("registry: %s: %w", ref, domain.ErrNotFound)
	}
	target := domain.JobStateQueued
	if cur.AttemptCount+failures > maxAttempts {
		target = domain.JobStateFailed
	}
	return r.applyLocked(ctx, ref, target, func(next *domain.Job) error {
		if !next.State.Active() {
			return fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, next.CorrelationID, next.State)
		}
		next.AttemptCount += failures
		next.LastError = errText(cause)
		next.Retryable = true
		if target == domain.JobStateQueued {
			next.JobID = ""
			next.ResultReference = ""
		}
		return nil
	})
}

// MarkFailed moves a job to failed with cause recorded.
func (r *Registry) MarkFailed(ctx context.Context, ref string, cause error, retryable bool) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(ctx, ref, domain.JobStateFailed, func(next *domain.Job) error {
		next.LastError = errText(cause)
		next.Retryable = retryable
		return nil
	})
}

// AttachUpload stores the remote upload id so retries skip the upload.
func (r *Registry) AttachUpload(ctx context.Context, ref, uploadID string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.annotateLocked(ctx, ref, func(next *domain.Job) error {
		if next.State.Terminal() {
			return fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, next.CorrelationID, next.State)
		}
		next.Input.UploadID = uploadID
		return nil
	})
}

// RecordDownload marks the result of a completed job as fetched to path.
func (r *Registry) RecordDownload(ctx context.Context, ref, path string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.annotateLocked(ctx, ref, func(next *domain.Job) error {
		if next.State != domain.JobStateCompleted {
			return fmt.Errorf("%w: %s is %s, not completed", domain.ErrInvalidTransition, next.CorrelationID, next.State)
		}
		now := r.now().UTC()
		next.DownloadPath = path
		next.DownloadError = ""
		next.DownloadedAt = &now
		return nil
	})
}

// RecordDownloadError keeps the job completed and notes why the fetch failed.
func (r *Registry) RecordDownloadError(ctx context.Context, ref string, cause error) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.annotateLocked(ctx, ref, func(next *domain.Job) error {
		if next.State != domain.JobStateCompleted {
			return fmt.Errorf("%w: %s is %s, not completed", domain.ErrInvalidTransition, next.CorrelationID, next.State)
		}
		next.DownloadError = errText(cause)
		return nil
	})
}

// Redrive enqueues a fresh job copying a failed, retryable job. The failed
// record stays failed. maxRedrives bounds the redrive chain length.
func (r *Registry) Redrive(ctx context.Context, ref string, maxRedrives int) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.lookup(ref)
	if !ok {
		return domain.Job{}, fmt.Errorf("registry: %s: %w", ref, domain.ErrNotFound)
	}
	if !r.redrivableLocked(src, maxRedrives) {
		return domain.Job{}, fmt.Errorf("%w: %s is not eligible for redrive", domain.ErrInvalidTransition, src.CorrelationID)
	}
	input := src.Input
	input.UploadID = ""
	return r.enqueueLocked(ctx, EnqueueRequest{
		CorrelationID: uuid.NewString(),
		AccountID:     src.AccountID,
		Input:         input,
		Prompt:        src.Prompt,
		Settings:      src.Settings,
		RedriveOf:     src.CorrelationID,
		Generation:    src.Generation + 1,
	})
}

// Redrivable lists failed jobs a nightly sweep may redrive.
func (r *Registry) Redrivable(maxRedrives int) []domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Job
	for _, j := range r.order {
		if r.redrivableLocked(j, maxRedrives) {
			out = append(out, *j)
		}
	}
	return out
}

func (r *Registry) redrivableLocked(j *domain.Job, maxRedrives int) bool {
	if j.State != domain.JobStateFailed || !j.Retryable || j.Generation >= maxRedrives {
		return false
	}
	for _, other := range r.order {
		if other.RedriveOf == j.CorrelationID {
			return false
		}
	}
	return true
}

// ListByState returns copies of the jobs in any of states, in insertion order.
func (r *Registry) ListByState(states ...domain.JobState) []domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Job
	for _, j := range r.order {
		for _, s := range states {
			if j.State == s {
				out = append(out, *j)
				break
			}
		}
	}
	return out
}

// All returns copies of every job in insertion order.
func (r *Registry) All() []domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Job, 0, len(r.order))
	for _, j := range r.order {
		out = append(out, *j)
	}
	return out
}

// Find resolves ref as a remote job id first, then as a correlation id.
func (r *Registry) Find(ref string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.lookup(ref)
	if !ok {
		return domain.Job{}, fmt.Errorf("registry: %s: %w", ref, domain.ErrNotFound)
	}
	return *j, nil
}

// Counts tallies jobs per state.
func (r *Registry) Counts() map[domain.JobState]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.JobState]int, len(domain.AllJobStates))
	for _, s := range domain.AllJobStates {
		out[s] = 0
	}
	for _, j := range r.order {
		out[j.State]++
	}
	return out
}

// ActiveCount is the number of jobs holding a concurrency slot.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, j := range r.order {
		if j.State.Active() {
			n++
		}
	}
	return n
}

// PurgePolicy selects terminal jobs to remove.
type PurgePolicy struct {
	// Before is compared with the job's last update.
	Before time.Time
	// IncludeFailed allows failed jobs to be purged; they are kept otherwise.
	IncludeFailed bool
	// KeepUndownloaded keeps completed jobs whose result was never fetched.
	KeepUndownloaded bool
}

// Purge removes terminal jobs matched by p and returns them.
func (r *Registry) Purge(ctx context.Context, p PurgePolicy) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var victims []domain.Job
	for _, j := range r.order {
		if !j.UpdatedAt.Before(p.Before) {
			continue
		}
		switch j.State {
		case domain.JobStateCompleted:
			if p.KeepUndownloaded && !j.Downloaded() {
				continue
			}
		case domain.JobStateFailed:
			if !p.IncludeFailed {
				continue
			}
		default:
			continue
		}
		victims = append(victims, *j)
	}
	if len(victims) == 0 {
		return nil, nil
	}

	ids := make([]string, len(victims))
	drop := make(map[string]struct{}, len(victims))
	for i, v := range victims {
		ids[i] = v.CorrelationID
		drop[v.CorrelationID] = struct{}{}
	}
	if err := r.repo.Delete(ctx, ids); err != nil {
		return nil, fmt.Errorf("registry: purge: %w", err)
	}

	kept := r.order[:0]
	for _, j := range r.order {
		if _, ok := drop[j.CorrelationID]; ok {
			delete(r.byCorr, j.CorrelationID)
			if j.JobID != "" {
				delete(r.byJobID, j.JobID)
			}
			continue
		}
		kept = append(kept, j)
	}
	r.order = kept
	r.logger.Info().Int("purged", len(victims)).Msg("purged terminal jobs")
	return victims, nil
}

func (r *Registry) lookup(ref string) (*domain.Job, bool) {
	if j, ok := r.byJobID[ref]; ok {
		return j, true
	}
	j, ok := r.byCorr[ref]
	return j, ok
}

func (r *Registry) corrOf(ref string) string {
	if j, ok := r.lookup(ref); ok {
		return j.CorrelationID
	}
	return ""
}

// applyLocked validates cur -> to, applies mutate to a copy, persists the
// copy and then swaps it in. On any error the in-memory job is untouched.
func (r *Registry) applyLocked(ctx context.Context, ref string, to domain.JobState, mutate func(*domain.Job) error) (domain.Job, error) {
	cur, ok := r.lookup(ref)
	if !ok {
		return domain.Job{}, fmt.Errorf("registry: %s: %w", ref, domain.ErrNotFound)
	}
	if !domain.CanTransition(cur.State, to) {
		return domain.Job{}, fmt.Errorf("%w: %s %s -> %s", domain.ErrInvalidTransition, cur.CorrelationID, cur.State, to)
	}
	next := *cur
	if err := mutate(&next); err != nil {
		return domain.Job{}, err
	}
	from := next.State
	next.State = to
	if err := r.commitLocked(ctx, cur, &next); err != nil {
		return domain.Job{}, err
	}
	if from != to {
		r.logger.Info().
			Str("job", next.CorrelationID).
			Str("remote_id", next.JobID).
			Str("from", string(from)).
			Str("to", string(to)).
			Int("attempts", next.AttemptCount).
			Msg("job transition")
	}
	return next, nil
}

func (r *Registry) annotateLocked(ctx context.Context, ref string, mutate func(*domain.Job) error) (domain.Job, error) {
	cur, ok := r.lookup(ref)
	if !ok {
		return domain.Job{}, fmt.Errorf("registry: %s: %w", ref, domain.ErrNotFound)
	}
	next := *cur
	if err := mutate(&next); err != nil {
		return domain.Job{}, err
	}
	if err := r.commitLocked(ctx, cur, &next); err != nil {
		return domain.Job{}, err
	}
	return next, nil
}

func (r *Registry) commitLocked(ctx context.Context, cur, next *domain.Job) error {
	next.UpdatedAt = r.now().UTC()
	if err := r.repo.Update(ctx, next); err != nil {
		return fmt.Errorf("registry: persist %s: %w", next.CorrelationID, err)
	}
	if cur.JobID != "" && cur.JobID != next.JobID {
		delete(r.byJobID, cur.JobID)
	}
	*cur = *next
	if cur.JobID != "" {
		r.byJobID[cur.JobID] = cur
	}
	return nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
