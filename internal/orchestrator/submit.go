package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alexfaker/autoGenVideo/internal/domain"
	"github.com/alexfaker/autoGenVideo/internal/domain/jsoncfg"
	"github.com/alexfaker/autoGenVideo/internal/gateway"
	"github.com/alexfaker/autoGenVideo/internal/imageprep"
	"github.com/alexfaker/autoGenVideo/internal/prompt"
	"github.com/alexfaker/autoGenVideo/internal/providers/vidu"
	"github.com/alexfaker/autoGenVideo/internal/registry"
)

// SubmitRequest asks for one image-to-video job.
type SubmitRequest struct {
	AccountID     string
	ImagePath     string
	Prompt        string
	CorrelationID string
	// Settings overrides the configured defaults when non-nil.
	Settings *jsoncfg.TaskSettings
	// NormalMode submits at full price instead of the off-peak schedule.
	NormalMode bool
}

// Submit records a job and tries to admit it right away. The returned job
// stays queued when the off-peak gate is closed or the concurrency budget
// is spent. An image that fails preprocessing yields a failed job.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (domain.Job, error) {
	job, err := o.enqueue(ctx, req)
	if err != nil {
		return job, err
	}
	if job.State != domain.JobStateQueued {
		return job, nil
	}
	if _, err := o.Admit(ctx); err != nil && !gateway.IsCanceled(err) {
		o.logger.Warn().Err(err).Str("job", job.CorrelationID).Msg("admission after submit failed")
	}
	return o.reg.Find(job.CorrelationID)
}

func (o *Orchestrator) enqueue(ctx context.Context, req SubmitRequest) (domain.Job, error) {
	if strings.TrimSpace(req.AccountID) == "" {
		return domain.Job{}, errors.New("orchestrator: account id is required")
	}
	text, err := prompt.Normalize(req.Prompt)
	if err != nil {
		return domain.Job{}, err
	}
	settings := o.settings
	if req.Settings != nil {
		settings = *req.Settings
	}

	var ref domain.ImageRef
	var prepErr error
	if o.images == nil {
		prepErr = errors.New("orchestrator: no image preparer configured")
	} else {
		ref, prepErr = o.images.Prepare(ctx, req.ImagePath)
	}
	if prepErr != nil && !errors.Is(prepErr, domain.ErrInvalidImage) {
		return domain.Job{}, prepErr
	}
	if prepErr == nil && settings.AspectRatio == "" {
		settings.AspectRatio = ref.AspectRatio
	}
	settings.Normalize(!req.NormalMode)
	if err := settings.Validate(); err != nil {
		return domain.Job{}, fmt.Errorf("orchestrator: settings: %w", err)
	}
	if prepErr != nil {
		ref = domain.ImageRef{OriginalPath: req.ImagePath}
	}

	job, err := o.reg.Enqueue(ctx, registry.EnqueueRequest{
		CorrelationID: req.CorrelationID,
		AccountID:     req.AccountID,
		Input:         ref,
		Prompt:        text,
		Settings:      settings,
	})
	if err != nil {
		return domain.Job{}, err
	}
	if prepErr != nil {
		return o.reg.MarkFailed(ctx, job.CorrelationID, prepErr, false)
	}
	return job, nil
}

// BatchRequest pairs the images of a directory with the lines of a prompt
// file in natural filename order.
type BatchRequest struct {
	AccountID   string
	ImageDir    string
	PromptsFile string
	Settings    *jsoncfg.TaskSettings
	NormalMode  bool
}

// BatchResult lists what a batch created.
type BatchResult struct {
	Jobs     []domain.Job
	Skipped  int
	Admitted int
	Errors   []string
}

// Batch enqueues one job per image/prompt pair and then runs one admission
// pass. Extra images or prompts beyond the shorter list are skipped.
func (o *Orchestrator) Batch(ctx context.Context, req BatchRequest) (BatchResult, error) {
	var res BatchResult
	images, err := imageprep.ScanDir(req.ImageDir)
	if err != nil {
		return res, err
	}
	if len(images) == 0 {
		return res, fmt.Errorf("orchestrator: no supported images in %s", req.ImageDir)
	}
	prompts, err := prompt.LoadFile(req.PromptsFile)
	if err != nil {
		return res, err
	}
	n := min(len(images), len(prompts))
	res.Skipped = max(len(images), len(prompts)) - n
	if res.Skipped > 0 {
		o.logger.Warn().Int("images", len(images)).Int("prompts", len(prompts)).Msg("batch counts differ; extra entries skipped")
	}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		job, err := o.enqueue(ctx, SubmitRequest{
			AccountID:  req.AccountID,
			ImagePath:  images[i],
			Prompt:     prompts[i],
			Settings:   req.Settings,
			NormalMode: req.NormalMode,
		})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", images[i], err))
			continue
		}
		res.Jobs = append(res.Jobs, job)
	}
	admitted, err := o.Admit(ctx)
	res.Admitted = admitted
	if err != nil && !gateway.IsCanceled(err) {
		res.Errors = append(res.Errors, err.Error())
	}
	return res, nil
}

// Admit walks queued jobs in insertion order and submits as many as the
// off-peak gate and the concurrency budget allow. Accounts without a
// usable credential are skipped for the rest of the pass.
func (o *Orchestrator) Admit(ctx context.Context) (int, error) {
	admitted := 0
	blocked := make(map[string]bool)
	for _, job := range o.reg.ListByState(domain.JobStateQueued) {
		if err := ctx.Err(); err != nil {
			return admitted, err
		}
		if blocked[job.AccountID] {
			continue
		}
		decision := o.pacing.Decide(o.now(), job.AccountID)
		if !decision.Allowed {
			o.logger.Info().Time("next_off_peak", o.pacing.NextOffPeak(o.now())).Msg("outside off-peak window; admission deferred")
			return admitted, nil
		}
		if o.reg.ActiveCount() >= o.maxConcurrent {
			return admitted, nil
		}
		if _, err := o.sessions.Get(ctx, job.AccountID); err != nil {
			if errors.Is(err, domain.ErrAuthRequired) {
				o.logger.Warn().Str("account", job.AccountID).Msg("login required; account skipped")
				blocked[job.AccountID] = true
				continue
			}
			return admitted, err
		}
		if _, err := o.reg.MarkSubmitting(ctx, job.CorrelationID, o.maxConcurrent); err != nil {
			if errors.Is(err, domain.ErrConcurrencyLimit) {
				return admitted, nil
			}
			return admitted, err
		}
		ok, err := o.submit(ctx, job)
		if ok {
			admitted++
		}
		if err != nil {
			if gateway.IsCanceled(err) {
				return admitted, err
			}
			if errors.Is(err, domain.ErrAuthRequired) {
				blocked[job.AccountID] = true
			}
		}
	}
	return admitted, nil
}

// submit runs upload and submit_job for a job already in submitting and
// applies the outcome. ok reports whether the job reached pending.
func (o *Orchestrator) submit(ctx context.Context, job domain.Job) (bool, error) {
	corr := job.CorrelationID
	budget := o.retryBudget(job)
	failures := 0

	uploadRef := ""
	if job.Input.UploadID != "" {
		uploadRef = vidu.Upload{ID: job.Input.UploadID}.Reference()
	} else {
		data, err := imageprep.Load(job.Input)
		if err != nil {
			_, ferr := o.reg.MarkFailed(ctx, corr, fmt.Errorf("%w: %v", domain.ErrInvalidImage, err), false)
			return false, errors.Join(err, ferr)
		}
		var up *vidu.Upload
		res, err := o.gw.Execute(ctx, gateway.Operation{
			Kind:       gateway.OpUpload,
			AccountID:  job.AccountID,
			MaxRetries: budget,
			Call: func(ctx context.Context, cred *domain.Credential) error {
				var err error
				up, err = o.remote.UploadImage(ctx, token(cred), vidu.UploadRequest{
					Data:   data,
					MIME:   job.Input.MIME,
					Width:  job.Input.Width,
					Height: job.Input.Height,
				})
				return err
			},
		})
		failures += res.Failures
		if err != nil {
			return false, o.submitFailed(ctx, corr, failures, err)
		}
		if _, err := o.reg.AttachUpload(ctx, corr, up.ID); err != nil {
			return false, err
		}
		uploadRef = up.Reference()
		budget = max(budget-res.Failures, 0)
	}

	var taskID string
	res, err := o.gw.Execute(ctx, gateway.Operation{
		Kind:       gateway.OpSubmitJob,
		AccountID:  job.AccountID,
		MaxRetries: budget,
		Call: func(ctx context.Context, cred *domain.Credential) error {
			var err error
			taskID, err = o.remote.SubmitTask(ctx, token(cred), vidu.TaskRequest{
				UploadRef: uploadRef,
				Prompt:    job.Prompt,
				Width:     job.Input.Width,
				Height:    job.Input.Height,
				Settings:  job.Settings,
			})
			return err
		},
	})
	failures += res.Failures
	if err != nil {
		return false, o.submitFailed(ctx, corr, failures, err)
	}
	if _, err := o.reg.MarkPending(ctx, corr, taskID, failures); err != nil {
		return false, err
	}
	return true, nil
}

// submitFailed applies the retry rule to a job stuck in submitting and
// returns the original cause.
func (o *Orchestrator) submitFailed(ctx context.Context, corr string, failures int, cause error) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	switch {
	case errors.Is(cause, domain.ErrAuthRequired), gateway.IsCanceled(cause):
		_, err = o.reg.MarkRetry(ctx, corr, 0, cause, o.maxAttempts)
	case errors.Is(cause, domain.ErrRetryable):
		_, err = o.reg.MarkRetry(ctx, corr, failures, cause, o.maxAttempts)
	default:
		_, err = o.reg.MarkFailed(ctx, corr, cause, false)
	}
	if err != nil {
		o.logger.Error().Err(err).Str("job", corr).Msg("record submission failure")
		return errors.Join(cause, err)
	}
	return cause
}
