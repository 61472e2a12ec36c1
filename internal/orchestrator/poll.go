package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alexfaker/autoGenVideo/internal/domain"
	"github.com/alexfaker/autoGenVideo/internal/gateway"
	"github.com/alexfaker/autoGenVideo/internal/providers/vidu"
)

// SweepReport summarises one sweep.
type SweepReport struct {
	Polled     int      `json:"polled"`
	Completed  int      `json:"completed"`
	Requeued   int      `json:"requeued"`
	Failed     int      `json:"failed"`
	Downloaded int      `json:"downloaded"`
	Admitted   int      `json:"admitted"`
	Errors     []string `json:"errors,omitempty"`
}

type sweepState struct {
	mu      sync.Mutex
	report  SweepReport
	blocked map[string]bool
}

func (s *sweepState) add(f func(r *SweepReport)) {
	s.mu.Lock()
	f(&s.report)
	s.mu.Unlock()
}

func (s *sweepState) block(account string) {
	s.mu.Lock()
	s.blocked[account] = true
	s.mu.Unlock()
}

func (s *sweepState) isBlocked(account string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked[account]
}

// Sweep polls every pending job, then admits queued jobs. Polls run with
// bounded concurrency; cancelling ctx lets in-flight calls finish and
// starts no new ones.
func (o *Orchestrator) Sweep(ctx context.Context) (SweepReport, error) {
	st := &sweepState{blocked: make(map[string]bool)}

	var g errgroup.Group
	g.SetLimit(o.maxConcurrent)
	for _, job := range o.reg.ListByState(domain.JobStatePending) {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil || st.isBlocked(job.AccountID) {
				return nil
			}
			o.poll(ctx, job, st)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return st.report, err
	}

	admitted, err := o.Admit(ctx)
	st.report.Admitted = admitted
	o.logger.Info().
		Int("polled", st.report.Polled).
		Int("completed", st.report.Completed).
		Int("requeued", st.report.Requeued).
		Int("failed", st.report.Failed).
		Int("admitted", admitted).
		Msg("sweep finished")
	return st.report, err
}

func (o *Orchestrator) poll(ctx context.Context, job domain.Job, st *sweepState) {
	corr := job.CorrelationID
	var status *vidu.TaskStatus
	var result string
	_, err := o.gw.Execute(ctx, gateway.Operation{
		Kind:       gateway.OpPollStatus,
		AccountID:  job.AccountID,
		MaxRetries: gateway.DefaultRetries,
		Call: func(ctx context.Context, cred *domain.Credential) error {
			s, err := o.remote.TaskState(ctx, token(cred), job.JobID)
			if err != nil {
				return err
			}
			if s.State == vidu.RemoteSuccess {
				url, err := o.remote.TaskResult(ctx, token(cred), job.JobID)
				if err != nil {
					return err
				}
				result = url
			}
			status = s
			return nil
		},
	})
	st.add(func(r *SweepReport) { r.Polled++ })
	wctx := context.WithoutCancel(ctx)

	if err != nil {
		switch {
		case gateway.IsCanceled(err):
			return
		case errors.Is(err, domain.ErrAuthRequired):
			st.block(job.AccountID)
			_, err2 := o.reg.TouchPolled(wctx, corr, err.Error())
			o.recordErr(st, corr, errors.Join(err, err2))
		case errors.Is(err, domain.ErrRetryable):
			// One attempt per poll that gave up after its own retries.
			next, err2 := o.reg.MarkPollFailure(wctx, corr, 1, err, o.maxAttempts)
			o.recordErr(st, corr, errors.Join(err, err2))
			if err2 == nil && next.State == domain.JobStateFailed {
				st.add(func(r *SweepReport) { r.Failed++ })
			}
		default:
			if _, err2 := o.reg.MarkFailed(wctx, corr, err, false); err2 != nil {
				o.recordErr(st, corr, err2)
				return
			}
			st.add(func(r *SweepReport) { r.Failed++ })
		}
		return
	}

	switch status.State {
	case vidu.RemoteRunning:
		if _, err := o.reg.TouchPolled(wctx, corr, ""); err != nil {
			o.recordErr(st, corr, err)
		}
	case vidu.RemoteSuccess:
		done, err := o.reg.MarkCompleted(wctx, corr, result)
		if err != nil {
			o.recordErr(st, corr, err)
			return
		}
		st.add(func(r *SweepReport) { r.Completed++ })
		if o.download(ctx, done) {
			st.add(func(r *SweepReport) { r.Downloaded++ })
		}
	case vidu.RemoteFailure:
		cause := fmt.Errorf("remote job %s ended %s", job.JobID, status.RawState)
		if status.ErrCode != "" {
			cause = fmt.Errorf("%w (%s)", cause, status.ErrCode)
		}
		next, err := o.reg.MarkRetry(wctx, corr, 1, cause, o.maxAttempts)
		if err != nil {
			o.recordErr(st, corr, err)
			return
		}
		if next.State == domain.JobStateFailed {
			st.add(func(r *SweepReport) { r.Failed++ })
		} else {
			st.add(func(r *SweepReport) { r.Requeued++ })
		}
	}
}

func (o *Orchestrator) recordErr(st *sweepState, corr string, err error) {
	if err == nil {
		return
	}
	o.logger.Warn().Err(err).Str("job", corr).Msg("poll")
	st.add(func(r *SweepReport) { r.Errors = append(r.Errors, corr+": "+err.Error()) })
}

// download fetches the result of a completed job, at most maxDownloads at
// a time. Failures are recorded on the job, which stays completed.
func (o *Orchestrator) download(ctx context.Context, job domain.Job) bool {
	if o.fetcher == nil {
		return false
	}
	select {
	case o.dlSem <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	defer func() { <-o.dlSem }()

	key := "video_" + job.Ref() + ".mp4"
	var path string
	_, err := o.gw.Execute(ctx, gateway.Operation{
		Kind:       gateway.OpDownload,
		AccountID:  job.AccountID,
		MaxRetries: gateway.DefaultRetries,
		Call: func(ctx context.Context, _ *domain.Credential) error {
			d, err := o.fetcher.Download(ctx, job.ResultReference, key)
			if err != nil {
				return err
			}
			path = d.Path
			return nil
		},
	})
	wctx := context.WithoutCancel(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Str("job", job.CorrelationID).Msg("download failed")
		if _, rerr := o.reg.RecordDownloadError(wctx, job.CorrelationID, err); rerr != nil {
			o.logger.Error().Err(rerr).Str("job", job.CorrelationID).Msg("record download error")
		}
		return false
	}
	if _, err := o.reg.RecordDownload(wctx, job.CorrelationID, path); err != nil {
		o.logger.Error().Err(err).Str("job", job.CorrelationID).Msg("record download")
		return false
	}
	o.logger.Info().Str("job", job.CorrelationID).Str("path", path).Msg("video downloaded")
	return true
}
