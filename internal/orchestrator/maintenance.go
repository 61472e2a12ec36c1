package orchestrator

import (
	"context"
	"os"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/alexfaker/autoGenVideo/internal/domain"
	"github.com/alexfaker/autoGenVideo/internal/registry"
)

// BacklogReport summarises a nightly pass.
type BacklogReport struct {
	Redriven    []string     `json:"redriven,omitempty"`
	Sweep       SweepReport  `json:"sweep"`
	Downloaded  int          `json:"downloaded"`
	StillMissed int          `json:"still_missing"`
	Status      StatusReport `json:"status"`
}

// NightlySweep re-drives retryable failures still under the redrive
// budget, re-fetches completed results that are missing on disk, then runs
// a full sweep so redriven jobs are admitted in the same pass.
// Completed and failed records are only read here.
func (o *Orchestrator) NightlySweep(ctx context.Context) (BacklogReport, error) {
	var rep BacklogReport
	for _, job := range o.reg.Redrivable(o.maxRedrives) {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		next, err := o.reg.Redrive(ctx, job.CorrelationID, o.maxRedrives)
		if err != nil {
			o.logger.Warn().Err(err).Str("job", job.CorrelationID).Msg("redrive")
			continue
		}
		rep.Redriven = append(rep.Redriven, next.CorrelationID)
		o.logger.Info().Str("job", next.CorrelationID).Str("redrive_of", job.CorrelationID).Int("generation", next.Generation).Msg("failed job redriven")
	}

	var missing []domain.Job
	for _, job := range o.reg.ListByState(domain.JobStateCompleted) {
		if !job.Downloaded() || !fileExists(job.DownloadPath) {
			missing = append(missing, job)
		}
	}
	var fetched atomic.Int32
	var g errgroup.Group
	g.SetLimit(o.maxDownloads)
	for _, job := range missing {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if o.download(ctx, job) {
				fetched.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	rep.Downloaded = int(fetched.Load())
	rep.StillMissed = len(missing) - rep.Downloaded
	if err := ctx.Err(); err != nil {
		rep.Status = o.Report()
		return rep, err
	}

	sweep, err := o.Sweep(ctx)
	rep.Sweep = sweep
	rep.Status = o.Report()
	return rep, err
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// OffPeakProbe admits queued work when the off-peak window is open. It
// makes no remote call otherwise.
func (o *Orchestrator) OffPeakProbe(ctx context.Context) (bool, int, error) {
	if !o.pacing.IsOffPeak(o.now()) {
		return false, 0, nil
	}
	if len(o.reg.ListByState(domain.JobStateQueued)) == 0 {
		return true, 0, nil
	}
	n, err := o.Admit(ctx)
	return true, n, err
}

// CleanupReport summarises a cleanup pass.
type CleanupReport struct {
	PurgedJobs   int `json:"purged_jobs"`
	RemovedFiles int `json:"removed_files"`
}

// Cleanup purges finished jobs older than the retention period and prunes
// the image cache. Failed jobs are purged only when configured; completed
// jobs whose result was never downloaded are kept. Cached images still
// referenced by a job that may run again are never removed.
func (o *Orchestrator) Cleanup(ctx context.Context) (CleanupReport, error) {
	var rep CleanupReport
	now := o.now()
	purged, err := o.reg.Purge(ctx, registry.PurgePolicy{
		Before:           now.Add(-o.retention),
		IncludeFailed:    o.purgeFailed,
		KeepUndownloaded: true,
	})
	if err != nil {
		return rep, err
	}
	rep.PurgedJobs = len(purged)

	if o.cache == nil {
		return rep, nil
	}
	keep := make(map[string]bool)
	redrivable := make(map[string]bool)
	for _, j := range o.reg.Redrivable(o.maxRedrives) {
		redrivable[j.CorrelationID] = true
	}
	for _, j := range o.reg.All() {
		if !j.State.Terminal() || redrivable[j.CorrelationID] {
			keep[j.Input.Path] = true
		}
	}
	removed, err := o.cache.Cleanup(ctx, o.cacheMaxAge, now, keep)
	rep.RemovedFiles = len(removed)
	if err != nil {
		return rep, err
	}
	o.logger.Info().Int("purged_jobs", rep.PurgedJobs).Int("removed_files", rep.RemovedFiles).Msg("cleanup finished")
	return rep, nil
}
