// Package scheduler fires orchestrator entry points on cron schedules. All
// entries share one run gate, so a firing that lands while another entry
// is still running is skipped instead of queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/alexfaker/autoGenVideo/internal/infra"
	"github.com/alexfaker/autoGenVideo/internal/orchestrator"
)

// Entry names.
const (
	EntryPoll    = "poll"
	EntryBacklog = "backlog"
	EntryOffPeak = "offpeak"
	EntryCleanup = "cleanup"
)

// ErrUnknownEntry is returned by RunNow for a name that is not scheduled.
var ErrUnknownEntry = errors.New("scheduler: unknown entry")

// Runner is the orchestrator surface the scheduler drives.
type Runner interface {
	Sweep(ctx context.Context) (orchestrator.SweepReport, error)
	NightlySweep(ctx context.Context) (orchestrator.BacklogReport, error)
	OffPeakProbe(ctx context.Context) (bool, int, error)
	Cleanup(ctx context.Context) (orchestrator.CleanupReport, error)
}

// Specs holds one cron expression per entry. Five-field expressions and
// descriptors such as "@every 5m" are accepted; an empty spec disables the
// entry.
type Specs struct {
	Poll    string
	Backlog string
	OffPeak string
	Cleanup string
}

// DefaultSpecs polls hourly, checks the backlog at 02:00, probes the
// off-peak window every five minutes and cleans up on Sunday at 03:00.
var DefaultSpecs = Specs{
	Poll:    "@every 1h",
	Backlog: "0 2 * * *",
	OffPeak: "@every 5m",
	Cleanup: "0 3 * * 0",
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSpec validates a schedule expression.
func ParseSpec(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse %q: %w", spec, err)
	}
	return sched, nil
}

type Options struct {
	Runner   Runner
	Specs    Specs
	Location *time.Location
	Logger   *infra.Logger
}

// EntryInfo describes a scheduled entry.
type EntryInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
}

type entry struct {
	name  string
	spec  string
	sched cron.Schedule
	run   func(ctx context.Context) error
}

type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	loc     *time.Location
	logger  infra.Logger
	entries map[string]*entry
	order   []string

	gate   sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func New(opts Options) (*Scheduler, error) {
	if opts.Runner == nil {
		return nil, errors.New("scheduler: runner is required")
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	s := &Scheduler{
		runner:  opts.Runner,
		loc:     loc,
		entries: make(map[string]*entry),
	}
	if opts.Logger != nil {
		s.logger = infra.Component(*opts.Logger, "scheduler")
	} else {
		s.logger = infra.Logger(zerolog.New(io.Discard))
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	clog := cronLogger{l: s.logger}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithParser(parser),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog)),
	)

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{EntryPoll, opts.Specs.Poll, s.poll},
		{EntryBacklog, opts.Specs.Backlog, s.backlog},
		{EntryOffPeak, opts.Specs.OffPeak, s.offPeak},
		{EntryCleanup, opts.Specs.Cleanup, s.cleanup},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		sched, err := ParseSpec(j.spec)
		if err != nil {
			return nil, fmt.Errorf("scheduler: %s: %w", j.name, err)
		}
		e := &entry{name: j.name, spec: j.spec, sched: sched, run: j.run}
		s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(e) }))
		s.entries[j.name] = e
		s.order = append(s.order, j.name)
	}
	return s, nil
}

// Start begins firing entries in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Strs("entries", s.order).Str("tz", s.loc.String()).Msg("scheduler started")
}

// Stop prevents new firings and asks the running entry to stop after its
// current call. It waits for the entry to return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
}

// Entries lists scheduled entries with their next firing after now.
func (s *Scheduler) Entries(now time.Time) []EntryInfo {
	out := make([]EntryInfo, 0, len(s.order))
	for _, name := range s.order {
		e := s.entries[name]
		out = append(out, EntryInfo{Name: name, Spec: e.spec, Next: e.sched.Next(now.In(s.loc))})
	}
	return out
}

// RunNow runs the named entry through the shared gate. ran is false when
// another entry held the gate.
func (s *Scheduler) RunNow(name string) (ran bool, err error) {
	e, ok := s.entries[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownEntry, name)
	}
	return s.runGated(e)
}

func (s *Scheduler) fire(e *entry) {
	if ran, err := s.runGated(e); ran && err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Str("entry", e.name).Msg("scheduled run failed")
	}
}

func (s *Scheduler) runGated(e *entry) (bool, error) {
	if !s.gate.TryLock() {
		s.logger.Warn().Str("entry", e.name).Msg("previous run still active; firing skipped")
		return false, nil
	}
	defer s.gate.Unlock()
	if err := s.ctx.Err(); err != nil {
		return false, err
	}
	start := time.Now()
	err := e.run(s.ctx)
	s.logger.Debug().Str("entry", e.name).Dur("took", time.Since(start)).Msg("run finished")
	return true, err
}

func (s *Scheduler) poll(ctx context.Context) error {
	rep, err := s.runner.Sweep(ctx)
	s.logger.Info().
		Int("polled", rep.Polled).
		Int("completed", rep.Completed).
		Int("downloaded", rep.Downloaded).
		Int("admitted", rep.Admitted).
		Msg("poll sweep")
	return err
}

func (s *Scheduler) backlog(ctx context.Context) error {
	rep, err := s.runner.NightlySweep(ctx)
	s.logger.Info().
		Int("redriven", len(rep.Redriven)).
		Int("downloaded", rep.Downloaded).
		Int("still_missing", rep.StillMissed).
		Int("admitted", rep.Sweep.Admitted).
		Msg("backlog check")
	return err
}

func (s *Scheduler) offPeak(ctx context.Context) error {
	open, admitted, err := s.runner.OffPeakProbe(ctx)
	if open && admitted > 0 {
		s.logger.Info().Int("admitted", admitted).Msg("off-peak window open; queued jobs admitted")
	}
	return err
}

func (s *Scheduler) cleanup(ctx context.Context) error {
	rep, err := s.runner.Cleanup(ctx)
	s.logger.Info().Int("purged_jobs", rep.PurgedJobs).Int("removed_files", rep.RemovedFiles).Msg("cleanup")
	return err
}

// cronLogger routes robfig/cron's logging into zerolog.
type cronLogger struct {
	l infra.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
