package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexfaker/autoGenVideo/internal/orchestrator"
)

type fakeRunner struct {
	sweeps   atomic.Int32
	nightly  atomic.Int32
	probes   atomic.Int32
	cleanups atomic.Int32

	// block, when set, holds Sweep until ctx ends or release closes.
	block   bool
	entered chan struct{}
	release chan struct{}
}

func (f *fakeRunner) Sweep(ctx context.Context) (orchestrator.SweepReport, error) {
	f.sweeps.Add(1)
	if f.block {
		close(f.entered)
		select {
		case <-ctx.Done():
			return orchestrator.SweepReport{}, ctx.Err()
		case <-f.release:
		}
	}
	return orchestrator.SweepReport{Polled: 1}, nil
}

func (f *fakeRunner) NightlySweep(ctx context.Context) (orchestrator.BacklogReport, error) {
	f.nightly.Add(1)
	return orchestrator.BacklogReport{}, nil
}

func (f *fakeRunner) OffPeakProbe(ctx context.Context) (bool, int, error) {
	f.probes.Add(1)
	return true, 0, nil
}

func (f *fakeRunner) Cleanup(ctx context.Context) (orchestrator.CleanupReport, error) {
	f.cleanups.Add(1)
	return orchestrator.CleanupReport{}, errors.New("disk busy")
}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New(Options{Runner: &fakeRunner{}, Specs: Specs{Poll: "every hour"}})
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := New(Options{Specs: DefaultSpecs}); err == nil {
		t.Fatalf("expected missing runner error")
	}
}

func TestEntriesNextFiring(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	s, err := New(Options{Runner: &fakeRunner{}, Specs: DefaultSpecs, Location: loc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Friday 2026-05-01 12:00 in Shanghai.
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, loc)
	want := map[string]time.Time{
		EntryPoll:    now.Add(time.Hour),
		EntryBacklog: time.Date(2026, 5, 2, 2, 0, 0, 0, loc),
		EntryOffPeak: now.Add(5 * time.Minute),
		EntryCleanup: time.Date(2026, 5, 3, 3, 0, 0, 0, loc),
	}
	entries := s.Entries(now)
	if len(entries) != len(want) {
		t.Fatalf("entries = %+v", entries)
	}
	for _, e := range entries {
		if !e.Next.Equal(want[e.Name]) {
			t.Fatalf("%s next = %s, want %s", e.Name, e.Next, want[e.Name])
		}
	}
}

func TestEmptySpecDisablesEntry(t *testing.T) {
	s, err := New(Options{Runner: &fakeRunner{}, Specs: Specs{Poll: "@hourly"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := s.Entries(time.Now()); len(got) != 1 || got[0].Name != EntryPoll {
		t.Fatalf("entries = %+v", got)
	}
	if _, err := s.RunNow(EntryCleanup); !errors.Is(err, ErrUnknownEntry) {
		t.Fatalf("expected ErrUnknownEntry, got %v", err)
	}
}

func TestRunNowDispatches(t *testing.T) {
	r := &fakeRunner{}
	s, err := New(Options{Runner: r, Specs: DefaultSpecs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, name := range []string{EntryPoll, EntryBacklog, EntryOffPeak} {
		if ran, err := s.RunNow(name); !ran || err != nil {
			t.Fatalf("RunNow(%s) = %v, %v", name, ran, err)
		}
	}
	if ran, err := s.RunNow(EntryCleanup); !ran || err == nil {
		t.Fatalf("cleanup error not surfaced: %v, %v", ran, err)
	}
	if r.sweeps.Load() != 1 || r.nightly.Load() != 1 || r.probes.Load() != 1 || r.cleanups.Load() != 1 {
		t.Fatalf("dispatch counts: %d %d %d %d", r.sweeps.Load(), r.nightly.Load(), r.probes.Load(), r.cleanups.Load())
	}
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	r := &fakeRunner{block: true, entered: make(chan struct{}), release: make(chan struct{})}
	s, err := New(Options{Runner: r, Specs: DefaultSpecs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunNow(EntryPoll)
	}()
	<-r.entered

	ran, err := s.RunNow(EntryBacklog)
	if ran || err != nil {
		t.Fatalf("overlapping run = %v, %v", ran, err)
	}
	if r.nightly.Load() != 0 {
		t.Fatalf("backlog ran while poll held the gate")
	}

	close(r.release)
	<-done
	if ran, _ := s.RunNow(EntryBacklog); !ran {
		t.Fatalf("gate not released")
	}
}

func TestStopCancelsRunningEntry(t *testing.T) {
	r := &fakeRunner{block: true, entered: make(chan struct{}), release: make(chan struct{})}
	s, err := New(Options{Runner: r, Specs: DefaultSpecs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()

	result := make(chan error, 1)
	go func() {
		_, err := s.RunNow(EntryPoll)
		result <- err
	}()
	<-r.entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("running entry returned %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("running entry did not stop")
	}
	if ran, _ := s.RunNow(EntryOffPeak); ran {
		t.Fatalf("entry ran after Stop")
	}
}
