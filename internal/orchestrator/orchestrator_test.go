package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/alexfaker/autoGenVideo/internal/adapter/repo"
	"github.com/alexfaker/autoGenVideo/internal/domain"
	"github.com/alexfaker/autoGenVideo/internal/domain/jsoncfg"
	"github.com/alexfaker/autoGenVideo/internal/gateway"
	"github.com/alexfaker/autoGenVideo/internal/infra/credentials"
	"github.com/alexfaker/autoGenVideo/internal/pacing"
	"github.com/alexfaker/autoGenVideo/internal/providers/vidu"
	"github.com/alexfaker/autoGenVideo/internal/registry"
	"github.com/alexfaker/autoGenVideo/internal/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeRemote struct {
	mu    sync.Mutex
	calls map[string]int

	submitFn  func(n int) (string, error)
	stateFn   func(taskID string) (*vidu.TaskStatus, error)
	resultFn  func(taskID string) (string, error)
	refreshFn func(refreshToken string) (*vidu.Session, error)
	loginFn   func(phone, code string) (*vidu.Session, error)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{calls: make(map[string]int)}
}

func (f *fakeRemote) count(op string) int {
	f.mu.Lock()
	f.calls[op]++
	n := f.calls[op]
	f.mu.Unlock()
	return n
}

func (f *fakeRemote) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeRemote) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeRemote) SendAuthCode(ctx context.Context, phone string) error {
	f.count("send_code")
	return nil
}

func (f *fakeRemote) Login(ctx context.Context, phone, code string) (*vidu.Session, error) {
	f.count("login")
	if f.loginFn != nil {
		return f.loginFn(phone, code)
	}
	return &vidu.Session{Token: "tok-login", RefreshToken: "ref-login"}, nil
}

func (f *fakeRemote) Refresh(ctx context.Context, refreshToken string) (*vidu.Session, error) {
	f.count("refresh")
	if f.refreshFn != nil {
		return f.refreshFn(refreshToken)
	}
	return &vidu.Session{Token: "tok-refreshed"}, nil
}

func (f *fakeRemote) Logout(ctx context.Context, token string) error {
	f.count("logout")
	return nil
}

func (f *fakeRemote) UploadImage(ctx context.Context, token string, req vidu.UploadRequest) (*vidu.Upload, error) {
	n := f.count("upload")
	if len(req.Data) == 0 {
		return nil, errors.New("empty upload")
	}
	return &vidu.Upload{ID: fmt.Sprintf("up-%d", n), URI: "https://cdn/x.jpg"}, nil
}

func (f *fakeRemote) SubmitTask(ctx context.Context, token string, req vidu.TaskRequest) (string, error) {
	n := f.count("submit")
	if f.submitFn != nil {
		return f.submitFn(n)
	}
	return fmt.Sprintf("task-%d", n), nil
}

func (f *fakeRemote) TaskState(ctx context.Context, token, taskID string) (*vidu.TaskStatus, error) {
	f.count("state")
	if f.stateFn != nil {
		return f.stateFn(taskID)
	}
	return &vidu.TaskStatus{State: vidu.RemoteRunning, RawState: "processing"}, nil
}

func (f *fakeRemote) TaskResult(ctx context.Context, token, taskID string) (string, error) {
	f.count("result")
	if f.resultFn != nil {
		return f.resultFn(taskID)
	}
	return "https://x/video.mp4", nil
}

type fakeFetcher struct {
	mu    sync.Mutex
	dir   string
	calls []string
	err   error
}

func (f *fakeFetcher) Download(ctx context.Context, url, key string) (*storage.Downloaded, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(f.dir, key)
	if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
		return nil, err
	}
	return &storage.Downloaded{Path: path, Size: 5}, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePreparer struct {
	dir string
	err error
}

func (p fakePreparer) Prepare(ctx context.Context, path string) (domain.ImageRef, error) {
	if p.err != nil {
		return domain.ImageRef{}, p.err
	}
	cached := filepath.Join(p.dir, filepath.Base(path)+".jpg")
	if err := os.WriteFile(cached, []byte{0xff, 0xd8, 0xff}, 0o644); err != nil {
		return domain.ImageRef{}, err
	}
	return domain.ImageRef{Path: cached, OriginalPath: path, MIME: "image/jpeg", Width: 720, Height: 1280, AspectRatio: "9:16"}, nil
}

type harness struct {
	orch    *Orchestrator
	reg     *registry.Registry
	gw      *gateway.Gateway
	store   *credentials.Store
	remote  *fakeRemote
	fetcher *fakeFetcher
	clock   *clock
	cache   *storage.FileStore

	mu     sync.Mutex
	sleeps []time.Duration
}

func (h *harness) Sleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

var offPeakNoon = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
var offPeakNight = time.Date(2026, 5, 1, 2, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		remote:  newFakeRemote(),
		fetcher: &fakeFetcher{dir: t.TempDir()},
		clock:   &clock{now: offPeakNight},
	}

	reg, err := registry.New(ctx, repo.NewMemoryStore().Jobs(), zerolog.Nop(), registry.WithClock(h.clock.Now))
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	h.reg = reg

	sealer, _ := credentials.NewSealer(make([]byte, 32))
	store, err := credentials.NewStore(credentials.Options{
		Repo:   repo.NewMemoryStore().Credentials(),
		Sealer: sealer,
		Now:    h.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	h.store = store

	policy := pacing.New(pacing.Options{
		OffPeakHours:   []int{0, 1, 2, 3, 4, 5, 6},
		Location:       time.UTC,
		RequireOffPeak: true,
	})
	h.gw = gateway.New(gateway.Options{
		Credentials: store,
		Pacer:       policy,
		MaxRetries:  3,
		Backoff:     gateway.Backoff{Initial: 2 * time.Second, Max: time.Minute},
		Sleep: func(ctx context.Context, d time.Duration) error {
			if d > 0 {
				h.mu.Lock()
				h.sleeps = append(h.sleeps, d)
				h.mu.Unlock()
			}
			return ctx.Err()
		},
	})

	cache, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	h.cache = cache

	opts := Options{
		Registry:      reg,
		Gateway:       h.gw,
		Remote:        h.remote,
		Sessions:      store,
		Pacing:        policy,
		Images:        fakePreparer{dir: cache.BasePath()},
		Fetcher:       h.fetcher,
		Cache:         cache,
		MaxConcurrent: 5,
		MaxDownloads:  2,
		MaxAttempts:   3,
		MaxRedrives:   1,
		Now:           h.clock.Now,
	}
	if tweak != nil {
		tweak(&opts)
	}
	orch, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	store.SetRefresher(orch.Refresher())
	h.orch = orch

	if err := store.Put(ctx, domain.Credential{
		AccountID:    "acct",
		AccessToken:  "tok",
		RefreshToken: "ref",
		ExpiresAt:    offPeakNight.Add(48 * time.Hour),
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return h
}

func (h *harness) submit(t *testing.T) domain.Job {
	t.Helper()
	job, err := h.orch.Submit(context.Background(), SubmitRequest{AccountID: "acct", ImagePath: "/in/cat.png", Prompt: "a cat walks"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return job
}

func status(code int) error {
	return &vidu.StatusError{Op: "test", Status: code}
}

func TestSubmitReachesPending(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t)
	if job.State != domain.JobStatePending || job.JobID != "task-1" || job.AttemptCount != 0 {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Input.UploadID != "up-1" {
		t.Fatalf("upload id not recorded: %+v", job.Input)
	}
	if job.Settings.ScheduleMode != jsoncfg.ScheduleModeOffPeak || job.Settings.AspectRatio != "9:16" {
		t.Fatalf("unexpected settings: %+v", job.Settings)
	}
}

func TestScenarioAOffPeakClosedAndSaturated(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxConcurrent = 1 })
	ctx := context.Background()

	busy := h.submit(t)
	if busy.State != domain.JobStatePending {
		t.Fatalf("setup: %+v", busy)
	}
	calls := h.remote.Total()

	h.clock.Set(offPeakNoon)
	job, err := h.orch.Submit(ctx, SubmitRequest{AccountID: "acct", ImagePath: "/in/dog.png", Prompt: "a dog runs"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.State != domain.JobStateQueued {
		t.Fatalf("job should stay queued, got %s", job.State)
	}
	if h.remote.Total() != calls {
		t.Fatalf("no remote call expected, got %d new", h.remote.Total()-calls)
	}

	h.clock.Set(offPeakNight)
	if n, err := h.orch.Admit(ctx); err != nil || n != 0 {
		t.Fatalf("saturated admit = %d, %v", n, err)
	}
	if h.remote.Total() != calls {
		t.Fatalf("saturated budget must not call the remote")
	}
}

func TestScenarioBTransientSubmitFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.remote.submitFn = func(n int) (string, error) {
		if n <= 3 {
			return "", status(http.StatusServiceUnavailable)
		}
		return "remote-42", nil
	}
	job := h.submit(t)
	if job.State != domain.JobStatePending {
		t.Fatalf("state = %s (%s)", job.State, job.LastError)
	}
	if job.AttemptCount != 3 || job.JobID != "remote-42" {
		t.Fatalf("unexpected job: attempts=%d id=%s", job.AttemptCount, job.JobID)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	got := h.Sleeps()
	if len(got) != len(want) {
		t.Fatalf("backoff sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backoff sleeps = %v, want %v", got, want)
		}
	}
}

func TestSubmitRetriesExhaustedFails(t *testing.T) {
	h := newHarness(t, nil)
	h.remote.submitFn = func(int) (string, error) { return "", status(http.StatusBadGateway) }
	job := h.submit(t)
	if job.State != domain.JobStateFailed || !job.Retryable {
		t.Fatalf("expected retryable failure, got %+v", job)
	}
	if h.remote.Calls("submit") != 4 {
		t.Fatalf("submit calls = %d", h.remote.Calls("submit"))
	}
	failed := h.reg.ListByState(domain.JobStateFailed)
	if len(failed) != 1 || failed[0].LastError == "" {
		t.Fatalf("failure not queryable: %+v", failed)
	}
}

func TestSubmitFatalNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.remote.submitFn = func(int) (string, error) { return "", status(http.StatusBadRequest) }
	job := h.submit(t)
	if job.State != domain.JobStateFailed || job.Retryable {
		t.Fatalf("expected fatal failure, got %+v", job)
	}
	if h.remote.Calls("submit") != 1 {
		t.Fatalf("fatal failure retried: %d calls", h.remote.Calls("submit"))
	}
}

func TestInvalidImageFailsJob(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Images = fakePreparer{err: fmt.Errorf("%w: unsupported format", domain.ErrInvalidImage)}
	})
	job, err := h.orch.Submit(context.Background(), SubmitRequest{AccountID: "acct", ImagePath: "/in/x.gif", Prompt: "p"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.State != domain.JobStateFailed || job.Input.OriginalPath != "/in/x.gif" {
		t.Fatalf("expected failed job, got %+v", job)
	}
	if h.remote.Total() != 0 {
		t.Fatalf("no remote call expected")
	}
}

func TestScenarioCCompletionTriggersOneDownload(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t)
	h.remote.stateFn = func(string) (*vidu.TaskStatus, error) {
		return &vidu.TaskStatus{State: vidu.RemoteSuccess, RawState: "success"}, nil
	}

	rep, err := h.orch.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Completed != 1 || rep.Downloaded != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	done, _ := h.reg.Find(job.CorrelationID)
	if done.State != domain.JobStateCompleted || done.ResultReference != "https://x/video.mp4" {
		t.Fatalf("unexpected job: %+v", done)
	}
	if !done.Downloaded() || filepath.Base(done.DownloadPath) != "video_task-1.mp4" {
		t.Fatalf("download not recorded: %+v", done)
	}
	if h.fetcher.Calls() != 1 {
		t.Fatalf("download calls = %d", h.fetcher.Calls())
	}

	if _, err := h.orch.Sweep(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if h.fetcher.Calls() != 1 || h.remote.Calls("state") != 1 {
		t.Fatalf("completed job touched again")
	}
}

func TestDownloadFailureKeepsCompleted(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.err = fmt.Errorf("%w: not an mp4 container", domain.ErrDownloadIntegrity)
	job := h.submit(t)
	h.remote.stateFn = func(string) (*vidu.TaskStatus, error) {
		return &vidu.TaskStatus{State: vidu.RemoteSuccess, RawState: "success"}, nil
	}
	if _, err := h.orch.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got, _ := h.reg.Find(job.CorrelationID)
	if got.State != domain.JobStateCompleted || got.Downloaded() || got.DownloadError == "" {
		t.Fatalf("unexpected job: %+v", got)
	}

	h.fetcher.mu.Lock()
	h.fetcher.err = nil
	h.fetcher.mu.Unlock()
	rep, err := h.orch.NightlySweep(context.Background())
	if err != nil {
		t.Fatalf("NightlySweep: %v", err)
	}
	if rep.Downloaded != 1 || rep.StillMissed != 0 {
		t.Fatalf("backlog did not recover the download: %+v", rep)
	}
	got, _ = h.reg.Find(job.CorrelationID)
	if !got.Downloaded() || got.DownloadError != "" {
		t.Fatalf("download not recorded: %+v", got)
	}
}

func TestScenarioDExpiredCredentialFatalRefresh(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.store.Put(ctx, domain.Credential{
		AccountID:    "acct",
		AccessToken:  "old",
		RefreshToken: "ref",
		ExpiresAt:    offPeakNight.Add(-time.Minute),
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	h.remote.refreshFn = func(string) (*vidu.Session, error) {
		return nil, status(http.StatusForbidden)
	}

	called := false
	_, err := h.gw.Execute(ctx, gateway.Operation{
		Kind:      gateway.OpSubmitJob,
		AccountID: "acct",
		Call: func(context.Context, *domain.Credential) error {
			called = true
			return nil
		},
	})
	if !errors.Is(err, domain.ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
	if called {
		t.Fatalf("underlying operation must not run")
	}
	if h.remote.Calls("refresh") != 1 {
		t.Fatalf("refresh calls = %d", h.remote.Calls("refresh"))
	}

	job, err := h.orch.Submit(ctx, SubmitRequest{AccountID: "acct", ImagePath: "/in/a.png", Prompt: "p"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.State != domain.JobStateQueued {
		t.Fatalf("job should wait for login, got %s", job.State)
	}
	if h.remote.Calls("submit") != 0 || h.remote.Calls("upload") != 0 {
		t.Fatalf("remote called without a credential")
	}
}

func TestExpiredCredentialRefreshes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_ = h.store.Put(ctx, domain.Credential{AccountID: "acct", AccessToken: "old", RefreshToken: "ref", ExpiresAt: offPeakNight.Add(-time.Minute)})
	h.remote.refreshFn = func(rt string) (*vidu.Session, error) {
		if rt != "ref" {
			return nil, fmt.Errorf("refresh token %q", rt)
		}
		return &vidu.Session{Token: "fresh", ExpiresAt: offPeakNight.Add(time.Hour)}, nil
	}
	job := h.submit(t)
	if job.State != domain.JobStatePending {
		t.Fatalf("state = %s (%s)", job.State, job.LastError)
	}
	cred, err := h.store.Get(ctx, "acct")
	if err != nil || cred.AccessToken != "fresh" || cred.RefreshToken != "ref" {
		t.Fatalf("credential = %+v, %v", cred, err)
	}
}

func TestPollRemoteFailureRequeuesAndReusesUpload(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t)
	h.remote.stateFn = func(string) (*vidu.TaskStatus, error) {
		return &vidu.TaskStatus{State: vidu.RemoteFailure, RawState: "failed", ErrCode: "Moderation"}, nil
	}
	h.clock.Set(offPeakNoon)

	rep, err := h.orch.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Requeued != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got, _ := h.reg.Find(job.CorrelationID)
	if got.State != domain.JobStateQueued || got.JobID != "" || got.AttemptCount != 1 || got.Input.UploadID != "up-1" {
		t.Fatalf("unexpected requeued job: %+v", got)
	}

	h.clock.Set(offPeakNight)
	h.remote.stateFn = nil
	if n, err := h.orch.Admit(context.Background()); err != nil || n != 1 {
		t.Fatalf("Admit = %d, %v", n, err)
	}
	if h.remote.Calls("upload") != 1 {
		t.Fatalf("upload repeated: %d", h.remote.Calls("upload"))
	}
	got, _ = h.reg.Find(job.CorrelationID)
	if got.State != domain.JobStatePending || got.JobID != "task-2" {
		t.Fatalf("resubmission: %+v", got)
	}
}

func TestPollUnauthorizedKeepsPending(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t)
	h.remote.stateFn = func(string) (*vidu.TaskStatus, error) { return nil, status(http.StatusUnauthorized) }

	if _, err := h.orch.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got, _ := h.reg.Find(job.CorrelationID)
	if got.State != domain.JobStatePending || got.LastError == "" {
		t.Fatalf("unexpected job: %+v", got)
	}
	if _, err := h.store.Get(context.Background(), "acct"); !errors.Is(err, domain.ErrAuthRequired) {
		t.Fatalf("credential should be invalidated, got %v", err)
	}
}

func TestPollRetryableKeepsPending(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t)
	h.remote.stateFn = func(string) (*vidu.TaskStatus, error) { return nil, status(http.StatusServiceUnavailable) }
	if _, err := h.orch.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got, _ := h.reg.Find(job.CorrelationID)
	if got.State != domain.JobStatePending || got.LastPolledAt == nil || got.AttemptCount != 1 {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestPollRetryableEscalatesToFailed(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t)
	h.remote.stateFn = func(string) (*vidu.TaskStatus, error) { return nil, status(http.StatusServiceUnavailable) }

	var failedAt int
	for i := 1; i <= 10 && failedAt == 0; i++ {
		rep, err := h.orch.Sweep(context.Background())
		if err != nil {
			t.Fatalf("Sweep #%d: %v", i, err)
		}
		if rep.Failed == 1 {
			failedAt = i
		}
	}
	if failedAt != 4 {
		t.Fatalf("job failed on sweep %d, want 4", failedAt)
	}
	got, _ := h.reg.Find(job.CorrelationID)
	if got.State != domain.JobStateFailed || !got.Retryable || got.LastError == "" {
		t.Fatalf("unexpected job: %+v", got)
	}
	if n := h.reg.ActiveCount(); n != 0 {
		t.Fatalf("failed job still counted active: %d", n)
	}
}

func TestAdmitRespectsConcurrency(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxConcurrent = 3 })
	ctx := context.Background()
	h.clock.Set(offPeakNoon)
	for i := 0; i < 10; i++ {
		if _, err := h.orch.Submit(ctx, SubmitRequest{AccountID: "acct", ImagePath: fmt.Sprintf("/in/%d.png", i), Prompt: "p"}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	h.clock.Set(offPeakNight)
	n, err := h.orch.Admit(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Admit = %d, %v", n, err)
	}
	if got := h.reg.ActiveCount(); got != 3 {
		t.Fatalf("active = %d", got)
	}
	queued := h.reg.ListByState(domain.JobStateQueued)
	if len(queued) != 7 || queued[0].Input.OriginalPath != "/in/3.png" {
		t.Fatalf("admission not in insertion order: %d queued", len(queued))
	}
}

func TestSweepStopsWhenCanceled(t *testing.T) {
	h := newHarness(t, nil)
	h.submit(t)
	calls := h.remote.Total()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.orch.Sweep(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.remote.Total() != calls {
		t.Fatalf("canceled sweep made remote calls")
	}
}

func TestNightlySweepRedrives(t *testing.T) {
	h := newHarness(t, nil)
	h.remote.submitFn = func(n int) (string, error) {
		if n <= 4 {
			return "", status(http.StatusServiceUnavailable)
		}
		return fmt.Sprintf("task-%d", n), nil
	}
	job := h.submit(t)
	if job.State != domain.JobStateFailed {
		t.Fatalf("setup: %+v", job)
	}

	rep, err := h.orch.NightlySweep(context.Background())
	if err != nil {
		t.Fatalf("NightlySweep: %v", err)
	}
	if len(rep.Redriven) != 1 {
		t.Fatalf("report = %+v", rep)
	}
	orig, _ := h.reg.Find(job.CorrelationID)
	if orig.State != domain.JobStateFailed {
		t.Fatalf("failed job must stay failed, got %s", orig.State)
	}
	next, _ := h.reg.Find(rep.Redriven[0])
	if next.RedriveOf != job.CorrelationID || next.Generation != 1 {
		t.Fatalf("unexpected redrive: %+v", next)
	}
	if rep.Sweep.Admitted != 1 || next.State != domain.JobStatePending || next.JobID != "task-5" {
		t.Fatalf("redriven job not admitted in the same pass: sweep=%+v job=%+v", rep.Sweep, next)
	}

	again, _ := h.orch.NightlySweep(context.Background())
	if len(again.Redriven) != 0 {
		t.Fatalf("job redriven twice")
	}
}

func TestCleanup(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Retention = 24 * time.Hour; o.CacheMaxAge = time.Hour })
	ctx := context.Background()

	done := h.submit(t)
	h.remote.stateFn = func(string) (*vidu.TaskStatus, error) {
		return &vidu.TaskStatus{State: vidu.RemoteSuccess, RawState: "success"}, nil
	}
	if _, err := h.orch.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	h.remote.stateFn = nil
	h.remote.submitFn = func(int) (string, error) { return "", status(http.StatusBadRequest) }
	failed := h.submit(t)
	h.clock.Set(offPeakNoon)
	h.remote.submitFn = nil
	queued, _ := h.orch.Submit(ctx, SubmitRequest{AccountID: "acct", ImagePath: "/in/q.png", Prompt: "p"})

	old := h.clock.Now().Add(-72 * time.Hour)
	for _, p := range []string{done.Input.Path, failed.Input.Path, queued.Input.Path} {
		os.Chtimes(p, old, old)
	}
	h.clock.Set(offPeakNoon.Add(48 * time.Hour))

	rep, err := h.orch.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if rep.PurgedJobs != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if _, err := h.reg.Find(done.CorrelationID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("completed job not purged")
	}
	if _, err := h.reg.Find(failed.CorrelationID); err != nil {
		t.Fatalf("failed job purged without opt-in")
	}
	if _, err := os.Stat(queued.Input.Path); err != nil {
		t.Fatalf("cache file of queued job removed")
	}
	if _, err := os.Stat(done.Input.Path); !os.IsNotExist(err) {
		t.Fatalf("stale cache file kept: %v", err)
	}
}

func TestReport(t *testing.T) {
	h := newHarness(t, nil)
	h.remote.submitFn = func(int) (string, error) { return "", status(http.StatusBadRequest) }
	h.submit(t)
	h.clock.Set(offPeakNoon)

	rep := h.orch.Report()
	if rep.Counts[domain.JobStateFailed] != 1 || len(rep.RecentFailures) != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.OffPeak || rep.NextOffPeak == nil || !rep.NextOffPeak.Equal(time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("next off-peak = %v", rep.NextOffPeak)
	}
}

func TestOffPeakProbe(t *testing.T) {
	h := newHarness(t, nil)
	h.clock.Set(offPeakNoon)
	job := h.submit(t)
	if open, n, err := h.orch.OffPeakProbe(context.Background()); open || n != 0 || err != nil {
		t.Fatalf("probe at noon = %v %d %v", open, n, err)
	}
	h.clock.Set(offPeakNight)
	if open, n, err := h.orch.OffPeakProbe(context.Background()); !open || n != 1 || err != nil {
		t.Fatalf("probe at night = %v %d %v", open, n, err)
	}
	got, _ := h.reg.Find(job.CorrelationID)
	if got.State != domain.JobStatePending {
		t.Fatalf("state = %s", got.State)
	}
}

func TestBatch(t *testing.T) {
	h := newHarness(t, nil)
	dir := t.TempDir()
	for _, name := range []string{"img10.png", "img2.png", "img1.png"} {
		os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644)
	}
	prompts := filepath.Join(t.TempDir(), "prompts.txt")
	os.WriteFile(prompts, []byte("first\nsecond\n"), 0o644)

	res, err := h.orch.Batch(context.Background(), BatchRequest{AccountID: "acct", ImageDir: dir, PromptsFile: prompts})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if len(res.Jobs) != 2 || res.Skipped != 1 || res.Admitted != 2 {
		t.Fatalf("unexpected batch result: %+v", res)
	}
	if filepath.Base(res.Jobs[0].Input.OriginalPath) != "img1.png" || res.Jobs[1].Prompt != "second" {
		t.Fatalf("pairing wrong: %+v", res.Jobs)
	}
}

func TestLoginAndLogout(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.remote.loginFn = func(phone, code string) (*vidu.Session, error) {
		return &vidu.Session{Token: "tok-b", RefreshToken: "ref-b", ExpiresAt: offPeakNight.Add(12 * time.Hour)}, nil
	}
	if err := h.orch.SendCode(ctx, "b", "+8613800000000"); err != nil {
		t.Fatalf("SendCode: %v", err)
	}
	cred, err := h.orch.Login(ctx, "b", "+8613800000000", "123456")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !cred.ExpiresAt.Equal(offPeakNight.Add(12 * time.Hour)) {
		t.Fatalf("expiry = %s", cred.ExpiresAt)
	}
	got, err := h.store.Get(ctx, "b")
	if err != nil || got.AccessToken != "tok-b" {
		t.Fatalf("stored credential = %+v, %v", got, err)
	}
	if err := h.orch.Logout(ctx, "b"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := h.store.Get(ctx, "b"); !errors.Is(err, domain.ErrAuthRequired) {
		t.Fatalf("credential survived logout: %v", err)
	}
	if h.remote.Calls("logout") != 1 {
		t.Fatalf("logout calls = %d", h.remote.Calls("logout"))
	}
}
