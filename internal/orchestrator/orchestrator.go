// Package orchestrator drives the job lifecycle: it admits queued jobs,
// polls pending ones, hands completed results to the downloader and runs
// the nightly and weekly maintenance passes.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/alexfaker/autoGenVideo/internal/domain"
	"github.com/alexfaker/autoGenVideo/internal/domain/jsoncfg"
	"github.com/alexfaker/autoGenVideo/internal/gateway"
	"github.com/alexfaker/autoGenVideo/internal/infra"
	"github.com/alexfaker/autoGenVideo/internal/pacing"
	"github.com/alexfaker/autoGenVideo/internal/providers/vidu"
	"github.com/alexfaker/autoGenVideo/internal/registry"
	"github.com/alexfaker/autoGenVideo/internal/storage"
)

// Remote is the service surface driven through the gateway. *vidu.Client
// satisfies it.
type Remote interface {
	SendAuthCode(ctx context.Context, phone string) error
	Login(ctx context.Context, phone, code string) (*vidu.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*vidu.Session, error)
	Logout(ctx context.Context, token string) error
	UploadImage(ctx context.Context, token string, req vidu.UploadRequest) (*vidu.Upload, error)
	SubmitTask(ctx context.Context, token string, req vidu.TaskRequest) (string, error)
	TaskState(ctx context.Context, token, taskID string) (*vidu.TaskStatus, error)
	TaskResult(ctx context.Context, token, taskID string) (string, error)
}

// Sessions is the session store as seen by the orchestrator.
type Sessions interface {
	Get(ctx context.Context, accountID string) (domain.Credential, error)
	Put(ctx context.Context, cred domain.Credential) error
	Invalidate(ctx context.Context, accountID string) error
}

// ImagePreparer turns a local path into an image reference.
type ImagePreparer interface {
	Prepare(ctx context.Context, path string) (domain.ImageRef, error)
}

// Fetcher performs result downloads with integrity checks.
type Fetcher interface {
	Download(ctx context.Context, url, key string) (*storage.Downloaded, error)
}

// Options wires an Orchestrator.
type Options struct {
	Registry *registry.Registry
	Gateway  *gateway.Gateway
	Remote   Remote
	Sessions Sessions
	Pacing   *pacing.Policy
	Images   ImagePreparer
	Fetcher  Fetcher
	// Cache holds preprocessed images; Cleanup prunes it.
	Cache *storage.FileStore

	MaxConcurrent int
	MaxDownloads  int
	MaxAttempts   int
	MaxRedrives   int
	Retention     time.Duration
	PurgeFailed   bool
	CacheMaxAge   time.Duration
	SessionTTL    time.Duration
	Settings      jsoncfg.TaskSettings

	Now    func() time.Time
	Logger *infra.Logger
}

type Orchestrator struct {
	reg      *registry.Registry
	gw       *gateway.Gateway
	remote   Remote
	sessions Sessions
	pacing   *pacing.Policy
	images   ImagePreparer
	fetcher  Fetcher
	cache    *storage.FileStore

	maxConcurrent int
	maxDownloads  int
	maxAttempts   int
	maxRedrives   int
	retention     time.Duration
	purgeFailed   bool
	cacheMaxAge   time.Duration
	sessionTTL    time.Duration
	settings      jsoncfg.TaskSettings

	dlSem  chan struct{}
	now    func() time.Time
	logger infra.Logger
}

func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("orchestrator: registry is required")
	case opts.Gateway == nil:
		return nil, errors.New("orchestrator: gateway is required")
	case opts.Remote == nil:
		return nil, errors.New("orchestrator: remote client is required")
	case opts.Sessions == nil:
		return nil, errors.New("orchestrator: session store is required")
	}
	o := &Orchestrator{
		reg:           opts.Registry,
		gw:            opts.Gateway,
		remote:        opts.Remote,
		sessions:      opts.Sessions,
		pacing:        opts.Pacing,
		images:        opts.Images,
		fetcher:       opts.Fetcher,
		cache:         opts.Cache,
		maxConcurrent: opts.MaxConcurrent,
		maxDownloads:  opts.MaxDownloads,
		maxAttempts:   opts.MaxAttempts,
		maxRedrives:   opts.MaxRedrives,
		retention:     opts.Retention,
		purgeFailed:   opts.PurgeFailed,
		cacheMaxAge:   opts.CacheMaxAge,
		sessionTTL:    opts.SessionTTL,
		settings:      opts.Settings,
		now:           opts.Now,
	}
	if o.pacing == nil {
		o.pacing = pacing.Zero()
	}
	if o.maxConcurrent <= 0 {
		o.maxConcurrent = 5
	}
	if o.maxDownloads <= 0 {
		o.maxDownloads = 3
	}
	if o.maxAttempts < 0 {
		o.maxAttempts = 0
	}
	if o.retention <= 0 {
		o.retention = 30 * 24 * time.Hour
	}
	if o.cacheMaxAge <= 0 {
		o.cacheMaxAge = 24 * time.Hour
	}
	if o.sessionTTL <= 0 {
		o.sessionTTL = 24 * time.Hour
	}
	if o.now == nil {
		o.now = time.Now
	}
	if opts.Logger != nil {
		o.logger = infra.Component(*opts.Logger, "orchestrator")
	} else {
		o.logger = infra.Logger(zerolog.New(io.Discard))
	}
	o.dlSem = make(chan struct{}, o.maxDownloads)
	return o, nil
}

// Registry exposes the job registry for read-only callers.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.reg
}

// retryBudget is how many gateway retries a job may still spend.
func (o *Orchestrator) retryBudget(j domain.Job) int {
	if left := o.maxAttempts - j.AttemptCount; left > 0 {
		return left
	}
	return 0
}

func failuresOf(err error) int {
	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		return gerr.Failures
	}
	return 0
}

func token(cred *domain.Credential) string {
	if cred == nil {
		return ""
	}
	return cred.AccessToken
}
