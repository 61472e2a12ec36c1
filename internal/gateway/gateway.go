// Package gateway executes single outbound operations against the remote
// service: credential lookup, pacing, per-call timeout, outcome
// classification and retry with exponential backoff.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/alexfaker/autoGenVideo/internal/domain"
	"github.com/alexfaker/autoGenVideo/internal/infra"
)

const tracerName = "github.com/alexfaker/autoGenVideo/gateway"

// OpKind names an outbound operation.
type OpKind string

const (
	OpAuthenticate OpKind = "authenticate"
	OpSendCode     OpKind = "send_code"
	OpRefresh      OpKind = "refresh"
	OpUpload       OpKind = "upload"
	OpSubmitJob    OpKind = "submit_job"
	OpPollStatus   OpKind = "poll_status"
	OpDownload     OpKind = "download"
	OpLogout       OpKind = "logout"
)

// NeedsCredential reports whether the op runs with a session credential.
// Refresh carries its own refresh token so it never asks the store.
func (k OpKind) NeedsCredential() bool {
	switch k {
	case OpAuthenticate, OpSendCode, OpRefresh:
		return false
	}
	return true
}

// DefaultRetries makes Execute use the gateway's configured retry ceiling.
const DefaultRetries = -1

// Operation is one logical outbound call. Call receives a snapshot of the
// credential (nil for credential-free ops) and a context bounded by the
// per-call timeout.
type Operation struct {
	Kind       OpKind
	AccountID  string
	MaxRetries int
	Call       func(ctx context.Context, cred *domain.Credential) error
}

// Result reports how many attempts were made and how many of them failed.
type Result struct {
	Attempts int
	Failures int
}

// Error is returned when an operation does not succeed. It matches
// domain.ErrRetryable or domain.ErrFatal under errors.Is.
type Error struct {
	Op        OpKind
	Class     Class
	Attempts  int
	Failures  int
	Exhausted bool
	Status    int
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gateway: %s %s after %d attempt(s)", e.Op, e.Class, e.Attempts)
	if e.Exhausted {
		msg += " (retries exhausted)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case domain.ErrRetryable:
		return e.Class == ClassRetryable
	case domain.ErrFatal:
		return e.Class == ClassFatal
	}
	return false
}

// CredentialSource hands out credential snapshots.
type CredentialSource interface {
	Get(ctx context.Context, accountID string) (domain.Credential, error)
	Invalidate(ctx context.Context, accountID string) error
}

// Pacer supplies inter-call delays and absorbs rate-limit signals.
type Pacer interface {
	DelayFor(account string) time.Duration
	Penalize(account string, hint time.Duration) time.Duration
	Relax(account string)
}

// Options configures a Gateway.
type Options struct {
	Credentials   CredentialSource
	Pacer         Pacer
	Classifier    Classifier
	Backoff       Backoff
	MaxRetries    int
	Timeout       time.Duration
	RatePerMinute int
	Tracer        trace.Tracer
	Logger        *infra.Logger
	// Sleep waits d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Gateway is safe for concurrent use.
type Gateway struct {
	creds      CredentialSource
	pacer      Pacer
	classifier Classifier
	backoff    Backoff
	maxRetries int
	timeout    time.Duration
	perMinute  int
	tracer     trace.Tracer
	logger     infra.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	seen     map[string]bool
	limiters map[string]*rate.Limiter
}

// New builds a Gateway, filling unset options with defaults.
func New(opts Options) *Gateway {
	g := &Gateway{
		creds:      opts.Credentials,
		pacer:      opts.Pacer,
		classifier: opts.Classifier,
		backoff:    opts.Backoff,
		maxRetries: opts.MaxRetries,
		timeout:    opts.Timeout,
		perMinute:  opts.RatePerMinute,
		tracer:     opts.Tracer,
		sleep:      opts.Sleep,
		seen:       make(map[string]bool),
		limiters:   make(map[string]*rate.Limiter),
	}
	if g.classifier.retryable == nil {
		g.classifier = NewClassifier(nil, nil)
	}
	if g.backoff.Initial <= 0 {
		g.backoff = Backoff{Initial: 2 * time.Second, Max: time.Minute}
	}
	if g.maxRetries < 0 {
		g.maxRetries = 0
	}
	if g.timeout <= 0 {
		g.timeout = 30 * time.Second
	}
	if g.tracer == nil {
		g.tracer = otel.Tracer(tracerName)
	}
	if g.sleep == nil {
		g.sleep = sleepCtx
	}
	if opts.Logger != nil {
		g.logger = infra.Component(*opts.Logger, "gateway")
	} else {
		g.logger = infra.Logger(zerolog.New(io.Discard))
	}
	return g
}

// SetCredentials wires the credential source after construction; the
// session store itself needs a gateway for refresh.
func (g *Gateway) SetCredentials(c CredentialSource) {
	g.mu.Lock()
	g.creds = c
	g.mu.Unlock()
}

// Execute runs op with retries. Cancelling ctx stops between attempts;
// a call already in flight runs to its own timeout.
func (g *Gateway) Execute(ctx context.Context, op Operation) (Result, error) {
	maxRetries := op.MaxRetries
	if maxRetries < 0 {
		maxRetries = g.maxRetries
	}
	var res Result

	if err := g.pace(ctx, op.AccountID); err != nil {
		return res, &Error{Op: op.Kind, Class: ClassCanceled, Err: err}
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, &Error{Op: op.Kind, Class: ClassCanceled, Attempts: res.Attempts, Failures: res.Failures, Err: err}
		}

		var cred *domain.Credential
		if op.Kind.NeedsCredential() {
			c, err := g.credential(ctx, op.AccountID)
			if err != nil {
				return res, &Error{Op: op.Kind, Class: ClassFatal, Attempts: res.Attempts, Failures: res.Failures, Err: err}
			}
			cred = &c
		}

		if err := g.limit(ctx, op.AccountID); err != nil {
			return res, &Error{Op: op.Kind, Class: ClassCanceled, Attempts: res.Attempts, Failures: res.Failures, Err: err}
		}

		err := g.attempt(ctx, op, cred, attempt)
		res.Attempts = attempt
		class := g.classifier.Classify(err)
		if class == ClassSuccess {
			if g.pacer != nil {
				g.pacer.Relax(op.AccountID)
			}
			return res, nil
		}
		res.Failures++

		status := statusOf(err)
		hint := retryAfterOf(err)
		if status == http.StatusTooManyRequests && g.pacer != nil {
			penalty := g.pacer.Penalize(op.AccountID, hint)
			g.logger.Warn().Str("op", string(op.Kind)).Str("account", op.AccountID).Dur("penalty", penalty).Msg("rate limited")
		}
		if op.Kind.NeedsCredential() && (status == http.StatusUnauthorized) {
			g.invalidate(ctx, op.AccountID)
			err = fmt.Errorf("%w: %v", domain.ErrAuthRequired, err)
			class = ClassFatal
		}

		gerr := &Error{Op: op.Kind, Class: class, Attempts: res.Attempts, Failures: res.Failures, Status: status, Err: err}
		if class != ClassRetryable {
			g.logger.Warn().Err(err).Str("op", string(op.Kind)).Str("account", op.AccountID).Str("class", class.String()).Msg("call failed")
			return res, gerr
		}
		if attempt > maxRetries {
			gerr.Exhausted = true
			g.logger.Warn().Err(err).Str("op", string(op.Kind)).Str("account", op.AccountID).Int("attempts", attempt).Msg("retries exhausted")
			return res, gerr
		}

		wait := g.backoff.Wait(attempt, hint)
		g.logger.Info().Err(err).Str("op", string(op.Kind)).Int("attempt", attempt).Dur("backoff", wait).Msg("retrying")
		if err := g.sleep(ctx, wait); err != nil {
			return res, &Error{Op: op.Kind, Class: ClassCanceled, Attempts: res.Attempts, Failures: res.Failures, Err: err}
		}
	}
}

func (g *Gateway) attempt(ctx context.Context, op Operation, cred *domain.Credential, attempt int) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()

	callCtx, span := g.tracer.Start(callCtx, "gateway."+string(op.Kind),
		trace.WithAttributes(
			attribute.String("gateway.op", string(op.Kind)),
			attribute.String("gateway.account", op.AccountID),
			attribute.Int("gateway.attempt", attempt),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	err := op.Call(callCtx, cred)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if status := statusOf(err); status != 0 {
			span.SetAttributes(attribute.Int("http.status_code", status))
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

func (g *Gateway) credential(ctx context.Context, account string) (domain.Credential, error) {
	g.mu.Lock()
	src := g.creds
	g.mu.Unlock()
	if src == nil {
		return domain.Credential{}, fmt.Errorf("%w: no credential source", domain.ErrAuthRequired)
	}
	return src.Get(ctx, account)
}

func (g *Gateway) invalidate(ctx context.Context, account string) {
	g.mu.Lock()
	src := g.creds
	g.mu.Unlock()
	if src == nil {
		return
	}
	if err := src.Invalidate(context.WithoutCancel(ctx), account); err != nil {
		g.logger.Error().Err(err).Str("account", account).Msg("invalidate credential")
	}
}

// pace waits the pacing delay, except before the first call of an account.
func (g *Gateway) pace(ctx context.Context, account string) error {
	if g.pacer == nil {
		return nil
	}
	g.mu.Lock()
	first := !g.seen[account]
	g.seen[account] = true
	g.mu.Unlock()
	if first {
		return nil
	}
	return g.sleep(ctx, g.pacer.DelayFor(account))
}

func (g *Gateway) limit(ctx context.Context, account string) error {
	if g.perMinute <= 0 {
		return nil
	}
	g.mu.Lock()
	l, ok := g.limiters[account]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(g.perMinute)), 1)
		g.limiters[account] = l
	}
	g.mu.Unlock()
	return l.Wait(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsCanceled reports whether err stopped because the caller cancelled.
func IsCanceled(err error) bool {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Class == ClassCanceled
	}
	return errors.Is(err, context.Canceled)
}
