package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/alexfaker/autoGenVideo/internal/domain"
)

// Class is the outcome category of one call.
type Class int

const (
	ClassSuccess Class = iota
	ClassRetryable
	ClassFatal
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassRetryable:
		return "retryable"
	case ClassFatal:
		return "fatal"
	case ClassCanceled:
		return "canceled"
	}
	return "unknown"
}

// StatusCoder is implemented by provider errors carrying an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// RetryAfterer is implemented by errors carrying a server wait hint.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// Classifier maps call errors to classes. Status codes listed in Fatal win
// over Retryable; unlisted 5xx are retryable and everything else is fatal.
type Classifier struct {
	retryable map[int]bool
	fatal     map[int]bool
}

// DefaultRetryableStatus are retried when no policy is configured.
var DefaultRetryableStatus = []int{408, 429, 500, 502, 503, 504}

// NewClassifier builds the status policy. A nil retryable list uses the defaults.
func NewClassifier(retryable, fatal []int) Classifier {
	if retryable == nil {
		retryable = DefaultRetryableStatus
	}
	c := Classifier{retryable: make(map[int]bool), fatal: make(map[int]bool)}
	for _, code := range retryable {
		c.retryable[code] = true
	}
	for _, code := range fatal {
		c.fatal[code] = true
	}
	return c
}

// Classify returns the class of err.
func (c Classifier) Classify(err error) Class {
	if err == nil {
		return ClassSuccess
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if errors.Is(err, domain.ErrAuthRequired) || errors.Is(err, domain.ErrFatal) {
		return ClassFatal
	}
	if errors.Is(err, domain.ErrRetryable) {
		return ClassRetryable
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return c.classifyStatus(sc.StatusCode())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable
	}
	return ClassFatal
}

func (c Classifier) classifyStatus(code int) Class {
	switch {
	case code >= 200 && code < 300:
		return ClassSuccess
	case c.fatal[code]:
		return ClassFatal
	case c.retryable[code]:
		return ClassRetryable
	case code >= 500:
		return ClassRetryable
	}
	return ClassFatal
}

func statusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

func retryAfterOf(err error) time.Duration {
	var ra RetryAfterer
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}
