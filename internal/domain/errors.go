package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAuthRequired      = errors.New("authentication required")
	ErrRetryable         = errors.New("retryable failure")
	ErrFatal             = errors.New("fatal failure")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidImage      = errors.New("invalid image")
	ErrDownloadIntegrity = errors.New("download integrity failure")
	ErrConcurrencyLimit  = errors.New("concurrency limit reached")
)
