package domain

import "time"

// PacingDecision is computed per call and never persisted.
type PacingDecision struct {
	Allowed         bool
	DelayBeforeNext time.Duration
	IsOffPeak       bool
}
