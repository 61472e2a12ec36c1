// Package pacing decides how long to wait between outbound calls and
// whether the service's off-peak window is open.
package pacing

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/alexfaker/autoGenVideo/internal/domain"
)

// Options configures a Policy.
type Options struct {
	MinDelay     time.Duration
	MaxDelay     time.Duration
	OffPeakHours []int
	Location     *time.Location
	// RequireOffPeak gates admission on the off-peak window.
	RequireOffPeak bool
	// PenaltyBase is the extra delay after the first rate-limit signal; it
	// doubles per consecutive signal up to PenaltyMax.
	PenaltyBase time.Duration
	PenaltyMax  time.Duration
	// Seed fixes the random source. Zero seeds from the runtime.
	Seed uint64
}

// Policy is safe for concurrent use.
type Policy struct {
	min, max       time.Duration
	offPeak        [24]bool
	loc            *time.Location
	requireOffPeak bool
	penaltyBase    time.Duration
	penaltyMax     time.Duration

	mu      sync.Mutex
	rng     *rand.Rand
	penalty map[string]time.Duration
}

// New builds a policy; inverted bounds are swapped.
func New(opts Options) *Policy {
	if opts.MaxDelay < opts.MinDelay {
		opts.MinDelay, opts.MaxDelay = opts.MaxDelay, opts.MinDelay
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.PenaltyBase <= 0 {
		opts.PenaltyBase = 30 * time.Second
	}
	if opts.PenaltyMax <= 0 {
		opts.PenaltyMax = 10 * time.Minute
	}
	var src rand.Source
	if opts.Seed != 0 {
		src = rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)
	} else {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	p := &Policy{
		min:            opts.MinDelay,
		max:            opts.MaxDelay,
		loc:            opts.Location,
		requireOffPeak: opts.RequireOffPeak,
		penaltyBase:    opts.PenaltyBase,
		penaltyMax:     opts.PenaltyMax,
		rng:            rand.New(src),
		penalty:        make(map[string]time.Duration),
	}
	for _, h := range opts.OffPeakHours {
		if h >= 0 && h < 24 {
			p.offPeak[h] = true
		}
	}
	return p
}

// Zero never waits and always reports off-peak.
func Zero() *Policy {
	all := make([]int, 24)
	for i := range all {
		all[i] = i
	}
	return New(Options{OffPeakHours: all, Seed: 1, PenaltyBase: time.Nanosecond, PenaltyMax: time.Nanosecond})
}

// NextDelay draws uniformly from [MinDelay, MaxDelay].
func (p *Policy) NextDelay() time.Duration {
	span := int64(p.max - p.min)
	if span <= 0 {
		return p.min
	}
	p.mu.Lock()
	d := p.rng.Int64N(span + 1)
	p.mu.Unlock()
	return p.min + time.Duration(d)
}

// DelayFor is NextDelay plus any rate-limit penalty held for account.
func (p *Policy) DelayFor(account string) time.Duration {
	d := p.NextDelay()
	if p.max == 0 && p.min == 0 {
		return 0
	}
	p.mu.Lock()
	d += p.penalty[account]
	p.mu.Unlock()
	return d
}

// Penalize lengthens future delays for account after a rate-limit signal.
// A server supplied hint wins when it is longer than the doubled penalty.
func (p *Policy) Penalize(account string, hint time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.penalty[account] * 2
	if next == 0 {
		next = p.penaltyBase
	}
	if hint > next {
		next = hint
	}
	if next > p.penaltyMax {
		next = p.penaltyMax
	}
	p.penalty[account] = next
	return next
}

// Relax halves the penalty of account after a successful call.
func (p *Policy) Relax(account string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.penalty[account]
	if !ok {
		return
	}
	if cur /= 2; cur < p.penaltyBase {
		delete(p.penalty, account)
		return
	}
	p.penalty[account] = cur
}

// Penalty reports the current extra delay for account.
func (p *Policy) Penalty(account string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.penalty[account]
}

// IsOffPeak evaluates now's hour in the service timezone.
func (p *Policy) IsOffPeak(now time.Time) bool {
	return p.offPeak[now.In(p.loc).Hour()]
}

// RequiresOffPeak reports whether admission waits for the off-peak window.
func (p *Policy) RequiresOffPeak() bool {
	return p.requireOffPeak
}

// Decide combines the off-peak gate with the delay owed before the next call.
func (p *Policy) Decide(now time.Time, account string) domain.PacingDecision {
	off := p.IsOffPeak(now)
	return domain.PacingDecision{
		Allowed:         off || !p.requireOffPeak,
		DelayBeforeNext: p.DelayFor(account),
		IsOffPeak:       off,
	}
}

// NextOffPeak returns the start of the next off-peak hour at or after now,
// or the zero time when no off-peak hour is configured.
func (p *Policy) NextOffPeak(now time.Time) time.Time {
	local := now.In(p.loc)
	if p.offPeak[local.Hour()] {
		return now
	}
	hour := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, p.loc)
	for i := 1; i <= 24; i++ {
		candidate := hour.Add(time.Duration(i) * time.Hour)
		if p.offPeak[candidate.Hour()] {
			return candidate
		}
	}
	return time.Time{}
}
