package domain

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]JobState]bool{
		{JobStateQueued, JobStateSubmitting}:  true,
		{JobStateQueued, JobStateFailed}:      true,
		{JobStateSubmitting, JobStatePending}: true,
		{JobStateSubmitting, JobStateQueued}:  true,
		{JobStateSubmitting, JobStateFailed}:  true,
		{JobStatePending, JobStatePending}:    true,
		{JobStatePending, JobStateCompleted}:  true,
		{JobStatePending, JobStateQueued}:     true,
		{JobStatePending, JobStateFailed}:     true,
	}
	for _, from := range AllJobStates {
		for _, to := range AllJobStates {
			want := allowed[[2]JobState{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	for _, s := range []JobState{JobStateCompleted, JobStateFailed} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
		for _, to := range AllJobStates {
			if CanTransition(s, to) {
				t.Fatalf("terminal state %s must not transition to %s", s, to)
			}
		}
	}
}

func TestParseJobState(t *testing.T) {
	if s, err := ParseJobState("pending"); err != nil || s != JobStatePending {
		t.Fatalf("ParseJobState(pending) = %q, %v", s, err)
	}
	if _, err := ParseJobState("running"); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}

func TestCredentialValidity(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := Credential{AccessToken: "tok", ExpiresAt: now.Add(10 * time.Minute)}
	if !c.Valid(now) {
		t.Fatalf("credential should be valid")
	}
	if c.Valid(now.Add(10 * time.Minute)) {
		t.Fatalf("credential must be invalid at its expiry instant")
	}
	if !c.ExpiresWithin(now, 30*time.Minute) {
		t.Fatalf("credential should be inside the refresh window")
	}
	if c.ExpiresWithin(now, time.Minute) {
		t.Fatalf("credential should be outside a one minute window")
	}
	if (Credential{ExpiresAt: now.Add(time.Hour)}).Valid(now) {
		t.Fatalf("credential without token must be invalid")
	}
}
