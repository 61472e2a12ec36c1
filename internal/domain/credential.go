package domain

import "time"

// Credential is an authenticated session for one account on the remote service.
type Credential struct {
	AccountID    string
	AccessToken  string
	RefreshToken string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Valid reports whether the credential may be used at now.
func (c Credential) Valid(now time.Time) bool {
	return c.AccessToken != "" && now.Before(c.ExpiresAt)
}

// ExpiresWithin reports whether the credential expires inside d of now.
func (c Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !now.Add(d).Before(c.ExpiresAt)
}

// CanRefresh reports whether a refresh token is on hand.
func (c Credential) CanRefresh() bool {
	return c.RefreshToken != ""
}
