package credentials

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alexfaker/autoGenVideo/internal/domain"
)

// tokenTimes reads iat/exp from a JWT access token without verifying it;
// the signature belongs to the remote service and only the timestamps are
// used here. ok is false for opaque tokens.
func tokenTimes(token string) (issued, expires time.Time, ok bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), &claims); err != nil {
		return time.Time{}, time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, time.Time{}, false
	}
	if claims.IssuedAt != nil {
		issued = claims.IssuedAt.Time
	}
	return issued, claims.ExpiresAt.Time, true
}

// NewCredential builds a credential for a freshly obtained token. Expiry
// comes from the token's exp claim when present, otherwise now+ttl.
func NewCredential(accountID, access, refresh string, now time.Time, ttl time.Duration) domain.Credential {
	c := domain.Credential{
		AccountID:    accountID,
		AccessToken:  strings.TrimSpace(access),
		RefreshToken: strings.TrimSpace(refresh),
		IssuedAt:     now.UTC(),
		ExpiresAt:    now.Add(ttl).UTC(),
	}
	if iat, exp, ok := tokenTimes(c.AccessToken); ok {
		c.ExpiresAt = exp.UTC()
		if !iat.IsZero() {
			c.IssuedAt = iat.UTC()
		}
	}
	return c
}
