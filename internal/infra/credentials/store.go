// Package credentials is the session store: it owns per-account credentials,
// keeps them sealed at rest and refreshes them, one refresh per account at a
// time.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/alexfaker/autoGenVideo/internal/domain"
	"github.com/alexfaker/autoGenVideo/internal/infra"
)

// Refresher exchanges a credential's refresh token for a new credential.
// Implementations must not read from the Store they refresh for.
type Refresher interface {
	Refresh(ctx context.Context, cur domain.Credential) (domain.Credential, error)
}

// RefreshFunc adapts a function to Refresher.
type RefreshFunc func(ctx context.Context, cur domain.Credential) (domain.Credential, error)

func (f RefreshFunc) Refresh(ctx context.Context, cur domain.Credential) (domain.Credential, error) {
	return f(ctx, cur)
}

// Options configures a Store.
type Options struct {
	Repo      domain.CredentialRepository
	Sealer    *Sealer
	Refresher Refresher
	// RefreshThreshold starts a background refresh for credentials
	// expiring within it.
	RefreshThreshold time.Duration
	Now              func() time.Time
	Logger           *infra.Logger
}

type Store struct {
	repo      domain.CredentialRepository
	sealer    *Sealer
	threshold time.Duration
	now       func() time.Time
	logger    infra.Logger

	mu        sync.Mutex
	refresher Refresher
	cache     map[string]domain.Credential
	flights   singleflight.Group

	// base bounds background refreshes; Close cancels it.
	base   context.Context
	stop   context.CancelFunc
	closed bool
	bg     sync.WaitGroup
}

func NewStore(opts Options) (*Store, error) {
	if opts.Repo == nil {
		return nil, errors.New("credentials: repository is required")
	}
	if opts.Sealer == nil {
		return nil, errors.New("credentials: sealer is required")
	}
	s := &Store{
		repo:      opts.Repo,
		sealer:    opts.Sealer,
		threshold: opts.RefreshThreshold,
		now:       opts.Now,
		refresher: opts.Refresher,
		cache:     make(map[string]domain.Credential),
	}
	s.base, s.stop = context.WithCancel(context.Background())
	if s.now == nil {
		s.now = time.Now
	}
	if opts.Logger != nil {
		s.logger = infra.Component(*opts.Logger, "session")
	} else {
		s.logger = infra.Logger(zerolog.New(io.Discard))
	}
	return s, nil
}

// Close cancels background refreshes and waits for them to return.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
	s.bg.Wait()
}

// SetRefresher wires the refresher after construction.
func (s *Store) SetRefresher(r Refresher) {
	s.mu.Lock()
	s.refresher = r
	s.mu.Unlock()
}

// Get returns a valid credential snapshot for account. An expired
// credential is refreshed first; ErrAuthRequired is returned when that is
// impossible or fails.
func (s *Store) Get(ctx context.Context, accountID string) (domain.Credential, error) {
	cred, err := s.load(ctx, accountID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Credential{}, fmt.Errorf("%w: no credential for %s", domain.ErrAuthRequired, accountID)
	}
	if err != nil {
		return domain.Credential{}, err
	}

	now := s.now()
	if cred.Valid(now) {
		if s.threshold > 0 && cred.CanRefresh() && cred.ExpiresWithin(now, s.threshold) {
			s.refreshInBackground(accountID)
		}
		return cred, nil
	}

	if !cred.CanRefresh() {
		return domain.Credential{}, fmt.Errorf("%w: credential for %s expired at %s", domain.ErrAuthRequired, accountID, cred.ExpiresAt.Format(time.RFC3339))
	}
	return s.refresh(ctx, accountID)
}

// Put stores cred, replacing any credential held for the account.
func (s *Store) Put(ctx context.Context, cred domain.Credential) error {
	if strings.TrimSpace(cred.AccountID) == "" {
		return errors.New("credentials: account id is required")
	}
	if strings.TrimSpace(cred.AccessToken) == "" {
		return errors.New("credentials: access token is required")
	}
	if cred.ExpiresAt.IsZero() {
		return errors.New("credentials: expiry is required")
	}
	plain, err := json.Marshal(sealedPayload{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		IssuedAt:     cred.IssuedAt,
		ExpiresAt:    cred.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("credentials: encode: %w", err)
	}
	sealed, err := s.sealer.Seal(plain)
	if err != nil {
		return err
	}
	if err := s.repo.Put(ctx, domain.SealedCredential{
		AccountID: cred.AccountID,
		Sealed:    sealed,
		ExpiresAt: cred.ExpiresAt,
		UpdatedAt: s.now().UTC(),
	}); err != nil {
		return fmt.Errorf("credentials: persist %s: %w", cred.AccountID, err)
	}
	s.mu.Lock()
	s.cache[cred.AccountID] = cred
	s.mu.Unlock()
	return nil
}

// Invalidate forgets the account's credential in memory and at rest.
func (s *Store) Invalidate(ctx context.Context, accountID string) error {
	s.mu.Lock()
	delete(s.cache, accountID)
	s.mu.Unlock()
	if err := s.repo.Delete(ctx, accountID); err != nil {
		return fmt.Errorf("credentials: delete %s: %w", accountID, err)
	}
	s.logger.Info().Str("account", accountID).Msg("credential invalidated")
	return nil
}

// AccountStatus summarises one stored credential without exposing tokens.
type AccountStatus struct {
	AccountID   string    `json:"account_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	Valid       bool      `json:"valid"`
	Refreshable bool      `json:"refreshable"`
}

// Accounts lists stored accounts.
func (s *Store) Accounts(ctx context.Context) ([]AccountStatus, error) {
	rows, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("credentials: list: %w", err)
	}
	now := s.now()
	out := make([]AccountStatus, 0, len(rows))
	for _, row := range rows {
		st := AccountStatus{AccountID: row.AccountID, ExpiresAt: row.ExpiresAt, Valid: now.Before(row.ExpiresAt)}
		if cred, err := s.unseal(row); err == nil {
			st.Refreshable = cred.CanRefresh()
		}
		out = append(out, st)
	}
	return out, nil
}

type sealedPayload struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (s *Store) load(ctx context.Context, accountID string) (domain.Credential, error) {
	s.mu.Lock()
	cred, ok := s.cache[accountID]
	s.mu.Unlock()
	if ok {
		return cred, nil
	}

	row, err := s.repo.Get(ctx, accountID)
	if err != nil {
		return domain.Credential{}, err
	}
	cred, err = s.unseal(*row)
	if err != nil {
		return domain.Credential{}, err
	}
	s.mu.Lock()
	s.cache[accountID] = cred
	s.mu.Unlock()
	return cred, nil
}

func (s *Store) unseal(row domain.SealedCredential) (domain.Credential, error) {
	plain, err := s.sealer.Open(row.Sealed)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("credentials: %s: %w", row.AccountID, err)
	}
	var p sealedPayload
	if err := json.Unmarshal(plain, &p); err != nil {
		return domain.Credential{}, fmt.Errorf("credentials: decode %s: %w", row.AccountID, err)
	}
	return domain.Credential{
		AccountID:    row.AccountID,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		IssuedAt:     p.IssuedAt,
		ExpiresAt:    p.ExpiresAt,
	}, nil
}

// refresh runs at most one refresh per account; concurrent callers share
// its outcome. A fatal refresh failure invalidates the credential.
func (s *Store) refresh(ctx context.Context, accountID string) (domain.Credential, error) {
	ch := s.flights.DoChan(accountID, func() (any, error) {
		return s.doRefresh(context.WithoutCancel(ctx), accountID)
	})
	select {
	case <-ctx.Done():
		return domain.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.Credential{}, res.Err
		}
		return res.Val.(domain.Credential), nil
	}
}

func (s *Store) refreshInBackground(accountID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.bg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.bg.Done()
		_, err, _ := s.flights.Do(accountID, func() (any, error) {
			return s.doRefresh(s.base, accountID)
		})
		if err != nil && s.base.Err() == nil {
			s.logger.Warn().Err(err).Str("account", accountID).Msg("background refresh failed")
		}
	}()
}

func (s *Store) doRefresh(ctx context.Context, accountID string) (domain.Credential, error) {
	s.mu.Lock()
	refresher := s.refresher
	s.mu.Unlock()

	cur, err := s.load(ctx, accountID)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("%w: %v", domain.ErrAuthRequired, err)
	}
	if cur.Valid(s.now()) && !cur.ExpiresWithin(s.now(), s.threshold) {
		return cur, nil
	}
	if refresher == nil || !cur.CanRefresh() {
		return domain.Credential{}, fmt.Errorf("%w: credential for %s cannot be refreshed", domain.ErrAuthRequired, accountID)
	}

	s.logger.Info().Str("account", accountID).Msg("refreshing credential")
	next, err := refresher.Refresh(ctx, cur)
	if err != nil {
		if !errors.Is(err, domain.ErrRetryable) && ctx.Err() == nil {
			if invErr := s.Invalidate(ctx, accountID); invErr != nil {
				s.logger.Error().Err(invErr).Str("account", accountID).Msg("invalidate after failed refresh")
			}
		}
		return domain.Credential{}, fmt.Errorf("%w: refresh %s: %v", domain.ErrAuthRequired, accountID, err)
	}
	next.AccountID = accountID
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if err := s.Put(ctx, next); err != nil {
		return domain.Credential{}, err
	}
	return next, nil
}
