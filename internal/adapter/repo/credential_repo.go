package repo

import (
	"context"
	"fmt"

	"github.com/alexfaker/autoGenVideo/internal/domain"
	"github.com/alexfaker/autoGenVideo/internal/infra"
	"github.com/alexfaker/autoGenVideo/internal/sqlinline"
)

// CredentialRepositoryPG implements domain.CredentialRepository backed by PostgreSQL.
type CredentialRepositoryPG struct {
	sql infra.SQLExecutor
}

func NewCredentialRepositoryPG(sql infra.SQLExecutor) *CredentialRepositoryPG {
	return &CredentialRepositoryPG{sql: sql}
}

func (r *CredentialRepositoryPG) Get(ctx context.Context, accountID string) (*domain.SealedCredential, error) {
	var c domain.SealedCredential
	row := r.sql.QueryRow(ctx, sqlinline.QSelectCredential, accountID)
	if err := row.Scan(&c.AccountID, &c.Sealed, &c.ExpiresAt, &c.UpdatedAt); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("select credential %s: %w", accountID, err)
	}
	return &c, nil
}

func (r *CredentialRepositoryPG) Put(ctx context.Context, c domain.SealedCredential) error {
	if _, err := r.sql.Exec(ctx, sqlinline.QUpsertCredential, c.AccountID, c.Sealed, c.ExpiresAt.UTC(), c.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("upsert credential %s: %w", c.AccountID, err)
	}
	return nil
}

func (r *CredentialRepositoryPG) Delete(ctx context.Context, accountID string) error {
	if _, err := r.sql.Exec(ctx, sqlinline.QDeleteCredential, accountID); err != nil {
		return fmt.Errorf("delete credential %s: %w", accountID, err)
	}
	return nil
}

func (r *CredentialRepositoryPG) List(ctx context.Context) ([]domain.SealedCredential, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QSelectCredentials)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []domain.SealedCredential
	for rows.Next() {
		var c domain.SealedCredential
		if err := rows.Scan(&c.AccountID, &c.Sealed, &c.ExpiresAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

var _ domain.CredentialRepository = (*CredentialRepositoryPG)(nil)
