package domain

import (
	"context"
	"time"
)

// JobRepository persists job records. Load returns jobs in insertion order.
type JobRepository interface {
	Insert(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
	Load(ctx context.Context) ([]Job, error)
	Delete(ctx context.Context, correlationIDs []string) error
}

// SealedCredential is the at-rest form of a Credential.
type SealedCredential struct {
	AccountID string
	Sealed    []byte
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// CredentialRepository persists sealed credentials keyed by account.
type CredentialRepository interface {
	Get(ctx context.Context, accountID string) (*SealedCredential, error)
	Put(ctx context.Context, cred SealedCredential) error
	Delete(ctx context.Context, accountID string) error
	List(ctx context.Context) ([]SealedCredential, error)
}
