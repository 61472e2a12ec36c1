package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alexfaker/autoGenVideo/internal/domain"
)

// MemoryStore keeps jobs and credentials in process memory. It backs
// STORE_DRIVER=memory and the unit tests of the layers above.
type MemoryStore struct {
	mu    sync.Mutex
	seq   int64
	jobs  []domain.Job
	creds map[string]domain.SealedCredential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]domain.SealedCredential)}
}

func (m *MemoryStore) Jobs() domain.JobRepository { return memoryJobs{m} }

func (m *MemoryStore) Credentials() domain.CredentialRepository { return memoryCredentials{m} }

type memoryJobs struct{ m *MemoryStore }

func (r memoryJobs) Insert(_ context.Context, job *domain.Job) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, existing := range r.m.jobs {
		if existing.CorrelationID == job.CorrelationID {
			return fmt.Errorf("insert job %s: duplicate correlation id", job.CorrelationID)
		}
	}
	r.m.seq++
	job.Seq = r.m.seq
	r.m.jobs = append(r.m.jobs, *job)
	return nil
}

func (r memoryJobs) Update(_ context.Context, job *domain.Job) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for i := range r.m.jobs {
		if r.m.jobs[i].CorrelationID == job.CorrelationID {
			r.m.jobs[i] = *job
			return nil
		}
	}
	return fmt.Errorf("update job %s: %w", job.CorrelationID, domain.ErrNotFound)
}

func (r memoryJobs) Load(context.Context) ([]domain.Job, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := make([]domain.Job, len(r.m.jobs))
	copy(out, r.m.jobs)
	return out, nil
}

func (r memoryJobs) Delete(_ context.Context, correlationIDs []string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	drop := make(map[string]struct{}, len(correlationIDs))
	for _, id := range correlationIDs {
		drop[id] = struct{}{}
	}
	kept := r.m.jobs[:0]
	for _, j := range r.m.jobs {
		if _, ok := drop[j.CorrelationID]; !ok {
			kept = append(kept, j)
		}
	}
	r.m.jobs = kept
	return nil
}

type memoryCredentials struct{ m *MemoryStore }

func (r memoryCredentials) Get(_ context.Context, accountID string) (*domain.SealedCredential, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.creds[accountID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c.Sealed = append([]byte(nil), c.Sealed...)
	return &c, nil
}

func (r memoryCredentials) Put(_ context.Context, c domain.SealedCredential) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c.Sealed = append([]byte(nil), c.Sealed...)
	r.m.creds[c.AccountID] = c
	return nil
}

func (r memoryCredentials) Delete(_ context.Context, accountID string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	delete(r.m.creds, accountID)
	return nil
}

func (r memoryCredentials) List(context.Context) ([]domain.SealedCredential, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := make([]domain.SealedCredential, 0, len(r.m.creds))
	for _, c := range r.m.creds {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}
