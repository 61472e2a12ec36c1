package repo

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alexfaker/autoGenVideo/internal/domain"
	"github.com/alexfaker/autoGenVideo/internal/sqlinline"
)

type stubExecutor struct {
	seq      int64
	affected int64
	err      error
	queries  []string
	args     [][]any
}

func (s *stubExecutor) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.queries = append(s.queries, query)
	s.args = append(s.args, args)
	if s.err != nil {
		return pgconn.CommandTag{}, s.err
	}
	return pgconn.NewCommandTag("UPDATE " + strconv.FormatInt(s.affected, 10)), nil
}

func (s *stubExecutor) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	s.queries = append(s.queries, query)
	s.args = append(s.args, args)
	return stubRow{seq: s.seq, err: s.err}
}

func (s *stubExecutor) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

type stubRow struct {
	seq int64
	err error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	ptr, ok := dest[0].(*int64)
	if !ok {
		return errors.New("invalid dest")
	}
	*ptr = r.seq
	return nil
}

func TestJobRepositoryPGInsert(t *testing.T) {
	exec := &stubExecutor{seq: 42}
	repo := NewJobRepositoryPG(exec)
	job := sampleJob("c-1")

	if err := repo.Insert(context.Background(), &job); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	if job.Seq != 42 {
		t.Fatalf("Seq = %d, want 42", job.Seq)
	}
	if exec.queries[0] != sqlinline.QInsertJob {
		t.Fatalf("unexpected query: %q", exec.queries[0])
	}
	args := exec.args[0]
	if len(args) != 21 {
		t.Fatalf("expected 21 args, got %d", len(args))
	}
	if args[0] != "c-1" || args[6] != string(domain.JobStateQueued) {
		t.Fatalf("unexpected args: %#v", args[:7])
	}
	if input, _ := args[3].(string); !strings.Contains(input, `"aspect_ratio":"16:9"`) {
		t.Fatalf("input json not encoded: %v", args[3])
	}
}

func TestJobRepositoryPGUpdateNotFound(t *testing.T) {
	exec := &stubExecutor{affected: 0}
	job := sampleJob("c-1")
	err := NewJobRepositoryPG(exec).Update(context.Background(), &job)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobRepositoryPGUpdate(t *testing.T) {
	exec := &stubExecutor{affected: 1}
	job := sampleJob("c-1")
	job.State = domain.JobStatePending
	job.JobID = "remote-1"
	if err := NewJobRepositoryPG(exec).Update(context.Background(), &job); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	args := exec.args[0]
	if args[0] != "c-1" || args[1] != "remote-1" || args[3] != "pending" {
		t.Fatalf("unexpected args: %#v", args[:4])
	}
}

func TestJobRepositoryPGDeleteSkipsEmpty(t *testing.T) {
	exec := &stubExecutor{}
	if err := NewJobRepositoryPG(exec).Delete(context.Background(), nil); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if len(exec.queries) != 0 {
		t.Fatalf("expected no query, got %d", len(exec.queries))
	}
}

func TestCredentialRepositoryPGGetMissing(t *testing.T) {
	exec := &stubExecutor{err: pgx.ErrNoRows}
	_, err := NewCredentialRepositoryPG(exec).Get(context.Background(), "acct")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSchemaQueriesCarryMarkers(t *testing.T) {
	for _, q := range []string{sqlinline.QPGCreateSchema, sqlinline.QSQLiteCreateSchema, sqlinline.QInsertJob, sqlinline.QSQLiteInsertJob} {
		if !strings.HasPrefix(q, "--sql ") {
			t.Fatalf("query without marker: %.40q", q)
		}
	}
}

func TestMemoryStoreJobs(t *testing.T) {
	ctx := context.Background()
	jobs := NewMemoryStore().Jobs()
	a, b := sampleJob("a"), sampleJob("b")
	if err := jobs.Insert(ctx, &a); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := jobs.Insert(ctx, &b); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := jobs.Insert(ctx, &a); err == nil {
		t.Fatalf("expected duplicate error")
	}
	a.State = domain.JobStateSubmitting
	if err := jobs.Update(ctx, &a); err != nil {
		t.Fatalf("Update: %v", err)
	}
	loaded, _ := jobs.Load(ctx)
	if len(loaded) != 2 || loaded[0].State != domain.JobStateSubmitting || loaded[1].CorrelationID != "b" {
		t.Fatalf("unexpected jobs: %+v", loaded)
	}
	_ = jobs.Delete(ctx, []string{"a"})
	loaded, _ = jobs.Load(ctx)
	if len(loaded) != 1 || loaded[0].CorrelationID != "b" {
		t.Fatalf("unexpected jobs after delete: %+v", loaded)
	}
}
