package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeGo(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("package q\n\n"+body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLintFindsMissingAndDuplicateMarkers(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "a.go", "const QOne = `--sql 11111111-2222-3333-4444-555555555555\nselect 1;`\n\n"+
		"const QBare = `select 2;`\n\n"+
		"const Label = \"not sql at all\"\n")
	writeGo(t, dir, "b.go", "const QCopy = `--sql 11111111-2222-3333-4444-555555555555\ndelete from t;`\n")
	writeGo(t, dir, "b_test.go", "const QIgnored = `select 3;`\n")

	vs, err := lint([]string{dir})
	if err != nil {
		t.Fatalf("lint: %v", err)
	}
	if len(vs) != 2 {
		t.Fatalf("violations = %v", vs)
	}
	if vs[0].name != "QBare" || !strings.Contains(vs[0].message, "missing") {
		t.Fatalf("first violation = %v", vs[0])
	}
	if vs[1].name != "QCopy" || !strings.Contains(vs[1].message, "QOne") {
		t.Fatalf("second violation = %v", vs[1])
	}
}

func TestRunExitCodes(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "ok.go", "const QOk = `--sql aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee\ncreate table t (id int);`\n")
	var stderr bytes.Buffer
	if code := run([]string{dir}, &stderr); code != 0 {
		t.Fatalf("clean tree exit = %d: %s", code, stderr.String())
	}
	writeGo(t, dir, "bad.go", "var QBad = \"update t set id = 1\"\n")
	if code := run([]string{dir}, &stderr); code != 1 || !strings.Contains(stderr.String(), "QBad") {
		t.Fatalf("dirty tree exit = %d: %s", code, stderr.String())
	}
	if code := run([]string{filepath.Join(dir, "missing")}, &stderr); code != 2 {
		t.Fatalf("missing target exit = %d", code)
	}
}

func TestRepositoryQueriesAreMarked(t *testing.T) {
	vs, err := lint([]string{filepath.Join("..", "..", "sqlinline")})
	if err != nil {
		t.Fatalf("lint: %v", err)
	}
	for _, v := range vs {
		t.Errorf("%s", v)
	}
}
