// Command sqllint checks that every SQL constant carries a unique
// "--sql <uuid>" marker on its first line. The marker is what SQLRunner
// logs, so a missing or copied marker makes query logs ambiguous.
package main

import (
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const defaultTarget = "internal/sqlinline"

var (
	sqlKeywordPattern = regexp.MustCompile(`(?i)\b(select|insert|update|delete|with|create)\b`)
	markerPattern     = regexp.MustCompile(`^--sql ([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})$`)
)

type violation struct {
	file    string
	line    int
	name    string
	message string
}

func (v violation) String() string {
	return fmt.Sprintf("%s:%d %s (%s)", v.file, v.line, v.message, v.name)
}

type seenMarker struct {
	file string
	line int
	name string
}

type linter struct {
	fset       *token.FileSet
	markers    map[string]seenMarker
	violations []violation
}

func main() {
	flag.Parse()
	targets := flag.Args()
	if len(targets) == 0 {
		targets = []string{defaultTarget}
	}
	os.Exit(run(targets, os.Stderr))
}

func run(targets []string, stderr io.Writer) int {
	violations, err := lint(targets)
	if err != nil {
		fmt.Fprintf(stderr, "sqllint: %v\n", err)
		return 2
	}
	if len(violations) == 0 {
		return 0
	}
	fmt.Fprintf(stderr, "sqllint: %d problem(s)\n", len(violations))
	for _, v := range violations {
		fmt.Fprintf(stderr, "  %s\n", v)
	}
	return 1
}

func lint(targets []string) ([]violation, error) {
	l := &linter{fset: token.NewFileSet(), markers: make(map[string]seenMarker)}
	for _, target := range targets {
		info, err := os.Stat(target)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if filepath.Ext(target) == ".go" {
				if err := l.file(target); err != nil {
					return nil, err
				}
			}
			continue
		}
		err = filepath.WalkDir(target, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != target && (strings.HasPrefix(d.Name(), ".") || strings.HasPrefix(d.Name(), "_") || d.Name() == "vendor") {
					return filepath.SkipDir
				}
				return nil
			}
			if filepath.Ext(path) != ".go" || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			return l.file(path)
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(l.violations, func(i, j int) bool {
		a, b := l.violations[i], l.violations[j]
		if a.file != b.file {
			return a.file < b.file
		}
		return a.line < b.line
	})
	return l.violations, nil
}

func (l *linter) file(path string) error {
	f, err := parser.ParseFile(l.fset, path, nil, parser.ParseComments)
	if err != nil {
		return err
	}
	ast.Inspect(f, func(n ast.Node) bool {
		spec, ok := n.(*ast.ValueSpec)
		if !ok {
			return true
		}
		for i, value := range spec.Values {
			lit, ok := value.(*ast.BasicLit)
			if !ok || lit.Kind != token.STRING {
				continue
			}
			raw, err := unquote(lit.Value)
			if err != nil || !sqlKeywordPattern.MatchString(raw) {
				continue
			}
			name := "_"
			if i < len(spec.Names) {
				name = spec.Names[i].Name
			}
			l.check(path, l.fset.Position(lit.Pos()).Line, name, raw)
		}
		return true
	})
	return nil
}

func (l *linter) check(path string, line int, name, raw string) {
	m := markerPattern.FindStringSubmatch(firstLine(raw))
	if m == nil {
		l.violations = append(l.violations, violation{file: path, line: line, name: name, message: "missing or invalid --sql <uuid> marker"})
		return
	}
	if prev, dup := l.markers[m[1]]; dup {
		l.violations = append(l.violations, violation{
			file:    path,
			line:    line,
			name:    name,
			message: fmt.Sprintf("marker %s already used by %s at %s:%d", m[1], prev.name, prev.file, prev.line),
		})
		return
	}
	l.markers[m[1]] = seenMarker{file: path, line: line, name: name}
}

func firstLine(s string) string {
	s = strings.TrimLeft(s, "\n\r \t")
	if idx := strings.IndexAny(s, "\n\r"); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}

func unquote(v string) (string, error) {
	if v == "" {
		return v, nil
	}
	if v[0] == '`' {
		return v[1 : len(v)-1], nil
	}
	return strconv.Unquote(v)
}
