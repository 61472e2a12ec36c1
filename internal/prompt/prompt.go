// Package prompt normalizes user prompts and reads prompt files.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// MaxRunes bounds a normalized prompt.
const MaxRunes = 1500

// ErrEmpty is returned for prompts with no visible text.
var ErrEmpty = errors.New("prompt: empty prompt")

// Normalize returns the canonical form sent upstream: NFC, full-width ASCII
// folded to half-width, control characters dropped, runs of whitespace
// collapsed, and trimmed to MaxRunes.
func Normalize(s string) (string, error) {
	s = norm.NFC.String(s)
	s = foldASCII(s)

	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			space = true
			continue
		case unicode.IsControl(r):
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	out := b.String()
	if out == "" {
		return "", ErrEmpty
	}
	if utf8.RuneCountInString(out) > MaxRunes {
		out = strings.TrimSpace(string([]rune(out)[:MaxRunes]))
	}
	return out, nil
}

// foldASCII narrows full-width ASCII and the ideographic space while
// leaving CJK text untouched.
func foldASCII(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '　' || (r >= '！' && r <= '～') {
			if folded := width.Narrow.String(string(r)); folded != "" {
				b.WriteString(folded)
				continue
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

// LoadFile reads one prompt per non-blank line. Lines starting with '#'
// are comments.
func LoadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("prompt: open %s: %w", path, err)
	}
	defer f.Close()

	var prompts []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\uFEFF"))
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		p, err := Normalize(text)
		if err != nil {
			return nil, fmt.Errorf("prompt: %s:%d: %w", path, line, err)
		}
		prompts = append(prompts, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("prompt: read %s: %w", path, err)
	}
	if len(prompts) == 0 {
		return nil, fmt.Errorf("prompt: %s has no prompts: %w", path, ErrEmpty)
	}
	return prompts, nil
}
