package imageprep

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"unicode"
)

// ScanDir lists supported images in dir, sorted so that img2 precedes
// img10.
func ScanDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("imageprep: scan %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !IsSupported(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	slices.SortFunc(out, func(a, b string) int {
		return naturalCompare(filepath.Base(a), filepath.Base(b))
	})
	return out, nil
}

// naturalCompare orders digit runs numerically and everything else bytewise.
func naturalCompare(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	i, j := 0, 0
	for i < len(ra) && j < len(rb) {
		if unicode.IsDigit(ra[i]) && unicode.IsDigit(rb[j]) {
			si := i
			for i < len(ra) && unicode.IsDigit(ra[i]) {
				i++
			}
			sj := j
			for j < len(rb) && unicode.IsDigit(rb[j]) {
				j++
			}
			na, errA := strconv.ParseUint(string(ra[si:i]), 10, 64)
			nb, errB := strconv.ParseUint(string(rb[sj:j]), 10, 64)
			if errA == nil && errB == nil && na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			if c := slices.Compare(ra[si:i], rb[sj:j]); c != 0 {
				return c
			}
			continue
		}
		if ra[i] != rb[j] {
			if ra[i] < rb[j] {
				return -1
			}
			return 1
		}
		i++
		j++
	}
	return (len(ra) - i) - (len(rb) - j)
}
