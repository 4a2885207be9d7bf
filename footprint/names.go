package footprint

import (
	"fmt"
	"strings"
	"unicode"
)

// NameResolver picks the index of the column in available that best matches
// one of the candidate names, or returns an error when none does.
type NameResolver func(available []string, candidates ...string) (int, error)

// ResolveColumn is the default NameResolver. Candidates are tried in order,
// first by exact name, then by normalised name (case and punctuation
// folded), then by normalised substring. Ambiguous substring matches are an
// error rather than a guess.
func ResolveColumn(available []string, candidates ...string) (int, error) {
	for _, c := range candidates {
		for i, a := range available {
			if a == c {
				return i, nil
			}
		}
	}

	norm := make([]string, len(available))
	for i, a := range available {
		norm[i] = normalizeName(a)
	}

	for _, c := range candidates {
		nc := normalizeName(c)
		for i, a := range norm {
			if a == nc {
				return i, nil
			}
		}
	}

	for _, c := range candidates {
		nc := normalizeName(c)
		if nc == "" {
			continue
		}
		match := -1
		for i, a := range norm {
			if !strings.Contains(a, nc) {
				continue
			}
			if match >= 0 {
				return -1, fmt.Errorf("column %q is ambiguous: matches %q and %q",
					c, available[match], available[i])
			}
			match = i
		}
		if match >= 0 {
			return match, nil
		}
	}

	return -1, fmt.Errorf("no column matches %v (available: %v)", candidates, available)
}

func normalizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
