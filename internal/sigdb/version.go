package sigdb

import (
	"strconv"
	"strings"
)

// CompareVersions orders two definition versions. Returns -1, 0, or 1.
//
// Versions are dotted triples, either semantic ("1.4.2") or date-like
// ("2026.01.15"). Date-like versions are compared as (year, month, day)
// tuples, which also makes any date-like version order above any
// semantic one; a dated feed always supersedes a legacy semver feed.
func CompareVersions(a, b string) int {
	at, aok := parseTriple(a)
	bt, bok := parseTriple(b)

	// Unparseable versions sort lowest so a malformed manifest can
	// never look newer than a valid local set.
	switch {
	case !aok && !bok:
		return strings.Compare(a, b)
	case !aok:
		return -1
	case !bok:
		return 1
	}

	for i := 0; i < 3; i++ {
		if at[i] != bt[i] {
			if at[i] < bt[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// IsDateVersion reports whether v looks like a YYYY.MM.DD triple.
func IsDateVersion(v string) bool {
	t, ok := parseTriple(v)
	if !ok {
		return false
	}
	return t[0] >= 1970 && t[1] >= 1 && t[1] <= 12 && t[2] >= 1 && t[2] <= 31
}

func parseTriple(v string) ([3]int, bool) {
	parts := strings.SplitN(strings.TrimSpace(v), ".", 3)
	if len(parts) != 3 {
		return [3]int{}, false
	}
	var t [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return [3]int{}, false
		}
		t[i] = n
	}
	return t, true
}
