package facematch

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// NormalizePersonName normalizes a name for comparison: lowercase, no diacritics,
// dashes and underscores become spaces and runs of whitespace collapse to one.
func NormalizePersonName(name string) string {
	name = RemoveDiacritics(name)
	name = strings.ToLower(name)
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	return strings.Join(strings.Fields(name), " ")
}

// NamesMatch reports whether two person names are equal after normalization.
func NamesMatch(a, b string) bool {
	na := NormalizePersonName(a)
	return na != "" && na == NormalizePersonName(b)
}

// ParsePersonRef interprets a CLI person reference. A positive integer is an id,
// anything else is a name to look up.
func ParsePersonRef(ref string) (id int64, name string) {
	ref = strings.TrimSpace(ref)
	if n, err := strconv.ParseInt(ref, 10, 64); err == nil && n > 0 {
		return n, ""
	}
	return 0, ref
}
