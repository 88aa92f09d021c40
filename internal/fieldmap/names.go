package fieldmap

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/Napageneral/chms/internal/chms"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// FoldName lowercases, strips diacritics and collapses whitespace so that
// "José  Núñez" and "jose nunez" compare equal.
func FoldName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(t, s); err == nil {
		s = out
	}
	return whitespaceRe.ReplaceAllString(s, " ")
}

// NamesMatch reports whether two first/last name pairs refer to the same
// name after folding. A nickname on either side is accepted for the first name.
func NamesMatch(firstA, lastA, firstB, lastB string, nicknames ...string) bool {
	if FoldName(lastA) == "" || FoldName(lastA) != FoldName(lastB) {
		return false
	}
	fb := FoldName(firstB)
	if FoldName(firstA) == fb {
		return true
	}
	for _, n := range nicknames {
		if n != "" && FoldName(n) == fb {
			return true
		}
	}
	return false
}

// DisplayName joins the preferred first name with the last name.
func DisplayName(first, nickname, last string) string {
	f := strings.TrimSpace(nickname)
	if f == "" {
		f = strings.TrimSpace(first)
	}
	return strings.TrimSpace(f + " " + strings.TrimSpace(last))
}

// RankByName moves people whose folded name matches first and last to the
// front, keeping provider order otherwise. Providers search loosely, so
// "Jose Nunez" may come back behind partial matches.
func RankByName(people []chms.Person, first, last string) []chms.Person {
	out := append([]chms.Person(nil), people...)
	if FoldName(last) == "" {
		return out
	}
	match := func(p chms.Person) bool {
		return NamesMatch(p.FirstName, p.LastName, first, last, p.Nickname)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return match(out[i]) && !match(out[j])
	})
	return out
}
