package deduper

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"hashdb/internal/fsmeta"
	"hashdb/internal/storage"
)

// markerPattern matches the tails that copy tools and file managers append
// to a duplicated file's stem.
var markerPattern = regexp.MustCompile(`(?i)(?:_\d{1,3}|\s\(\d+\)|\s-\s?\d+|[\s_-]copy(?:\s\d+)?|-edited)$`)

// HasMarker reports whether the file name, ignoring its extension, carries a
// duplicate marker such as "_1", " (2)", " -3", " copy" or "-edited".
func HasMarker(name string) bool {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	return markerPattern.MatchString(stem)
}

// Less orders duplicate candidates best-first. It is a strict total order:
//  1. fewer path segments
//  2. shorter file name, counted in runes
//  3. a name without a duplicate marker
//  4. earlier creation time; an unknown creation time ranks last
//  5. lexicographically smaller path
func Less(a, b storage.Record) bool {
	if sa, sb := fsmeta.Segments(a.Path), fsmeta.Segments(b.Path); sa != sb {
		return sa < sb
	}
	if la, lb := utf8.RuneCountInString(nameOf(a)), utf8.RuneCountInString(nameOf(b)); la != lb {
		return la < lb
	}
	if ma, mb := HasMarker(nameOf(a)), HasMarker(nameOf(b)); ma != mb {
		return !ma
	}
	switch {
	case a.CreatedAt != nil && b.CreatedAt == nil:
		return true
	case a.CreatedAt == nil && b.CreatedAt != nil:
		return false
	case a.CreatedAt != nil && b.CreatedAt != nil && !a.CreatedAt.Equal(*b.CreatedAt):
		return a.CreatedAt.Before(*b.CreatedAt)
	}
	return a.Path < b.Path
}

func nameOf(r storage.Record) string {
	if r.Name != "" {
		return r.Name
	}
	return filepath.Base(r.Path)
}
