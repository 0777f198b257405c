// Package gitref classifies and normalizes git revision references.
package gitref

import "strings"

// Kind is the sort of revision a reference names.
type Kind int

// Reference kinds.
const (
	// KindBranch is a branch head, writable.
	KindBranch Kind = iota
	// KindTag is a tag, read-only.
	KindTag
	// KindCommit is a raw commit id, read-only.
	KindCommit
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindBranch:
		return "branch"
	case KindTag:
		return "tag"
	case KindCommit:
		return "commit"
	}
	return "unknown"
}

// Ref is a classified revision reference.
type Ref struct {
	// Name is the short name, eg "main", "v1.0", or the full commit id.
	Name string
	Kind Kind
}

// Writable reports whether content can be committed to the reference.
// Only branches accept writes.
func (r Ref) Writable() bool {
	return r.Kind == KindBranch
}

func isHexCommit(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Parse classifies raw. Fully qualified forms (refs/heads/X,
// refs/tags/X) and their common abbreviations (heads/X, tags/X) are
// recognized; a 40-char hex string is a commit id; anything else is
// treated as a branch name.
func Parse(raw string) Ref {
	switch {
	case strings.HasPrefix(raw, "refs/heads/"):
		return Ref{Name: raw[len("refs/heads/"):], Kind: KindBranch}
	case strings.HasPrefix(raw, "heads/"):
		return Ref{Name: raw[len("heads/"):], Kind: KindBranch}
	case strings.HasPrefix(raw, "refs/tags/"):
		return Ref{Name: raw[len("refs/tags/"):], Kind: KindTag}
	case strings.HasPrefix(raw, "tags/"):
		return Ref{Name: raw[len("tags/"):], Kind: KindTag}
	case isHexCommit(raw):
		return Ref{Name: strings.ToLower(raw), Kind: KindCommit}
	}
	return Ref{Name: raw, Kind: KindBranch}
}
