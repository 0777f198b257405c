package fs

import (
	"net/url"
	gopath "path"
	"strings"
)

// NormalizePath canonicalizes a logical path: backslashes become slashes,
// repeated slashes collapse, a leading "/" is enforced and a trailing "/"
// is applied or stripped per asDir. ".." segments are rejected because a
// logical path must never escape its mount.
func NormalizePath(p string, asDir bool) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if seg == ".." {
			return "", newError(CodeDotsInPath, 400, true, "path %q contains '..'", p)
		}
	}
	if p != "/" {
		p = strings.TrimRight(p, "/")
		if asDir {
			p += "/"
		}
	}
	return p, nil
}

// ParentPath returns the parent directory of p with a trailing slash.
// The parent of the root is the root.
func ParentPath(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	dir := gopath.Dir(p)
	if dir == "/" {
		return "/"
	}
	return dir + "/"
}

// LeafName returns the last path segment of p, "" for the root.
func LeafName(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return ""
	}
	return gopath.Base(p)
}

// IsRoot reports whether p refers to the mount root.
func IsRoot(p string) bool {
	return strings.Trim(p, "/") == ""
}

// IsDirPath reports whether p is a directory reference (trailing slash or
// root).
func IsDirPath(p string) bool {
	return p == "/" || strings.HasSuffix(p, "/")
}

// JoinPath joins a normalized directory path and a child name.
func JoinPath(dir, name string) string {
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return dir + strings.TrimLeft(name, "/")
}

// SubPath strips the leading slash for use as a backend-relative path.
func SubPath(p string) string {
	return strings.Trim(p, "/")
}

// EscapePath escapes a logical path segment-by-segment for use in a URL,
// keeping the slashes.
func EscapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return strings.Join(segs, "/")
}
