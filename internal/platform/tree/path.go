package tree

import (
	"fmt"
	"strings"
)

// forbiddenChars may not appear in a path segment.
const forbiddenChars = ".#$[]"

// Clean normalizes path by trimming surrounding slashes and validating each
// segment. The empty string addresses the root of the tree.
func Clean(path string) (string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", nil
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return "", fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
		}
		if strings.ContainsAny(seg, forbiddenChars) {
			return "", fmt.Errorf("%w: segment %q contains one of %q", ErrInvalidPath, seg, forbiddenChars)
		}
	}
	return path, nil
}

// Join joins segments into a path. Empty segments are skipped.
func Join(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

// Segments splits a cleaned path into its keys.
func Segments(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Ancestors returns every proper ancestor of path, nearest last, excluding
// the root.
func Ancestors(path string) []string {
	segs := Segments(path)
	if len(segs) < 2 {
		return nil
	}
	out := make([]string, 0, len(segs)-1)
	for i := 1; i < len(segs); i++ {
		out = append(out, strings.Join(segs[:i], "/"))
	}
	return out
}

// Related reports whether a write at one path can change the snapshot seen
// at the other: the paths are equal or one contains the other.
func Related(a, b string) bool {
	if a == "" || b == "" || a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}
