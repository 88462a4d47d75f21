// Package pathutil normalizes request paths before they are compared against
// route prefixes.
package pathutil

import (
	"path"
	"strings"
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// Normalize resolves dot segments and repeated slashes, keeping a trailing
// slash. Paths with neither are returned unchanged.
func Normalize(p string) string {
	if !HasDotSegments(p) && !strings.Contains(p, "//") {
		return p
	}
	c := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && c != "/" {
		c += "/"
	}
	return c
}
