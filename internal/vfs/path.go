package vfs

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Root is the logical path of the top of the virtual namespace.
const Root = "/"

// Normalize converts path into its canonical logical form: rooted at "/",
// forward-slash separated, NFC encoded, with no "." or ".." segments and no
// repeated or trailing separators.
//
// Host syntax that could address something outside the namespace is
// rejected with ErrInvalidPath: colons (drive letters and alternate data
// streams), UNC prefixes, NUL bytes and any ".." that would climb above the
// root.
func Normalize(path string) (string, error) {
	if path == "" {
		return "", newError(OpNormalize, path, ErrInvalidPath)
	}
	if !utf8.ValidString(path) || strings.IndexByte(path, 0) >= 0 {
		return "", newError(OpNormalize, path, ErrInvalidPath)
	}

	p := strings.ReplaceAll(path, `\`, "/")
	if strings.ContainsRune(p, ':') || strings.HasPrefix(p, "//") {
		return "", newError(OpNormalize, path, ErrInvalidPath)
	}

	segments := make([]string, 0, strings.Count(p, "/")+1)
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(segments) == 0 {
				return "", newError(OpNormalize, path, ErrInvalidPath)
			}
			segments = segments[:len(segments)-1]
		default:
			segments = append(segments, seg)
		}
	}

	return norm.NFC.String(Root + strings.Join(segments, "/")), nil
}

// Join appends name to the normalized directory dir.
func Join(dir, name string) string {
	if dir == Root {
		return Root + name
	}
	return dir + "/" + name
}

// Split returns the parent directory and the final element of a normalized
// path. The root splits into ("/", "").
func Split(path string) (string, string) {
	if path == Root {
		return Root, ""
	}
	idx := strings.LastIndexByte(path, '/')
	if idx == 0 {
		return Root, path[1:]
	}
	return path[:idx], path[idx+1:]
}

// Rel returns the part of the normalized path below mountPoint, without a
// leading separator, and whether path lies within mountPoint at all. The
// comparison is per component, so "/data" contains "/data/x" but not
// "/database".
func Rel(mountPoint, path string) (string, bool) {
	if mountPoint == Root {
		return strings.TrimPrefix(path, Root), true
	}
	if path == mountPoint {
		return "", true
	}
	if strings.HasPrefix(path, mountPoint) && path[len(mountPoint)] == '/' {
		return path[len(mountPoint)+1:], true
	}
	return "", false
}

// childOf returns the first component of descendant below dir, if
// descendant lies strictly below dir.
func childOf(dir, descendant string) (string, bool) {
	rel, ok := Rel(dir, descendant)
	if !ok || rel == "" {
		return "", false
	}
	if idx := strings.IndexByte(rel, '/'); idx >= 0 {
		return rel[:idx], true
	}
	return rel, true
}

// relJoin joins archive-relative paths.
func relJoin(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
