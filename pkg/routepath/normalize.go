// Package routepath normalizes pathnames before they reach the route matcher.
//
// Normalization makes "/about/", "about" and "/about" equivalent, collapses
// duplicate slashes, resolves dot segments and rejects inputs that could smuggle
// a different path past the matcher.
package routepath

import (
	"errors"
	"net/url"
	"strings"
)

// Result contains a normalized path and the parts split off it.
type Result struct {
	// Path is the normalized pathname (always starts with "/", never ends with one
	// unless it is the root).
	Path string

	// Search is the raw query string without the leading "?".
	Search string

	// Hash is the fragment without the leading "#".
	Hash string

	// Changed indicates if the pathname was modified during normalization.
	Changed bool
}

// Path normalization errors.
var (
	ErrBackslashInPath       = errors.New("path contains backslash")
	ErrNullByteInPath        = errors.New("path contains null byte")
	ErrInvalidPercentEscape  = errors.New("invalid percent escape sequence")
	ErrPathEscapesRoot       = errors.New("path escapes root via ..")
	ErrEncodedSlashInSegment = errors.New("encoded slash (%2F) in non-splat segment")
)

// Normalize splits href into pathname, search and hash and normalizes the pathname:
//   - ensure a leading slash
//   - collapse multiple slashes (/blog//post → /blog/post)
//   - remove "." segments and resolve ".." segments
//   - remove the trailing slash (except for root "/")
//
// Backslashes, NUL bytes, invalid percent escapes and ".." escaping root are rejected.
func Normalize(href string) (Result, error) {
	path, search, hash := SplitHref(href)
	if path == "" {
		return Result{Path: "/", Search: search, Hash: hash, Changed: true}, nil
	}

	if strings.Contains(path, "\\") {
		return Result{}, ErrBackslashInPath
	}
	if strings.Contains(path, "\x00") || strings.Contains(strings.ToUpper(path), "%00") {
		return Result{}, ErrNullByteInPath
	}
	if strings.Contains(path, "%") {
		if err := validatePercentEscapes(path); err != nil {
			return Result{}, err
		}
	}

	original := path
	var kept []string
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(kept) == 0 {
				return Result{}, ErrPathEscapesRoot
			}
			kept = kept[:len(kept)-1]
		default:
			kept = append(kept, seg)
		}
	}

	path = "/" + strings.Join(kept, "/")
	return Result{
		Path:    path,
		Search:  search,
		Hash:    hash,
		Changed: path != original,
	}, nil
}

// SplitHref splits an href into path, search (no "?") and hash (no "#").
func SplitHref(href string) (path, search, hash string) {
	path, hash, _ = strings.Cut(href, "#")
	path, search, _ = strings.Cut(path, "?")
	return path, search, hash
}

// JoinHref is the inverse of SplitHref.
func JoinHref(path, search, hash string) string {
	var b strings.Builder
	b.WriteString(path)
	if search != "" {
		b.WriteByte('?')
		b.WriteString(search)
	}
	if hash != "" {
		b.WriteByte('#')
		b.WriteString(hash)
	}
	return b.String()
}

// Segments returns the raw (still escaped) segments of a normalized path.
// The root path has no segments.
func Segments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// DecodeSegment decodes a single path segment.
// Outside a splat, a decoded "/" (from %2F) is rejected so that a single
// dynamic segment can never span two path segments.
func DecodeSegment(segment string, splat bool) (string, error) {
	decoded, err := url.PathUnescape(segment)
	if err != nil {
		return "", ErrInvalidPercentEscape
	}
	if !splat && strings.Contains(decoded, "/") {
		return "", ErrEncodedSlashInSegment
	}
	return decoded, nil
}

// EncodeSegment escapes a param value for interpolation into a path.
// Splat values keep their slashes.
func EncodeSegment(value string, splat bool) string {
	if !splat {
		return url.PathEscape(value)
	}
	parts := strings.Split(value, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// validatePercentEscapes checks that all percent-escapes are valid.
func validatePercentEscapes(path string) error {
	for i := 0; i < len(path); i++ {
		if path[i] != '%' {
			continue
		}
		if i+2 >= len(path) || !isHexDigit(path[i+1]) || !isHexDigit(path[i+2]) {
			return ErrInvalidPercentEscape
		}
		i += 2
	}
	return nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
