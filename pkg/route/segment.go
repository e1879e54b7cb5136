package route

import (
	"fmt"
	"strings"
)

// SegmentKind identifies what a pattern segment matches.
type SegmentKind int

const (
	SegmentStatic SegmentKind = iota
	SegmentDynamic
	SegmentSplat
	SegmentIndex
	SegmentPathless
)

// SplatParam is the reserved param key a splat captures into.
const SplatParam = "_splat"

func (k SegmentKind) String() string {
	switch k {
	case SegmentStatic:
		return "static"
	case SegmentDynamic:
		return "dynamic"
	case SegmentSplat:
		return "splat"
	case SegmentIndex:
		return "index"
	case SegmentPathless:
		return "pathless"
	default:
		return fmt.Sprintf("SegmentKind(%d)", int(k))
	}
}

// Segment is one descriptor of a route pattern.
type Segment struct {
	Kind SegmentKind

	// Value is the literal for static segments and the param name for dynamic ones.
	Value string
}

func (s Segment) String() string {
	switch s.Kind {
	case SegmentDynamic:
		return "$" + s.Value
	case SegmentSplat:
		return "$"
	case SegmentIndex, SegmentPathless:
		return ""
	default:
		return s.Value
	}
}

// parsePattern turns a declared route path into segments.
func parsePattern(path string) ([]Segment, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("empty path (use Index for index routes)")
	}

	parts := strings.Split(path, "/")
	segs := make([]Segment, 0, len(parts))
	for i, part := range parts {
		switch {
		case part == "":
			return nil, fmt.Errorf("empty segment in %q", path)
		case part == "$":
			if i != len(parts)-1 {
				return nil, fmt.Errorf("splat must be the final segment in %q", path)
			}
			segs = append(segs, Segment{Kind: SegmentSplat})
		case strings.HasPrefix(part, "$"):
			name := part[1:]
			if !validParamName(name) {
				return nil, fmt.Errorf("invalid param name %q in %q", name, path)
			}
			segs = append(segs, Segment{Kind: SegmentDynamic, Value: name})
		case strings.Contains(part, "$"):
			return nil, fmt.Errorf("'$' may only start a segment, got %q", part)
		default:
			segs = append(segs, Segment{Kind: SegmentStatic, Value: part})
		}
	}
	return segs, nil
}

func validParamName(name string) bool {
	if name == "" || name == SplatParam {
		return false
	}
	for _, r := range name {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// patternString renders segments back to a path fragment.
func patternString(segs []Segment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		if str := s.String(); str != "" {
			parts = append(parts, str)
		}
	}
	return strings.Join(parts, "/")
}
