package route

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vango-dev/routeloader/internal/errors"
	"github.com/vango-dev/routeloader/pkg/routepath"
)

// Tree is a validated, immutable route tree. It is safe for concurrent use.
type Tree struct {
	root          *Node
	byID          map[string]*Node
	nodes         []*Node // depth-first declaration order
	caseSensitive bool
}

// TreeOption configures tree construction.
type TreeOption func(*Tree)

// CaseSensitive controls static segment comparison. Default: false.
func CaseSensitive(on bool) TreeOption {
	return func(t *Tree) { t.caseSensitive = on }
}

// candidate is a child route as seen from its routed parent: pathless
// layouts in between are kept in via.
type candidate struct {
	via  []*Node
	node *Node
}

// NewTree validates the routes declared on root and freezes them.
// Every violation is reported in one *errors.MultiError.
func NewTree(root *Builder, opts ...TreeOption) (*Tree, error) {
	if root == nil || root.node == nil || root.node.parent != nil {
		return nil, Newf(CategoryConfig, "route tree needs a root builder")
	}
	if *root.built {
		return nil, Newf(CategoryConfig, "route tree already built from this root")
	}

	t := &Tree{root: root.node, byID: make(map[string]*Node)}
	for _, opt := range opts {
		opt(t)
	}

	var errs []error
	errs = append(errs, (*root.errs)...)

	// Index nodes and resolve full patterns.
	var walk func(n *Node)
	walk = func(n *Node) {
		n.order = len(t.nodes)
		t.nodes = append(t.nodes, n)
		if prev, dup := t.byID[n.id]; dup {
			errs = append(errs, New(CodeDuplicateID).WithRoute(n.id).
				WithDetail(fmt.Sprintf("route %q is declared twice (paths %q and %q)", n.id, prev.FullPath(), n.path)))
		} else {
			t.byID[n.id] = n
		}
		if n.parent != nil {
			n.full = append(append([]Segment(nil), n.parent.full...), routedSegments(n.pattern)...)
		}
		if n.IsSplat() && len(n.children) > 0 {
			errs = append(errs, New(CodeInvalidPath).WithRoute(n.id).
				WithDetail("a splat route consumes the rest of the path and cannot have children"))
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(t.root)

	for _, n := range t.nodes {
		if n.IsPathless() {
			continue
		}
		n.candidates = flatten(n)
		sortCandidates(n.candidates)
		errs = append(errs, t.validateSiblings(n)...)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	*root.built = true
	return t, nil
}

// routedSegments drops index and pathless markers.
func routedSegments(segs []Segment) []Segment {
	var out []Segment
	for _, s := range segs {
		if s.Kind != SegmentIndex && s.Kind != SegmentPathless {
			out = append(out, s)
		}
	}
	return out
}

// flatten lists the children of n with pathless layouts expanded in place.
func flatten(n *Node) []candidate {
	var out []candidate
	for _, c := range n.children {
		if !c.IsPathless() {
			out = append(out, candidate{node: c})
			continue
		}
		for _, sub := range flatten(c) {
			via := append([]*Node{c}, sub.via...)
			out = append(out, candidate{via: via, node: sub.node})
		}
	}
	return out
}

// Specificity classes, most specific first.
const (
	classIndex = iota
	classStatic
	classDynamic
	classSplat
)

func classOf(n *Node) int {
	if n.IsIndex() {
		return classIndex
	}
	class := classStatic
	for _, s := range n.pattern {
		switch s.Kind {
		case SegmentSplat:
			return classSplat
		case SegmentDynamic:
			class = classDynamic
		}
	}
	return class
}

// staticPrefix returns the number of leading static segments and their
// total literal length.
func staticPrefix(n *Node) (segs, chars int) {
	for _, s := range n.pattern {
		if s.Kind != SegmentStatic {
			break
		}
		segs++
		chars += len(s.Value)
	}
	return segs, chars
}

// sortCandidates orders candidates most specific first. The sort is stable,
// so equal candidates keep declaration order.
func sortCandidates(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i].node, cs[j].node
		ca, cb := classOf(a), classOf(b)
		if ca != cb {
			return ca < cb
		}
		switch ca {
		case classStatic:
			if len(a.pattern) != len(b.pattern) {
				return len(a.pattern) > len(b.pattern)
			}
			_, la := staticPrefix(a)
			_, lb := staticPrefix(b)
			return la > lb
		case classDynamic, classSplat:
			sa, la := staticPrefix(a)
			sb, lb := staticPrefix(b)
			if sa != sb {
				return sa > sb
			}
			return la > lb
		}
		return false
	})
}

func (t *Tree) validateSiblings(n *Node) []error {
	var errs []error
	var index *Node
	seen := make(map[string]*Node)
	for _, c := range n.candidates {
		if c.node.IsIndex() {
			if index != nil {
				errs = append(errs, New(CodeDuplicateIndex).WithRoute(c.node.id).
					WithDetail(fmt.Sprintf("%q already has index route %q", n.id, index.id)))
				continue
			}
			index = c.node
			continue
		}
		key := t.patternKey(c.node.pattern)
		if prev, dup := seen[key]; dup {
			errs = append(errs, New(CodeAmbiguousSiblings).WithRoute(c.node.id).
				WithDetail(fmt.Sprintf("%q and %q both match /%s below %q", prev.id, c.node.id, key, n.id)))
			continue
		}
		seen[key] = c.node
	}
	return errs
}

// patternKey is the pattern as the matcher sees it: param names don't matter.
func (t *Tree) patternKey(segs []Segment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		switch s.Kind {
		case SegmentDynamic:
			parts = append(parts, "$")
		case SegmentSplat:
			parts = append(parts, "$*")
		default:
			v := s.Value
			if !t.caseSensitive {
				v = strings.ToLower(v)
			}
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "/")
}

// Root returns the root node.
func (t *Tree) Root() *Node { return t.root }

// Len returns the number of routes, root included.
func (t *Tree) Len() int { return len(t.nodes) }

// CaseSensitive reports whether static segments compare case-sensitively.
func (t *Tree) CaseSensitive() bool { return t.caseSensitive }

// Lookup returns the route with the given id.
func (t *Tree) Lookup(id string) (*Node, bool) {
	n, ok := t.byID[id]
	return n, ok
}

// Walk visits every route depth-first in declaration order. Returning false
// from fn skips the node's children.
func (t *Tree) Walk(fn func(n *Node, depth int) bool) {
	var walk func(n *Node, depth int)
	walk = func(n *Node, depth int) {
		if !fn(n, depth) {
			return
		}
		for _, c := range n.children {
			walk(c, depth+1)
		}
	}
	walk(t.root, 0)
}

// Candidates returns the routes the matcher tries below id, in order.
func (t *Tree) Candidates(id string) ([]*Node, error) {
	n, ok := t.byID[id]
	if !ok {
		return nil, New(CodeUnknownRoute).WithRoute(id)
	}
	if n.IsPathless() {
		return nil, Newf(CategoryConfig, "layout route %q is matched through its parent", id)
	}
	out := make([]*Node, len(n.candidates))
	for i, c := range n.candidates {
		out[i] = c.node
	}
	return out, nil
}

// BuildPath interpolates params into the full path of the route with the
// given id. Splat values go in params["_splat"].
func (t *Tree) BuildPath(id string, params map[string]string) (string, error) {
	n, ok := t.byID[id]
	if !ok {
		return "", New(CodeUnknownRoute).WithRoute(id)
	}
	parts := make([]string, 0, len(n.full))
	for _, s := range n.full {
		switch s.Kind {
		case SegmentStatic:
			parts = append(parts, s.Value)
		case SegmentDynamic:
			v, ok := params[s.Value]
			if !ok || v == "" {
				return "", Newf(CategoryValidation, "missing param %q for route %q", s.Value, id).WithRoute(id)
			}
			parts = append(parts, routepath.EncodeSegment(v, false))
		case SegmentSplat:
			if v := strings.Trim(params[SplatParam], "/"); v != "" {
				parts = append(parts, routepath.EncodeSegment(v, true))
			}
		}
	}
	return "/" + strings.Join(parts, "/"), nil
}
