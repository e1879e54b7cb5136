package route

import (
	"maps"
	"strings"

	"github.com/vango-dev/routeloader/pkg/routepath"
)

// NotFoundMode selects which route handles an unmatched pathname.
type NotFoundMode string

const (
	// NotFoundFuzzy picks the deepest matched route with a not-found handler.
	NotFoundFuzzy NotFoundMode = "fuzzy"
	// NotFoundRoot always picks the root.
	NotFoundRoot NotFoundMode = "root"
)

// Matched is one route in a match chain.
type Matched struct {
	Node *Node

	// Params holds the params captured by this route and its ancestors.
	Params map[string]string

	// Pathname is the part of the path consumed up to and including this route.
	Pathname string
}

// Result is the outcome of matching a pathname.
type Result struct {
	// Pathname is the normalized pathname that was matched.
	Pathname string

	// Matches runs from the root to the leaf. For a not-found result it ends
	// at the route chosen to handle it.
	Matches []Matched

	// Params holds every captured param.
	Params map[string]string

	// NotFound is set when no leaf matched.
	NotFound *NotFound

	// Err is set when the pathname could not be normalized. Matches then
	// holds only the root.
	Err error
}

// Leaf returns the last match.
func (r Result) Leaf() Matched {
	if len(r.Matches) == 0 {
		return Matched{}
	}
	return r.Matches[len(r.Matches)-1]
}

// RouteIDs returns the ids of the matched routes.
func (r Result) RouteIDs() []string {
	ids := make([]string, len(r.Matches))
	for i, m := range r.Matches {
		ids[i] = m.Node.id
	}
	return ids
}

type matcher struct {
	t    *Tree
	segs []string // decoded segments
	raw  []string // escaped segments

	// Deepest dead end seen, for not-found attribution.
	best       []Matched
	bestDepth  int
	bestParams map[string]string
}

// Match resolves pathname against the tree. The same pathname always
// produces the same result.
func (t *Tree) Match(pathname string, mode NotFoundMode) Result {
	norm, err := routepath.Normalize(pathname)
	if err != nil {
		root := Matched{Node: t.root, Params: map[string]string{}, Pathname: "/"}
		return Result{
			Pathname: pathname,
			Matches:  []Matched{root},
			Params:   map[string]string{},
			NotFound: &NotFound{RouteID: t.root.id, Pathname: pathname},
			Err:      New(CodeBadPathname).Wrap(err).WithDetail(pathname),
		}
	}

	m := &matcher{t: t, raw: routepath.Segments(norm.Path), bestDepth: -1}
	m.segs = make([]string, len(m.raw))
	for i, s := range m.raw {
		// Normalize already rejected bad escapes.
		m.segs[i], _ = routepath.DecodeSegment(s, true)
	}

	rootMatch := Matched{Node: t.root, Params: map[string]string{}, Pathname: "/"}
	chain, ok := m.descend(t.root, 0, []Matched{rootMatch}, map[string]string{})
	if ok {
		leaf := chain[len(chain)-1]
		return Result{Pathname: norm.Path, Matches: chain, Params: leaf.Params}
	}

	chain = m.best
	params := m.bestParams
	if chain == nil {
		chain, params = []Matched{rootMatch}, map[string]string{}
	}
	cut := 0
	if mode != NotFoundRoot {
		for i := len(chain) - 1; i > 0; i-- {
			if chain[i].Node.opts.onNotFound != nil {
				cut = i
				break
			}
		}
	}
	chain = chain[:cut+1]
	return Result{
		Pathname: norm.Path,
		Matches:  chain,
		Params:   params,
		NotFound: &NotFound{RouteID: chain[cut].Node.id, Pathname: norm.Path},
	}
}

// descend tries to complete a match below n, which consumed segs[:pos].
// Candidates are tried in order; a candidate that matches its own segments
// but cannot complete the match is abandoned for the next one.
func (m *matcher) descend(n *Node, pos int, chain []Matched, params map[string]string) ([]Matched, bool) {
	rest := m.segs[pos:]

	if len(rest) == 0 {
		if len(n.candidates) == 0 {
			return chain, true
		}
		for _, c := range n.candidates {
			if c.node.IsIndex() {
				return m.extend(chain, c, params, pos), true
			}
		}
		// A bare splat also matches an empty remainder.
		for _, c := range n.candidates {
			if c.node.IsSplat() && len(c.node.pattern) == 1 {
				next := maps.Clone(params)
				next[SplatParam] = ""
				return m.extend(chain, c, next, pos), true
			}
		}
		m.deadEnd(chain, pos, params)
		return nil, false
	}

	for _, c := range n.candidates {
		if c.node.IsIndex() {
			continue
		}
		captured, consumed, ok := m.matchPattern(c.node, rest)
		if !ok {
			continue
		}
		next := params
		if len(captured) > 0 {
			next = maps.Clone(params)
			maps.Copy(next, captured)
		}
		sub := m.extend(chain, c, next, pos+consumed)
		if c.node.IsSplat() {
			return sub, true
		}
		if out, ok := m.descend(c.node, pos+consumed, sub, next); ok {
			return out, true
		}
	}
	m.deadEnd(chain, pos, params)
	return nil, false
}

// extend appends the layouts in c.via and c.node to chain.
func (m *matcher) extend(chain []Matched, c candidate, params map[string]string, pos int) []Matched {
	out := make([]Matched, len(chain), len(chain)+len(c.via)+1)
	copy(out, chain)
	parentPath := chain[len(chain)-1].Pathname
	for _, v := range c.via {
		out = append(out, Matched{Node: v, Params: params, Pathname: parentPath})
	}
	return append(out, Matched{Node: c.node, Params: params, Pathname: m.consumedPath(pos)})
}

func (m *matcher) consumedPath(pos int) string {
	return "/" + strings.Join(m.raw[:pos], "/")
}

func (m *matcher) deadEnd(chain []Matched, pos int, params map[string]string) {
	if pos > m.bestDepth || pos == m.bestDepth && len(chain) > len(m.best) {
		m.best, m.bestDepth, m.bestParams = chain, pos, params
	}
}

// matchPattern matches n's own segments against the start of rest.
func (m *matcher) matchPattern(n *Node, rest []string) (map[string]string, int, bool) {
	var captured map[string]string
	for i, s := range n.pattern {
		switch s.Kind {
		case SegmentSplat:
			if captured == nil {
				captured = make(map[string]string, 1)
			}
			captured[SplatParam] = strings.Join(rest[i:], "/")
			return captured, len(rest), true
		case SegmentPathless, SegmentIndex:
			continue
		}
		if i >= len(rest) {
			return nil, 0, false
		}
		seg := rest[i]
		switch s.Kind {
		case SegmentStatic:
			if !m.equal(seg, s.Value) {
				return nil, 0, false
			}
		case SegmentDynamic:
			if seg == "" || strings.Contains(seg, "/") {
				return nil, 0, false
			}
			if captured == nil {
				captured = make(map[string]string, len(n.pattern))
			}
			captured[s.Value] = seg
		}
	}
	return captured, len(n.pattern), true
}

func (m *matcher) equal(seg, literal string) bool {
	if m.t.caseSensitive {
		return seg == literal
	}
	return strings.EqualFold(seg, literal)
}
