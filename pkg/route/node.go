package route

import (
	"strings"
	"time"
)

// RootID is the id of the tree root.
const RootID = "__root__"

// Node is a route in a built tree. Nodes are immutable once NewTree returns.
type Node struct {
	id       string
	path     string
	kind     SegmentKind // SegmentStatic for routed nodes, or index/pathless
	pattern  []Segment   // own segments
	full     []Segment   // segments from the root down to and including this node
	parent   *Node
	children []*Node
	order    int // depth-first declaration order

	// candidates is the sorted, pathless-flattened child list used by Match.
	candidates []candidate

	opts options
}

type options struct {
	beforeLoad       BeforeLoadFunc
	loader           LoaderFunc
	loaderDeps       LoaderDepsFunc
	parseParams      ParseParamsFunc
	validateSearch   ValidateSearchFunc
	staleTime        *time.Duration
	preloadStaleTime *time.Duration
	gcTime           *time.Duration
	onError          ErrorHandler
	onNotFound       NotFoundHandler
	componentPreload ComponentPreloadFunc
	shouldReload     ShouldReloadFunc
	meta             map[string]any
}

// Option configures a route at build time.
type Option func(*options)

// WithBeforeLoad sets the route guard.
func WithBeforeLoad(fn BeforeLoadFunc) Option {
	return func(o *options) { o.beforeLoad = fn }
}

// WithLoader sets the route loader.
func WithLoader(fn LoaderFunc) Option {
	return func(o *options) { o.loader = fn }
}

// WithLoaderDeps selects the search values the loader depends on. The
// selection becomes part of the cache key.
func WithLoaderDeps(fn LoaderDepsFunc) Option {
	return func(o *options) { o.loaderDeps = fn }
}

// WithParseParams validates captured path params.
func WithParseParams(fn ParseParamsFunc) Option {
	return func(o *options) { o.parseParams = fn }
}

// WithValidateSearch validates parsed search params.
func WithValidateSearch(fn ValidateSearchFunc) Option {
	return func(o *options) { o.validateSearch = fn }
}

// WithStaleTime sets how long loaded data counts as fresh.
func WithStaleTime(d time.Duration) Option {
	return func(o *options) { o.staleTime = &d }
}

// WithPreloadStaleTime sets the freshness window for preloaded data.
func WithPreloadStaleTime(d time.Duration) Option {
	return func(o *options) { o.preloadStaleTime = &d }
}

// WithGCTime sets how long unused data is kept.
func WithGCTime(d time.Duration) Option {
	return func(o *options) { o.gcTime = &d }
}

// WithErrorHandler makes the route an error boundary.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(o *options) { o.onError = fn }
}

// WithNotFoundHandler makes the route able to handle not-found.
func WithNotFoundHandler(fn NotFoundHandler) Option {
	return func(o *options) { o.onNotFound = fn }
}

// WithComponentPreload sets a hook that warms the route's component code.
func WithComponentPreload(fn ComponentPreloadFunc) Option {
	return func(o *options) { o.componentPreload = fn }
}

// WithShouldReload overrides staleness decisions for the route.
func WithShouldReload(fn ShouldReloadFunc) Option {
	return func(o *options) { o.shouldReload = fn }
}

// WithMeta attaches an arbitrary value to the route.
func WithMeta(key string, value any) Option {
	return func(o *options) {
		if o.meta == nil {
			o.meta = make(map[string]any)
		}
		o.meta[key] = value
	}
}

// ID returns the route id.
func (n *Node) ID() string { return n.id }

// Path returns the declared path fragment ("" for root, index and layout routes).
func (n *Node) Path() string { return n.path }

// Pattern returns the node's own segments.
func (n *Node) Pattern() []Segment { return append([]Segment(nil), n.pattern...) }

// FullPath returns the path pattern from the root, e.g. "/posts/$postId".
func (n *Node) FullPath() string {
	return "/" + patternString(n.full)
}

func (n *Node) Parent() *Node       { return n.parent }
func (n *Node) Children() []*Node   { return append([]*Node(nil), n.children...) }
func (n *Node) IsRoot() bool        { return n.parent == nil }
func (n *Node) IsIndex() bool       { return n.kind == SegmentIndex }
func (n *Node) IsPathless() bool    { return n.kind == SegmentPathless && n.parent != nil }
func (n *Node) HasLoader() bool     { return n.opts.loader != nil }
func (n *Node) HasBeforeLoad() bool { return n.opts.beforeLoad != nil }

// IsSplat reports whether the node ends in a splat segment.
func (n *Node) IsSplat() bool {
	return len(n.pattern) > 0 && n.pattern[len(n.pattern)-1].Kind == SegmentSplat
}

// Depth returns the number of ancestors of n.
func (n *Node) Depth() int {
	d := 0
	for p := n.parent; p != nil; p = p.parent {
		d++
	}
	return d
}

// Ancestors returns the chain from the root down to n, inclusive.
func (n *Node) Ancestors() []*Node {
	var chain []*Node
	for p := n; p != nil; p = p.parent {
		chain = append(chain, p)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

func (n *Node) BeforeLoad() BeforeLoadFunc             { return n.opts.beforeLoad }
func (n *Node) Loader() LoaderFunc                     { return n.opts.loader }
func (n *Node) LoaderDeps() LoaderDepsFunc             { return n.opts.loaderDeps }
func (n *Node) ParseParams() ParseParamsFunc           { return n.opts.parseParams }
func (n *Node) ValidateSearch() ValidateSearchFunc     { return n.opts.validateSearch }
func (n *Node) ErrorHandler() ErrorHandler             { return n.opts.onError }
func (n *Node) NotFoundHandler() NotFoundHandler       { return n.opts.onNotFound }
func (n *Node) ComponentPreload() ComponentPreloadFunc { return n.opts.componentPreload }
func (n *Node) ShouldReload() ShouldReloadFunc         { return n.opts.shouldReload }

// StaleTime returns the route's stale time, if set.
func (n *Node) StaleTime() (time.Duration, bool) { return optDuration(n.opts.staleTime) }

// PreloadStaleTime returns the route's preload stale time, if set.
func (n *Node) PreloadStaleTime() (time.Duration, bool) { return optDuration(n.opts.preloadStaleTime) }

// GCTime returns the route's gc time, if set.
func (n *Node) GCTime() (time.Duration, bool) { return optDuration(n.opts.gcTime) }

// Meta returns a value attached with WithMeta.
func (n *Node) Meta(key string) (any, bool) {
	v, ok := n.opts.meta[key]
	return v, ok
}

func optDuration(d *time.Duration) (time.Duration, bool) {
	if d == nil {
		return 0, false
	}
	return *d, true
}

// Builder declares a route and its children.
type Builder struct {
	node  *Node
	errs  *[]error
	built *bool
}

// NewRoot starts a route tree.
func NewRoot(opts ...Option) *Builder {
	n := &Node{id: RootID, kind: SegmentPathless}
	applyOptions(n, opts)
	return &Builder{node: n, errs: new([]error), built: new(bool)}
}

// Route declares a child with a path such as "posts", "$postId" or "files/$".
func (b *Builder) Route(path string, opts ...Option) *Builder {
	b.checkOpen()
	n := &Node{kind: SegmentStatic, path: strings.Trim(path, "/")}
	segs, err := parsePattern(path)
	if err != nil {
		b.fail(New(CodeInvalidPath).WithRoute(b.childID(n.path)).Wrap(err))
		segs = []Segment{{Kind: SegmentStatic, Value: n.path}}
	}
	n.pattern = segs
	n.id = b.childID(patternString(segs))
	return b.add(n, opts)
}

// Index declares the index route of b.
func (b *Builder) Index(opts ...Option) *Builder {
	b.checkOpen()
	n := &Node{kind: SegmentIndex, pattern: []Segment{{Kind: SegmentIndex}}}
	n.id = b.childID("")
	return b.add(n, opts)
}

// Layout declares a pathless route. It consumes no segments but its guard,
// loader and boundaries apply to its children. The id is prefixed with "_".
func (b *Builder) Layout(id string, opts ...Option) *Builder {
	b.checkOpen()
	id = strings.Trim(id, "/")
	if id == "" || strings.ContainsAny(id, "/$") {
		b.fail(Newf(CategoryConfig, "invalid layout id %q", id).WithRoute(b.node.id))
	}
	if !strings.HasPrefix(id, "_") {
		id = "_" + id
	}
	n := &Node{kind: SegmentPathless, pattern: []Segment{{Kind: SegmentPathless, Value: id}}}
	n.id = b.childID(id)
	return b.add(n, opts)
}

// Node returns the node under construction.
func (b *Builder) Node() *Node { return b.node }

func (b *Builder) add(n *Node, opts []Option) *Builder {
	if b.node.kind == SegmentIndex {
		b.fail(New(CodeInvalidPath).WithRoute(b.node.id).
			WithDetail("index routes cannot have children"))
	}
	n.parent = b.node
	applyOptions(n, opts)
	b.node.children = append(b.node.children, n)
	return &Builder{node: n, errs: b.errs, built: b.built}
}

func (b *Builder) childID(suffix string) string {
	prefix := b.node.id
	if b.node.parent == nil {
		prefix = ""
	}
	return prefix + "/" + suffix
}

func (b *Builder) fail(err error) {
	*b.errs = append(*b.errs, err)
}

func (b *Builder) checkOpen() {
	if *b.built {
		panic("route: builder used after NewTree")
	}
}

func applyOptions(n *Node, opts []Option) {
	for _, opt := range opts {
		if opt != nil {
			opt(&n.opts)
		}
	}
}
