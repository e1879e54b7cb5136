// Package routefile builds route trees from YAML fixtures.
//
// A fixture describes the shape of a tree and the synthetic behavior of
// each route: what its loader returns and after how long, what its guard
// adds to the context, where it redirects. The CLI uses fixtures to drive
// the router without application code, and tests use them to describe
// scenarios compactly.
//
//	caseSensitive: false
//	root:
//	  errorBoundary: true
//	  children:
//	    - path: posts
//	      loader: {data: [1, 2], delay: 20ms}
//	      children:
//	        - path: $postId
//	          params: {postId: int}
//	          loader:
//	            data: "post {postId}"
//	            defer:
//	              comments: {data: [], delay: 1s}
//	    - layout: auth
//	      beforeLoad: {redirect: /login}
//	      children:
//	        - path: settings
package routefile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vango-dev/routeloader/pkg/route"
)

// File is a parsed fixture.
type File struct {
	CaseSensitive bool `yaml:"caseSensitive"`
	Root          Spec `yaml:"root"`
}

// Spec describes one route. Exactly one of Path, Index and Layout is set,
// except on the root which sets none.
type Spec struct {
	Path   string `yaml:"path,omitempty"`
	Index  bool   `yaml:"index,omitempty"`
	Layout string `yaml:"layout,omitempty"`

	// Params maps param names to a type validated by parseParams
	// (int, uint, uuid).
	Params map[string]string `yaml:"params,omitempty"`

	// Search lists search keys that must be present.
	Search []string `yaml:"search,omitempty"`

	Loader     *LoaderSpec `yaml:"loader,omitempty"`
	BeforeLoad *GuardSpec  `yaml:"beforeLoad,omitempty"`

	StaleTime        *time.Duration `yaml:"staleTime,omitempty"`
	PreloadStaleTime *time.Duration `yaml:"preloadStaleTime,omitempty"`
	GCTime           *time.Duration `yaml:"gcTime,omitempty"`

	// ErrorBoundary installs an error handler that logs caught errors.
	ErrorBoundary bool `yaml:"errorBoundary,omitempty"`

	// NotFoundBoundary installs a not-found handler that logs.
	NotFoundBoundary bool `yaml:"notFoundBoundary,omitempty"`

	Children []Spec `yaml:"children,omitempty"`
}

// LoaderSpec is the behavior of a synthetic loader. Redirect, NotFound
// and Error take precedence over Data, in that order.
type LoaderSpec struct {
	Data     any           `yaml:"data,omitempty"`
	Delay    time.Duration `yaml:"delay,omitempty"`
	Error    string        `yaml:"error,omitempty"`
	Redirect string        `yaml:"redirect,omitempty"`
	NotFound bool          `yaml:"notFound,omitempty"`

	// Deps lists the search keys the loader depends on.
	Deps []string `yaml:"deps,omitempty"`

	Defer map[string]DeferSpec `yaml:"defer,omitempty"`
}

// DeferSpec is the behavior of a synthetic deferred value.
type DeferSpec struct {
	Data  any           `yaml:"data,omitempty"`
	Delay time.Duration `yaml:"delay,omitempty"`
	Error string        `yaml:"error,omitempty"`
}

// GuardSpec is the behavior of a synthetic beforeLoad guard.
type GuardSpec struct {
	Context  map[string]any `yaml:"context,omitempty"`
	Delay    time.Duration  `yaml:"delay,omitempty"`
	Error    string         `yaml:"error,omitempty"`
	Redirect string         `yaml:"redirect,omitempty"`
	NotFound bool           `yaml:"notFound,omitempty"`

	// Require lists context keys an ancestor guard must have set; a
	// missing key redirects to Redirect, or fails when Redirect is empty.
	Require []string `yaml:"require,omitempty"`
}

// Parse decodes a fixture. Unknown fields are rejected.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, invalid("decode", err)
	}
	return &f, nil
}

// Load parses a fixture and builds its tree.
func Load(r io.Reader, opts ...Option) (*route.Tree, error) {
	f, err := Parse(r)
	if err != nil {
		return nil, err
	}
	return f.Build(opts...)
}

// LoadFile reads the fixture at path and builds its tree.
func LoadFile(path string, opts ...Option) (*route.Tree, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, invalid("read "+path, err)
	}
	tree, err := Load(bytes.NewReader(data), opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tree, nil
}

func invalid(detail string, err error) error {
	return route.New("E162").WithDetail(detail).Wrap(err)
}
