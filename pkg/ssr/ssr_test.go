package ssr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vango-dev/routeloader/pkg/deferred"
	"github.com/vango-dev/routeloader/pkg/loadercache"
	"github.com/vango-dev/routeloader/pkg/pipeline"
	"github.com/vango-dev/routeloader/pkg/route"
	"github.com/vango-dev/routeloader/pkg/router"
)

func testTree(t *testing.T, release <-chan struct{}) *route.Tree {
	t.Helper()
	root := route.NewRoot(route.WithErrorHandler(func(context.Context, string, error) {}))
	root.Route("posts").Route("$postId",
		route.WithParseParams(router.ParamTypes(map[string]string{"postId": "int"})),
		route.WithLoader(func(_ context.Context, a route.LoaderArgs) (route.Outcome, error) {
			return route.Loaded("post " + a.Params["postId"]).Defer("comments", func(ctx context.Context) (any, error) {
				select {
				case <-release:
					return []string{"nice"}, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}), nil
		}))
	root.Route("old", route.WithBeforeLoad(func(context.Context, route.BeforeLoadArgs) (route.Outcome, error) {
		return route.RedirectTo("/posts/1", route.WithStatus(http.StatusFound)), nil
	}))
	root.Route("loop", route.WithBeforeLoad(func(context.Context, route.BeforeLoadArgs) (route.Outcome, error) {
		return route.RedirectTo("/loop"), nil
	}))
	root.Route("broken", route.WithLoader(func(context.Context, route.LoaderArgs) (route.Outcome, error) {
		return route.Outcome{}, errors.New("database down")
	}))
	root.Route("me", route.WithBeforeLoad(func(_ context.Context, a route.BeforeLoadArgs) (route.Outcome, error) {
		if _, ok := a.Context.Get("user"); !ok {
			return route.RedirectTo("/login"), nil
		}
		return route.Continue(nil), nil
	}), route.WithLoader(func(_ context.Context, a route.LoaderArgs) (route.Outcome, error) {
		user, _ := route.Value[string](a.Context, "user")
		return route.Loaded(user), nil
	}))
	root.Route("login")
	tree, err := route.NewTree(root)
	if err != nil {
		t.Fatalf("NewTree() error = %v", err)
	}
	return tree
}

func newHandler(t *testing.T, release <-chan struct{}, opts ...HandlerOption) *Handler {
	t.Helper()
	p := pipeline.New(loadercache.New(), nil)
	t.Cleanup(p.Close)
	opts = append(opts, WithRootContext(func(r *http.Request) map[string]any {
		if u := r.Header.Get("X-User"); u != "" {
			return map[string]any{"user": u}
		}
		return nil
	}))
	h := NewHandler(testTree(t, release), p, opts...)
	t.Cleanup(h.Close)
	return h
}

func get(t *testing.T, h http.Handler, target string, header ...string) (*httptest.ResponseRecorder, Payload) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var p Payload
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
			t.Fatalf("decoding %s: %v\n%s", target, err, rec.Body.String())
		}
	}
	return rec, p
}

func TestHandler_Status(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	reg := prometheus.NewRegistry()
	h := newHandler(t, release, WithMetrics(reg, "test"))

	tests := []struct {
		target       string
		header       []string
		wantCode     int
		wantLocation string
		wantLeaf     string
	}{
		{target: "/posts/1", wantCode: http.StatusOK, wantLeaf: "/posts/$postId"},
		{target: "/posts/abc", wantCode: http.StatusBadRequest},
		{target: "/posts/1/", wantCode: http.StatusPermanentRedirect, wantLocation: "/posts/1"},
		{target: "/old", wantCode: http.StatusFound, wantLocation: "/posts/1", wantLeaf: "/posts/$postId"},
		{target: "/nope", wantCode: http.StatusNotFound},
		{target: "/broken", wantCode: http.StatusInternalServerError, wantLeaf: "/broken"},
		{target: "/loop", wantCode: http.StatusLoopDetected},
		{target: "/me", wantCode: http.StatusTemporaryRedirect, wantLocation: "/login", wantLeaf: "/login"},
		{target: "/me", header: []string{"X-User", "ann"}, wantCode: http.StatusOK, wantLeaf: "/me"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec, p := get(t, h, tt.target, tt.header...)
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d\n%s", rec.Code, tt.wantCode, rec.Body.String())
			}
			if got := rec.Header().Get("Location"); got != tt.wantLocation {
				t.Errorf("Location = %q, want %q", got, tt.wantLocation)
			}
			if tt.wantLeaf != "" {
				if len(p.Matches) == 0 {
					t.Fatal("payload has no matches")
				}
				if got := p.Matches[len(p.Matches)-1].RouteID; got != tt.wantLeaf {
					t.Errorf("leaf = %q, want %q", got, tt.wantLeaf)
				}
			}
		})
	}

	if got := testutil.ToFloat64(h.responses.WithLabelValues("404")); got != 1 {
		t.Errorf("responses_total{code=404} = %v, want 1", got)
	}
}

func TestHandler_Payload(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newHandler(t, release)

	_, p := get(t, h, "/me", "X-User", "ann")
	if p.Href != "/me" || p.Status != http.StatusOK {
		t.Errorf("payload = %s %d", p.Href, p.Status)
	}
	leaf := p.Matches[len(p.Matches)-1]
	if leaf.Status != pipeline.StatusResolved || leaf.LoaderData != "ann" {
		t.Errorf("leaf = %s %v", leaf.Status, leaf.LoaderData)
	}

	_, p = get(t, h, "/broken")
	leaf = p.Matches[len(p.Matches)-1]
	if leaf.Status != pipeline.StatusErrored || leaf.ErrorRouteID != route.RootID {
		t.Errorf("broken leaf = %s handled by %q", leaf.Status, leaf.ErrorRouteID)
	}
	if !strings.Contains(leaf.Error, "database down") {
		t.Errorf("Error = %q", leaf.Error)
	}
}

func TestHandler_DeferredStream(t *testing.T) {
	release := make(chan struct{})
	h := newHandler(t, release)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/posts/7")
	if err != nil {
		t.Fatal(err)
	}
	var p Payload
	err = json.NewDecoder(resp.Body).Decode(&p)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}

	ids := p.PendingIDs()
	if len(ids) != 1 {
		t.Fatalf("PendingIDs() = %v, want one comments placeholder", ids)
	}
	client := deferred.NewRegistry()
	matches := Hydrate(p, client)
	handle := matches[len(matches)-1].Handles["comments"]
	if handle == nil || handle.State() != deferred.Pending {
		t.Fatalf("hydrated handle = %v", handle)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := deferred.Connect(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+DeferredPath, ids)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	go deferred.Receive(ctx, conn, client)

	deadline := time.Now().Add(2 * time.Second)
	for h.Stream().ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("stream client never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)

	v, err := handle.Await(ctx)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	var comments []string
	if err := json.Unmarshal(v.(json.RawMessage), &comments); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"nice"}, comments); diff != "" {
		t.Errorf("comments mismatch (-want +got):\n%s", diff)
	}
}

func TestDehydrate_SettledHandleInline(t *testing.T) {
	reg := deferred.NewRegistry()
	h := reg.Register(context.Background(), "owner", "stats", func(context.Context) (any, error) {
		return map[string]int{"views": 3}, nil
	})
	if _, err := h.Await(context.Background()); err != nil {
		t.Fatal(err)
	}

	root := route.NewRoot()
	tree, err := route.NewTree(root)
	if err != nil {
		t.Fatal(err)
	}
	rootNode, _ := tree.Lookup(route.RootID)
	st := router.State{
		Location: route.Location{Pathname: "/", SearchStr: "a=1"},
		Matches: []*pipeline.Match{{
			ID:       route.RootID + "|/",
			RouteID:  route.RootID,
			Route:    rootNode,
			Status:   pipeline.StatusResolved,
			Deferred: map[string]*deferred.Handle{"stats": h},
		}},
	}

	p, err := Dehydrate(st)
	if err != nil {
		t.Fatalf("Dehydrate() error = %v", err)
	}
	if p.Href != "/?a=1" {
		t.Errorf("Href = %q, want /?a=1", p.Href)
	}
	ph := p.Matches[0].Deferred["stats"]
	if ph.State != deferred.Resolved || string(ph.Value) != `{"views":3}` {
		t.Errorf("placeholder = %+v", ph)
	}
	if ids := p.PendingIDs(); len(ids) != 0 {
		t.Errorf("PendingIDs() = %v, want none", ids)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var back Payload
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	hydrated := Hydrate(back, deferred.NewRegistry())
	if got := hydrated[0].Handles["stats"].State(); got != deferred.Resolved {
		t.Errorf("hydrated state = %s, want resolved", got)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		st   router.State
		want int
	}{
		{"ok", router.State{}, http.StatusOK},
		{"redirect default", router.State{Redirect: &route.Redirect{Href: "/x"}}, http.StatusTemporaryRedirect},
		{"redirect status", router.State{Redirect: &route.Redirect{Href: "/x", Status: http.StatusSeeOther}}, http.StatusSeeOther},
		{"not found", router.State{NotFound: &route.NotFound{}}, http.StatusNotFound},
		{"invalid", router.State{Err: route.New(route.CodeParamsRejected)}, http.StatusBadRequest},
		{"root boundary", router.State{Matches: []*pipeline.Match{{Status: pipeline.StatusErrored, ErrorRouteID: route.RootID}}}, http.StatusInternalServerError},
		{"nested boundary", router.State{Matches: []*pipeline.Match{{Status: pipeline.StatusErrored, ErrorRouteID: "/posts"}}}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusCode(tt.st); got != tt.want {
				t.Errorf("StatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
