// Package router drives navigations over a route tree.
//
// A Router resolves an href against its History, matches it in the
// route.Tree, runs the load pipeline and commits the result as a State.
// A new navigation cancels the one in flight; only the latest navigation
// is ever committed.
//
// # Navigation
//
//	root := route.NewRoot()
//	posts := root.Route("posts", route.WithLoader(listPosts))
//	posts.Route("$postId",
//		route.WithParseParams(router.ParamTypes(map[string]string{"postId": "int"})),
//		route.WithLoader(loadPost))
//	tree, err := route.NewTree(root)
//
//	r, err := router.New(tree, router.WithHistory(router.NewMemoryHistory(route.Location{})))
//	defer r.Close()
//	st, err := r.Navigate(ctx, "/posts/42?tab=comments")
//
// Redirects returned by guards or loaders are followed up to a limit
// (WithMaxRedirects). A redirect with Replace set, or one reached from
// Load, replaces the history entry instead of pushing.
//
// # Caching
//
// Loader results are cached per route, pathname and loader deps. With the
// default staleTime of zero a revisit shows the cached data at once and
// refetches it in the background; the refreshed match arrives as an
// EventRevalidated. Preload fills the cache without committing and is
// throttled by WithPreloadLimits.
//
// # Search params
//
// Query strings are parsed with a SearchCodec. JSONSearch, the default,
// decodes each value as JSON when it can, so "?page=2" yields a number.
// BindParams and BindSearch copy params and search into tagged structs:
//
//	type PostParams struct {
//		ID int `param:"postId"`
//	}
//
//	type ListSearch struct {
//		Page int      `search:"page"`
//		Tags []string `search:"tag"`
//	}
package router
