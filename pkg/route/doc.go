// Package route describes a route tree and matches pathnames against it.
//
// A tree is built once at startup from a root Builder and is immutable
// afterwards:
//
//	root := route.NewRoot(route.WithErrorHandler(logErr))
//	posts := root.Route("posts", route.WithLoader(loadPosts))
//	posts.Index()
//	posts.Route("$postId", route.WithLoader(loadPost))
//	root.Route("files/$")
//	auth := root.Layout("auth", route.WithBeforeLoad(requireUser))
//	auth.Route("settings")
//
//	tree, err := route.NewTree(root)
//
// # Path Syntax
//
// A route path is one or more segments separated by "/":
//
//	posts          static segment
//	$postId        dynamic segment, captured as params["postId"]
//	$              splat, captures the remaining path as params["_splat"]
//	blog/$slug     static prefix followed by a dynamic segment
//
// Index routes (Index) match when their parent consumed the whole path.
// Layout routes (Layout) consume no segments and are matched transparently.
//
// # Matching Order
//
// Candidates at each level, with layout children flattened in place, are
// tried in this order:
//
//  1. index routes
//  2. static routes, more segments then longer literal text first
//  3. dynamic routes, longest static prefix first, then declaration order
//  4. splat routes
//
// # Hooks
//
// Guards (beforeLoad) and loaders return a tagged Outcome instead of raising
// redirects or not-found conditions as errors:
//
//	func loadPost(ctx context.Context, a route.LoaderArgs) (route.Outcome, error) {
//	    post, err := db.Post(ctx, a.Params["postId"])
//	    if errors.Is(err, sql.ErrNoRows) {
//	        return route.NotFoundIn(""), nil
//	    }
//	    if err != nil {
//	        return route.Outcome{}, err
//	    }
//	    return route.Loaded(post).Defer("comments", loadComments(post.ID)), nil
//	}
package route
