// Package errors provides structured, coded errors for routeloader.
//
// Every failure the load core reports to a caller is an *Error carrying:
//   - a stable code (e.g. "E120") registered in this package
//   - a category that mirrors the failure taxonomy of the pipeline
//   - the id of the route the failure is attributed to, when there is one
//   - the wrapped cause, reachable through errors.Is / errors.As
//
// # Categories
//
//   - validation: path params or search params rejected during the parse phase
//   - guard: a beforeLoad hook failed; every descendant is cut
//   - loader: a loader failed; the failure is isolated to that match's subtree
//   - navigation: redirect loops, malformed hrefs, superseded runs
//   - deferred: deferred value bookkeeping (double settle, unknown handle)
//   - config: invalid route trees and configuration files
//
// Redirects and not-found results are not errors. They are tagged outcomes
// returned by guards and loaders (see package route).
//
// # Usage
//
//	err := errors.New("E130").
//	    WithRoute("/posts/$postId").
//	    Wrap(cause)
//
//	fmt.Println(err.Format())
//	// Output:
//	// ERROR E130: Loader failed
//	//
//	//   route /posts/$postId
//	//
//	//   caused by: connection refused
package errors
