package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/routeloader/pkg/pipeline"
	"github.com/vango-dev/routeloader/pkg/routefile"
	"github.com/vango-dev/routeloader/pkg/router"
	"github.com/vango-dev/routeloader/pkg/ssr"
)

func matchCmd(g *globals) *cobra.Command {
	var (
		asJSON  bool
		wait    time.Duration
		preload bool
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "match <href>...",
		Short: "Load locations and print their matches",
		Long: `Load each href in turn with one router and print the resulting matches.

Later hrefs see the cache left by earlier ones, so repeating an href
shows stale-while-revalidate at work.

Examples:
  routeloader match /posts/42
  routeloader match -r blog.yaml /posts/42 /posts/42 --wait=2s
  routeloader match --json /old-posts/7`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			r, err := g.newRouter(cmd.ErrOrStderr(), verbose)
			if err != nil {
				return err
			}
			defer r.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			for _, href := range args {
				if preload {
					matches, err := r.Preload(ctx, href)
					if err != nil {
						return err
					}
					printMatches(w, href+" (preload)", matches)
					continue
				}
				st, err := r.Navigate(ctx, href)
				if err != nil {
					return err
				}
				if wait > 0 {
					awaitDeferred(ctx, st, wait)
				}
				if asJSON {
					if err := writePayload(w, st); err != nil {
						return err
					}
					continue
				}
				printState(w, st)
			}
			r.Pipeline().Wait()
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the dehydrated payload as JSON")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "Wait up to this long for deferred values")
	cmd.Flags().BoolVar(&preload, "preload", false, "Preload instead of navigating")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log pipeline activity to stderr")
	return cmd
}

// newRouter builds a router over the --routes fixture with the --config
// settings.
func (g *globals) newRouter(logOut io.Writer, verbose bool) (*router.Router, error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))

	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	tree, err := routefile.LoadFile(g.routes, routefile.WithLogger(logger.With("component", "routefile")))
	if err != nil {
		return nil, err
	}
	return router.New(tree, router.WithConfig(cfg), router.WithLogger(logger))
}

func awaitDeferred(ctx context.Context, st router.State, d time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	for _, m := range st.Matches {
		for _, h := range m.Deferred {
			_, _ = h.Await(ctx)
		}
	}
}

func writePayload(w io.Writer, st router.State) error {
	p, err := ssr.Dehydrate(st)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

func printState(w io.Writer, st router.State) {
	title := st.Location.Href()
	if st.Redirect != nil {
		title += " (redirected)"
	}
	if st.NotFound != nil {
		title += fmt.Sprintf(" (not found, handled by %s)", st.NotFound.RouteID)
	}
	if st.Err != nil {
		title += " (invalid: " + st.Err.Error() + ")"
	}
	printMatches(w, title, st.Matches)
}

func printMatches(w io.Writer, title string, matches []*pipeline.Match) {
	fmt.Fprintln(w, title)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, m := range matches {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", m.RouteID, statusText(m), formatParams(m.Params), formatData(m))
	}
	tw.Flush()
}

func statusText(m *pipeline.Match) string {
	s := m.Status.String()
	if m.Stale {
		s += " (stale)"
	}
	if m.Error != nil {
		s += " [" + m.ErrorRouteID + "]"
	}
	return s
}

func formatParams(params map[string]string) string {
	if len(params) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + params[k]
	}
	return strings.Join(parts, ",")
}

func formatData(m *pipeline.Match) string {
	if m.Error != nil {
		return "error: " + m.Error.Error()
	}
	var b strings.Builder
	if m.LoaderData != nil {
		data, err := json.Marshal(m.LoaderData)
		if err != nil {
			data = []byte(fmt.Sprint(m.LoaderData))
		}
		b.Write(data)
	}
	names := make([]string, 0, len(m.Deferred))
	for name := range m.Deferred {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := m.Deferred[name]
		fmt.Fprintf(&b, " %s=%s", name, h.State())
		if v, err, ok := h.Result(); ok && err == nil {
			if data, jerr := json.Marshal(v); jerr == nil {
				fmt.Fprintf(&b, ":%s", data)
			}
		}
	}
	return strings.TrimSpace(b.String())
}
