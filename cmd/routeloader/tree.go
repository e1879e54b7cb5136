package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vango-dev/routeloader/pkg/route"
	"github.com/vango-dev/routeloader/pkg/routefile"
)

func treeCmd(g *globals) *cobra.Command {
	var candidates string

	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the route tree of a fixture",
		Long: `Print every route of the fixture with its full path and hooks.

With --candidates, print the order in which the matcher tries the
children of a route instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			tree, err := routefile.LoadFile(g.routes)
			if err != nil {
				return err
			}

			if candidates != "" {
				nodes, err := tree.Candidates(candidates)
				if err != nil {
					return err
				}
				for i, n := range nodes {
					fmt.Fprintf(w, "%2d. %s\n", i+1, n.ID())
				}
				return nil
			}

			tree.Walk(func(n *route.Node, depth int) bool {
				fmt.Fprintf(w, "%s%s%s\n", strings.Repeat("  ", depth), n.ID(), describe(n))
				return true
			})
			info(w, "%d routes", tree.Len())
			return nil
		},
	}

	cmd.Flags().StringVar(&candidates, "candidates", "", "Print matcher candidate order below this route id")
	return cmd
}

func describe(n *route.Node) string {
	var tags []string
	if !n.IsRoot() && !n.IsPathless() {
		tags = append(tags, "path="+n.FullPath())
	}
	if n.HasBeforeLoad() {
		tags = append(tags, "beforeLoad")
	}
	if n.HasLoader() {
		tags = append(tags, "loader")
	}
	if d, ok := n.StaleTime(); ok {
		tags = append(tags, "staleTime="+d.String())
	}
	if n.ErrorHandler() != nil {
		tags = append(tags, "errorBoundary")
	}
	if n.NotFoundHandler() != nil {
		tags = append(tags, "notFoundBoundary")
	}
	if len(tags) == 0 {
		return ""
	}
	return "  (" + strings.Join(tags, " ") + ")"
}
