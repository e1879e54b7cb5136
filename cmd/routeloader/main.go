package main

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-dev/routeloader/internal/config"
	"github.com/vango-dev/routeloader/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// globals are the persistent flags shared by every command.
type globals struct {
	routes  string
	config  string
	noColor bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:   "routeloader",
		Short: "Route matching and data loading for route trees",
		Long: `routeloader matches locations against a route tree and runs the
guard and loader pipeline for them.

Route trees are described by YAML fixtures with synthetic loaders, so
matching, redirects, error boundaries, caching and deferred values can
be explored without application code.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if g.noColor {
				errors.DisableColors()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&g.routes, "routes", "r", "routes.yaml", "Route fixture file")
	rootCmd.PersistentFlags().StringVarP(&g.config, "config", "c", "", "Path to "+config.ConfigFileName+" (default: defaults)")
	rootCmd.PersistentFlags().BoolVar(&g.noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(
		matchCmd(g),
		treeCmd(g),
		serveCmd(g),
		initCmd(),
		versionCmd(),
	)
	return rootCmd
}

// loadConfig reads the config file named by --config, or returns defaults.
func (g *globals) loadConfig() (*config.Config, error) {
	if g.config == "" {
		return config.New(), nil
	}
	return config.LoadFile(g.config)
}

// printError prints coded errors in their terminal format.
func printError(w io.Writer, err error) {
	var coded *errors.Error
	if stderrors.As(err, &coded) {
		fmt.Fprint(w, coded.Format())
		return
	}
	fmt.Fprintf(w, "\033[31mError:\033[0m %s\n", err)
}

// success prints a success message.
func success(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "  %s\n", fmt.Sprintf(format, args...))
}
