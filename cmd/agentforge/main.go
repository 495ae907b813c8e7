// Agentforge runs the review-loop control plane and talks to a running one.
//
// Usage:
//
//	# Start the server with ~/.config/agentforge/config.yaml
//	agentforge serve
//
//	# Create and start a task
//	agentforge task create --title "Fix flaky upload test" \
//	    --author claude#author --reviewer codex#r1 --workspace . --start
//
//	# Follow its events
//	agentforge task events <id> --follow
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// serverURL is the base URL of the agentforge HTTP server
	serverURL string
	// outputJSON prints raw JSON replies instead of tables
	outputJSON bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentforge",
	Short: "Orchestrate author/reviewer loops over a workspace",
	Long: `agentforge runs tasks in which an author participant implements a change and
reviewer participants critique it, round after round, until verification
passes or a bound is hit.

Run "agentforge serve" to start the control plane; the task subcommands talk
to it over HTTP.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8787", "agentforge server URL")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print raw JSON")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(taskCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "agentforge\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}
