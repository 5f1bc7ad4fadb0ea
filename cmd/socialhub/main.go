package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// defaultConfigPath is used when -c is not given. A missing default file is
// not an error; settings then come from the environment.
const defaultConfigPath = "socialhub.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "socialhub",
		Short: "SocialHub: schedule and publish posts across social platforms",
		Long: "SocialHub drafts, schedules and publishes posts to Facebook, Instagram, " +
			"Twitter and Reddit from a web UI, a chat bot or this CLI.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPostsCmd())
	cmd.AddCommand(newVerifyCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "socialhub %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
