package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/socialhub/internal/models"
)

func newPostsCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "posts",
		Short: "Scheduled post commands",
		Long:  "Lists, schedules, cancels and runs posts on a running SocialHub server.",
	}

	def := os.Getenv("SOCIALHUB_SERVER")
	if def == "" {
		def = defaultServer
	}
	cmd.PersistentFlags().StringVar(&server, "server", def, "SocialHub server URL (env SOCIALHUB_SERVER)")

	client := func() *apiClient { return newAPIClient(server) }
	cmd.AddCommand(newPostsListCmd(client))
	cmd.AddCommand(newPostsScheduleCmd(client))
	cmd.AddCommand(newPostsCancelCmd(client))
	cmd.AddCommand(newPostsRunCmd(client))
	return cmd
}

func newPostsListCmd(client func() *apiClient) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List posts",
		Long:  "Lists posts with optional status filter. Output is formatted as a table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPostsList(cmd, client(), status)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (scheduled, publishing, posted, partially_posted, failed)")
	return cmd
}

func runPostsList(cmd *cobra.Command, c *apiClient, status string) error {
	if status != "" && !models.Status(status).Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	posts, err := c.listPosts(cmd.Context(), status)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(posts) == 0 {
		fmt.Fprintln(out, "No posts found.")
		return nil
	}

	now := time.Now()
	width := captionWidth(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tWHEN\tPLATFORMS\tCAPTION")
	for _, p := range posts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortID(p.ID), p.Status, formatWhen(p.ScheduledTime.Time, now),
			formatPlatforms(p), truncate(p.Caption, width))
	}
	w.Flush()
	return nil
}

func newPostsScheduleCmd(client func() *apiClient) *cobra.Command {
	var (
		caption   string
		platforms string
		at        string
		in        time.Duration
		photo     string
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a post",
		Long:  "Schedules a post for a future time. Give either --at or --in.",
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := scheduleTime(at, in, time.Now())
			if err != nil {
				return err
			}
			return runPostsSchedule(cmd, client(), newPost{
				Caption:   caption,
				Platforms: platforms,
				At:        when,
				PhotoPath: photo,
			})
		},
	}

	cmd.Flags().StringVar(&caption, "caption", "", "post text (required)")
	cmd.Flags().StringVar(&platforms, "platforms", "all", "comma-separated platforms or \"all\"")
	cmd.Flags().StringVar(&at, "at", "", "local time, e.g. \"2030-01-02 09:30\"")
	cmd.Flags().DurationVar(&in, "in", 0, "delay from now, e.g. 90m")
	cmd.Flags().StringVar(&photo, "photo", "", "image file to attach")
	cmd.MarkFlagRequired("caption")
	cmd.MarkFlagsMutuallyExclusive("at", "in")
	return cmd
}

// scheduleTime resolves --at or --in against now.
func scheduleTime(at string, in time.Duration, now time.Time) (time.Time, error) {
	switch {
	case at != "":
		ts, err := models.ParseTimestamp(at)
		if err != nil {
			return time.Time{}, err
		}
		return ts.Time, nil
	case in > 0:
		return now.Add(in), nil
	default:
		return time.Time{}, errors.New("one of --at or --in is required")
	}
}

func runPostsSchedule(cmd *cobra.Command, c *apiClient, p newPost) error {
	post, err := c.createPost(cmd.Context(), p)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Scheduled post %s\n", post.ID)
	fmt.Fprintf(out, "When: %s\n", formatWhen(post.ScheduledTime.Time, time.Now()))
	fmt.Fprintf(out, "Platforms: %s\n", models.JoinPlatforms(post.Platforms.Enabled()))
	return nil
}

func newPostsCancelCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a scheduled post",
		Long:  "Removes a post that has not been published yet. A unique id prefix is accepted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPostsCancel(cmd, client(), args[0])
		},
	}
}

func runPostsCancel(cmd *cobra.Command, c *apiClient, prefix string) error {
	ctx := cmd.Context()
	id, err := c.resolveID(ctx, prefix)
	if err != nil {
		return err
	}
	if err := c.cancelPost(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled post %s\n", id)
	return nil
}

func newPostsRunCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Publish a scheduled post now",
		Long:  "Publishes a scheduled post immediately and waits for the outcome. A unique id prefix is accepted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPostsRun(cmd, client(), args[0])
		},
	}
}

func runPostsRun(cmd *cobra.Command, c *apiClient, prefix string) error {
	ctx := cmd.Context()
	id, err := c.resolveID(ctx, prefix)
	if err != nil {
		return err
	}
	res, err := c.runPost(ctx, id)
	if err != nil {
		return err
	}
	formatResult(cmd.OutOrStdout(), res)
	if res.Status == models.StatusFailed {
		return fmt.Errorf("post %s failed on every platform", shortID(id))
	}
	return nil
}
