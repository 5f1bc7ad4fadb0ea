package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/socialhub/internal/models"
	"github.com/zulandar/socialhub/internal/publish"
)

const verifyTimeout = 30 * time.Second

func newVerifyCmd() *cobra.Command {
	var (
		configPath string
		server     string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check platform credentials",
		Long: "Checks every configured platform's credentials without posting. By default the " +
			"credentials in the config are checked locally; --server asks a running server instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, configPath, server)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to SocialHub config file")
	cmd.Flags().StringVar(&server, "server", "", "verify through a running SocialHub server")
	return cmd
}

func runVerify(cmd *cobra.Command, configPath, server string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), verifyTimeout)
	defer cancel()

	var (
		results map[models.Platform]publish.VerifyResult
		err     error
	)
	if server != "" {
		results, err = newAPIClient(server).verify(ctx)
	} else {
		results, err = verifyLocal(ctx, configPath, nil)
	}
	if err != nil {
		return err
	}

	failed := printVerify(cmd.OutOrStdout(), results)
	if failed > 0 {
		return fmt.Errorf("%d platform(s) failed verification", failed)
	}
	return nil
}

// verifyLocal checks the credentials in the config file directly.
func verifyLocal(ctx context.Context, configPath string, hc *http.Client) (map[models.Platform]publish.VerifyResult, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	pubs, err := buildPublishers(cfg, hc)
	if err != nil {
		return nil, err
	}
	registry, err := publish.NewRegistry(pubs...)
	if err != nil {
		return nil, err
	}
	orch, err := publish.NewOrchestrator(publish.OrchestratorOpts{Registry: registry})
	if err != nil {
		return nil, err
	}
	return orch.VerifyAll(ctx), nil
}

// printVerify writes one row per platform and returns how many configured
// platforms failed.
func printVerify(out io.Writer, results map[models.Platform]publish.VerifyResult) int {
	failed := 0
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PLATFORM\tSTATUS\tACCOUNT\tDETAIL")
	for _, p := range models.AllPlatforms {
		r := results[p]
		status, account, detail := "ok", r.Account.Name, "-"
		switch {
		case !r.Configured:
			status = "not configured"
		case !r.OK:
			status = "failed"
			detail = r.Error
			failed++
		}
		if account == "" {
			account = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Title(), status, account, detail)
	}
	w.Flush()
	return failed
}
