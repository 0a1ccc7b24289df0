package commands

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/moltbunker/escrowd/internal/client"
	"github.com/spf13/cobra"
)

// daemonVersionTimeout bounds the optional daemon lookup so version stays
// fast when no daemon is running.
const daemonVersionTimeout = 2 * time.Second

// NewVersionCmd prints the CLI build and, with --daemon, the running
// daemon's version and settlement capability preset.
func NewVersionCmd() *cobra.Command {
	var withDaemon bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display the escrowctl build. With --daemon, also ask the daemon which version and settlement preset it runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":    GetVersion(),
				"commit":     GetCommit(),
				"build_date": BuildDate,
				"go_version": GetGoVersion(),
				"platform":   runtime.GOOS + "/" + runtime.GOARCH,
			}
			if withDaemon {
				ctx, cancel := context.WithTimeout(context.Background(), daemonVersionTimeout)
				defer cancel()
				health, err := client.NewAPIClient(GetAPIEndpoint()).Health(ctx)
				if err != nil {
					info["daemon"] = "unreachable"
				} else {
					info["daemon"] = health.Version
					info["settlement"] = health.SettlementVersion
				}
			}

			if OutputFormat == "json" {
				return printJSON(info)
			}
			rows := [][2]string{
				{"Version", info["version"]},
				{"Commit", info["commit"]},
				{"Built", info["build_date"]},
				{"Go", info["go_version"]},
				{"Platform", info["platform"]},
			}
			if withDaemon {
				rows = append(rows, [2]string{"Daemon", info["daemon"]})
				if s, ok := info["settlement"]; ok {
					rows = append(rows, [2]string{"Settlement", s})
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), StatusBox("escrowctl", rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&withDaemon, "daemon", false, "Also query the daemon version")
	return cmd
}
