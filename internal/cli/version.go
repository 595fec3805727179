package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"custody-mint-sync/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "version: %s\ncommit: %s\nbuilt: %s\ngo: %s\nuser-agent: %s\n",
			version.Version, version.Commit, version.BuildDate, runtime.Version(), version.UserAgent())
	},
}
