package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"custody-mint-sync/internal/app"
)

var (
	showLimit  int
	showStatus string
	showEvents bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display mirrored locks and mint requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Status: showStatus,
			Events: showEvents,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print statistics, upstream health and queued notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context())
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Maximum rows per table")
	showCmd.Flags().StringVar(&showStatus, "status", "", "Only show mint requests with this status (pending, approved, rejected, minted)")
	showCmd.Flags().BoolVar(&showEvents, "events", false, "Also print the newest audit events")
}
