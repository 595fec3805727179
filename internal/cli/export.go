package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"custody-mint-sync/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export completed mints as CSV and/or a cumulative volume PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseTimeFlag("from", exportFrom)
		if err != nil {
			return err
		}
		to, err := parseTimeFlag("to", exportTo)
		if err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), app.ExportOptions{
			From:      from,
			To:        to,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		})
	},
}

// parseTimeFlag accepts RFC3339 or a bare date; empty means unset.
func parseTimeFlag(name, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid --%s value %q: want RFC3339 or YYYY-MM-DD", name, raw)
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Earliest mint time (RFC3339 or date, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Latest mint time (RFC3339 or date, exclusive; defaults to now)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write the cumulative volume chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write completed mints as CSV")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum chart points (defaults to config)")
}
