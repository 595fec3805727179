package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"custody-mint-sync/internal/model"
)

// volumePoint is one step of the cumulative minted volume curve.
type volumePoint struct {
	At     time.Time
	Volume decimal.Decimal
}

// Export writes completed mints as CSV and/or the cumulative minted volume as a PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	var from time.Time
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	b, closePort, err := a.openBridge(ctx, true)
	if err != nil {
		return err
	}
	defer closePort()

	mints := mintsBetween(b.CompletedMints(), from, to)
	if len(mints) == 0 {
		a.Logger.Info().Msg("no completed mints found for export window")
		return nil
	}

	points := downsampleVolume(cumulativeVolume(mints, from), opts.MaxPoints)
	a.Logger.Info().Int("mints", len(mints)).Int("points", len(points)).Msg("exporting completed mints")

	if opts.CSVPath != "" {
		if err := writeMintsCSV(opts.CSVPath, mints); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeVolumePNG(opts.PNGPath, points); err != nil {
			return err
		}
	}

	return nil
}

func mintsBetween(all []model.MintConfirmation, from, to time.Time) []model.MintConfirmation {
	out := make([]model.MintConfirmation, 0, len(all))
	for _, m := range all {
		if m.MintedAt.Before(from) || !m.MintedAt.Before(to) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MintedAt.Before(out[j].MintedAt) })
	return out
}

// cumulativeVolume starts at zero so a single mint still spans a drawable range.
func cumulativeVolume(mints []model.MintConfirmation, from time.Time) []volumePoint {
	start := from
	if start.IsZero() || !start.Before(mints[0].MintedAt) {
		start = mints[0].MintedAt.Add(-time.Hour)
	}
	points := make([]volumePoint, 0, len(mints)+1)
	points = append(points, volumePoint{At: start, Volume: decimal.Zero})
	total := decimal.Zero
	for _, m := range mints {
		total = total.Add(m.MintedAmount)
		points = append(points, volumePoint{At: m.MintedAt, Volume: total})
	}
	return points
}

func downsampleVolume(points []volumePoint, max int) []volumePoint {
	if max <= 1 || len(points) <= max {
		return points
	}

	result := make([]volumePoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeMintsCSV(path string, mints []model.MintConfirmation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"minted_at", "authorization_code", "lock_id", "publication_code", "amount", "tx_hash", "block_number", "minted_by", "contract_address"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, m := range mints {
		record := []string{
			m.MintedAt.UTC().Format(time.RFC3339),
			m.AuthorizationCode,
			m.LockID,
			m.PublicationCode,
			m.MintedAmount.StringFixed(2),
			m.TxHash,
			strconv.FormatUint(m.BlockNumber, 10),
			m.MintedBy,
			m.ContractAddress,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeVolumePNG(path string, points []volumePoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	volume := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.At
		volume[i] = p.Volume.InexactFloat64()
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Minted volume",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Cumulative minted",
				XValues: x,
				YValues: volume,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
