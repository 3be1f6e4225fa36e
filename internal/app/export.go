package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"fraudshield/internal/storage"
)

const defaultExportWindow = 7 * 24 * time.Hour

// Export renders scored transactions as CSV and/or a PNG risk chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	from, to, err := exportWindow(opts, time.Now().UTC())
	if err != nil {
		return err
	}

	txs, err := store.ListTransactionsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		a.Logger.Info().Msg("no scored transactions found for export window")
		return nil
	}

	downsampled := downsampleTransactions(txs, opts.MaxPoints)
	a.Logger.Info().Int("total", len(txs)).Int("exported", len(downsampled)).Msg("exporting scored transactions")

	if opts.CSVPath != "" {
		if err := writeTransactionsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRiskPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func exportWindow(opts ExportOptions, now time.Time) (time.Time, time.Time, error) {
	to := now
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

// downsampleTransactions picks max evenly spaced rows. Flagged rows are
// kept as long as they fit.
func downsampleTransactions(txs []storage.ScoredTransaction, max int) []storage.ScoredTransaction {
	if max <= 0 || len(txs) <= max {
		return txs
	}

	flagged := 0
	for _, tx := range txs {
		if tx.Flagged {
			flagged++
		}
	}
	if flagged > 0 && flagged <= max {
		return keepFlagged(txs, max)
	}

	result := make([]storage.ScoredTransaction, 0, max)
	step := float64(len(txs)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(txs) {
			idx = len(txs) - 1
		}
		result = append(result, txs[idx])
	}
	return result
}

func keepFlagged(txs []storage.ScoredTransaction, max int) []storage.ScoredTransaction {
	var flagged, rest []int
	for i, tx := range txs {
		if tx.Flagged {
			flagged = append(flagged, i)
		} else {
			rest = append(rest, i)
		}
	}

	keep := make(map[int]bool, max)
	for _, i := range flagged {
		keep[i] = true
	}
	if room := max - len(flagged); room > 0 && len(rest) > 0 {
		step := float64(len(rest)) / float64(room)
		for i := 0; i < room; i++ {
			keep[rest[int(float64(i)*step)]] = true
		}
	}

	result := make([]storage.ScoredTransaction, 0, max)
	for i, tx := range txs {
		if keep[i] {
			result = append(result, tx)
		}
	}
	return result
}

func writeTransactionsCSV(path string, txs []storage.ScoredTransaction) error {
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

	header := []string{"created_at", "transaction_id", "entity_id", "amount", "device", "ip_address", "classifier_proba", "anomaly_score", "risk_score", "risk_level", "threshold", "flagged", "action", "graph_flagged", "reasons"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, tx := range txs {
		record := []string{
			tx.CreatedAt.UTC().Format(time.RFC3339),
			tx.ID,
			tx.EntityID,
			tx.Amount.StringFixed(2),
			tx.Device,
			tx.IPAddress,
			formatFloat(tx.ClassifierProba, 4),
			formatFloat(tx.AnomalyScore, 4),
			formatFloat(tx.RiskScore, 2),
			tx.RiskLevel,
			formatFloat(tx.Threshold, 4),
			strconv.FormatBool(tx.Flagged),
			tx.Action,
			strconv.FormatBool(tx.GraphFlagged),
			strings.Join(tx.Reasons, "; "),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeRiskPNG(path string, txs []storage.ScoredTransaction) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(txs))
	risk := make([]float64, len(txs))
	limit := make([]float64, len(txs))
	amount := make([]float64, len(txs))

	for i, tx := range txs {
		x[i] = tx.CreatedAt
		risk[i] = tx.RiskScore
		limit[i] = tx.Threshold * 100
		amount[i] = tx.Amount.InexactFloat64()
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Risk (0-100)",
			ValueFormatter: pctFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: 100},
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Amount",
			ValueFormatter: pctFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Risk score",
				XValues: x,
				YValues: risk,
			},
			chart.TimeSeries{
				Name:    "Threshold",
				XValues: x,
				YValues: limit,
			},
			chart.TimeSeries{
				Name:    "Amount",
				XValues: x,
				YValues: amount,
				YAxis:   chart.YAxisSecondary,
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

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func formatFloat(v float64, places int) string {
	return strconv.FormatFloat(v, 'f', places, 64)
}
