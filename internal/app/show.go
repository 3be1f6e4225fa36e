package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"fraudshield/internal/storage"
)

// Show prints recent scored transactions.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show transactions")
	}
	if closeStore != nil {
		defer closeStore()
	}

	txs, err := store.ListRecentTransactions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return renderTransactions(a.Out, txs)
}

func renderTransactions(out io.Writer, txs []storage.ScoredTransaction) error {
	if len(txs) == 0 {
		_, err := fmt.Fprintln(out, "no scored transactions found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tTransaction\tEntity\tAmount\tRisk\tLevel\tThreshold\tAction\tGraph\tTop reason")

	for _, tx := range txs {
		reason := ""
		if len(tx.Reasons) > 0 {
			reason = sanitizeInline(tx.Reasons[0])
		}
		graph := ""
		if tx.GraphFlagged {
			graph = "mule"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			tx.CreatedAt.UTC().Format(time.RFC3339),
			tx.ID,
			tx.EntityID,
			formatDecimal(tx.Amount, 2),
			formatFloat(tx.RiskScore, 2),
			tx.RiskLevel,
			formatFloat(tx.Threshold, 4),
			tx.Action,
			graph,
			reason,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
