package app

import (
	"context"
	"errors"
	"fmt"

	"fraudshield/internal/ensemble"
	"fraudshield/internal/model"
	"fraudshield/internal/storage"
	"fraudshield/internal/threshold"
)

// RescoreReport compares stored decisions with what the current champion
// would decide for the same feature vectors.
type RescoreReport struct {
	Processed     int            `json:"processed"`
	Skipped       int            `json:"skipped"`
	LevelChanged  int            `json:"level_changed"`
	NewlyFlagged  int            `json:"newly_flagged"`
	NoLongerFlags int            `json:"no_longer_flagged"`
	MeanDelta     float64        `json:"mean_risk_delta"`
	ByLevel       map[string]int `json:"by_level"`
}

// Rescore replays stored transactions in [From, To) against the current
// champion without writing anything. It is meant to be run after a swap to
// see how decisions would have shifted.
func (a *App) Rescore(ctx context.Context, opts RescoreOptions) error {
	from, to := opts.From.UTC(), opts.To.UTC()
	if !from.Before(to) {
		return errors.New("rescore range is empty; check --from/--to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; cannot rescore")
	}
	if closeStore != nil {
		defer closeStore()
	}

	pair, err := a.newScorer(a.newArtifacts()).Champion()
	if err != nil {
		return fmt.Errorf("load champion: %w", err)
	}

	txs, err := store.ListTransactionsBetween(ctx, from, to)
	if err != nil {
		return err
	}

	report := rescore(ctx, pair, txs)
	a.Logger.Info().Int("processed", report.Processed).Int("skipped", report.Skipped).
		Int("newly_flagged", report.NewlyFlagged).Msg("rescore finished")
	return a.printJSON(report)
}

func rescore(ctx context.Context, pair *model.Pair, txs []storage.ScoredTransaction) RescoreReport {
	report := RescoreReport{ByLevel: make(map[string]int)}
	var delta float64
	for _, tx := range txs {
		if ctx.Err() != nil {
			break
		}
		vec, err := model.VectorFromValues(tx.Features)
		if err != nil {
			report.Skipped++
			continue
		}
		assessment := ensemble.Assess(pair, vec)
		// the stored threshold already reflects the entity's reputation
		decision := threshold.Decide(assessment.RiskScore, tx.Threshold)

		report.Processed++
		report.ByLevel[string(assessment.RiskLevel)]++
		delta += assessment.RiskScore - tx.RiskScore
		if string(assessment.RiskLevel) != tx.RiskLevel {
			report.LevelChanged++
		}
		switch {
		case decision.Flagged && !tx.Flagged:
			report.NewlyFlagged++
		case !decision.Flagged && tx.Flagged:
			report.NoLongerFlags++
		}
	}
	if report.Processed > 0 {
		report.MeanDelta = model.Round(delta/float64(report.Processed), 2)
	}
	return report
}
