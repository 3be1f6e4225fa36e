package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fraudshield/internal/artifact"
	"fraudshield/internal/lifecycle"
	"fraudshield/internal/model"
	"fraudshield/internal/service"
)

// TrainOptions configure champion bootstrap training.
type TrainOptions struct {
	Samples int
	Seed    uint64
	// Force overwrites an existing champion.
	Force bool
}

// TrainReport is printed after a bootstrap train. F1 is measured on the
// holdout rows.
type TrainReport struct {
	Generation string  `json:"generation"`
	Rows       int     `json:"rows"`
	Legit      int     `json:"legit"`
	Fraud      int     `json:"fraud"`
	TrainRows  int     `json:"train_rows"`
	TestRows   int     `json:"test_rows"`
	F1         float64 `json:"holdout_f1"`
	Offset     float64 `json:"anomaly_offset"`
	Took       string  `json:"took"`
}

// Train fits a champion pair on synthetic data and installs it.
func (a *App) Train(ctx context.Context, opts TrainOptions) error {
	if opts.Samples <= 0 {
		opts.Samples = a.Config.Models.TrainingSamples
	}
	if opts.Seed == 0 {
		opts.Seed = a.Config.Models.Seed
	}

	repo := a.newArtifacts()
	if repo.Exists(artifact.Champion) && !opts.Force {
		gen, _ := repo.Generation(artifact.Champion)
		return fmt.Errorf("champion %s already exists; pass --force to replace it", gen)
	}

	started := time.Now()
	ds := model.Synthetic(opts.Samples, opts.Seed)
	scorer := a.newScorer(repo)
	res, err := scorer.Train(ctx, ds)
	if err != nil {
		return fmt.Errorf("train champion: %w", err)
	}

	neg, pos := ds.ClassCounts()
	report := TrainReport{
		Generation: res.Generation,
		Rows:       ds.Len(),
		Legit:      neg,
		Fraud:      pos,
		TrainRows:  res.TrainRows,
		TestRows:   res.TestRows,
		F1:         res.HoldoutF1,
		Offset:     model.Round(res.Pair.Detector.Offset, 6),
		Took:       time.Since(started).Round(time.Millisecond).String(),
	}
	return a.printJSON(report)
}

// TrainChallengerOptions configure an out-of-band challenger fit.
type TrainChallengerOptions struct {
	Samples  int
	Seed     uint64
	Lookback time.Duration
}

// TrainChallenger fits a challenger from synthetic data plus stored analyst
// labels. The champion is left untouched.
func (a *App) TrainChallenger(ctx context.Context, opts TrainChallengerOptions) error {
	if opts.Samples <= 0 {
		opts.Samples = a.Config.Models.TrainingSamples
	}
	if opts.Seed == 0 {
		opts.Seed = a.Config.Models.Seed
	}
	if opts.Lookback <= 0 {
		opts.Lookback = a.Config.Retrain.Lookback
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	ds := model.Synthetic(opts.Samples, opts.Seed)
	if store != nil {
		samples, err := store.LabelledSamples(ctx, time.Now().UTC().Add(-opts.Lookback))
		if err != nil {
			return fmt.Errorf("load labelled samples: %w", err)
		}
		skipped := service.AppendLabelled(&ds, samples)
		a.Logger.Info().Int("labels", len(samples)-skipped).Int("skipped", skipped).Msg("analyst labels added to training set")
	} else {
		a.Logger.Warn().Msg("database not configured; training challenger on synthetic data only")
	}

	repo := a.newArtifacts()
	manager := a.newManager(repo, nil)
	res, err := manager.TrainChallenger(ctx, ds)
	if err != nil {
		return err
	}
	return a.printJSON(res)
}

// Evaluate compares champion and challenger on the fixed evaluation set and
// promotes the challenger only if it is strictly better.
func (a *App) Evaluate(ctx context.Context) error {
	repo := a.newArtifacts()
	manager := a.newManager(repo, nil)
	res, err := manager.EvaluateAndSwap(ctx)
	if err != nil {
		return err
	}
	return a.printJSON(res)
}

// Promote installs the challenger as champion regardless of its score.
func (a *App) Promote() error {
	repo := a.newArtifacts()
	manager := a.newManager(repo, nil)
	gen, err := manager.Promote()
	if err != nil {
		if errors.Is(err, lifecycle.ErrNoChallenger) {
			return fmt.Errorf("nothing to promote: %w", err)
		}
		return err
	}
	return a.printJSON(map[string]string{"status": "promoted", "generation": gen})
}

// Retrain runs one retraining cycle immediately, honouring the advisory lock
// and minimum label count.
func (a *App) Retrain(ctx context.Context) error {
	rt, err := a.openRuntime(ctx, nil)
	if err != nil {
		return err
	}
	defer rt.close()

	report, err := a.newRetrainer(rt).RunOnce(ctx)
	if err != nil {
		return err
	}
	return a.printJSON(report)
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
