package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fraudshield/internal/lifecycle"
	"fraudshield/internal/metrics"
	"fraudshield/internal/model"
	"fraudshield/internal/scheduler"
	"fraudshield/internal/storage"
)

// LabelSource serves analyst-labelled feature vectors.
type LabelSource interface {
	LabelledSamples(ctx context.Context, since time.Time) ([]storage.LabelledSample, error)
}

// Lifecycle is the champion/challenger surface the retrainer drives.
type Lifecycle interface {
	TrainChallenger(ctx context.Context, ds model.Dataset) (lifecycle.TrainResult, error)
	EvaluateAndSwap(ctx context.Context) (lifecycle.SwapResult, error)
}

// RetrainOptions tune the periodic retraining job.
type RetrainOptions struct {
	LockKey       int64
	MinLabels     int
	Lookback      time.Duration
	SyntheticRows int
	Seed          uint64
}

// RetrainReport summarises one retraining attempt.
type RetrainReport struct {
	Skipped bool                  `json:"skipped"`
	Reason  string                `json:"reason,omitempty"`
	Labels  int                   `json:"labels"`
	Train   lifecycle.TrainResult `json:"train"`
	Swap    lifecycle.SwapResult  `json:"swap"`
}

// Retrainer periodically trains a challenger from feedback and lets it
// compete with the champion.
type Retrainer struct {
	scheduler *scheduler.Scheduler
	labels    LabelSource
	manager   Lifecycle
	locker    storage.AdvisoryLocker
	metrics   *metrics.Metrics
	opts      RetrainOptions
	logger    zerolog.Logger
	now       func() time.Time
}

// NewRetrainer wires the job. labels and locker may be nil; without labels
// the challenger trains on synthetic data only.
func NewRetrainer(sched *scheduler.Scheduler, labels LabelSource, manager Lifecycle, locker storage.AdvisoryLocker, m *metrics.Metrics, opts RetrainOptions, logger zerolog.Logger) *Retrainer {
	if opts.SyntheticRows <= 0 {
		opts.SyntheticRows = 5000
	}
	if opts.Seed == 0 {
		opts.Seed = model.DefaultSeed
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 30 * 24 * time.Hour
	}
	return &Retrainer{
		scheduler: sched,
		labels:    labels,
		manager:   manager,
		locker:    locker,
		metrics:   m,
		opts:      opts,
		logger:    logger.With().Str("component", "retrainer").Logger(),
		now:       time.Now,
	}
}

// Run begins the retraining loop.
func (r *Retrainer) Run(ctx context.Context) error {
	if r.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return r.scheduler.Run(ctx, r.Tick)
}

// Tick adapts RunOnce to scheduler.TickFunc.
func (r *Retrainer) Tick(ctx context.Context, slot time.Time) error {
	report, err := r.RunOnce(ctx)
	if err != nil {
		return err
	}
	if report.Skipped {
		r.logger.Info().Time("slot", slot).Str("reason", report.Reason).Msg("retrain skipped")
	}
	return nil
}

// RunOnce trains one challenger and evaluates it against the champion.
func (r *Retrainer) RunOnce(ctx context.Context) (RetrainReport, error) {
	unlock, proceed, err := r.acquireLock(ctx)
	if err != nil {
		return RetrainReport{}, err
	}
	if !proceed {
		return RetrainReport{Skipped: true, Reason: "advisory lock held elsewhere"}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	samples, err := r.labelled(ctx)
	if err != nil {
		return RetrainReport{}, err
	}
	report := RetrainReport{Labels: len(samples)}
	if len(samples) < r.opts.MinLabels {
		report.Skipped = true
		report.Reason = fmt.Sprintf("only %d labels, need %d", len(samples), r.opts.MinLabels)
		return report, nil
	}

	ds := model.Synthetic(r.opts.SyntheticRows, r.opts.Seed)
	if skipped := AppendLabelled(&ds, samples); skipped > 0 {
		r.logger.Warn().Int("skipped", skipped).Msg("labelled samples with bad feature vectors ignored")
	}

	report.Train, err = r.manager.TrainChallenger(ctx, ds)
	if err != nil {
		return report, fmt.Errorf("train challenger: %w", err)
	}
	report.Swap, err = r.manager.EvaluateAndSwap(ctx)
	if err != nil {
		r.metrics.ObserveEvaluation("error", 0, 0)
		return report, fmt.Errorf("evaluate challenger: %w", err)
	}

	r.metrics.ObserveEvaluation(outcome(report.Swap), report.Swap.ChampionF1, report.Swap.ChallengerF1)
	r.logger.Info().
		Int("labels", report.Labels).
		Float64("champion_f1", report.Swap.ChampionF1).
		Float64("challenger_f1", report.Swap.ChallengerF1).
		Bool("swapped", report.Swap.Swapped).
		Msg(report.Swap.Message)
	return report, nil
}

// AppendLabelled adds analyst-labelled samples to ds and returns how many
// were dropped for carrying a malformed feature vector.
func AppendLabelled(ds *model.Dataset, samples []storage.LabelledSample) int {
	skipped := 0
	for _, s := range samples {
		vec, err := model.VectorFromValues(s.Features)
		if err != nil {
			skipped++
			continue
		}
		ds.Append(vec, s.Fraud)
	}
	return skipped
}

func (r *Retrainer) labelled(ctx context.Context) ([]storage.LabelledSample, error) {
	if r.labels == nil {
		return nil, nil
	}
	samples, err := r.labels.LabelledSamples(ctx, r.now().Add(-r.opts.Lookback))
	if err != nil {
		return nil, fmt.Errorf("load labelled samples: %w", err)
	}
	return samples, nil
}

func (r *Retrainer) acquireLock(ctx context.Context) (func(), bool, error) {
	if r.opts.LockKey == 0 || r.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := r.locker.TryAdvisoryLock(ctx, r.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func outcome(res lifecycle.SwapResult) string {
	switch {
	case res.Swapped:
		return "swapped"
	case res.Message == lifecycle.MessageMissing:
		return "missing"
	default:
		return "kept"
	}
}
