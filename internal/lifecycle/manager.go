package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"fraudshield/internal/artifact"
	"fraudshield/internal/model"
)

const (
	testFraction = 0.2
	// EvalRows is the size of the fixed synthetic evaluation set.
	EvalRows = 2000
	// MessageMissing is returned when either slot lacks a complete pair.
	MessageMissing = "missing model files"

	// evalSeedMix separates the evaluation stream from training data drawn
	// with the same configured seed.
	evalSeedMix = 0xa0761d6478bd642f
)

// ErrNoChallenger is returned by Promote when the challenger slot is empty.
var ErrNoChallenger = errors.New("lifecycle: no challenger trained")

// Artifacts is the subset of the artifact repository the manager uses.
type Artifacts interface {
	Exists(slot artifact.Slot) bool
	Load(slot artifact.Slot) (*model.Pair, error)
	Save(slot artifact.Slot, pair *model.Pair) (string, error)
	Promote(from, to artifact.Slot) (string, error)
}

// Invalidator drops a cached champion handle.
type Invalidator interface {
	Invalidate()
}

// Options tune challenger fitting and evaluation.
type Options struct {
	Classifier model.ClassifierParams
	Detector   model.DetectorParams
	Seed       uint64
	EvalRows   int
}

// TrainResult reports a freshly trained challenger.
type TrainResult struct {
	F1         float64 `json:"challenger_f1"`
	Status     string  `json:"status"`
	Generation string  `json:"generation"`
	TrainRows  int     `json:"train_rows"`
	TestRows   int     `json:"test_rows"`
}

// SwapResult reports one champion/challenger comparison.
type SwapResult struct {
	Swapped      bool    `json:"swapped"`
	ChampionF1   float64 `json:"champion_f1"`
	ChallengerF1 float64 `json:"challenger_f1"`
	Message      string  `json:"message"`
	Generation   string  `json:"generation,omitempty"`
}

// Manager trains challengers and promotes them when they beat the champion.
type Manager struct {
	repo   Artifacts
	scorer Invalidator
	opts   Options
	logger zerolog.Logger

	evalSet model.Dataset

	// mu serialises slot writes made by this manager.
	mu sync.Mutex
}

// New constructs a Manager. scorer may be nil.
func New(repo Artifacts, scorer Invalidator, opts Options, logger zerolog.Logger) *Manager {
	if opts.EvalRows <= 0 {
		opts.EvalRows = EvalRows
	}
	if opts.Seed == 0 {
		opts.Seed = model.DefaultSeed
	}
	return &Manager{
		repo:    repo,
		scorer:  scorer,
		opts:    opts,
		logger:  logger.With().Str("component", "lifecycle").Logger(),
		evalSet: model.Synthetic(opts.EvalRows, EvalSeed(opts.Seed)),
	}
}

// EvalSeed derives the evaluation set seed from the training seed.
func EvalSeed(seed uint64) uint64 {
	return seed ^ evalSeedMix
}

// TrainChallenger fits a pair on a stratified 80% split of ds, scores its
// classifier on the remaining 20%, and stores it in the challenger slot.
func (m *Manager) TrainChallenger(ctx context.Context, ds model.Dataset) (TrainResult, error) {
	if err := ds.Validate(); err != nil {
		return TrainResult{}, err
	}
	neg, pos := ds.ClassCounts()
	if neg < 2 || pos < 2 {
		return TrainResult{}, fmt.Errorf("lifecycle: need at least two rows per class, got %d legit and %d fraud", neg, pos)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	train, test := model.StratifiedSplit(ds, testFraction, m.opts.Seed)
	pair, err := model.FitPair(ctx, train, m.opts.Classifier, m.opts.Detector)
	if err != nil {
		return TrainResult{}, fmt.Errorf("fit challenger: %w", err)
	}

	f1 := model.Round(model.F1(test.Y, pair.Classifier.PredictAll(test.X)), 4)
	gen, err := m.repo.Save(artifact.Challenger, pair)
	if err != nil {
		return TrainResult{}, fmt.Errorf("persist challenger: %w", err)
	}

	m.logger.Info().Float64("f1", f1).Int("train_rows", train.Len()).Int("test_rows", test.Len()).
		Str("generation", gen).Msg("challenger trained")
	return TrainResult{F1: f1, Status: "trained", Generation: gen, TrainRows: train.Len(), TestRows: test.Len()}, nil
}

// EvaluateAndSwap compares champion and challenger classifiers on the fixed
// evaluation set and promotes the challenger on a strictly higher F1.
func (m *Manager) EvaluateAndSwap(ctx context.Context) (SwapResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.repo.Exists(artifact.Champion) || !m.repo.Exists(artifact.Challenger) {
		m.logger.Warn().Msg("evaluation skipped: missing model files")
		return SwapResult{Message: MessageMissing}, nil
	}

	champion, err := m.repo.Load(artifact.Champion)
	if err != nil {
		return SwapResult{}, fmt.Errorf("load champion: %w", err)
	}
	challenger, err := m.repo.Load(artifact.Challenger)
	if err != nil {
		return SwapResult{}, fmt.Errorf("load challenger: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return SwapResult{}, err
	}

	champF1 := m.evaluate(champion)
	chalF1 := m.evaluate(challenger)
	res := SwapResult{ChampionF1: champF1, ChallengerF1: chalF1}

	if chalF1 <= champF1 {
		res.Message = fmt.Sprintf("Champion (F1=%v) still wins over Challenger (F1=%v)", champF1, chalF1)
		m.logger.Info().Float64("champion_f1", champF1).Float64("challenger_f1", chalF1).Msg("champion retained")
		return res, nil
	}

	gen, err := m.repo.Promote(artifact.Challenger, artifact.Champion)
	if err != nil {
		return SwapResult{}, fmt.Errorf("promote challenger: %w", err)
	}
	if m.scorer != nil {
		m.scorer.Invalidate()
	}

	res.Swapped = true
	res.Generation = gen
	res.Message = fmt.Sprintf("Challenger (F1=%v) beat Champion (F1=%v), swapped", chalF1, champF1)
	m.logger.Info().Float64("champion_f1", champF1).Float64("challenger_f1", chalF1).
		Str("generation", gen).Msg("challenger promoted")
	return res, nil
}

// Promote unconditionally installs the challenger as champion.
func (m *Manager) Promote() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.repo.Exists(artifact.Challenger) {
		return "", ErrNoChallenger
	}
	if _, err := m.repo.Load(artifact.Challenger); err != nil {
		return "", fmt.Errorf("load challenger: %w", err)
	}
	gen, err := m.repo.Promote(artifact.Challenger, artifact.Champion)
	if err != nil {
		return "", fmt.Errorf("promote challenger: %w", err)
	}
	if m.scorer != nil {
		m.scorer.Invalidate()
	}
	m.logger.Info().Str("generation", gen).Msg("challenger force-promoted")
	return gen, nil
}

func (m *Manager) evaluate(pair *model.Pair) float64 {
	return model.Round(model.F1(m.evalSet.Y, pair.Classifier.PredictAll(m.evalSet.X)), 4)
}
