package ensemble

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fraudshield/internal/artifact"
	"fraudshield/internal/model"
)

const (
	classifierWeight = 0.70
	anomalyWeight    = 0.30

	holdoutFraction = 0.2
)

// ErrModelNotReady is returned while no champion pair has been trained.
var ErrModelNotReady = errors.New("ensemble: champion model not trained")

// RiskLevel buckets the combined risk.
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// RiskAssessment is the scorer output for one transaction.
type RiskAssessment struct {
	ClassifierProba float64   `json:"classifier_proba"`
	AnomalyScore    float64   `json:"anomaly_score"`
	RiskScore       float64   `json:"risk_score"`
	RiskLevel       RiskLevel `json:"risk_level"`
}

// Artifacts is the slice of the artifact repository the scorer needs.
type Artifacts interface {
	Generation(slot artifact.Slot) (string, error)
	Load(slot artifact.Slot) (*model.Pair, error)
	Save(slot artifact.Slot, pair *model.Pair) (string, error)
}

// Options carry model fitting parameters for Train.
type Options struct {
	Classifier model.ClassifierParams
	Detector   model.DetectorParams
	// Seed drives the holdout split in Train.
	Seed uint64
	// Recheck is how often Champion compares the installed generation with
	// the champion pointer. Zero disables the check.
	Recheck time.Duration
}

// TrainResult reports a champion fitted by Train.
type TrainResult struct {
	Pair       *model.Pair
	Generation string
	TrainRows  int
	TestRows   int
	// HoldoutF1 is the classifier F1 on rows it was not fitted on.
	HoldoutF1 float64
}

// Scorer combines the champion classifier and anomaly detector into a single
// risk score. The champion pair is loaded lazily and replaced wholesale.
type Scorer struct {
	repo   Artifacts
	opts   Options
	logger zerolog.Logger

	pair   atomic.Pointer[model.Pair]
	loadMu sync.Mutex

	// gen is the generation of the installed pair; guarded by loadMu.
	gen       string
	checkedAt atomic.Int64
	now       func() time.Time
}

// New constructs a Scorer reading the champion slot of repo.
func New(repo Artifacts, opts Options, logger zerolog.Logger) *Scorer {
	if opts.Seed == 0 {
		opts.Seed = model.DefaultSeed
	}
	return &Scorer{
		repo:   repo,
		opts:   opts,
		logger: logger.With().Str("component", "ensemble").Logger(),
		now:    time.Now,
	}
}

// Score evaluates vec against the champion pair.
func (s *Scorer) Score(vec model.Vector) (RiskAssessment, error) {
	pair, err := s.Champion()
	if err != nil {
		return RiskAssessment{}, err
	}
	return Assess(pair, vec), nil
}

// Assess scores vec with an explicit pair.
func Assess(pair *model.Pair, vec model.Vector) RiskAssessment {
	x := vec.Values()
	proba := pair.Classifier.PredictProba(x)
	anomaly := clamp(0.5-pair.Detector.DecisionFunction(x), 0, 1)
	risk := classifierWeight*proba + anomalyWeight*anomaly

	return RiskAssessment{
		ClassifierProba: model.Round(proba, 4),
		AnomalyScore:    model.Round(anomaly, 4),
		RiskScore:       model.Round(risk*100, 2),
		RiskLevel:       levelFor(risk),
	}
}

// Champion returns the installed pair, loading it from the champion slot
// on first use. With Options.Recheck set, a pointer moved by another process
// is picked up on the next call after the interval.
func (s *Scorer) Champion() (*model.Pair, error) {
	if pair := s.pair.Load(); pair != nil {
		if !s.recheckDue() {
			return pair, nil
		}
		return s.recheck(pair), nil
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if pair := s.pair.Load(); pair != nil {
		return pair, nil
	}
	return s.loadLocked()
}

func (s *Scorer) recheckDue() bool {
	if s.opts.Recheck <= 0 {
		return false
	}
	last := s.checkedAt.Load()
	now := s.now().UnixNano()
	if now-last < int64(s.opts.Recheck) {
		return false
	}
	return s.checkedAt.CompareAndSwap(last, now)
}

// recheck reloads the champion when its pointer names another generation.
// Any failure keeps serving current.
func (s *Scorer) recheck(current *model.Pair) *model.Pair {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	gen, err := s.repo.Generation(artifact.Champion)
	if err != nil {
		s.logger.Warn().Err(err).Msg("champion pointer unreadable, keeping installed pair")
		return current
	}
	if gen == s.gen {
		return current
	}
	pair, err := s.loadLocked()
	if err != nil {
		s.logger.Warn().Err(err).Str("generation", gen).Msg("champion reload failed, keeping installed pair")
		return current
	}
	return pair
}

// loadLocked reads the champion slot and installs it. loadMu must be held.
func (s *Scorer) loadLocked() (*model.Pair, error) {
	gen, err := s.repo.Generation(artifact.Champion)
	if err != nil {
		if errors.Is(err, artifact.ErrSlotEmpty) {
			return nil, ErrModelNotReady
		}
		return nil, fmt.Errorf("load champion: %w", err)
	}
	pair, err := s.repo.Load(artifact.Champion)
	if err != nil {
		if errors.Is(err, artifact.ErrSlotEmpty) {
			return nil, ErrModelNotReady
		}
		return nil, fmt.Errorf("load champion: %w", err)
	}
	s.pair.Store(pair)
	s.gen = gen
	s.checkedAt.Store(s.now().UnixNano())
	s.logger.Info().Str("generation", gen).Int("trees", len(pair.Classifier.Trees)).Msg("champion loaded")
	return pair, nil
}

// Ready reports whether a champion pair is installed in memory.
func (s *Scorer) Ready() bool {
	return s.pair.Load() != nil
}

// Train fits a fresh pair on a stratified split of ds, measures the
// classifier on the holdout, persists it as the champion, and installs it.
func (s *Scorer) Train(ctx context.Context, ds model.Dataset) (TrainResult, error) {
	if err := ds.Validate(); err != nil {
		return TrainResult{}, err
	}
	train, test := model.StratifiedSplit(ds, holdoutFraction, s.opts.Seed)
	pair, err := model.FitPair(ctx, train, s.opts.Classifier, s.opts.Detector)
	if err != nil {
		return TrainResult{}, err
	}
	gen, err := s.repo.Save(artifact.Champion, pair)
	if err != nil {
		return TrainResult{}, fmt.Errorf("persist champion: %w", err)
	}

	s.loadMu.Lock()
	s.pair.Store(pair)
	s.gen = gen
	s.checkedAt.Store(s.now().UnixNano())
	s.loadMu.Unlock()

	res := TrainResult{Pair: pair, Generation: gen, TrainRows: train.Len(), TestRows: test.Len()}
	if test.Len() > 0 {
		res.HoldoutF1 = model.Round(model.F1(test.Y, pair.Classifier.PredictAll(test.X)), 4)
	}
	neg, pos := train.ClassCounts()
	s.logger.Info().Str("generation", gen).Int("legit", neg).Int("fraud", pos).
		Float64("holdout_f1", res.HoldoutF1).Msg("champion trained")
	return res, nil
}

// Invalidate drops the installed pair so that the next call reloads the
// champion slot. It waits for an in-flight load to finish first.
func (s *Scorer) Invalidate() {
	s.loadMu.Lock()
	s.pair.Store(nil)
	s.gen = ""
	s.loadMu.Unlock()
	s.logger.Info().Msg("champion handle invalidated")
}

func levelFor(risk float64) RiskLevel {
	switch {
	case risk > 0.70:
		return RiskHigh
	case risk > 0.30:
		return RiskMedium
	default:
		return RiskLow
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
