package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fraudshield/internal/artifact"
	"fraudshield/internal/lifecycle"
	"fraudshield/internal/metrics"
	"fraudshield/internal/model"
	"fraudshield/internal/storage"
)

type fakeLabels struct {
	samples []storage.LabelledSample
	since   time.Time
	err     error
}

func (f *fakeLabels) LabelledSamples(_ context.Context, since time.Time) ([]storage.LabelledSample, error) {
	f.since = since
	return f.samples, f.err
}

type fakeLifecycle struct {
	trained []model.Dataset
	swap    lifecycle.SwapResult
	swapErr error
}

func (f *fakeLifecycle) TrainChallenger(_ context.Context, ds model.Dataset) (lifecycle.TrainResult, error) {
	f.trained = append(f.trained, ds)
	return lifecycle.TrainResult{F1: 0.97, Status: "trained", TrainRows: ds.Len()}, nil
}

func (f *fakeLifecycle) EvaluateAndSwap(context.Context) (lifecycle.SwapResult, error) {
	return f.swap, f.swapErr
}

type fakeLocker struct {
	acquired bool
	err      error
	calls    int
	released int
}

func (f *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	f.calls++
	if f.err != nil || !f.acquired {
		return nil, false, f.err
	}
	return func() { f.released++ }, true, nil
}

func legitSample() storage.LabelledSample {
	return storage.LabelledSample{Features: model.Vector{Amount: 40, Hour: 14, AmountRatio: 1}.Values(), Fraud: false}
}

func fraudSample() storage.LabelledSample {
	return storage.LabelledSample{Features: model.Vector{Amount: 9000, Hour: 3, TxCount1h: 6, AmountRatio: 5, VelocityScore: 0.6, ImpossibleTravel: 1}.Values(), Fraud: true}
}

func TestRetrainAppendsLabelsToSynthetic(t *testing.T) {
	labels := &fakeLabels{samples: []storage.LabelledSample{legitSample(), fraudSample(), {Features: []float64{1, 2}, Fraud: true}}}
	lc := &fakeLifecycle{swap: lifecycle.SwapResult{Swapped: true, ChampionF1: 0.9, ChallengerF1: 0.95, Message: "swapped"}}
	m := metrics.New()
	r := NewRetrainer(nil, labels, lc, nil, m, RetrainOptions{SyntheticRows: 100, Lookback: time.Hour}, zerolog.Nop())
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 3, report.Labels)
	assert.True(t, report.Swap.Swapped)
	assert.Equal(t, now.Add(-time.Hour), labels.since)

	require.Len(t, lc.trained, 1)
	ds := lc.trained[0]
	assert.Equal(t, 102, ds.Len())
	assert.Equal(t, 9000.0, ds.X[101][0])
	assert.Equal(t, 1, ds.Y[101])
	series, err := testutil.GatherAndCount(m.Registry(), "fraudshield_lifecycle_evaluations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}

func TestRetrainSkipsWithoutEnoughLabels(t *testing.T) {
	lc := &fakeLifecycle{}
	r := NewRetrainer(nil, &fakeLabels{samples: []storage.LabelledSample{legitSample()}}, lc, nil, nil, RetrainOptions{MinLabels: 5}, zerolog.Nop())

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, "only 1 labels, need 5", report.Reason)
	assert.Empty(t, lc.trained)
}

func TestRetrainHonoursAdvisoryLock(t *testing.T) {
	lc := &fakeLifecycle{}
	locker := &fakeLocker{acquired: false}
	r := NewRetrainer(nil, nil, lc, locker, nil, RetrainOptions{LockKey: 99}, zerolog.Nop())

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Empty(t, lc.trained)
	assert.Equal(t, 1, locker.calls)

	locker.acquired = true
	lc.swap = lifecycle.SwapResult{Message: lifecycle.MessageMissing}
	r.opts.SyntheticRows = 50
	report, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, locker.released)
}

func TestRetrainLockErrorAborts(t *testing.T) {
	locker := &fakeLocker{err: errors.New("db down")}
	r := NewRetrainer(nil, nil, &fakeLifecycle{}, locker, nil, RetrainOptions{LockKey: 1}, zerolog.Nop())
	_, err := r.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestRetrainSurfacesSwapError(t *testing.T) {
	lc := &fakeLifecycle{swapErr: artifact.ErrCorrupt}
	r := NewRetrainer(nil, nil, lc, nil, nil, RetrainOptions{SyntheticRows: 50}, zerolog.Nop())
	_, err := r.RunOnce(context.Background())
	assert.ErrorIs(t, err, artifact.ErrCorrupt)
}

func TestRetrainEndToEndPromotesChallenger(t *testing.T) {
	repo := artifact.NewRepository(t.TempDir(), zerolog.Nop())
	cp := model.DefaultClassifierParams()
	cp.NEstimators = 15
	cp.MaxDepth = 3
	dp := model.DefaultDetectorParams()
	dp.NEstimators = 20

	// champion that never predicts fraud
	weak := &model.Pair{
		Classifier: &model.Classifier{
			Features:     model.FeatureNames[:],
			BaseScore:    -5,
			LearningRate: 1,
			Trees:        []model.Tree{{Nodes: []model.TreeNode{{Leaf: true}}}},
			Importances:  make([]float64, model.NumFeatures),
		},
		Detector: &model.IsolationForest{Trees: []model.IsoTree{{Nodes: []model.IsoNode{{Leaf: true, Size: 1}}}}, MaxSamples: 256},
	}
	_, err := repo.Save(artifact.Champion, weak)
	require.NoError(t, err)

	mgr := lifecycle.New(repo, nil, lifecycle.Options{Classifier: cp, Detector: dp, EvalRows: 500}, zerolog.Nop())
	r := NewRetrainer(nil, &fakeLabels{samples: []storage.LabelledSample{fraudSample(), legitSample()}}, mgr, nil, nil, RetrainOptions{SyntheticRows: 600}, zerolog.Nop())

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Swap.Swapped)
	assert.Equal(t, 0.0, report.Swap.ChampionF1)
	assert.Greater(t, report.Swap.ChallengerF1, 0.9)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "swapped", outcome(lifecycle.SwapResult{Swapped: true}))
	assert.Equal(t, "missing", outcome(lifecycle.SwapResult{Message: lifecycle.MessageMissing}))
	assert.Equal(t, "kept", outcome(lifecycle.SwapResult{Message: "Champion still wins"}))
}

func TestAppendLabelledSkipsMalformedVectors(t *testing.T) {
	ds := model.Synthetic(10, 1)
	good := model.Vector{Amount: 5000, Hour: 2, TxCount1h: 6}.Values()
	skipped := AppendLabelled(&ds, []storage.LabelledSample{
		{Features: good, Fraud: true},
		{Features: []float64{1, 2, 3}, Fraud: false},
	})
	assert.Equal(t, 1, skipped)
	assert.Equal(t, 11, ds.Len())
	assert.Equal(t, 1, ds.Y[10])
}
