package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fraudshield/internal/config"
	"fraudshield/internal/graph"
	"fraudshield/internal/lifecycle"
	"fraudshield/internal/metrics"
	"fraudshield/internal/model"
	"fraudshield/internal/service"
	"fraudshield/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cp := model.DefaultClassifierParams()
	cp.NEstimators = 20
	cp.MaxDepth = 3
	dp := model.DefaultDetectorParams()
	dp.NEstimators = 10
	return &config.Config{
		Models: config.ModelsConfig{
			ArtifactDir:     t.TempDir(),
			TrainingSamples: 800,
			Seed:            7,
			EvalRows:        400,
			KeepGenerations: 2,
			Classifier:      cp,
			Detector:        dp,
		},
		Scoring: config.ScoringConfig{TopReasons: 3, MaxHops: 2},
		Retrain: config.RetrainConfig{Lookback: 24 * time.Hour, MinLabels: 0},
		Export:  config.ExportConfig{MaxDataPoints: 100},
	}
}

func testApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	a := NewApp(testConfig(t), zerolog.Nop())
	a.Out = out
	return a, out
}

func trainedApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	a, out := testApp(t)
	require.NoError(t, a.Train(context.Background(), TrainOptions{}))
	out.Reset()
	return a, out
}

func TestTrainRefusesToOverwriteChampion(t *testing.T) {
	a, out := testApp(t)
	ctx := context.Background()

	require.NoError(t, a.Train(ctx, TrainOptions{}))
	var report TrainReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.True(t, strings.HasPrefix(report.Generation, "gen-"))
	assert.Equal(t, 800, report.Rows)
	assert.Equal(t, 640, report.Legit)
	assert.Equal(t, 160, report.Fraud)
	assert.Equal(t, 640, report.TrainRows)
	assert.Equal(t, 160, report.TestRows)
	assert.Greater(t, report.F1, 0.9)

	err := a.Train(ctx, TrainOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	require.NoError(t, a.Train(ctx, TrainOptions{Force: true, Seed: 11}))
}

func TestChallengerLifecycleCommands(t *testing.T) {
	a, out := trainedApp(t)
	ctx := context.Background()

	require.NoError(t, a.TrainChallenger(ctx, TrainChallengerOptions{}))
	var train lifecycle.TrainResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &train))
	assert.Equal(t, 640, train.TrainRows)
	assert.Equal(t, 160, train.TestRows)
	out.Reset()

	require.NoError(t, a.Evaluate(ctx))
	var swap lifecycle.SwapResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &swap))
	assert.NotEqual(t, lifecycle.MessageMissing, swap.Message)
	assert.GreaterOrEqual(t, swap.ChampionF1, 0.0)
	out.Reset()

	require.NoError(t, a.Promote())
	var promoted map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &promoted))
	assert.Equal(t, "promoted", promoted["status"])
}

func TestPromoteWithoutChallenger(t *testing.T) {
	a, _ := testApp(t)
	err := a.Promote()
	assert.ErrorIs(t, err, lifecycle.ErrNoChallenger)
}

func TestRetrainRunsOnceWithoutDatabase(t *testing.T) {
	a, out := trainedApp(t)
	require.NoError(t, a.Retrain(context.Background()))

	var report service.RetrainReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.False(t, report.Skipped)
	assert.Zero(t, report.Labels)
	assert.NotEmpty(t, report.Swap.Message)
}

func TestScoreWritesOneDecisionPerLine(t *testing.T) {
	a, out := trainedApp(t)
	input := strings.NewReader(`{"id":"t1","entity_id":"alice","amount":42.5,"device":"Mobile","timestamp":"2024-06-01T14:00:00Z"}
{"id":"t2","entity_id":"alice","amount":0,"device":"Mobile"}
{"id":"t3","entity_id":"bob","amount":9800,"device":"Tablet","timestamp":"2024-06-01T03:00:00Z","ip_address":"10.0.0.7","isp":"Hosting VPN"}`)

	require.NoError(t, a.Score(context.Background(), ScoreOptions{Input: input, ContinueOnError: true}))

	scanner := bufio.NewScanner(out)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 3)

	var first service.Decision
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "t1", first.TransactionID)
	assert.InDelta(t, 0.358, first.Threshold.Threshold, 0.001)
	assert.NotEmpty(t, first.Explanation.Reasons)

	var failure scoreFailure
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &failure))
	assert.Equal(t, "t2", failure.TransactionID)
	assert.Contains(t, failure.Error, "amount")

	var third service.Decision
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &third))
	require.NotNil(t, third.VPN)
	assert.True(t, third.VPN.IsVPN)
	assert.Greater(t, third.Assessment.RiskScore, first.Assessment.RiskScore)
}

func TestScoreStopsOnInvalidTransaction(t *testing.T) {
	a, _ := trainedApp(t)
	err := a.Score(context.Background(), ScoreOptions{Input: strings.NewReader(`{"amount":10}`)})
	assert.ErrorIs(t, err, service.ErrInvalidTransaction)
}

func TestScoreRejectsMalformedInput(t *testing.T) {
	a, _ := trainedApp(t)
	err := a.Score(context.Background(), ScoreOptions{Input: strings.NewReader(`{"entity_id":`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode transaction 1")
}

func TestFeedbackNeedsDatabase(t *testing.T) {
	a, _ := testApp(t)
	err := a.Feedback(context.Background(), FeedbackOptions{TransactionID: "t1", Fraud: true})
	assert.ErrorIs(t, err, storage.ErrNotConfigured)

	err = a.Feedback(context.Background(), FeedbackOptions{TransactionID: "  "})
	require.Error(t, err)
}

func TestSimulateSummarisesRun(t *testing.T) {
	a, out := trainedApp(t)
	require.NoError(t, a.Simulate(context.Background(), SimulateOptions{Count: 120, Entities: 6, FraudRate: 0.25, Workers: 3}))

	var summary SimulateSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	assert.Equal(t, 120, summary.Transactions)
	assert.Zero(t, summary.Failed)
	assert.Positive(t, summary.Injected)
	total := 0
	for _, n := range summary.ByAction {
		total += n
	}
	assert.Equal(t, 120, total)
	assert.Equal(t, summary.Caught+summary.FalseAlarms, summary.ByAction["review"]+summary.ByAction["block"])
}

func TestSimulateNeedsChampion(t *testing.T) {
	a, _ := testApp(t)
	err := a.Simulate(context.Background(), SimulateOptions{Count: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fraudshield train")
}

func TestSyntheticTrafficIsDeterministic(t *testing.T) {
	end := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	opts := normaliseSimulate(SimulateOptions{Count: 200, Entities: 10, FraudRate: 0.2}, 99)

	first := syntheticTraffic(opts, end)
	second := syntheticTraffic(opts, end)
	require.Equal(t, first, second)
	require.Len(t, first, 200)

	last := map[string]time.Time{}
	for _, st := range first {
		assert.Positive(t, st.tx.Amount)
		assert.True(t, st.tx.Location.Valid())
		prev, ok := last[st.tx.EntityID]
		if ok {
			assert.True(t, st.tx.Timestamp.After(prev))
		}
		last[st.tx.EntityID] = st.tx.Timestamp
	}
	assert.False(t, first[len(first)-1].tx.Timestamp.After(end))
}

func TestShardForIsStable(t *testing.T) {
	for _, id := range []string{"a", "sim-001", "sim-002"} {
		idx := shardFor(id, 4)
		assert.Equal(t, idx, shardFor(id, 4))
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 4)
	}
}

func scoredRows(n int, flagged ...int) []storage.ScoredTransaction {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	isFlagged := map[int]bool{}
	for _, i := range flagged {
		isFlagged[i] = true
	}
	rows := make([]storage.ScoredTransaction, n)
	for i := range rows {
		rows[i] = storage.ScoredTransaction{
			ID:        "tx" + string(rune('a'+i%26)),
			EntityID:  "alice",
			Amount:    decimal.NewFromInt(int64(10 + i)),
			RiskScore: float64(i),
			RiskLevel: "Low",
			Threshold: 0.5,
			Flagged:   isFlagged[i],
			Action:    "allow",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return rows
}

func TestDownsampleTransactions(t *testing.T) {
	rows := scoredRows(10)
	assert.Len(t, downsampleTransactions(rows, 0), 10)
	assert.Len(t, downsampleTransactions(rows, 20), 10)

	got := downsampleTransactions(rows, 4)
	require.Len(t, got, 4)
	assert.Equal(t, rows[0].CreatedAt, got[0].CreatedAt)
	assert.Equal(t, rows[9].CreatedAt, got[3].CreatedAt)
}

func TestDownsampleKeepsFlaggedRows(t *testing.T) {
	rows := scoredRows(50, 7, 33, 49)
	got := downsampleTransactions(rows, 10)
	require.LessOrEqual(t, len(got), 10)

	flagged := 0
	for i, tx := range got {
		if tx.Flagged {
			flagged++
		}
		if i > 0 {
			assert.True(t, tx.CreatedAt.After(got[i-1].CreatedAt))
		}
	}
	assert.Equal(t, 3, flagged)
}

func TestExportWindow(t *testing.T) {
	now := time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)
	from, to, err := exportWindow(ExportOptions{}, now)
	require.NoError(t, err)
	assert.Equal(t, now, to)
	assert.Equal(t, now.Add(-7*24*time.Hour), from)

	later := now.Add(time.Hour)
	_, _, err = exportWindow(ExportOptions{From: &later, To: &now}, now)
	assert.Error(t, err)
}

func TestExportNeedsOutput(t *testing.T) {
	a, _ := testApp(t)
	err := a.Export(context.Background(), ExportOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--csv")
}

func TestWriteTransactionsCSV(t *testing.T) {
	rows := scoredRows(2, 1)
	rows[1].Reasons = []string{"Amount is high", "Hour is late"}
	rows[1].Threshold = 0.2581
	path := filepath.Join(t.TempDir(), "nested", "out.csv")

	require.NoError(t, writeTransactionsCSV(path, rows))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "created_at", records[0][0])
	assert.Equal(t, "11.00", records[2][3])
	assert.Equal(t, "0.2581", records[2][10])
	assert.Equal(t, "true", records[2][11])
	assert.Equal(t, "Amount is high; Hour is late", records[2][14])
}

func TestWriteRiskPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.png")
	require.NoError(t, writeRiskPNG(path, scoredRows(5, 2)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))
}

func TestRenderTransactions(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderTransactions(&buf, nil))
	assert.Equal(t, "no scored transactions found\n", buf.String())

	buf.Reset()
	rows := scoredRows(1)
	rows[0].GraphFlagged = true
	rows[0].Reasons = []string{"line\nbreak"}
	require.NoError(t, renderTransactions(&buf, rows))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "Top reason")
	assert.Contains(t, lines[1], "mule")
	assert.Contains(t, lines[1], "line break")
	assert.Contains(t, lines[1], "0.5000")
}

func TestRescoreComparesWithChampion(t *testing.T) {
	cfg := testConfig(t)
	pair, err := model.FitPair(context.Background(), model.Synthetic(800, 7), cfg.Models.Classifier, cfg.Models.Detector)
	require.NoError(t, err)

	fraud := model.Vector{Amount: 9000, Hour: 3, TxCount1h: 8, TxAmountSum24h: 40_000, AmountRatio: 6, VelocityScore: 0.8, ImpossibleTravel: 1}
	txs := []storage.ScoredTransaction{
		{ID: "a", Features: fraud.Values(), RiskScore: 10, RiskLevel: "Low", Threshold: 0.25},
		{ID: "b", Features: []float64{1, 2}, RiskScore: 10, RiskLevel: "Low", Threshold: 0.25},
	}

	report := rescore(context.Background(), pair, txs)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.NewlyFlagged)
	assert.Equal(t, 1, report.LevelChanged)
	assert.Positive(t, report.MeanDelta)
}

func TestMetricsMuxServesConfiguredPath(t *testing.T) {
	m := metrics.New()
	m.ObserveFlagged("block")
	srv := httptest.NewServer(metricsMux("/internal/metrics", m))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/internal/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `fraudshield_transactions_flagged_total{action="block"} 1`)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type fakeMuleSource struct {
	ids []string
	err error
}

func (f fakeMuleSource) ConfirmedFraudEntities(context.Context) ([]string, error) {
	return f.ids, f.err
}

func TestSeedMulesFromConfirmedFraud(t *testing.T) {
	a, _ := testApp(t)
	g := graph.New("configured")

	n := a.seedMules(context.Background(), fakeMuleSource{ids: []string{"acct-7", "acct-9"}}, g)
	assert.Equal(t, 2, n)
	assert.True(t, g.IsMule("acct-7"))
	assert.True(t, g.IsMule("acct-9"))
	assert.True(t, g.IsMule("configured"))

	g.AddTransfer("alice", "acct-9", 50)
	assert.True(t, g.IsNearMule("alice", 2).Flagged)
}

func TestSeedMulesToleratesStoreFailure(t *testing.T) {
	a, _ := testApp(t)
	g := graph.New("configured")

	n := a.seedMules(context.Background(), fakeMuleSource{err: errors.New("connection refused")}, g)
	assert.Zero(t, n)
	assert.True(t, g.IsMule("configured"))
	assert.False(t, g.IsMule("acct-7"))
}

func TestScoringProcessSeesChampionPromotedElsewhere(t *testing.T) {
	a, _ := trainedApp(t)
	a.Config.Scoring.ChampionRecheck = time.Nanosecond
	scorer := a.newScorer(a.newArtifacts())
	first, err := scorer.Champion()
	require.NoError(t, err)

	// a second process trains and promotes a replacement
	other, _ := testApp(t)
	other.Config.Models.ArtifactDir = a.Config.Models.ArtifactDir
	require.NoError(t, other.Train(context.Background(), TrainOptions{Force: true, Seed: 11}))

	time.Sleep(time.Millisecond)
	second, err := scorer.Champion()
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}
