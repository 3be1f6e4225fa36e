package app

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fraudshield/internal/featurestore"
	"fraudshield/internal/metrics"
	"fraudshield/internal/model"
	"fraudshield/internal/service"
)

const simulatedMule = "sim-mule"

var simDevices = []string{"Mobile", "Desktop", "Tablet"}

// simulatedTx is a generated transaction plus whether it was injected as fraud.
type simulatedTx struct {
	tx    service.Transaction
	fraud bool
}

// SimulateSummary reports a synthetic traffic run.
type SimulateSummary struct {
	Transactions int            `json:"transactions"`
	Injected     int            `json:"injected_fraud"`
	Caught       int            `json:"caught_fraud"`
	FalseAlarms  int            `json:"false_alarms"`
	Failed       int            `json:"failed"`
	ByAction     map[string]int `json:"by_action"`
	ByLevel      map[string]int `json:"by_level"`
	Degraded     map[string]int `json:"degraded,omitempty"`
	Recall       float64        `json:"recall"`
	Precision    float64        `json:"precision"`
	Took         string         `json:"took"`
}

// Simulate pushes generated transactions through the full pipeline and
// prints how the decisions line up with the injected fraud.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	opts = normaliseSimulate(opts, a.Config.Models.Seed)

	rt, err := a.openRuntime(ctx, metrics.New())
	if err != nil {
		return err
	}
	defer rt.close()
	stopAlerts := rt.drainAlerts(ctx)
	defer stopAlerts()

	if _, err := rt.scorer.Champion(); err != nil {
		return fmt.Errorf("%w; run `fraudshield train` first", err)
	}
	rt.pipeline.Graph().MarkMule(simulatedMule)

	started := time.Now()
	summary, err := runSimulation(ctx, rt.pipeline, syntheticTraffic(opts, time.Now().UTC()), opts.Workers)
	if err != nil {
		return err
	}
	summary.Took = time.Since(started).Round(time.Millisecond).String()
	a.Logger.Info().
		Int("transactions", summary.Transactions).
		Int("caught", summary.Caught).
		Int("injected", summary.Injected).
		Msg("simulation finished")
	return a.printJSON(summary)
}

func normaliseSimulate(opts SimulateOptions, seed uint64) SimulateOptions {
	if opts.Count <= 0 {
		opts.Count = 500
	}
	if opts.Entities <= 0 {
		opts.Entities = 25
	}
	if opts.FraudRate < 0 || opts.FraudRate > 1 {
		opts.FraudRate = 0.1
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Seed == 0 {
		opts.Seed = seed
	}
	return opts
}

// syntheticTraffic generates opts.Count transactions ending at end, spaced
// so that each entity's events stay in chronological order.
func syntheticTraffic(opts SimulateOptions, end time.Time) []simulatedTx {
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x5deece66d))
	start := end.Add(-time.Duration(opts.Count) * 30 * time.Second)

	homes := make([]featurestore.Location, opts.Entities)
	for i := range homes {
		homes[i] = featurestore.Location{Lat: -60 + rng.Float64()*120, Lon: -170 + rng.Float64()*340}
	}

	out := make([]simulatedTx, 0, opts.Count)
	for i := 0; i < opts.Count; i++ {
		entity := rng.IntN(opts.Entities)
		ts := start.Add(time.Duration(i) * 30 * time.Second)
		fraud := rng.Float64() < opts.FraudRate

		tx := service.Transaction{
			ID:        fmt.Sprintf("sim-%06d", i),
			EntityID:  fmt.Sprintf("sim-%03d", entity),
			Device:    simDevices[rng.IntN(len(simDevices))],
			Timestamp: ts,
			IPAddress: fmt.Sprintf("203.0.113.%d", 1+entity%250),
			ISP:       "Example Telecom",
		}
		loc := homes[entity]
		loc.Timestamp = ts

		if fraud {
			tx.Amount = model.Round(2000+math.Exp(7+1.3*rng.NormFloat64()), 2)
			// jump to the antipode
			loc.Lat = -loc.Lat
			loc.Lon = math.Mod(loc.Lon+360, 360) - 180
			if rng.IntN(2) == 0 {
				tx.IPAddress = fmt.Sprintf("10.8.%d.%d", rng.IntN(256), rng.IntN(256))
				tx.ISP = "Shield VPN Hosting"
			}
			if rng.IntN(3) == 0 {
				tx.Counterparty = simulatedMule
			}
		} else {
			tx.Amount = model.Round(math.Min(math.Max(math.Exp(4+rng.NormFloat64()), 5), 3000), 2)
		}
		tx.Location = &loc
		out = append(out, simulatedTx{tx: tx, fraud: fraud})
	}
	return out
}

// runSimulation scores traffic on workers goroutines. Transactions are
// sharded by entity so each entity's history is written in order.
func runSimulation(ctx context.Context, pipeline *service.Pipeline, traffic []simulatedTx, workers int) (SimulateSummary, error) {
	shards := make([][]simulatedTx, workers)
	for _, st := range traffic {
		idx := shardFor(st.tx.EntityID, workers)
		shards[idx] = append(shards[idx], st)
	}

	summary := SimulateSummary{
		ByAction: make(map[string]int),
		ByLevel:  make(map[string]int),
		Degraded: make(map[string]int),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range shards {
		g.Go(func() error {
			for _, st := range shard {
				if err := gctx.Err(); err != nil {
					return err
				}
				dec, err := pipeline.ScoreTransaction(gctx, st.tx)
				mu.Lock()
				summary.record(st.fraud, dec, err)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	if summary.Injected > 0 {
		summary.Recall = model.Round(float64(summary.Caught)/float64(summary.Injected), 4)
	}
	if flagged := summary.Caught + summary.FalseAlarms; flagged > 0 {
		summary.Precision = model.Round(float64(summary.Caught)/float64(flagged), 4)
	}
	if len(summary.Degraded) == 0 {
		summary.Degraded = nil
	}
	return summary, nil
}

func (s *SimulateSummary) record(fraud bool, dec service.Decision, err error) {
	s.Transactions++
	if fraud {
		s.Injected++
	}
	if err != nil {
		s.Failed++
		return
	}
	s.ByAction[string(dec.Action)]++
	s.ByLevel[string(dec.Assessment.RiskLevel)]++
	for _, sig := range dec.Degraded {
		s.Degraded[sig]++
	}
	flagged := dec.Action != service.ActionAllow
	switch {
	case flagged && fraud:
		s.Caught++
	case flagged:
		s.FalseAlarms++
	}
}

func shardFor(entityID string, workers int) int {
	var h uint32 = 2166136261
	for i := 0; i < len(entityID); i++ {
		h ^= uint32(entityID[i])
		h *= 16777619
	}
	return int(h % uint32(workers))
}
