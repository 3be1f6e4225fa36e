package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fraudshield/internal/alerting"
	"fraudshield/internal/ensemble"
	"fraudshield/internal/explain"
	"fraudshield/internal/features"
	"fraudshield/internal/featurestore"
	"fraudshield/internal/feedback"
	"fraudshield/internal/graph"
	"fraudshield/internal/metrics"
	"fraudshield/internal/model"
	"fraudshield/internal/netsignal"
	"fraudshield/internal/storage"
	"fraudshield/internal/threshold"
)

// ErrInvalidTransaction is returned for requests without an entity or with a
// non-positive amount.
var ErrInvalidTransaction = errors.New("service: invalid transaction")

// Action is the operational outcome of a decision.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionReview Action = "review"
	ActionBlock  Action = "block"
)

// Optional signals reported in Decision.Degraded.
const (
	SignalFeatureStore = "featurestore"
	SignalReputation   = "reputation"
	SignalExplain      = "explain"
	SignalIPDensity    = "ip_density"
	SignalPersist      = "persist"
	SignalAlert        = "alert"
)

// Transaction is one scoring request.
type Transaction struct {
	ID           string                 `json:"id,omitempty"`
	EntityID     string                 `json:"entity_id"`
	Name         string                 `json:"name,omitempty"`
	Amount       float64                `json:"amount"`
	Device       string                 `json:"device"`
	Timestamp    time.Time              `json:"timestamp,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	ISP          string                 `json:"isp,omitempty"`
	Location     *featurestore.Location `json:"location,omitempty"`
	Counterparty string                 `json:"counterparty,omitempty"`
}

// Decision aggregates every signal produced for a transaction.
type Decision struct {
	TransactionID  string                      `json:"transaction_id"`
	EntityID       string                      `json:"entity_id"`
	Assessment     ensemble.RiskAssessment     `json:"assessment"`
	Threshold      threshold.Decision          `json:"threshold"`
	Action         Action                      `json:"action"`
	Features       features.BehavioralFeatures `json:"features"`
	Explanation    explain.Explanation         `json:"explanation"`
	Graph          graph.Result                `json:"graph"`
	VPN            *netsignal.VPNResult        `json:"vpn,omitempty"`
	IPDensity      netsignal.Density           `json:"ip_density,omitempty"`
	AccountAgeDays int                         `json:"account_age_days"`
	TrustScore     float64                     `json:"trust_score"`
	Degraded       []string                    `json:"degraded,omitempty"`
	ScoredAt       time.Time                   `json:"scored_at"`
}

// FeedbackResult acknowledges an analyst label.
type FeedbackResult struct {
	Status         string `json:"status"`
	TransactionID  string `json:"transaction_id"`
	ConfirmedFraud bool   `json:"confirmed_fraud"`
	MarkedMule     string `json:"marked_mule,omitempty"`
}

// Scorer is the model-facing part of the pipeline.
type Scorer interface {
	Score(vec model.Vector) (ensemble.RiskAssessment, error)
	Champion() (*model.Pair, error)
}

// Deps are the pipeline collaborators. Only Store and Scorer are required.
type Deps struct {
	Store        featurestore.Store
	IPStore      featurestore.Store
	Scorer       Scorer
	Graph        *graph.Graph
	Reputations  storage.ReputationStore
	Transactions storage.TransactionStore
	Feedback     storage.FeedbackStore
	Notifier     alerting.Notifier
	Metrics      *metrics.Metrics
}

// Options tune the pipeline.
type Options struct {
	TopReasons int
	MaxHops    int
}

// Pipeline scores transactions end to end.
type Pipeline struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// NewPipeline wires a pipeline. A missing graph starts empty and a missing IP
// store falls back to an in-process one.
func NewPipeline(deps Deps, opts Options, logger zerolog.Logger) *Pipeline {
	if deps.Graph == nil {
		deps.Graph = graph.New()
	}
	if deps.IPStore == nil {
		deps.IPStore = featurestore.NewMemory()
	}
	if opts.TopReasons <= 0 {
		opts.TopReasons = explain.DefaultTopN
	}
	if opts.MaxHops <= 0 {
		opts.MaxHops = graph.DefaultMaxHops
	}
	return &Pipeline{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "pipeline").Logger(),
		now:    time.Now,
	}
}

// Graph returns the contagion graph the pipeline consults.
func (p *Pipeline) Graph() *graph.Graph {
	return p.deps.Graph
}

// ComputeFeatures derives behavioral features for entityID. Store failures
// degrade to an empty history.
func (p *Pipeline) ComputeFeatures(ctx context.Context, entityID string, amount, avgAmount30d float64, loc *featurestore.Location) features.BehavioralFeatures {
	now := p.now()
	bf, _ := p.computeFeatures(ctx, entityID, amount, avgAmount30d, stampLocation(loc, now), now)
	return bf
}

// stampLocation returns a copy of loc whose fix time defaults to ts.
func stampLocation(loc *featurestore.Location, ts time.Time) *featurestore.Location {
	if loc == nil {
		return nil
	}
	fix := *loc
	if fix.Timestamp.IsZero() {
		fix.Timestamp = ts
	}
	return &fix
}

func (p *Pipeline) computeFeatures(ctx context.Context, entityID string, amount, avg float64, loc *featurestore.Location, now time.Time) (features.BehavioralFeatures, bool) {
	degraded := false
	recent, err := p.deps.Store.RecentEvents(ctx, entityID, featurestore.Retention)
	if err != nil {
		degraded = true
		recent = nil
		p.logger.Warn().Err(err).Str("entity_id", entityID).Msg("recent events unavailable, using empty history")
	}
	last, err := p.deps.Store.LastLocation(ctx, entityID)
	if err != nil {
		degraded = true
		last = nil
		p.logger.Warn().Err(err).Str("entity_id", entityID).Msg("last location unavailable")
	}
	if degraded {
		p.deps.Metrics.ObserveDegraded(SignalFeatureStore)
	}

	return features.Compute(features.Input{
		Now:             now,
		CurrentAmount:   amount,
		Recent:          recent,
		AvgAmount30d:    avg,
		LastLocation:    last,
		CurrentLocation: loc,
	}), degraded
}

// ScoreTransaction runs the full pipeline. Only a scoring failure is
// returned as an error; every other signal degrades.
func (p *Pipeline) ScoreTransaction(ctx context.Context, tx Transaction) (Decision, error) {
	started := time.Now()
	if strings.TrimSpace(tx.EntityID) == "" {
		return Decision{}, fmt.Errorf("%w: entity_id is required", ErrInvalidTransaction)
	}
	if tx.Amount <= 0 {
		return Decision{}, fmt.Errorf("%w: amount must be positive", ErrInvalidTransaction)
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	ts := tx.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}

	dec := Decision{TransactionID: tx.ID, EntityID: tx.EntityID, ScoredAt: ts}
	logger := p.logger.With().Str("transaction_id", tx.ID).Str("entity_id", tx.EntityID).Logger()

	rep := p.reputation(ctx, tx.EntityID, &dec)
	dec.AccountAgeDays = rep.AccountAgeDays
	dec.TrustScore = rep.TrustScore
	avg, _ := rep.AvgAmount30d.Float64()
	if avg <= 0 {
		avg = tx.Amount
	}

	loc := stampLocation(tx.Location, ts)
	bf, degraded := p.computeFeatures(ctx, tx.EntityID, tx.Amount, avg, loc, ts)
	if degraded {
		dec.Degraded = append(dec.Degraded, SignalFeatureStore)
	}
	dec.Features = bf

	vec := features.Vector(tx.Amount, tx.Device, ts.Hour(), bf)
	assessment, err := p.deps.Scorer.Score(vec)
	if err != nil {
		logger.Error().Err(err).Msg("risk scoring failed")
		return Decision{}, fmt.Errorf("score transaction: %w", err)
	}
	dec.Assessment = assessment

	dec.Threshold = p.Decide(assessment.RiskScore, rep.AccountAgeDays, rep.TrustScore)
	dec.Explanation = p.explain(vec, &dec)
	if tx.Counterparty != "" {
		p.deps.Graph.AddTransfer(tx.EntityID, tx.Counterparty, tx.Amount)
	}
	dec.Graph = p.GraphCheck(tx.EntityID)

	if tx.IPAddress != "" {
		vpn := netsignal.DetectVPN(tx.IPAddress, tx.ISP)
		dec.VPN = &vpn
		dec.IPDensity = p.ipDensity(ctx, tx.IPAddress, ts, &dec)
	}

	if err := p.deps.Store.Record(ctx, tx.EntityID, tx.Amount, ts, loc); err != nil {
		logger.Warn().Err(err).Msg("record event failed")
		p.degrade(&dec, SignalFeatureStore)
	}

	dec.Action = actionFor(dec)
	p.persist(ctx, tx, vec, &dec)

	p.deps.Metrics.ObserveScore(string(assessment.RiskLevel), assessment.RiskScore, time.Since(started))
	if dec.Action != ActionAllow {
		p.deps.Metrics.ObserveFlagged(string(dec.Action))
		p.alert(ctx, tx, &dec)
	}

	logger.Debug().
		Float64("risk_score", assessment.RiskScore).
		Str("risk_level", string(assessment.RiskLevel)).
		Float64("threshold", dec.Threshold.Threshold).
		Str("action", string(dec.Action)).
		Bool("graph_flagged", dec.Graph.Flagged).
		Msg("transaction scored")
	return dec, nil
}

// Decide compares a risk score with the entity's personalised threshold.
func (p *Pipeline) Decide(riskScorePct float64, accountAgeDays int, trustScore float64) threshold.Decision {
	return threshold.Decide(riskScorePct, threshold.Compute(accountAgeDays, trustScore))
}

// Explain ranks the reasons behind vec against the champion classifier.
func (p *Pipeline) Explain(vec model.Vector) explain.Explanation {
	var dec Decision
	return p.explain(vec, &dec)
}

func (p *Pipeline) explain(vec model.Vector, dec *Decision) explain.Explanation {
	var clf *model.Classifier
	if pair, err := p.deps.Scorer.Champion(); err == nil {
		clf = pair.Classifier
	} else {
		p.logger.Warn().Err(err).Msg("champion unavailable for explanation")
	}
	exp := explain.Explain(clf, vec, p.opts.TopReasons)
	if exp.Method != explain.MethodPathAttribution {
		p.degrade(dec, SignalExplain)
	}
	return exp
}

// GraphCheck reports mule proximity for an account.
func (p *Pipeline) GraphCheck(entityID string) graph.Result {
	return p.deps.Graph.IsNearMule(entityID, p.opts.MaxHops)
}

// RecordFeedback stores an analyst label. It satisfies feedback.Sink.
func (p *Pipeline) RecordFeedback(ctx context.Context, label feedback.Label) error {
	_, err := p.Feedback(ctx, label.TransactionID, label.IsFraud, label.Analyst)
	return err
}

// Feedback records a label and, on confirmed fraud, marks the transaction's
// entity as a mule.
func (p *Pipeline) Feedback(ctx context.Context, transactionID string, fraud bool, analystID string) (FeedbackResult, error) {
	if p.deps.Feedback == nil {
		return FeedbackResult{}, fmt.Errorf("record feedback: %w", storage.ErrNotConfigured)
	}
	if analystID == "" {
		analystID = "admin"
	}
	rec, err := p.deps.Feedback.InsertFeedback(ctx, transactionID, fraud, analystID)
	if err != nil {
		if errors.Is(err, storage.ErrTransactionNotFound) {
			return FeedbackResult{Status: "error", TransactionID: transactionID}, fmt.Errorf("%w: %w", feedback.ErrPermanent, err)
		}
		return FeedbackResult{}, fmt.Errorf("record feedback: %w", err)
	}

	res := FeedbackResult{Status: "recorded", TransactionID: rec.TransactionID, ConfirmedFraud: rec.ConfirmedFraud}
	if rec.ConfirmedFraud && rec.EntityID != "" {
		p.deps.Graph.MarkMule(rec.EntityID)
		res.MarkedMule = rec.EntityID
	}
	p.deps.Metrics.ObserveFeedback(rec.ConfirmedFraud)
	p.logger.Info().Str("transaction_id", rec.TransactionID).Bool("fraud", rec.ConfirmedFraud).Str("analyst", rec.AnalystID).Msg("feedback recorded")
	return res, nil
}

func (p *Pipeline) reputation(ctx context.Context, entityID string, dec *Decision) storage.Reputation {
	def := storage.Reputation{EntityID: entityID, TrustScore: storage.DefaultTrustScore}
	if p.deps.Reputations == nil {
		return def
	}
	rep, err := p.deps.Reputations.GetReputation(ctx, entityID)
	if err != nil {
		p.logger.Warn().Err(err).Str("entity_id", entityID).Msg("reputation unavailable, using defaults")
		p.degrade(dec, SignalReputation)
		return def
	}
	return rep
}

func (p *Pipeline) ipDensity(ctx context.Context, ip string, ts time.Time, dec *Decision) netsignal.Density {
	key := netsignal.EntityKey(ip)
	count, _, err := p.deps.IPStore.Velocity(ctx, key, featurestore.Retention)
	if err != nil {
		p.logger.Warn().Err(err).Str("ip", ip).Msg("ip traffic unavailable")
		p.degrade(dec, SignalIPDensity)
		return ""
	}
	if err := p.deps.IPStore.Record(ctx, key, 0, ts, nil); err != nil {
		p.logger.Warn().Err(err).Str("ip", ip).Msg("record ip traffic failed")
		p.degrade(dec, SignalIPDensity)
	}
	return netsignal.ClassifyDensity(count + 1)
}

func (p *Pipeline) persist(ctx context.Context, tx Transaction, vec model.Vector, dec *Decision) {
	if p.deps.Transactions == nil {
		return
	}
	record := storage.ScoredTransaction{
		ID:              tx.ID,
		EntityID:        tx.EntityID,
		Name:            tx.Name,
		Amount:          decimal.NewFromFloat(tx.Amount).Round(2),
		Device:          tx.Device,
		IPAddress:       tx.IPAddress,
		Features:        vec.Values(),
		ClassifierProba: dec.Assessment.ClassifierProba,
		AnomalyScore:    dec.Assessment.AnomalyScore,
		RiskScore:       dec.Assessment.RiskScore,
		RiskLevel:       string(dec.Assessment.RiskLevel),
		Threshold:       dec.Threshold.Threshold,
		Flagged:         dec.Threshold.Flagged,
		Action:          string(dec.Action),
		GraphFlagged:    dec.Graph.Flagged,
		Reasons:         dec.Explanation.Reasons,
		CreatedAt:       dec.ScoredAt,
	}
	if err := p.deps.Transactions.InsertTransaction(ctx, record); err != nil {
		p.logger.Warn().Err(err).Str("transaction_id", tx.ID).Msg("persist decision failed")
		p.degrade(dec, SignalPersist)
	}
}

func (p *Pipeline) alert(ctx context.Context, tx Transaction, dec *Decision) {
	if p.deps.Notifier == nil {
		return
	}
	note := alerting.Notification{
		TransactionID: tx.ID,
		EntityID:      tx.EntityID,
		Amount:        decimal.NewFromFloat(tx.Amount).Round(2),
		RiskScore:     dec.Assessment.RiskScore,
		RiskLevel:     string(dec.Assessment.RiskLevel),
		Threshold:     dec.Threshold.Threshold,
		Action:        string(dec.Action),
		Reasons:       dec.Explanation.Reasons,
		NearestMule:   dec.Graph.NearestMule,
		MuleHops:      dec.Graph.Hops,
		VPN:           dec.VPN != nil && dec.VPN.IsVPN,
		ScoredAt:      dec.ScoredAt,
	}
	if err := p.deps.Notifier.Notify(ctx, note); err != nil {
		p.logger.Warn().Err(err).Str("transaction_id", tx.ID).Msg("alert not sent")
		p.degrade(dec, SignalAlert)
	}
}

func (p *Pipeline) degrade(dec *Decision, signal string) {
	for _, s := range dec.Degraded {
		if s == signal {
			return
		}
	}
	dec.Degraded = append(dec.Degraded, signal)
	p.deps.Metrics.ObserveDegraded(signal)
}

// actionFor blocks flagged high-risk transactions, sends other flagged or
// mule-adjacent ones to review, and allows the rest.
func actionFor(dec Decision) Action {
	switch {
	case dec.Threshold.Flagged && dec.Assessment.RiskLevel == ensemble.RiskHigh:
		return ActionBlock
	case dec.Threshold.Flagged, dec.Graph.Flagged:
		return ActionReview
	default:
		return ActionAllow
	}
}
