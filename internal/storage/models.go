package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// ScoredTransaction is the durable record of one scoring decision.
type ScoredTransaction struct {
	ID              string
	EntityID        string
	Name            string
	Amount          decimal.Decimal
	Device          string
	IPAddress       string
	Features        []float64
	ClassifierProba float64
	AnomalyScore    float64
	RiskScore       float64
	RiskLevel       string
	Threshold       float64
	Flagged         bool
	Action          string
	GraphFlagged    bool
	Reasons         []string
	CreatedAt       time.Time
}

// Reputation is the per-entity context used to adapt the flag threshold.
type Reputation struct {
	EntityID       string
	AccountAgeDays int
	TrustScore     float64
	AvgAmount30d   decimal.Decimal
	Known          bool
}

// FeedbackRecord is an analyst label on a stored transaction.
type FeedbackRecord struct {
	ID             int64
	TransactionID  string
	EntityID       string
	ConfirmedFraud bool
	AnalystID      string
	CreatedAt      time.Time
}

// LabelledSample pairs a stored feature vector with its analyst label.
type LabelledSample struct {
	Features []float64
	Fraud    bool
}
