package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"fraudshield/internal/feedback"
	"fraudshield/internal/metrics"
	"fraudshield/internal/service"
)

// ScoreOptions configure the score command.
type ScoreOptions struct {
	// Input yields one or more JSON transactions, concatenated or one per line.
	Input io.Reader
	// ContinueOnError keeps scoring after a rejected transaction.
	ContinueOnError bool
}

// scoreFailure is written in place of a decision when ContinueOnError is set.
type scoreFailure struct {
	TransactionID string `json:"transaction_id,omitempty"`
	EntityID      string `json:"entity_id,omitempty"`
	Error         string `json:"error"`
}

// Score decodes transactions from opts.Input and writes one JSON decision
// per line to a.Out.
func (a *App) Score(ctx context.Context, opts ScoreOptions) error {
	if opts.Input == nil {
		return errors.New("no input to score")
	}

	rt, err := a.openRuntime(ctx, metrics.New())
	if err != nil {
		return err
	}
	defer rt.close()
	stopAlerts := rt.drainAlerts(ctx)
	defer stopAlerts()

	return scoreStream(ctx, rt.pipeline, opts, a.Out)
}

func scoreStream(ctx context.Context, pipeline *service.Pipeline, opts ScoreOptions, out io.Writer) error {
	dec := json.NewDecoder(opts.Input)
	enc := json.NewEncoder(out)
	for n := 1; ; n++ {
		var tx service.Transaction
		if err := dec.Decode(&tx); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode transaction %d: %w", n, err)
		}

		decision, err := pipeline.ScoreTransaction(ctx, tx)
		if err != nil {
			if !opts.ContinueOnError {
				return err
			}
			if err := enc.Encode(scoreFailure{TransactionID: tx.ID, EntityID: tx.EntityID, Error: err.Error()}); err != nil {
				return err
			}
			continue
		}
		if err := enc.Encode(decision); err != nil {
			return err
		}
	}
}

// FeedbackOptions carry one analyst label.
type FeedbackOptions struct {
	TransactionID string
	Fraud         bool
	Analyst       string
}

// Feedback records an analyst label. With kafka enabled the label is
// published for the daemon to ingest; otherwise it is written directly.
func (a *App) Feedback(ctx context.Context, opts FeedbackOptions) error {
	label := feedback.Label{
		TransactionID: strings.TrimSpace(opts.TransactionID),
		IsFraud:       opts.Fraud,
		Analyst:       opts.Analyst,
		LabelledAt:    time.Now().UTC(),
	}
	if label.TransactionID == "" {
		return errors.New("transaction id is required")
	}
	if label.Analyst == "" {
		label.Analyst = "admin"
	}

	if a.Config.Kafka.Enabled {
		pub := feedback.NewPublisher(a.Config.Kafka)
		defer func() {
			if err := pub.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close feedback publisher")
			}
		}()
		if err := pub.Publish(ctx, label); err != nil {
			return err
		}
		return a.printJSON(service.FeedbackResult{Status: "queued", TransactionID: label.TransactionID, ConfirmedFraud: label.IsFraud})
	}

	rt, err := a.openRuntime(ctx, nil)
	if err != nil {
		return err
	}
	defer rt.close()

	res, err := rt.pipeline.Feedback(ctx, label.TransactionID, label.IsFraud, label.Analyst)
	if err != nil {
		return err
	}
	return a.printJSON(res)
}
