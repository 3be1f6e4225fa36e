package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrTransactionNotFound is returned when feedback names an unknown transaction.
	ErrTransactionNotFound = errors.New("storage: transaction not found")
)

const (
	insertTransactionSQL = `INSERT INTO scored_transactions (
        id,
        entity_id,
        name,
        amount,
        device,
        ip_address,
        features,
        classifier_proba,
        anomaly_score,
        risk_score,
        risk_level,
        threshold,
        flagged,
        action,
        graph_flagged,
        reasons,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
    )
    ON CONFLICT (id) DO NOTHING;`

	selectTransactionColumns = `SELECT
        id,
        entity_id,
        name,
        amount,
        device,
        ip_address,
        features,
        classifier_proba,
        anomaly_score,
        risk_score,
        risk_level,
        threshold,
        flagged,
        action,
        graph_flagged,
        reasons,
        created_at
    FROM scored_transactions`

	listRecentTransactionsSQL = selectTransactionColumns + `
    ORDER BY created_at DESC
    LIMIT $1;`

	listTransactionsBetweenSQL = selectTransactionColumns + `
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	getReputationSQL = `SELECT
        account_age_days,
        trust_score,
        avg_amount_30d
    FROM user_profiles
    WHERE entity_id = $1;`

	upsertReputationSQL = `INSERT INTO user_profiles (
        entity_id,
        account_age_days,
        trust_score,
        avg_amount_30d
    ) VALUES ($1,$2,$3,$4)
    ON CONFLICT (entity_id) DO UPDATE
    SET account_age_days = EXCLUDED.account_age_days,
        trust_score      = EXCLUDED.trust_score,
        avg_amount_30d   = EXCLUDED.avg_amount_30d;`

	insertFeedbackSQL = `WITH tx AS (
        SELECT id, entity_id FROM scored_transactions WHERE id = $1
    )
    INSERT INTO feedback (transaction_id, confirmed_fraud, analyst_id)
    SELECT id, $2, $3 FROM tx
    RETURNING id, transaction_id, (SELECT entity_id FROM tx), confirmed_fraud, analyst_id, created_at;`

	labelledSamplesSQL = `SELECT DISTINCT ON (f.transaction_id)
        t.features,
        f.confirmed_fraud
    FROM feedback f
    JOIN scored_transactions t ON t.id = f.transaction_id
    WHERE f.created_at >= $1
    ORDER BY f.transaction_id, f.created_at DESC;`

	countFeedbackSinceSQL = `SELECT COUNT(*) FROM feedback WHERE created_at >= $1;`

	confirmedFraudEntitiesSQL = `SELECT DISTINCT entity_id FROM (
        SELECT DISTINCT ON (f.transaction_id) t.entity_id, f.confirmed_fraud
        FROM feedback f
        JOIN scored_transactions t ON t.id = f.transaction_id
        ORDER BY f.transaction_id, f.created_at DESC
    ) latest
    WHERE confirmed_fraud
    ORDER BY entity_id;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_xact_lock($1);`
)

// DefaultTrustScore applies to entities without a stored profile.
const DefaultTrustScore = 0.5

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// TransactionStore persists scoring decisions.
type TransactionStore interface {
	InsertTransaction(ctx context.Context, tx ScoredTransaction) error
	ListRecentTransactions(ctx context.Context, limit int) ([]ScoredTransaction, error)
	ListTransactionsBetween(ctx context.Context, from, to time.Time) ([]ScoredTransaction, error)
}

// ReputationStore resolves per-entity context.
type ReputationStore interface {
	GetReputation(ctx context.Context, entityID string) (Reputation, error)
	UpsertReputation(ctx context.Context, rep Reputation) error
}

// FeedbackStore records analyst labels and serves them back for training.
type FeedbackStore interface {
	InsertFeedback(ctx context.Context, transactionID string, fraud bool, analystID string) (FeedbackRecord, error)
	LabelledSamples(ctx context.Context, since time.Time) ([]LabelledSample, error)
	CountFeedbackSince(ctx context.Context, since time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

var (
	_ TransactionStore = (*Store)(nil)
	_ ReputationStore  = (*Store)(nil)
	_ FeedbackStore    = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)

// Store aggregates access to transactions, profiles and feedback.
type Store struct {
	pool Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts a transaction-scoped advisory lock. The returned
// func ends the transaction, which releases the lock.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin lock transaction: %w", err)
	}

	rollback := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tx.Rollback(ctxUnlock)
	}

	var acquired bool
	if err := tx.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		rollback()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		rollback()
		return nil, false, nil
	}
	return rollback, true, nil
}

func (s *Store) getPool() (Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertTransaction persists a scored transaction. Re-inserting an id is a no-op.
func (s *Store) InsertTransaction(ctx context.Context, tx ScoredTransaction) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	features, err := json.Marshal(tx.Features)
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}
	reasons := tx.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, execErr := pool.Exec(ctx, insertTransactionSQL,
		tx.ID,
		tx.EntityID,
		tx.Name,
		tx.Amount.String(),
		tx.Device,
		tx.IPAddress,
		features,
		tx.ClassifierProba,
		tx.AnomalyScore,
		tx.RiskScore,
		tx.RiskLevel,
		tx.Threshold,
		tx.Flagged,
		tx.Action,
		tx.GraphFlagged,
		reasons,
		createdAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert transaction: %w", execErr)
	}
	return nil
}

// ListRecentTransactions lists the newest transactions first.
func (s *Store) ListRecentTransactions(ctx context.Context, limit int) ([]ScoredTransaction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentTransactionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent transactions: %w", queryErr)
	}
	return collectTransactions(rows, limit)
}

// ListTransactionsBetween lists transactions created within [from, to).
func (s *Store) ListTransactionsBetween(ctx context.Context, from, to time.Time) ([]ScoredTransaction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTransactionsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list transactions between: %w", queryErr)
	}
	return collectTransactions(rows, 0)
}

// GetReputation returns the stored profile, or defaults with Known=false.
func (s *Store) GetReputation(ctx context.Context, entityID string) (Reputation, error) {
	rep := Reputation{EntityID: entityID, TrustScore: DefaultTrustScore}
	pool, err := s.getPool()
	if err != nil {
		return rep, err
	}

	var avg string
	scanErr := pool.QueryRow(ctx, getReputationSQL, entityID).Scan(&rep.AccountAgeDays, &rep.TrustScore, &avg)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		rep.TrustScore = DefaultTrustScore
		return rep, nil
	}
	if scanErr != nil {
		return Reputation{EntityID: entityID, TrustScore: DefaultTrustScore}, fmt.Errorf("get reputation: %w", scanErr)
	}
	rep.AvgAmount30d, err = decimal.NewFromString(avg)
	if err != nil {
		return Reputation{EntityID: entityID, TrustScore: DefaultTrustScore}, fmt.Errorf("parse avg amount: %w", err)
	}
	rep.Known = true
	return rep, nil
}

// UpsertReputation stores an entity profile.
func (s *Store) UpsertReputation(ctx context.Context, rep Reputation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertReputationSQL,
		rep.EntityID,
		rep.AccountAgeDays,
		rep.TrustScore,
		rep.AvgAmount30d.String(),
	); err != nil {
		return fmt.Errorf("upsert reputation: %w", err)
	}
	return nil
}

// InsertFeedback records a label against a stored transaction.
func (s *Store) InsertFeedback(ctx context.Context, transactionID string, fraud bool, analystID string) (FeedbackRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return FeedbackRecord{}, err
	}

	var rec FeedbackRecord
	scanErr := pool.QueryRow(ctx, insertFeedbackSQL, transactionID, fraud, analystID).Scan(
		&rec.ID,
		&rec.TransactionID,
		&rec.EntityID,
		&rec.ConfirmedFraud,
		&rec.AnalystID,
		&rec.CreatedAt,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return FeedbackRecord{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
	}
	if scanErr != nil {
		return FeedbackRecord{}, fmt.Errorf("insert feedback: %w", scanErr)
	}
	return rec, nil
}

// LabelledSamples returns the latest label per transaction recorded since the
// given time, joined with the stored feature vector.
func (s *Store) LabelledSamples(ctx context.Context, since time.Time) ([]LabelledSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, labelledSamplesSQL, since)
	if queryErr != nil {
		return nil, fmt.Errorf("list labelled samples: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]LabelledSample, 0)
	for rows.Next() {
		var raw []byte
		var sample LabelledSample
		if err := rows.Scan(&raw, &sample.Fraud); err != nil {
			return nil, fmt.Errorf("scan labelled sample: %w", err)
		}
		if err := json.Unmarshal(raw, &sample.Features); err != nil {
			return nil, fmt.Errorf("decode labelled features: %w", err)
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// CountFeedbackSince counts labels recorded since the given time.
func (s *Store) CountFeedbackSince(ctx context.Context, since time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countFeedbackSinceSQL, since).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count feedback: %w", scanErr)
	}
	return count, nil
}

// ConfirmedFraudEntities lists entities whose transactions carry a fraud
// label as their latest verdict.
func (s *Store) ConfirmedFraudEntities(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, confirmedFraudEntitiesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list confirmed fraud entities: %w", queryErr)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan confirmed fraud entity: %w", err)
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ids, nil
}

func collectTransactions(rows pgx.Rows, capacity int) ([]ScoredTransaction, error) {
	defer rows.Close()

	txs := make([]ScoredTransaction, 0, capacity)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return txs, nil
}

func scanTransaction(row pgx.Row) (ScoredTransaction, error) {
	var tx ScoredTransaction
	var amount string
	var features []byte
	if err := row.Scan(
		&tx.ID,
		&tx.EntityID,
		&tx.Name,
		&amount,
		&tx.Device,
		&tx.IPAddress,
		&features,
		&tx.ClassifierProba,
		&tx.AnomalyScore,
		&tx.RiskScore,
		&tx.RiskLevel,
		&tx.Threshold,
		&tx.Flagged,
		&tx.Action,
		&tx.GraphFlagged,
		&tx.Reasons,
		&tx.CreatedAt,
	); err != nil {
		return ScoredTransaction{}, fmt.Errorf("scan transaction: %w", err)
	}

	var err error
	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return ScoredTransaction{}, fmt.Errorf("parse amount: %w", err)
	}
	if len(features) > 0 {
		if err := json.Unmarshal(features, &tx.Features); err != nil {
			return ScoredTransaction{}, fmt.Errorf("decode features: %w", err)
		}
	}
	return tx, nil
}
