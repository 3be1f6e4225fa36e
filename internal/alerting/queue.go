package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Queue decouples the scoring path from alert delivery. Notify never blocks:
// when the buffer is full the alert is dropped and counted.
type Queue struct {
	next         Notifier
	ch           chan Notification
	timeout      time.Duration
	drainTimeout time.Duration
	cooldown     time.Duration
	logger       zerolog.Logger
	now          func() time.Time

	mu        sync.Mutex
	lastSent  map[string]time.Time
	lastSweep time.Time
	dropped   int
}

// NewQueue wraps next. Alerts for the same entity within cooldown are suppressed.
func NewQueue(next Notifier, size int, cooldown time.Duration, logger zerolog.Logger) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{
		next:         next,
		ch:           make(chan Notification, size),
		timeout:      15 * time.Second,
		drainTimeout: 10 * time.Second,
		cooldown:     cooldown,
		logger:       logger.With().Str("component", "alert_queue").Logger(),
		now:          time.Now,
		lastSent:     make(map[string]time.Time),
	}
}

// Notify enqueues an alert. The cooldown starts only once an alert for the
// entity is actually queued.
func (q *Queue) Notify(_ context.Context, note Notification) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.sweep(now)
	if q.cooling(note.EntityID, now) {
		q.logger.Debug().Str("entity_id", note.EntityID).Msg("alert suppressed by cooldown")
		return nil
	}
	select {
	case q.ch <- note:
		if q.cooldown > 0 && note.EntityID != "" {
			q.lastSent[note.EntityID] = now
		}
	default:
		q.dropped++
		q.logger.Warn().Str("transaction_id", note.TransactionID).Msg("alert queue full, dropping")
	}
	return nil
}

// Run delivers queued alerts until ctx is cancelled, then flushes whatever
// is still buffered within the drain timeout.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			q.drain()
			return ctx.Err()
		case note := <-q.ch:
			q.deliver(context.WithoutCancel(ctx), note)
		}
	}
}

func (q *Queue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), q.drainTimeout)
	defer cancel()

	delivered := 0
	for {
		if ctx.Err() != nil {
			if left := len(q.ch); left > 0 {
				q.logger.Warn().Int("pending", left).Msg("alert drain timed out")
			}
			return
		}
		select {
		case note := <-q.ch:
			q.deliver(ctx, note)
			delivered++
		default:
			if delivered > 0 {
				q.logger.Info().Int("delivered", delivered).Msg("alert queue drained")
			}
			return
		}
	}
}

func (q *Queue) deliver(ctx context.Context, note Notification) {
	sendCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	if err := q.next.Notify(sendCtx, note); err != nil {
		q.logger.Error().Err(err).Str("transaction_id", note.TransactionID).Msg("alert delivery failed")
	}
}

// Dropped returns how many alerts were discarded because the buffer was full.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// cooling reports whether entityID alerted within the cooldown. q.mu must be held.
func (q *Queue) cooling(entityID string, now time.Time) bool {
	if q.cooldown <= 0 || entityID == "" {
		return false
	}
	last, ok := q.lastSent[entityID]
	return ok && now.Sub(last) < q.cooldown
}

// sweep forgets expired cooldowns at most once per cooldown. q.mu must be held.
func (q *Queue) sweep(now time.Time) {
	if q.cooldown <= 0 || now.Sub(q.lastSweep) < q.cooldown {
		return
	}
	for id, last := range q.lastSent {
		if now.Sub(last) >= q.cooldown {
			delete(q.lastSent, id)
		}
	}
	q.lastSweep = now
}

var _ Notifier = (*Queue)(nil)
