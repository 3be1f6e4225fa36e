package featurestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config selects and tunes the network backend. An empty Addr selects the
// in-process store.
type Config struct {
	Addr             string        `mapstructure:"addr"`
	Password         string        `mapstructure:"password"`
	DB               int           `mapstructure:"db"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// NewRedisClient builds a client that fails fast: no retries and short
// socket timeouts.
func NewRedisClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  orDefault(cfg.DialTimeout, 200*time.Millisecond),
		ReadTimeout:  orDefault(cfg.ReadTimeout, 100*time.Millisecond),
		WriteTimeout: orDefault(cfg.WriteTimeout, 100*time.Millisecond),
		MaxRetries:   -1,
	})
}

// Redis keeps events in a sorted set tx:<id> scored by epoch seconds and the
// last geo fix in a hash loc:<id>.
type Redis struct {
	client  *redis.Client
	breaker *Breaker
	now     func() time.Time
	logger  zerolog.Logger
}

// NewRedis wraps client. breaker may be nil.
func NewRedis(client *redis.Client, breaker *Breaker, logger zerolog.Logger) *Redis {
	if breaker == nil {
		breaker = NewBreaker(0, 0)
	}
	return &Redis{
		client:  client,
		breaker: breaker,
		now:     time.Now,
		logger:  logger.With().Str("component", "featurestore_redis").Logger(),
	}
}

type member struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
	TS     int64   `json:"ts"`
}

func txKey(entityID string) string  { return "tx:" + entityID }
func locKey(entityID string) string { return "loc:" + entityID }

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func scoreArg(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Record appends the event and prunes expired members in one MULTI/EXEC.
func (r *Redis) Record(ctx context.Context, entityID string, amount float64, ts time.Time, loc *Location) error {
	if ts.IsZero() {
		ts = r.now()
	}
	payload, err := json.Marshal(member{ID: uuid.NewString(), Amount: amount, TS: ts.UnixNano()})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	cutoff := epoch(r.now().Add(-Retention))

	return r.guard(func() error {
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			key := txKey(entityID)
			pipe.ZAdd(ctx, key, redis.Z{Score: epoch(ts), Member: string(payload)})
			pipe.ZRemRangeByScore(ctx, key, "-inf", "("+scoreArg(cutoff))
			pipe.Expire(ctx, key, Retention)
			if loc.Valid() {
				fixTS := loc.Timestamp
				if fixTS.IsZero() {
					fixTS = ts
				}
				pipe.HSet(ctx, locKey(entityID),
					"lat", scoreArg(loc.Lat),
					"lon", scoreArg(loc.Lon),
					"ts", strconv.FormatInt(fixTS.UnixNano(), 10),
				)
				pipe.Expire(ctx, locKey(entityID), Retention)
			}
			return nil
		})
		return err
	})
}

// Velocity returns the count and cent-rounded sum over the trailing window.
func (r *Redis) Velocity(ctx context.Context, entityID string, window time.Duration) (int, float64, error) {
	events, err := r.RecentEvents(ctx, entityID, window)
	if err != nil {
		return 0, 0, err
	}
	var sum float64
	for _, e := range events {
		sum += e.Amount
	}
	return len(events), roundCents(sum), nil
}

// RecentEvents returns events at or after now-window, oldest first.
func (r *Redis) RecentEvents(ctx context.Context, entityID string, window time.Duration) ([]Event, error) {
	var raw []string
	err := r.guard(func() error {
		var err error
		raw, err = r.client.ZRangeByScore(ctx, txKey(entityID), &redis.ZRangeBy{
			Min: scoreArg(epoch(r.now().Add(-window))),
			Max: "+inf",
		}).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var m member
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			r.logger.Warn().Err(err).Str("entity", entityID).Msg("skip undecodable event")
			continue
		}
		events = append(events, Event{EntityID: entityID, Amount: m.Amount, Timestamp: time.Unix(0, m.TS)})
	}
	return events, nil
}

// LastLocation returns the most recent geo fix or nil.
func (r *Redis) LastLocation(ctx context.Context, entityID string) (*Location, error) {
	var fields map[string]string
	err := r.guard(func() error {
		var err error
		fields, err = r.client.HGetAll(ctx, locKey(entityID)).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	lat, errLat := strconv.ParseFloat(fields["lat"], 64)
	lon, errLon := strconv.ParseFloat(fields["lon"], 64)
	ts, errTS := strconv.ParseInt(fields["ts"], 10, 64)
	if err := errors.Join(errLat, errLon, errTS); err != nil {
		r.logger.Warn().Err(err).Str("entity", entityID).Msg("ignore malformed location")
		return nil, nil
	}
	return &Location{Lat: lat, Lon: lon, Timestamp: time.Unix(0, ts)}, nil
}

// Ping checks connectivity through the breaker.
func (r *Redis) Ping(ctx context.Context) error {
	return r.guard(func() error {
		return r.client.Ping(ctx).Err()
	})
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) guard(call func() error) error {
	if !r.breaker.Allow() {
		return ErrBackendUnavailable
	}
	if err := call(); err != nil && !errors.Is(err, redis.Nil) {
		r.breaker.RecordFailure()
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	r.breaker.RecordSuccess()
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

var _ Store = (*Redis)(nil)
