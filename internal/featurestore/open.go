package featurestore

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Open returns a Redis store when cfg.Addr answers PING within the dial
// timeout and the in-process store otherwise. onBreaker, when set, observes
// breaker transitions of the Redis store.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger, onBreaker func(from, to BreakerState)) Store {
	log := logger.With().Str("component", "featurestore").Logger()
	if cfg.Addr == "" {
		log.Info().Msg("using in-memory feature store")
		return NewMemory()
	}

	client := NewRedisClient(cfg)
	pingCtx, cancel := context.WithTimeout(ctx, orDefault(cfg.DialTimeout, 200*time.Millisecond))
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		log.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis unavailable, falling back to in-memory feature store")
		return NewMemory()
	}

	breaker := NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown)
	breaker.OnTransition(func(from, to BreakerState) {
		log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("feature store breaker transition")
		if onBreaker != nil {
			onBreaker(from, to)
		}
	})
	log.Info().Str("addr", cfg.Addr).Msg("connected to redis feature store")
	return NewRedis(client, breaker, logger)
}
