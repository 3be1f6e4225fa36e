package featurestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newClock() *clock {
	return &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

type backend struct {
	name  string
	build func(t *testing.T, c *clock) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T, c *clock) Store { return NewMemoryWithClock(c.now) }},
		{"redis", func(t *testing.T, c *clock) Store {
			mr := miniredis.RunT(t)
			r := NewRedis(NewRedisClient(Config{Addr: mr.Addr()}), nil, zerolog.Nop())
			r.now = c.now
			t.Cleanup(func() { _ = r.Close() })
			return r
		}},
	}
}

func TestStoreContract(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			c := newClock()
			s := b.build(t, c)
			now := c.t

			require.NoError(t, s.Record(ctx, "u1", 0.1, now.Add(-30*time.Minute), nil))
			require.NoError(t, s.Record(ctx, "u1", 0.2, now.Add(-10*time.Minute), nil))
			require.NoError(t, s.Record(ctx, "u1", 50, now.Add(-5*time.Hour), nil))
			require.NoError(t, s.Record(ctx, "u1", 999, now.Add(-25*time.Hour), nil))
			require.NoError(t, s.Record(ctx, "u2", 7, now, nil))

			count, sum, err := s.Velocity(ctx, "u1", time.Hour)
			require.NoError(t, err)
			assert.Equal(t, 2, count)
			assert.Equal(t, 0.3, sum)

			count, sum, err = s.Velocity(ctx, "u1", 24*time.Hour)
			require.NoError(t, err)
			assert.Equal(t, 3, count)
			assert.Equal(t, 50.3, sum)

			events, err := s.RecentEvents(ctx, "u1", 24*time.Hour)
			require.NoError(t, err)
			require.Len(t, events, 3)
			for i := 1; i < len(events); i++ {
				assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp))
			}
			assert.True(t, events[0].Timestamp.Equal(now.Add(-5*time.Hour)))

			count, _, err = s.Velocity(ctx, "nobody", time.Hour)
			require.NoError(t, err)
			assert.Zero(t, count)
		})
	}
}

func TestStoreKeepsDuplicateEvents(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			c := newClock()
			s := b.build(t, c)

			require.NoError(t, s.Record(ctx, "dup", 10, c.t, nil))
			require.NoError(t, s.Record(ctx, "dup", 10, c.t, nil))

			count, sum, err := s.Velocity(ctx, "dup", time.Hour)
			require.NoError(t, err)
			assert.Equal(t, 2, count)
			assert.Equal(t, 20.0, sum)
		})
	}
}

func TestStorePrunesAfterRetention(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			c := newClock()
			s := b.build(t, c)

			require.NoError(t, s.Record(ctx, "u", 5, c.t, nil))
			c.t = c.t.Add(Retention + time.Minute)
			require.NoError(t, s.Record(ctx, "u", 6, c.t, nil))

			events, err := s.RecentEvents(ctx, "u", 48*time.Hour)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, 6.0, events[0].Amount)
		})
	}
}

func TestStoreLastLocation(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			c := newClock()
			s := b.build(t, c)

			loc, err := s.LastLocation(ctx, "u")
			require.NoError(t, err)
			assert.Nil(t, loc)

			require.NoError(t, s.Record(ctx, "u", 1, c.t.Add(-time.Hour), &Location{Lat: 40.7128, Lon: -74.006}))
			require.NoError(t, s.Record(ctx, "u", 1, c.t, &Location{Lat: 51.5074, Lon: -0.1278}))
			require.NoError(t, s.Record(ctx, "u", 1, c.t, &Location{Lat: 200, Lon: 0}))

			loc, err = s.LastLocation(ctx, "u")
			require.NoError(t, err)
			require.NotNil(t, loc)
			assert.Equal(t, 51.5074, loc.Lat)
			assert.Equal(t, -0.1278, loc.Lon)
			assert.True(t, loc.Timestamp.Equal(c.t))
		})
	}
}

func TestRedisFailsFastAndTripsBreaker(t *testing.T) {
	mr := miniredis.RunT(t)
	breaker := NewBreaker(2, time.Minute)
	var transitions []BreakerState
	breaker.OnTransition(func(_, to BreakerState) { transitions = append(transitions, to) })

	r := NewRedis(NewRedisClient(Config{Addr: mr.Addr()}), breaker, zerolog.Nop())
	defer r.Close()
	require.NoError(t, r.Ping(context.Background()))

	mr.Close()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _, err := r.Velocity(ctx, "u", time.Hour)
		assert.ErrorIs(t, err, ErrBackendUnavailable)
	}
	assert.Equal(t, BreakerOpen, breaker.State())

	start := time.Now()
	err := r.Record(ctx, "u", 1, time.Time{}, nil)
	assert.True(t, errors.Is(err, ErrBackendUnavailable))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, []BreakerState{BreakerOpen}, transitions)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	c := newClock()
	b := NewBreaker(1, time.Second)
	b.now = c.now

	b.RecordFailure()
	assert.False(t, b.Allow())

	c.t = c.t.Add(time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())

	c.t = c.t.Add(time.Second)
	assert.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	_, ok := Open(ctx, Config{}, zerolog.Nop(), nil).(*Memory)
	assert.True(t, ok)

	_, ok = Open(ctx, Config{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond}, zerolog.Nop(), nil).(*Memory)
	assert.True(t, ok)

	mr := miniredis.RunT(t)
	s := Open(ctx, Config{Addr: mr.Addr()}, zerolog.Nop(), nil)
	defer s.Close()
	_, ok = s.(*Redis)
	assert.True(t, ok)
}

func TestLocationValid(t *testing.T) {
	var nilLoc *Location
	assert.False(t, nilLoc.Valid())
	assert.True(t, (&Location{Lat: -90, Lon: 180}).Valid())
	assert.False(t, (&Location{Lat: 91}).Valid())
}
