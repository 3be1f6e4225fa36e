package featurestore

import (
	"context"
	"errors"
	"math"
	"time"
)

// Retention is how long events are kept per entity.
const Retention = 24 * time.Hour

// ErrBackendUnavailable is returned while the network backend is failing.
// Callers treat the entity as having no history.
var ErrBackendUnavailable = errors.New("featurestore: backend unavailable")

// Location is a geo fix attached to an event.
type Location struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"ts"`
}

// Valid reports whether the coordinates are finite and in range.
func (l *Location) Valid() bool {
	if l == nil {
		return false
	}
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lon) {
		return false
	}
	return l.Lat >= -90 && l.Lat <= 90 && l.Lon >= -180 && l.Lon <= 180
}

// Event is one recorded transaction for an entity.
type Event struct {
	EntityID  string    `json:"entity_id"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"ts"`
	Location  *Location `json:"location,omitempty"`
}

// Store keeps a rolling 24h window of events per entity.
type Store interface {
	Record(ctx context.Context, entityID string, amount float64, ts time.Time, loc *Location) error
	Velocity(ctx context.Context, entityID string, window time.Duration) (count int, sum float64, err error)
	RecentEvents(ctx context.Context, entityID string, window time.Duration) ([]Event, error)
	LastLocation(ctx context.Context, entityID string) (*Location, error)
	Close() error
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
