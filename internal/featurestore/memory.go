package featurestore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is the in-process Store.
type Memory struct {
	mu        sync.Mutex
	events    map[string][]Event
	locations map[string]Location
	now       func() time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock returns an in-process store using now as its clock.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		events:    make(map[string][]Event),
		locations: make(map[string]Location),
		now:       now,
	}
}

// Record appends an event and prunes the entity's expired events.
func (m *Memory) Record(_ context.Context, entityID string, amount float64, ts time.Time, loc *Location) error {
	if ts.IsZero() {
		ts = m.now()
	}
	ev := Event{EntityID: entityID, Amount: amount, Timestamp: ts}
	if loc.Valid() {
		fix := *loc
		if fix.Timestamp.IsZero() {
			fix.Timestamp = ts
		}
		ev.Location = &fix
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-Retention)
	kept := m.events[entityID][:0]
	for _, e := range m.events[entityID] {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	if !ts.Before(cutoff) {
		kept = append(kept, ev)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Timestamp.Before(kept[j].Timestamp) })

	if len(kept) == 0 {
		delete(m.events, entityID)
	} else {
		m.events[entityID] = kept
	}
	if ev.Location != nil {
		m.locations[entityID] = *ev.Location
	}
	return nil
}

// Velocity returns the count and cent-rounded sum over the trailing window.
func (m *Memory) Velocity(ctx context.Context, entityID string, window time.Duration) (int, float64, error) {
	events, err := m.RecentEvents(ctx, entityID, window)
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
func (m *Memory) RecentEvents(_ context.Context, entityID string, window time.Duration) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-window)
	out := make([]Event, 0, len(m.events[entityID]))
	for _, e := range m.events[entityID] {
		if !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

// LastLocation returns the most recent geo fix or nil.
func (m *Memory) LastLocation(_ context.Context, entityID string) (*Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locations[entityID]
	if !ok {
		return nil, nil
	}
	return &loc, nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

var _ Store = (*Memory)(nil)
