package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testNote() Notification {
	return Notification{
		TransactionID: "tx-1",
		EntityID:      "alice",
		Amount:        decimal.RequireFromString("9200.5"),
		RiskScore:     81.25,
		RiskLevel:     "High",
		Threshold:     0.42,
		Action:        "block",
		Reasons:       []string{"Amount ($9,200.50) increased risk by 41.2%"},
		NearestMule:   "mule-7",
		MuleHops:      2,
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/bottoken/sendMessage") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testNote()); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id mismatch: %#v", received)
	}
	text := received["text"]
	for _, want := range []string{"BLOCK High", "Amount: 9200.50", "Risk: 81.25 (threshold 42.00)", "mule-7 (2 hops)", "- Amount ($9,200.50)"} {
		if !strings.Contains(text, want) {
			t.Fatalf("text missing %q:\n%s", want, text)
		}
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testNote()); err == nil {
		t.Fatal("ok=false should fail")
	}
}

func TestTelegramNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testNote()); err == nil {
		t.Fatal("502 should fail")
	}
}

type collector struct {
	mu    sync.Mutex
	notes []Notification
	got   chan struct{}
}

func (c *collector) Notify(_ context.Context, n Notification) error {
	c.mu.Lock()
	c.notes = append(c.notes, n)
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

func TestQueueDeliversAndSuppresses(t *testing.T) {
	sink := &collector{got: make(chan struct{}, 8)}
	q := NewQueue(sink, 8, time.Minute, testLogger())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	first := testNote()
	_ = q.Notify(ctx, first)
	second := testNote()
	second.TransactionID = "tx-2"
	_ = q.Notify(ctx, second)
	now = now.Add(2 * time.Minute)
	third := testNote()
	third.TransactionID = "tx-3"
	_ = q.Notify(ctx, third)

	for i := 0; i < 2; i++ {
		select {
		case <-sink.got:
		case <-time.After(2 * time.Second):
			t.Fatal("alert not delivered")
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.notes) != 2 || sink.notes[0].TransactionID != "tx-1" || sink.notes[1].TransactionID != "tx-3" {
		t.Fatalf("unexpected deliveries: %+v", sink.notes)
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue(&collector{got: make(chan struct{}, 1)}, 1, 0, testLogger())
	_ = q.Notify(context.Background(), testNote())
	_ = q.Notify(context.Background(), testNote())
	if q.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", q.Dropped())
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestQueueFlushesPendingAlertsOnStop(t *testing.T) {
	sink := &collector{got: make(chan struct{}, 32)}
	q := NewQueue(sink, 32, 0, testLogger())
	for i := 0; i < 20; i++ {
		note := testNote()
		note.TransactionID = "tx-" + strconv.Itoa(i)
		_ = q.Notify(context.Background(), note)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Run(ctx); err != context.Canceled {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.notes) != 20 {
		t.Fatalf("delivered %d of 20 queued alerts after stop", len(sink.notes))
	}
}

func TestQueueDrainIsBounded(t *testing.T) {
	q := NewQueue(blockingNotifier{}, 4, 0, testLogger())
	q.timeout = time.Hour
	q.drainTimeout = 50 * time.Millisecond
	_ = q.Notify(context.Background(), testNote())
	_ = q.Notify(context.Background(), testNote())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the drain timeout")
	}
}

type blockingNotifier struct{}

func (blockingNotifier) Notify(ctx context.Context, _ Notification) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestQueueDroppedAlertDoesNotStartCooldown(t *testing.T) {
	q := NewQueue(&collector{got: make(chan struct{}, 4)}, 1, time.Minute, testLogger())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	_ = q.Notify(context.Background(), testNote())
	bob := testNote()
	bob.EntityID = "bob"
	_ = q.Notify(context.Background(), bob)
	if q.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", q.Dropped())
	}

	<-q.ch
	_ = q.Notify(context.Background(), bob)
	select {
	case got := <-q.ch:
		if got.EntityID != "bob" {
			t.Fatalf("queued %q, want bob", got.EntityID)
		}
	default:
		t.Fatal("alert for bob was suppressed after an earlier drop")
	}
}

func TestQueueForgetsExpiredCooldowns(t *testing.T) {
	q := NewQueue(&collector{got: make(chan struct{}, 4)}, 4, time.Minute, testLogger())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	_ = q.Notify(context.Background(), testNote())
	now = now.Add(2 * time.Minute)
	bob := testNote()
	bob.EntityID = "bob"
	_ = q.Notify(context.Background(), bob)

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.lastSent["alice"]; ok {
		t.Fatal("expired cooldown for alice still tracked")
	}
	if _, ok := q.lastSent["bob"]; !ok {
		t.Fatal("cooldown for bob not tracked")
	}
}
