package feedback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
	drained   chan struct{}
}

func newFakeReader(values ...string) *fakeReader {
	r := &fakeReader{drained: make(chan struct{})}
	for i, v := range values {
		r.msgs = append(r.msgs, kafka.Message{Offset: int64(i), Value: []byte(v)})
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	select {
	case <-r.drained:
	default:
		close(r.drained)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	labels []Label
	fail   map[string]bool
	reject map[string]bool
}

func (s *recordingSink) RecordFeedback(_ context.Context, l Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject[l.TransactionID] {
		return fmt.Errorf("%w: unknown transaction", ErrPermanent)
	}
	if s.fail[l.TransactionID] {
		delete(s.fail, l.TransactionID)
		return errors.New("db down")
	}
	s.labels = append(s.labels, l)
	return nil
}

func TestDecodeLabel(t *testing.T) {
	l, err := DecodeLabel([]byte(`{"transaction_id":" tx-1 ","is_fraud":true}`))
	require.NoError(t, err)
	assert.Equal(t, "tx-1", l.TransactionID)
	assert.True(t, l.IsFraud)
	assert.Equal(t, "admin", l.Analyst)
	assert.False(t, l.LabelledAt.IsZero())

	_, err = DecodeLabel([]byte(`{"is_fraud":true}`))
	assert.Error(t, err)
	_, err = DecodeLabel([]byte(`nope`))
	assert.Error(t, err)
}

func TestConsumerRecordsAndCommits(t *testing.T) {
	reader := newFakeReader(
		`{"transaction_id":"a","is_fraud":true,"analyst":"kim"}`,
		`garbage`,
		`{"transaction_id":"b","is_fraud":false}`,
	)
	sink := &recordingSink{}
	c := NewConsumerWithReader(reader, sink, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-reader.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not drain messages")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	require.Len(t, sink.labels, 2)
	assert.Equal(t, "kim", sink.labels[0].Analyst)
	assert.Equal(t, "b", sink.labels[1].TransactionID)
	assert.Equal(t, []int64{0, 1, 2}, reader.committed)
	assert.True(t, reader.closed)
}

func TestConsumerLeavesFailedLabelUncommitted(t *testing.T) {
	reader := newFakeReader(`{"transaction_id":"a","is_fraud":true}`, `{"transaction_id":"b","is_fraud":true}`)
	sink := &recordingSink{fail: map[string]bool{"a": true}}
	c := NewConsumerWithReader(reader, sink, zerolog.Nop())
	c.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-reader.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not drain messages")
	}
	cancel()
	<-done

	require.Len(t, sink.labels, 1)
	assert.Equal(t, "b", sink.labels[0].TransactionID)
	assert.Equal(t, []int64{1}, reader.committed)
}

func TestConsumerCommitsPermanentRejections(t *testing.T) {
	reader := newFakeReader(`{"transaction_id":"ghost","is_fraud":true}`)
	sink := &recordingSink{reject: map[string]bool{"ghost": true}}
	c := NewConsumerWithReader(reader, sink, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-reader.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not drain messages")
	}
	cancel()
	<-done

	assert.Empty(t, sink.labels)
	assert.Equal(t, []int64{0}, reader.committed)
}

func TestReaderConfigDefaults(t *testing.T) {
	rc := readerConfig(Config{Brokers: []string{"k:9092"}, Topic: "labels"})
	assert.Equal(t, "fraudshield-feedback", rc.GroupID)
	assert.Equal(t, 1, rc.MinBytes)
	assert.Equal(t, time.Second, rc.MaxWait)
	assert.Equal(t, "labels", rc.Topic)
}
