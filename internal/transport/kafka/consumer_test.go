package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafkago.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		r.cancel()
		return kafkago.Message{}, ctx.Err()
	}
	msg := r.messages[0]
	r.messages = r.messages[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type scriptedIngest struct {
	errs  []error
	sites []string
}

func (s *scriptedIngest) Ingest(_ context.Context, protocol, siteID, _ string, _ []byte) (readingdomain.IngestResult, error) {
	s.sites = append(s.sites, protocol+":"+siteID)
	if len(s.errs) == 0 {
		return readingdomain.IngestResult{Accepted: 1}, nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return readingdomain.IngestResult{}, err
}

func TestConsumerCommitsAfterIngest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reader := &fakeReader{cancel: cancel, messages: []kafkago.Message{
		{Key: []byte("site/s1/equipment/ahu-1/telemetry"), Value: []byte(`{}`), Offset: 1},
		{Key: []byte("not-a-topic"), Value: []byte(`{}`), Offset: 2},
		{Key: []byte("site/s2/equipment/ahu-1/telemetry/batch"), Value: []byte(`[]`), Offset: 3},
		{Key: []byte("site/s3/equipment/ahu-1/telemetry"), Value: []byte(`{}`), Offset: 4},
	}}
	ingest := &scriptedIngest{errs: []error{
		nil,
		readingdomain.ErrStoreUnavailable,
		readingdomain.ErrStoreUnavailable,
		nil,
		readingdomain.ErrUnknownEquipment,
	}}

	c := newConsumer(zap.NewNop(), reader, ingest)
	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) bool {
		delays = append(delays, d)
		return true
	}
	c.Run(ctx)

	assert.Equal(t, []int64{1, 2, 3, 4}, reader.committed)
	assert.Equal(t, []string{"kafka:s1", "kafka:s2", "kafka:s2", "kafka:s2", "kafka:s3"}, ingest.sites)
	assert.Len(t, delays, 2)
}

func TestConsumerLeavesMessageUncommittedOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reader := &fakeReader{cancel: cancel, messages: []kafkago.Message{
		{Key: []byte("site/s1/equipment/ahu-1/telemetry"), Value: []byte(`{}`), Offset: 7},
	}}
	ingest := &scriptedIngest{errs: []error{errors.New("connection refused")}}

	c := newConsumer(zap.NewNop(), reader, ingest)
	c.sleep = func(context.Context, time.Duration) bool {
		cancel()
		return false
	}
	c.Run(ctx)

	assert.Empty(t, reader.committed)
}

func TestConsumerWithoutReaderIsNoop(t *testing.T) {
	c := newConsumer(zap.NewNop(), nil, &scriptedIngest{})
	c.Run(context.Background())
	assert.NoError(t, c.Close())
}
