package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

// fakeOffsets отдаёт диапазон offset'ов [oldest, newest) по партициям.
type fakeOffsets struct {
	partitions []int32
	ranges     map[int32][2]int64
	failOn     map[int32]error
	closed     bool
}

func (f *fakeOffsets) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err := f.failOn[partition]; err != nil {
		return 0, err
	}
	bounds := f.ranges[partition]
	switch marker {
	case sarama.OffsetOldest:
		return bounds[0], nil
	case sarama.OffsetNewest:
		return bounds[1], nil
	}
	return 0, fmt.Errorf("unexpected marker %d", marker)
}

func (f *fakeOffsets) Partitions(string) ([]int32, error) {
	return append([]int32(nil), f.partitions...), nil
}

func (f *fakeOffsets) Close() error {
	f.closed = true
	return nil
}

type openCall struct {
	partition int32
	offset    int64
}

type fakeSource struct {
	streams map[int32]*fakeStream
	openErr error
	opened  []openCall
	closed  bool
}

func (f *fakeSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	f.opened = append(f.opened, openCall{partition: partition, offset: offset})
	if f.openErr != nil {
		return nil, f.openErr
	}
	stream, ok := f.streams[partition]
	if !ok {
		return nil, fmt.Errorf("no stream for partition %d", partition)
	}
	return stream, nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

type fakeStream struct {
	messages chan *sarama.ConsumerMessage
	errs     chan *sarama.ConsumerError
}

func (s *fakeStream) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *fakeStream) Errors() <-chan *sarama.ConsumerError     { return s.errs }
func (s *fakeStream) Close() error                             { return nil }

// finished возвращает поток, в котором уже лежат values и который закрыт.
func finished(partition int32, values ...[]byte) *fakeStream {
	stream := &fakeStream{
		messages: make(chan *sarama.ConsumerMessage, len(values)),
		errs:     make(chan *sarama.ConsumerError),
	}
	for i, value := range values {
		stream.messages <- &sarama.ConsumerMessage{Topic: kafka.TopicDeadLetterQueue, Partition: partition, Offset: int64(i), Value: value}
	}
	close(stream.messages)
	close(stream.errs)
	return stream
}

func silent() *fakeStream {
	return &fakeStream{messages: make(chan *sarama.ConsumerMessage), errs: make(chan *sarama.ConsumerError)}
}

func replayProducer(t *testing.T) (*kafka.Producer, *mocks.SyncProducer) {
	t.Helper()
	sp := mocks.NewSyncProducer(t, nil)
	producer := kafka.NewProducerFromSync(sp, log.WithField("test", "dlq-reprocess"))
	t.Cleanup(func() { _ = producer.Close() })
	return producer, sp
}

func expectTopic(topic string) mocks.MessageChecker {
	return func(msg *sarama.ProducerMessage) error {
		if msg.Topic != topic {
			return fmt.Errorf("topic %s, want %s", msg.Topic, topic)
		}
		return nil
	}
}

func testConfig() config {
	return config{sourceTopic: kafka.TopicDeadLetterQueue, limit: 10, idleTimeout: 20 * time.Millisecond}
}

func TestDrainDryRun(t *testing.T) {
	source := &fakeSource{streams: map[int32]*fakeStream{0: finished(0, consumerLetter(t, kafka.TopicInventoryEvents, false))}}
	r := &replayer{cfg: testConfig(), offsets: &fakeOffsets{ranges: map[int32][2]int64{0: {0, 2}}}, source: source, logger: log.WithField("test", "dry-run")}

	part, err := r.drain(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, tally{scanned: 1, replayed: 1}, part)
	assert.Equal(t, []openCall{{partition: 0, offset: 0}}, source.opened)
}

func TestDrainExecuteFilters(t *testing.T) {
	source := &fakeSource{streams: map[int32]*fakeStream{0: finished(0,
		consumerLetter(t, kafka.TopicInventoryEvents, false),
		outboxLetter(t, json.RawMessage(`{"status":"pending"}`)),
		consumerLetter(t, kafka.TopicInventoryEvents, true),
		[]byte(`garbage`),
	)}}
	producer, sp := replayProducer(t)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(expectTopic(kafka.TopicInventoryEvents))

	cfg := testConfig()
	cfg.execute = true
	cfg.eventType = domain.EventInventoryAdjustmentFailed
	r := &replayer{cfg: cfg, offsets: &fakeOffsets{ranges: map[int32][2]int64{0: {0, 4}}}, source: source, producer: producer, logger: log.WithField("test", "execute")}

	part, err := r.drain(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, tally{scanned: 4, replayed: 1, skipped: 3}, part, "order event, permanent letter and garbage are skipped")
}

func TestDrainReplaysPermanentWhenAsked(t *testing.T) {
	source := &fakeSource{streams: map[int32]*fakeStream{0: finished(0, consumerLetter(t, kafka.TopicInventoryEvents, true))}}
	producer, sp := replayProducer(t)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(expectTopic("replay.sandbox"))

	cfg := testConfig()
	cfg.execute = true
	cfg.includePermanent = true
	cfg.targetTopic = "replay.sandbox"
	r := &replayer{cfg: cfg, offsets: &fakeOffsets{ranges: map[int32][2]int64{0: {0, 1}}}, source: source, producer: producer, logger: log.WithField("test", "permanent")}

	part, err := r.drain(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, part.replayed)
}

func TestDrainFailures(t *testing.T) {
	offsets := &fakeOffsets{ranges: map[int32][2]int64{0: {0, 2}}}

	t.Run("offset lookup", func(t *testing.T) {
		r := &replayer{cfg: testConfig(), offsets: &fakeOffsets{failOn: map[int32]error{0: errors.New("offset")}}, source: &fakeSource{}, logger: log.WithField("test", "fail")}
		_, err := r.drain(context.Background(), 0, 1)
		assert.ErrorContains(t, err, "oldest offset of partition 0")
	})

	t.Run("open partition", func(t *testing.T) {
		r := &replayer{cfg: testConfig(), offsets: offsets, source: &fakeSource{openErr: errors.New("consume")}, logger: log.WithField("test", "fail")}
		_, err := r.drain(context.Background(), 0, 1)
		assert.ErrorContains(t, err, "consume partition 0")
	})

	t.Run("consumer error", func(t *testing.T) {
		stream := silent()
		stream.errs = make(chan *sarama.ConsumerError, 1)
		stream.errs <- &sarama.ConsumerError{Err: errors.New("broker gone")}
		r := &replayer{cfg: testConfig(), offsets: offsets, source: &fakeSource{streams: map[int32]*fakeStream{0: stream}}, logger: log.WithField("test", "fail")}
		_, err := r.drain(context.Background(), 0, 1)
		assert.ErrorContains(t, err, "broker gone")
	})

	t.Run("publish", func(t *testing.T) {
		producer, sp := replayProducer(t)
		sp.ExpectSendMessageAndFail(errors.New("send failed"))
		cfg := testConfig()
		cfg.execute = true
		source := &fakeSource{streams: map[int32]*fakeStream{0: finished(0, consumerLetter(t, kafka.TopicInventoryEvents, false))}}
		r := &replayer{cfg: cfg, offsets: offsets, source: source, producer: producer, logger: log.WithField("test", "fail")}
		_, err := r.drain(context.Background(), 0, 1)
		assert.ErrorContains(t, err, "publish replay message")
	})
}

func TestDrainStopsOnSilenceAndCancel(t *testing.T) {
	offsets := &fakeOffsets{ranges: map[int32][2]int64{0: {0, 2}}}

	r := &replayer{cfg: testConfig(), offsets: offsets, source: &fakeSource{streams: map[int32]*fakeStream{0: silent()}}, logger: log.WithField("test", "idle")}
	part, err := r.drain(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Zero(t, part.scanned)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.cfg.idleTimeout = time.Minute
	_, err = r.drain(ctx, 0, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDrainSkipsEmptyPartition(t *testing.T) {
	source := &fakeSource{}
	r := &replayer{cfg: testConfig(), offsets: &fakeOffsets{ranges: map[int32][2]int64{0: {5, 5}}}, source: source, logger: log.WithField("test", "empty")}

	part, err := r.drain(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Zero(t, part)
	assert.Empty(t, source.opened)
}

func TestStartOffset(t *testing.T) {
	assert.Equal(t, int64(3), startOffset(3, 100, 10, false))
	assert.Equal(t, int64(90), startOffset(3, 100, 10, true))
	assert.Equal(t, int64(3), startOffset(3, 8, 10, true))
}

func TestReplayerRun(t *testing.T) {
	cfg := testConfig()
	cfg.limit = 1

	_, err := (&replayer{cfg: cfg}).run(context.Background())
	require.Error(t, err)

	offsets := &fakeOffsets{partitions: []int32{2, 0}, ranges: map[int32][2]int64{0: {0, 2}, 2: {0, 2}}}
	source := &fakeSource{streams: map[int32]*fakeStream{
		0: finished(0, consumerLetter(t, kafka.TopicInventoryEvents, false)),
		2: finished(2, consumerLetter(t, kafka.TopicInventoryEvents, false)),
	}}
	total, err := (&replayer{cfg: cfg, offsets: offsets, source: source}).run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tally{scanned: 1, replayed: 1}, total)
	require.Len(t, source.opened, 1, "limit stops after the first partition")
	assert.Equal(t, int32(0), source.opened[0].partition, "partitions are scanned in ascending order")

	cfg.execute = true
	_, err = (&replayer{cfg: cfg, offsets: offsets, source: source}).run(context.Background())
	assert.ErrorContains(t, err, "producer is required")

	total, err = (&replayer{cfg: testConfig(), offsets: &fakeOffsets{}, source: source}).run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestPublishDropsRetryCount(t *testing.T) {
	assert.Error(t, publish(nil, replayTarget{}))

	producer, sp := replayProducer(t)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if len(msg.Headers) != 1 || string(msg.Headers[0].Key) != kafka.HeaderEventType {
			return fmt.Errorf("unexpected headers %+v", msg.Headers)
		}
		return nil
	})
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if len(msg.Headers) != 0 {
			return fmt.Errorf("untyped replay should carry no headers, got %+v", msg.Headers)
		}
		return nil
	})

	require.NoError(t, publish(producer, replayTarget{topic: kafka.TopicInventoryEvents, key: "42", eventType: domain.EventInventoryAdjustmentFailed, value: json.RawMessage(`{}`)}))
	require.NoError(t, publish(producer, replayTarget{topic: kafka.TopicOrderEvents, key: "17", value: json.RawMessage(`{}`)}))
}
