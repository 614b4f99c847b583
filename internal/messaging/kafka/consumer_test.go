package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConsumer_Validation(t *testing.T) {
	t.Parallel()

	noop := func(context.Context, *sarama.ConsumerMessage) error { return nil }

	testCases := []struct {
		name    string
		cfg     ConsumerConfig
		handler MessageHandler
		wantErr string
	}{
		{
			name:    "nil handler",
			cfg:     ConsumerConfig{GroupID: "g", Topics: []string{TopicInventoryEvents}},
			wantErr: "handler is required",
		},
		{
			name:    "missing group",
			cfg:     ConsumerConfig{Topics: []string{TopicInventoryEvents}},
			handler: noop,
			wantErr: "group id",
		},
		{
			name:    "missing topics",
			cfg:     ConsumerConfig{GroupID: "g"},
			handler: noop,
			wantErr: "at least one topic",
		},
		{
			name:    "unreachable broker",
			cfg:     ConsumerConfig{Brokers: []string{"invalid-broker:9092"}, GroupID: "g", Topics: []string{TopicInventoryEvents}},
			handler: noop,
			wantErr: "failed to create kafka consumer",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConsumer(tc.cfg, tc.handler)
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestNewConsumer_Defaults(t *testing.T) {
	t.Parallel()

	c := newConsumer(&fakeGroup{}, ConsumerConfig{}, succeed)
	assert.Equal(t, defaultMaxRetries, c.maxRetries)
	assert.Equal(t, defaultRetryDelay, c.retryDelay)

	c = newConsumer(&fakeGroup{}, ConsumerConfig{MaxRetries: 7, RetryDelay: -1}, succeed)
	assert.Equal(t, 7, c.maxRetries)
	assert.Zero(t, c.retryDelay)
}

func TestPermanent(t *testing.T) {
	t.Parallel()

	cause := errors.New("bad payload")
	err := fmt.Errorf("reconcile: %w", Permanent(cause))

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsPermanent(cause))
	assert.NoError(t, Permanent(nil))
}

func TestConsumer_StartStop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group := newFakeGroup()
	group.consume = func(context.Context, []string, sarama.ConsumerGroupHandler) error {
		cancel()
		return nil
	}
	group.errs <- errors.New("rebalance in progress")

	c := newConsumer(group, ConsumerConfig{Topics: []string{TopicInventoryEvents}}, succeed)
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Stop())

	assert.Equal(t, []string{TopicInventoryEvents}, group.lastTopics())
	assert.GreaterOrEqual(t, group.consumeCalls(), 1)
}

func TestConsumer_StartExitsOnClosedGroup(t *testing.T) {
	t.Parallel()

	group := newFakeGroup()
	group.consume = func(context.Context, []string, sarama.ConsumerGroupHandler) error {
		return sarama.ErrClosedConsumerGroup
	}

	c := newConsumer(group, ConsumerConfig{Topics: []string{TopicInventoryEvents}}, succeed)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop())
	assert.Equal(t, 1, group.consumeCalls())
}

func TestConsumer_StopError(t *testing.T) {
	t.Parallel()

	group := newFakeGroup()
	group.closeErr = errors.New("close failed")

	c := newConsumer(group, ConsumerConfig{}, succeed)
	require.ErrorContains(t, c.Stop(), "close failed")
}

func TestConsumer_SetupCleanup(t *testing.T) {
	t.Parallel()

	c := newConsumer(&fakeGroup{}, ConsumerConfig{}, succeed)
	assert.NoError(t, c.Setup(nil))
	assert.NoError(t, c.Cleanup(nil))
}

func TestConsumer_ConsumeClaim(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		handler    MessageHandler
		withDLQ    bool
		wantMarked int
		wantDLQ    int
	}{
		{name: "handled message is committed", handler: succeed, wantMarked: 2},
		{name: "failure without DLQ stays uncommitted", handler: fail("lookup timeout"), wantMarked: 0},
		{name: "failure with DLQ is committed", handler: fail("lookup timeout"), withDLQ: true, wantMarked: 2, wantDLQ: 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := ConsumerConfig{MaxRetries: 2, RetryDelay: -1}
			var sp *mocks.SyncProducer
			if tc.withDLQ {
				sp = mocks.NewSyncProducer(t, nil)
				for i := 0; i < tc.wantDLQ; i++ {
					sp.ExpectSendMessageAndSucceed()
				}
				cfg.DLQ = NewProducerFromSync(sp, nil)
			}

			c := newConsumer(&fakeGroup{}, cfg, tc.handler)
			session := &fakeSession{ctx: context.Background()}
			claim := claimOf(inventoryMessage(1), inventoryMessage(2))

			require.NoError(t, c.ConsumeClaim(session, claim))
			assert.Len(t, session.marked, tc.wantMarked)

			if sp != nil {
				require.NoError(t, sp.Close())
			}
		})
	}
}

func TestConsumer_ConsumeClaimStopsOnContextDone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	c := newConsumer(&fakeGroup{}, ConsumerConfig{}, succeed)
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.ConsumeClaim(&fakeSession{ctx: ctx}, claim)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not stop after context cancellation")
	}
}

func TestConsumer_Process_RetryBudget(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name         string
		maxRetries   int
		retryHeader  string
		wantAttempts int
	}{
		{name: "fresh message uses full budget", maxRetries: 3, wantAttempts: 3},
		{name: "replayed message uses the rest", maxRetries: 3, retryHeader: "1", wantAttempts: 2},
		{name: "exhausted budget still tries once", maxRetries: 3, retryHeader: "5", wantAttempts: 1},
		{name: "broken header is ignored", maxRetries: 2, retryHeader: "many", wantAttempts: 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := &countingHandler{err: errors.New("inventory store unavailable")}
			c := newConsumer(&fakeGroup{}, ConsumerConfig{MaxRetries: tc.maxRetries, RetryDelay: -1}, h.handle)

			msg := inventoryMessage(10)
			if tc.retryHeader != "" {
				msg.Headers = []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte(tc.retryHeader)}}
			}

			require.Error(t, c.process(context.Background(), msg))
			assert.Equal(t, tc.wantAttempts, h.count())
		})
	}
}

func TestConsumer_Process_RecoversInProcess(t *testing.T) {
	t.Parallel()

	h := &countingHandler{sequence: []error{errors.New("lock timeout"), nil}}
	c := newConsumer(&fakeGroup{}, ConsumerConfig{MaxRetries: 3, RetryDelay: time.Millisecond}, h.handle)

	require.NoError(t, c.process(context.Background(), inventoryMessage(11)))
	assert.Equal(t, 2, h.count())
}

func TestConsumer_Process_PermanentSkipsRetries(t *testing.T) {
	t.Parallel()

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicDeadLetterQueue {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var letter DeadLetter
		if err := json.Unmarshal(raw, &letter); err != nil {
			return err
		}
		if !letter.Permanent || letter.RetryCount != 1 {
			return fmt.Errorf("unexpected dead letter: %+v", letter)
		}
		return nil
	})

	h := &countingHandler{err: Permanent(errors.New("malformed envelope"))}
	c := newConsumer(&fakeGroup{}, ConsumerConfig{MaxRetries: 5, RetryDelay: time.Hour, DLQ: NewProducerFromSync(sp, nil)}, h.handle)

	require.NoError(t, c.process(context.Background(), inventoryMessage(12)))
	assert.Equal(t, 1, h.count())
	require.NoError(t, sp.Close())
}

func TestConsumer_Process_DLQFailure(t *testing.T) {
	t.Parallel()

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	c := newConsumer(&fakeGroup{}, ConsumerConfig{MaxRetries: 1, DLQ: NewProducerFromSync(sp, nil)}, fail("boom"))

	err := c.process(context.Background(), inventoryMessage(13))
	require.ErrorContains(t, err, "failed to send to DLQ")
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, sp.Close())
}

func TestConsumer_Process_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	h := &countingHandler{err: errors.New("temporary"), onCall: cancel}
	c := newConsumer(&fakeGroup{}, ConsumerConfig{MaxRetries: 5, RetryDelay: time.Hour}, h.handle)

	err := c.process(ctx, inventoryMessage(14))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, h.count())
}

func TestConsumer_SendToDLQ(t *testing.T) {
	t.Parallel()

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		headers := make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			headers[string(h.Key)] = string(h.Value)
		}
		if headers[HeaderOriginalTopic] != TopicInventoryEvents || headers[HeaderRetryCount] != "3" {
			return fmt.Errorf("unexpected headers: %v", headers)
		}

		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var letter DeadLetter
		if err := json.Unmarshal(raw, &letter); err != nil {
			return err
		}
		if letter.OriginalOffset != 42 || letter.OriginalKey != "order-42" || letter.ErrorMessage != "boom" || letter.Permanent {
			return fmt.Errorf("unexpected dead letter: %+v", letter)
		}
		return nil
	})

	c := newConsumer(&fakeGroup{}, ConsumerConfig{DLQ: NewProducerFromSync(sp, nil)}, succeed)
	require.NoError(t, c.sendToDLQ(inventoryMessage(42), errors.New("boom"), 3))
	require.NoError(t, sp.Close())
}

func succeed(context.Context, *sarama.ConsumerMessage) error { return nil }

func fail(reason string) MessageHandler {
	return func(context.Context, *sarama.ConsumerMessage) error { return errors.New(reason) }
}

func inventoryMessage(offset int64) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:     TopicInventoryEvents,
		Partition: 0,
		Offset:    offset,
		Key:       []byte("order-" + strconv.FormatInt(offset, 10)),
		Value:     []byte(`{"id":"evt"}`),
	}
}

func claimOf(messages ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(messages))
	for _, msg := range messages {
		ch <- msg
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

type countingHandler struct {
	mu       sync.Mutex
	calls    int
	err      error
	sequence []error
	onCall   func()
}

func (h *countingHandler) handle(context.Context, *sarama.ConsumerMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls++
	if h.onCall != nil {
		h.onCall()
	}
	if len(h.sequence) > 0 {
		err := h.sequence[0]
		h.sequence = h.sequence[1:]
		return err
	}
	return h.err
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// fakeGroup подменяет sarama.ConsumerGroup без брокера.
type fakeGroup struct {
	mu       sync.Mutex
	consume  func(context.Context, []string, sarama.ConsumerGroupHandler) error
	calls    int
	topics   []string
	errs     chan error
	closeErr error
}

func newFakeGroup() *fakeGroup {
	return &fakeGroup{errs: make(chan error, 1)}
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.calls++
	g.topics = topics
	consume := g.consume
	g.mu.Unlock()

	if consume != nil {
		return consume(ctx, topics, handler)
	}
	return nil
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	if g.errs != nil {
		close(g.errs)
	}
	return g.closeErr
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

func (g *fakeGroup) consumeCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGroup) lastTopics() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.topics
}

type fakeSession struct {
	ctx    context.Context
	marked []*sarama.ConsumerMessage
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "storefront-test" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return TopicInventoryEvents }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }
