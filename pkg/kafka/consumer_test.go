package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	mu     sync.Mutex
	calls  int
	errs   []error
	failed error
}

func (h *fakeHandler) Topic() string { return "kp.signals" }

func (h *fakeHandler) Handle(context.Context, []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if len(h.errs) == 0 {
		return h.failed
	}
	err := h.errs[0]
	h.errs = h.errs[1:]
	return err
}

type fakeCommitter struct {
	mu          sync.Mutex
	committed   []int64
	byPartition map[int][]int64
}

func (f *fakeCommitter) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byPartition == nil {
		f.byPartition = make(map[int][]int64)
	}
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
		f.byPartition[m.Partition] = append(f.byPartition[m.Partition], m.Offset)
	}
	return nil
}

// orderHandler records "partition/offset" payloads as they are handled.
type orderHandler struct {
	mu   sync.Mutex
	seen map[int][]int64
	fail string
}

func (h *orderHandler) Topic() string { return "kp.signals" }

func (h *orderHandler) Handle(_ context.Context, b []byte) error {
	if string(b) == h.fail {
		return errors.New("store unavailable")
	}
	parts := strings.SplitN(string(b), "/", 2)
	p, _ := strconv.Atoi(parts[0])
	o, _ := strconv.ParseInt(parts[1], 10, 64)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen == nil {
		h.seen = make(map[int][]int64)
	}
	h.seen[p] = append(h.seen[p], o)
	return nil
}

func partitionMessage(partition int, offset int64) *message {
	return &message{topic: "kp.signals", km: kafka.Message{
		Partition: partition,
		Offset:    offset,
		Key:       []byte("o1"),
		Value:     []byte(fmt.Sprintf("%d/%d", partition, offset)),
	}}
}

type fakeDLQ struct {
	msgs []kafka.Message
}

func (f *fakeDLQ) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeDLQ) Close() error { return nil }

func newTestConsumer(t *testing.T, h MessageHandler, dlq dlqWriter, opts ...ConsumerOption) (*Consumer, *fakeCommitter) {
	t.Helper()
	opts = append([]ConsumerOption{
		WithConsumerBrokers([]string{"localhost:9092"}),
		WithConsumerRetry(2, time.Millisecond, 2*time.Millisecond),
	}, opts...)
	c, err := NewConsumer(opts...)
	require.NoError(t, err)
	c.RegisterHandler(h)
	cm := &fakeCommitter{}
	c.commits[h.Topic()] = cm
	if dlq != nil {
		c.dlq = dlq
	}
	return c, cm
}

func TestProcessCommitsOnSuccess(t *testing.T) {
	h := &fakeHandler{}
	c, cm := newTestConsumer(t, h, nil)
	c.process(&message{topic: h.Topic(), km: kafka.Message{Offset: 7}})

	assert.Equal(t, 1, h.calls)
	assert.Equal(t, []int64{7}, cm.committed)
}

func TestProcessRetriesTransientErrors(t *testing.T) {
	h := &fakeHandler{errs: []error{errors.New("busy"), errors.New("busy")}}
	c, cm := newTestConsumer(t, h, nil)
	c.process(&message{topic: h.Topic(), km: kafka.Message{Offset: 3}})

	assert.Equal(t, 3, h.calls)
	assert.Equal(t, []int64{3}, cm.committed)
}

func TestProcessPermanentErrorGoesToDLQ(t *testing.T) {
	h := &fakeHandler{errs: []error{Permanent(errors.New("bad json"))}}
	dlq := &fakeDLQ{}
	c, cm := newTestConsumer(t, h, dlq)
	c.process(&message{topic: h.Topic(), km: kafka.Message{Offset: 9, Key: []byte("o1"), Value: []byte("{")}})

	assert.Equal(t, 1, h.calls)
	require.Len(t, dlq.msgs, 1)
	assert.Equal(t, []byte("{"), dlq.msgs[0].Value)
	assert.Equal(t, "source_topic", dlq.msgs[0].Headers[0].Key)
	assert.Equal(t, []int64{9}, cm.committed)
}

func TestProcessExhaustedWithoutDLQKeepsRetrying(t *testing.T) {
	h := &fakeHandler{errs: []error{errors.New("x"), errors.New("x"), errors.New("x"), errors.New("x")}}
	c, cm := newTestConsumer(t, h, nil)

	assert.True(t, c.process(&message{topic: h.Topic(), km: kafka.Message{Offset: 1}}))
	assert.Equal(t, 5, h.calls)
	assert.Equal(t, []int64{1}, cm.committed)
}

func TestProcessExhaustedWithoutDLQIsNotCommittedOnStop(t *testing.T) {
	h := &fakeHandler{failed: errors.New("x")}
	c, cm := newTestConsumer(t, h, nil)
	time.AfterFunc(20*time.Millisecond, func() { close(c.stopChan) })

	assert.False(t, c.process(&message{topic: h.Topic(), km: kafka.Message{Offset: 1}}))
	assert.GreaterOrEqual(t, h.calls, 3)
	assert.Empty(t, cm.committed)
}

func TestWorkersKeepPartitionOrder(t *testing.T) {
	h := &orderHandler{}
	c, cm := newTestConsumer(t, h, nil, WithConsumerWorkers(4), WithConsumerBufferSize(8))
	c.startWorkers()

	const perPartition = 200
	for off := int64(0); off < perPartition; off++ {
		for p := 0; p < 3; p++ {
			require.True(t, c.dispatch(partitionMessage(p, off)))
		}
	}
	c.closeLanes()
	c.workersWG.Wait()

	for p := 0; p < 3; p++ {
		require.Len(t, h.seen[p], perPartition, "partition %d", p)
		require.Len(t, cm.byPartition[p], perPartition, "partition %d", p)
		for i := 0; i < perPartition; i++ {
			assert.Equal(t, int64(i), h.seen[p][i], "handled partition %d", p)
			assert.Equal(t, int64(i), cm.byPartition[p][i], "committed partition %d", p)
		}
	}
}

func TestFailedMessageHaltsItsPartition(t *testing.T) {
	h := &orderHandler{fail: "0/0"}
	c, cm := newTestConsumer(t, h, nil)

	require.True(t, c.dispatch(partitionMessage(0, 0)))
	require.True(t, c.dispatch(partitionMessage(0, 1)))
	require.True(t, c.dispatch(partitionMessage(1, 0)))
	c.startWorkers()
	time.Sleep(20 * time.Millisecond)
	close(c.stopChan)
	c.closeLanes()
	c.workersWG.Wait()

	assert.Empty(t, h.seen[0])
	assert.Empty(t, cm.byPartition[0])
	assert.Equal(t, []int64{0}, h.seen[1])
	assert.Equal(t, []int64{0}, cm.byPartition[1])
}

func TestPermanentUnwraps(t *testing.T) {
	base := errors.New("boom")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}

func TestBackoffWithJitterBounds(t *testing.T) {
	for attempt := 1; attempt < 40; attempt++ {
		d := backoffWithJitter(10*time.Millisecond, 200*time.Millisecond, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 200*time.Millisecond)
	}
}

func TestHookChainRecoversPanics(t *testing.T) {
	chain := NewHookChain(HookFuncs{
		Before: func(context.Context, string, kafka.Message, []byte) (context.Context, kafka.Message, []byte, error) {
			panic("boom")
		},
	}, nil)
	_, _, _, err := chain.BeforeHandle(context.Background(), "t", kafka.Message{}, nil)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestTraceHookStoresTraceID(t *testing.T) {
	hook := TraceHook(nil, 0)
	km := kafka.Message{Headers: []kafka.Header{{Key: "trace_id", Value: []byte("abc")}}}
	ctx, _, _, err := hook.BeforeHandle(context.Background(), "t", km, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", TraceID(ctx))
}
