package queue

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexohlc/internal/model"
)

type memSink struct {
	mu       sync.Mutex
	items    []Item
	failures int // fail this many calls before succeeding
	calls    int
}

func (m *memSink) Name() string { return "mem" }

func (m *memSink) Deliver(_ context.Context, batch []Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return errors.New("sink down")
	}
	m.items = append(m.items, batch...)
	return nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func quietConsumer(cfg Config, sinks ...Sink) *Consumer {
	return New(cfg, zerolog.New(io.Discard), sinks...)
}

func TestEnqueue_FullQueueDrops(t *testing.T) {
	c := quietConsumer(Config{MaxSize: 2})
	var dropped []EventType
	c.OnDropped = func(et EventType) { dropped = append(dropped, et) }

	assert.True(t, c.Enqueue(EventSwap, model.SwapEvent{}))
	assert.True(t, c.Enqueue(EventPrice, model.PricePoint{}))
	assert.False(t, c.Enqueue(EventPrice, model.PricePoint{}))

	st := c.Status()
	assert.Equal(t, 2, st.QueueSize)
	assert.Equal(t, 2, st.MaxQueueSize)
	assert.Equal(t, int64(1), st.Dropped)
	assert.Equal(t, []EventType{EventPrice}, dropped)
}

func TestConsumer_FlushDeliversAndNotifies(t *testing.T) {
	sink := &memSink{}
	c := quietConsumer(Config{FlushInterval: time.Hour, BatchSize: 2}, sink)
	var processed []string
	var mu sync.Mutex
	c.OnProcessed = func(it Item) {
		mu.Lock()
		processed = append(processed, it.ID)
		mu.Unlock()
	}

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	for i := 0; i < 3; i++ {
		require.True(t, c.Enqueue(EventPrice, model.PricePoint{Pair: "A/B", Price: float64(i + 1)}))
	}
	require.NoError(t, c.Flush(context.Background()))

	assert.Equal(t, 3, sink.count())
	mu.Lock()
	assert.Len(t, processed, 3)
	mu.Unlock()
	st := c.Status()
	assert.Equal(t, int64(3), st.Processed)
	assert.Zero(t, st.QueueSize)
	assert.True(t, c.Healthy())
}

func TestConsumer_RetriesThenCountsFailure(t *testing.T) {
	flaky := &memSink{failures: 1}
	down := &memSink{failures: 100}

	c := quietConsumer(Config{FlushInterval: time.Hour, MaxAttempts: 2, RetryDelay: time.Millisecond}, flaky)
	require.NoError(t, c.Start(context.Background()))
	c.Enqueue(EventSwap, model.SwapEvent{})
	require.NoError(t, c.Flush(context.Background()))
	c.Stop()
	assert.Equal(t, 1, flaky.count())
	assert.Equal(t, int64(1), c.Status().Processed)

	c = quietConsumer(Config{FlushInterval: time.Hour, MaxAttempts: 2, RetryDelay: time.Millisecond}, down)
	require.NoError(t, c.Start(context.Background()))
	c.Enqueue(EventSwap, model.SwapEvent{})
	assert.Error(t, c.Flush(context.Background()))
	c.Stop()
	assert.Equal(t, 2, down.calls)
	assert.Equal(t, int64(1), c.Status().Failed)
}

func TestConsumer_StopDrainsQueue(t *testing.T) {
	sink := &memSink{}
	c := quietConsumer(Config{FlushInterval: time.Hour}, sink)
	require.NoError(t, c.Start(context.Background()))
	for i := 0; i < 5; i++ {
		c.Enqueue(EventPrice, model.PricePoint{Pair: "A/B"})
	}
	c.Stop()

	assert.Equal(t, 5, sink.count())
	assert.False(t, c.Healthy())
	assert.ErrorIs(t, c.Flush(context.Background()), ErrNotRunning)
}

func TestConsumer_TickerDelivers(t *testing.T) {
	sink := &memSink{}
	c := quietConsumer(Config{FlushInterval: 10 * time.Millisecond}, sink)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	c.Enqueue(EventPrice, model.PricePoint{Pair: "A/B"})
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestItem_KeyAndEncode(t *testing.T) {
	pool := common.HexToAddress("0x16b9a82891338f9bA80E2D6970FddA79D1eb0daE")

	price := newItem(EventPrice, model.PricePoint{Pair: "WBNB/USDT", Price: 300})
	swap := newItem(EventSwap, model.SwapEvent{Pool: pool})
	assert.Equal(t, "WBNB/USDT", price.Key())
	assert.Equal(t, pool.Hex(), swap.Key())
	assert.NotEqual(t, price.ID, swap.ID)

	raw, err := price.Encode()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, price.ID, env.ID)
	assert.Equal(t, EventPrice, env.Type)
	assert.Contains(t, string(env.Data), `"pair":"WBNB/USDT"`)
}

type fakeKafka struct {
	msgs []kafka.Message
}

func (f *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafka) Close() error { return nil }

func TestKafkaSink_KeysByPair(t *testing.T) {
	fk := &fakeKafka{}
	sink := &KafkaSink{writer: fk, topic: "dex-events"}

	err := sink.Deliver(context.Background(), []Item{
		newItem(EventPrice, model.PricePoint{Pair: "WBNB/USDT"}),
		newItem(EventPrice, model.PricePoint{Pair: "CAKE/WBNB"}),
	})
	require.NoError(t, err)
	require.Len(t, fk.msgs, 2)
	assert.Equal(t, "WBNB/USDT", string(fk.msgs[0].Key))
	assert.Equal(t, "CAKE/WBNB", string(fk.msgs[1].Key))
	assert.Equal(t, "type", fk.msgs[0].Headers[0].Key)
	assert.Equal(t, "kafka:dex-events", sink.Name())
}
