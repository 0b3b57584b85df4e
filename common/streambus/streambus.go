package streambus

import (
	"context"
	"fmt"
	"sync"

	"github.com/lyzr/agentfleet/common/logger"
)

// Bus fans in chunks produced by many per-node streaming sessions onto
// per-run topics: every producer writes into a bounded per-topic channel
// and a single subscriber merges it onto the orchestrator's output
// stream to the caller, so caller backpressure propagates to producers.
type Bus interface {
	Open(topic string)
	Publish(ctx context.Context, topic string, key string, message []byte) error
	Subscribe(ctx context.Context, topic string, handler ChunkHandler) error
	CloseTopic(topic string)
	Close() error
}

// ChunkHandler processes one relayed chunk. key is the producing node's ID.
type ChunkHandler func(ctx context.Context, key string, value []byte) error

// Chunk is one unit of relayed output.
type Chunk struct {
	Topic string
	Key   string
	Value []byte
}

// topicBuffer bounds each topic's in-flight chunk count; a full buffer
// blocks producers until the subscriber drains.
const topicBuffer = 1000

// topicState pairs a topic's channel with its closed marker. Closed
// topics stay in the map so a subscriber arriving late can still drain
// the buffered chunks; Open replaces them with a fresh channel on reuse.
type topicState struct {
	ch     chan *Chunk
	closed bool
}

// MemoryBus is an in-memory, per-process implementation of Bus: one
// buffered channel per topic (a run's context_id), fed by every node
// producer and drained by a single subscriber per topic.
type MemoryBus struct {
	topics map[string]*topicState
	mu     sync.Mutex
	log    *logger.Logger
}

// NewMemoryBus creates a new in-memory bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		topics: make(map[string]*topicState),
		log:    log,
	}
}

// Open creates topic's channel, replacing a previously closed one.
// Callers run it before starting the producing and subscribing
// goroutines so neither side races topic creation against the other's
// close.
func (b *MemoryBus) Open(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[topic]; ok && !t.closed {
		return
	}
	b.topics[topic] = &topicState{ch: make(chan *Chunk, topicBuffer)}
}

// Publish appends a chunk to topic, blocking once the topic buffer is
// full so a slow subscriber slows producers instead of losing chunks.
// Publishing to a closed topic fails; callers must not race Publish
// against CloseTopic (the orchestrator closes only after its producing
// run has returned).
func (b *MemoryBus) Publish(ctx context.Context, topic string, key string, message []byte) error {
	b.mu.Lock()
	t, ok := b.topics[topic]
	if !ok {
		t = &topicState{ch: make(chan *Chunk, topicBuffer)}
		b.topics[topic] = t
	}
	if t.closed {
		b.mu.Unlock()
		return fmt.Errorf("streambus: topic %s is closed", topic)
	}
	ch := t.ch
	b.mu.Unlock()

	select {
	case ch <- &Chunk{Topic: topic, Key: key, Value: message}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe drains topic synchronously, invoking handler for every
// chunk, until ctx is cancelled or the topic has been closed and its
// buffer emptied. Callers needing a concurrent consumer run it on its
// own goroutine.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler ChunkHandler) error {
	b.mu.Lock()
	t, ok := b.topics[topic]
	if !ok {
		t = &topicState{ch: make(chan *Chunk, topicBuffer)}
		b.topics[topic] = t
	}
	ch := t.ch
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return nil
			}
			if err := handler(ctx, chunk.Key, chunk.Value); err != nil {
				b.log.Error("chunk handler error", "topic", topic, "key", chunk.Key, "error", err)
			}
		}
	}
}

// CloseTopic closes a single run's topic once its stream() call has
// finished producing. The entry is retained (closed) until the next
// Open so a subscriber can still drain buffered chunks.
func (b *MemoryBus) CloseTopic(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[topic]; ok && !t.closed {
		t.closed = true
		close(t.ch)
	}
}

// Close shuts down every open topic.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, t := range b.topics {
		if !t.closed {
			t.closed = true
			close(t.ch)
			b.log.Info("closed run topic", "topic", topic)
		}
	}
	b.topics = make(map[string]*topicState)

	return nil
}
