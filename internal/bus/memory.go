package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zak10/arena-dnpbmf/internal/queue"
)

// MemoryBroker is an in-process message broker. Each Node attached to it acts
// like a separate gateway process sharing one bus.
type MemoryBroker struct {
	mu    sync.RWMutex
	nodes map[*Memory]struct{}
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{nodes: make(map[*Memory]struct{})}
}

// Node attaches a new bus endpoint to the broker.
func (b *MemoryBroker) Node() *Memory {
	m := &Memory{
		broker: b,
		topics: make(map[string]*memoryTopic),
	}
	b.mu.Lock()
	b.nodes[m] = struct{}{}
	b.mu.Unlock()
	return m
}

// NewMemory returns a single node on a private broker.
func NewMemory() *Memory {
	return NewMemoryBroker().Node()
}

// Memory is a Bus endpoint backed by a MemoryBroker.
type Memory struct {
	broker *MemoryBroker

	mu     sync.Mutex
	topics map[string]*memoryTopic
	closed bool

	unavailable atomic.Bool
}

// memoryTopic delivers queued messages to one handler, in order.
type memoryTopic struct {
	handler Handler
	pending *queue.Queue[Message]
	done    chan struct{}
}

func newMemoryTopic(handler Handler) *memoryTopic {
	t := &memoryTopic{
		handler: handler,
		pending: queue.New[Message](64, 0),
		done:    make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *memoryTopic) run() {
	defer close(t.done)
	for {
		msg, ok := t.pending.Pop()
		if !ok {
			return
		}
		t.handler(msg)
	}
}

// SetUnavailable makes every bus call on this node fail with ErrUnavailable.
func (m *Memory) SetUnavailable(down bool) {
	m.unavailable.Store(down)
}

func (m *Memory) check() error {
	if m.unavailable.Load() {
		return ErrUnavailable
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return nil
}

// Publish delivers payload to every node subscribed to topic, including this one.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.check(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	// Copy so subscribers never share the caller's buffer
	data := append([]byte(nil), payload...)

	m.broker.mu.RLock()
	defer m.broker.mu.RUnlock()

	for node := range m.broker.nodes {
		node.enqueue(Message{Topic: topic, Payload: data})
	}
	return nil
}

func (m *Memory) enqueue(msg Message) {
	m.mu.Lock()
	t, ok := m.topics[msg.Topic]
	m.mu.Unlock()
	if ok {
		t.pending.Push(msg)
	}
}

// Subscribe registers handler for topic.
func (m *Memory) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.check(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	m.mu.Lock()
	old := m.topics[topic]
	m.topics[topic] = newMemoryTopic(handler)
	m.mu.Unlock()

	if old != nil {
		old.pending.Close()
	}
	return nil
}

// Unsubscribe stops delivery for topic.
func (m *Memory) Unsubscribe(ctx context.Context, topic string) error {
	if err := m.check(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}

	m.mu.Lock()
	t, ok := m.topics[topic]
	delete(m.topics, topic)
	m.mu.Unlock()

	if ok {
		t.pending.Close()
	}
	return nil
}

// Ping reports whether the node is usable.
func (m *Memory) Ping(ctx context.Context) error {
	return m.check()
}

// Topics returns the number of topics this node is subscribed to.
func (m *Memory) Topics() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics)
}

// Subscribed reports whether this node is subscribed to topic.
func (m *Memory) Subscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.topics[topic]
	return ok
}

// Close detaches the node and stops all topic deliveries.
func (m *Memory) Close() error {
	m.broker.mu.Lock()
	delete(m.broker.nodes, m)
	m.broker.mu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	topics := m.topics
	m.topics = make(map[string]*memoryTopic)
	m.mu.Unlock()

	for _, t := range topics {
		t.pending.Close()
		<-t.done
	}
	return nil
}
