package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBroker is an in-process transport with per-group offsets and
// redelivery of uncommitted messages, mirroring the Redis Streams
// semantics closely enough for the runtime to be tested against it.
type MemoryBroker struct {
	mu     sync.Mutex
	topics map[string][][]byte
	// committed[group][topic] is the index of the next uncommitted entry.
	committed map[string]map[string]int
	closed    bool
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		topics:    make(map[string][][]byte),
		committed: make(map[string]map[string]int),
	}
}

// Publisher returns the broker itself; publishing appends to the topic.
func (b *MemoryBroker) Publisher() Publisher { return (*memoryPublisher)(b) }

type memoryPublisher MemoryBroker

func (p *memoryPublisher) Publish(_ context.Context, topic string, value []byte) error {
	b := (*MemoryBroker)(p)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus: broker closed")
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	b.topics[topic] = append(b.topics[topic], cp)
	return nil
}

func (p *memoryPublisher) Close() error { return nil }

// Consumer creates a group-scoped consumer over the given topics.
func (b *MemoryBroker) Consumer(group string, topics []string) (Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.committed[group]; !ok {
		b.committed[group] = make(map[string]int)
	}
	// in-flight cursor starts at the committed position so uncommitted
	// messages are redelivered after a consumer restart.
	c := &memoryConsumer{broker: b, group: group, topics: topics, cursor: make(map[string]int)}
	for _, t := range topics {
		c.cursor[t] = b.committed[group][t]
	}
	return c, nil
}

type memoryConsumer struct {
	broker *MemoryBroker
	group  string
	topics []string
	// cursor[topic] is the next entry this consumer will hand out.
	cursor map[string]int
}

func (c *memoryConsumer) Poll(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(50 * time.Millisecond)
	for {
		c.broker.mu.Lock()
		if c.broker.closed {
			c.broker.mu.Unlock()
			return nil, fmt.Errorf("bus: broker closed")
		}
		var out []Message
		for _, topic := range c.topics {
			entries := c.broker.topics[topic]
			for c.cursor[topic] < len(entries) && len(out) < max {
				idx := c.cursor[topic]
				out = append(out, Message{
					Topic: topic,
					ID:    fmt.Sprintf("%d", idx),
					Value: entries[idx],
				})
				c.cursor[topic] = idx + 1
			}
			if len(out) >= max {
				break
			}
		}
		c.broker.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (c *memoryConsumer) Commit(_ context.Context, msg Message) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	var idx int
	if _, err := fmt.Sscanf(msg.ID, "%d", &idx); err != nil {
		return fmt.Errorf("bus: bad message id %q: %w", msg.ID, err)
	}
	committed := c.broker.committed[c.group]
	if idx+1 > committed[msg.Topic] {
		committed[msg.Topic] = idx + 1
	}
	return nil
}

func (c *memoryConsumer) Lag(_ context.Context) (map[string]int64, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	out := make(map[string]int64, len(c.topics))
	for _, topic := range c.topics {
		out[topic] = int64(len(c.broker.topics[topic]) - c.broker.committed[c.group][topic])
	}
	return out, nil
}

func (c *memoryConsumer) Close() error { return nil }

// HealthCheck always succeeds for the in-memory broker.
func (b *MemoryBroker) HealthCheck(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus: broker closed")
	}
	return nil
}

// Close shuts the broker down.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
