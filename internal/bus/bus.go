// Package bus abstracts the message transport. The fleet runs on Redis
// Streams (consumer groups give partition semantics, XACK is the offset
// commit); an in-memory broker backs single-process runs and tests with
// the same at-least-once contract.
package bus

import (
	"context"
	"fmt"

	"codegraph/internal/config"
)

// Message is one bus record as seen by a consumer.
type Message struct {
	Topic string
	// ID is the broker-assigned position (stream entry id or offset).
	ID    string
	Value []byte
}

// Consumer reads messages for one consumer group. At-least-once:
// a message is redelivered until Commit is called for it.
type Consumer interface {
	// Poll returns up to max messages, blocking briefly when none are
	// available. An empty slice with nil error is a normal idle poll.
	Poll(ctx context.Context, max int) ([]Message, error)

	// Commit marks one message consumed. Committing an invalid message
	// is required behaviour: skip means commit and advance.
	Commit(ctx context.Context, msg Message) error

	// Lag reports outstanding messages per topic.
	Lag(ctx context.Context) (map[string]int64, error)

	Close() error
}

// Publisher appends messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, value []byte) error
	Close() error
}

// Conn bundles the two directions over one transport.
type Conn interface {
	Consumer(group string, topics []string) (Consumer, error)
	Publisher() Publisher
	// HealthCheck verifies the broker is reachable.
	HealthCheck(ctx context.Context) error
	Close() error
}

// Connect builds the configured transport.
func Connect(cfg config.BusConfig) (Conn, error) {
	switch cfg.Driver {
	case "redis":
		return ConnectRedis(cfg.BootstrapServers)
	case "memory":
		return NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("bus: unknown driver %q", cfg.Driver)
	}
}
