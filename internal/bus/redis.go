package bus

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"codegraph/internal/logging"
)

// RedisConn is the Redis Streams transport. Each topic is one stream;
// the consumer group provides partition-style ownership, XACK is the
// offset commit, and group lag comes from XINFO GROUPS.
type RedisConn struct {
	client *redis.Client
}

// ConnectRedis dials the broker. addr accepts "host:port" or a comma
// list (the first reachable entry wins, matching the bootstrap-servers
// convention).
func ConnectRedis(addr string) (*RedisConn, error) {
	if addr == "" {
		return nil, fmt.Errorf("bus: redis address is empty")
	}
	first := strings.TrimSpace(strings.Split(addr, ",")[0])
	client := redis.NewClient(&redis.Options{
		Addr:         first,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	return &RedisConn{client: client}, nil
}

// HealthCheck pings the broker.
func (r *RedisConn) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *RedisConn) Close() error {
	return r.client.Close()
}

// Publisher appends to streams with XADD.
func (r *RedisConn) Publisher() Publisher { return &redisPublisher{client: r.client} }

type redisPublisher struct {
	client *redis.Client
}

func (p *redisPublisher) Publish(ctx context.Context, topic string, value []byte) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{"payload": value},
	}).Err()
	if err != nil {
		return fmt.Errorf("bus: xadd %s: %w", topic, err)
	}
	return nil
}

func (p *redisPublisher) Close() error { return nil }

// Consumer joins (or creates) the consumer group on every topic.
func (r *RedisConn) Consumer(group string, topics []string) (Consumer, error) {
	ctx := context.Background()
	for _, topic := range topics {
		err := r.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("bus: create group %s on %s: %w", group, topic, err)
		}
	}
	host, _ := os.Hostname()
	return &redisConsumer{
		client:   r.client,
		group:    group,
		consumer: fmt.Sprintf("%s-%d", host, os.Getpid()),
		topics:   topics,
	}, nil
}

type redisConsumer struct {
	client   *redis.Client
	group    string
	consumer string
	topics   []string
	// claimed tracks whether the initial pending sweep ran; a restarted
	// worker first re-reads its own unacked entries before new ones.
	claimed bool
}

func (c *redisConsumer) Poll(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}

	ids := make([]string, len(c.topics))
	for i := range ids {
		if c.claimed {
			ids[i] = ">"
		} else {
			ids[i] = "0"
		}
	}
	streams := append(append([]string{}, c.topics...), ids...)

	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  streams,
		Count:    int64(max),
		Block:    250 * time.Millisecond,
	}).Result()
	if err == redis.Nil {
		c.claimed = true
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("bus: xreadgroup: %w", err)
	}

	var out []Message
	for _, stream := range res {
		for _, entry := range stream.Messages {
			payload, ok := entry.Values["payload"]
			if !ok {
				// Foreign entry shape; ack it away so it cannot wedge
				// the pending list.
				logging.Get(logging.CategoryConsumer).Warn("bus: stream %s entry %s has no payload field", stream.Stream, entry.ID)
				c.client.XAck(ctx, stream.Stream, c.group, entry.ID)
				continue
			}
			var value []byte
			switch v := payload.(type) {
			case string:
				value = []byte(v)
			case []byte:
				value = v
			default:
				value = []byte(fmt.Sprint(v))
			}
			out = append(out, Message{Topic: stream.Stream, ID: entry.ID, Value: value})
		}
	}
	if len(out) == 0 && !c.claimed {
		c.claimed = true
		return c.Poll(ctx, max)
	}
	c.claimed = true
	return out, nil
}

func (c *redisConsumer) Commit(ctx context.Context, msg Message) error {
	if err := c.client.XAck(ctx, msg.Topic, c.group, msg.ID).Err(); err != nil {
		return fmt.Errorf("bus: xack %s %s: %w", msg.Topic, msg.ID, err)
	}
	return nil
}

func (c *redisConsumer) Lag(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(c.topics))
	for _, topic := range c.topics {
		groups, err := c.client.XInfoGroups(ctx, topic).Result()
		if err != nil {
			if strings.Contains(err.Error(), "no such key") {
				out[topic] = 0
				continue
			}
			return nil, fmt.Errorf("bus: xinfo groups %s: %w", topic, err)
		}
		for _, g := range groups {
			if g.Name == c.group {
				out[topic] = g.Lag + g.Pending
				break
			}
		}
	}
	return out, nil
}

func (c *redisConsumer) Close() error { return nil }
