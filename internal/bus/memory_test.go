package bus

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codegraph/internal/config"
)

func TestPublishPollCommit(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	pub := b.Publisher()
	require.NoError(t, pub.Publish(ctx, "enrichment.file.requested.v1", []byte("one")))
	require.NoError(t, pub.Publish(ctx, "enrichment.file.requested.v1", []byte("two")))

	c, err := b.Consumer("enrichment-consumer", []string{"enrichment.file.requested.v1"})
	require.NoError(t, err)

	msgs, err := c.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", string(msgs[0].Value))
	assert.Equal(t, "two", string(msgs[1].Value))

	for _, m := range msgs {
		require.NoError(t, c.Commit(ctx, m))
	}
	lag, err := c.Lag(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), lag["enrichment.file.requested.v1"])
}

func TestUncommittedRedeliveredToNewConsumer(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Publisher().Publish(ctx, "t", []byte("m1")))
	require.NoError(t, b.Publisher().Publish(ctx, "t", []byte("m2")))

	c1, err := b.Consumer("g", []string{"t"})
	require.NoError(t, err)
	msgs, err := c1.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	// Commit only the first; the second stays outstanding.
	require.NoError(t, c1.Commit(ctx, msgs[0]))
	require.NoError(t, c1.Close())

	c2, err := b.Consumer("g", []string{"t"})
	require.NoError(t, err)
	redelivered, err := c2.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, "m2", string(redelivered[0].Value))
}

func TestLagReflectsUncommitted(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publisher().Publish(ctx, "t", []byte(fmt.Sprintf("m%d", i))))
	}
	c, err := b.Consumer("g", []string{"t"})
	require.NoError(t, err)

	lag, err := c.Lag(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), lag["t"])

	msgs, err := c.Poll(ctx, 3)
	require.NoError(t, err)
	for _, m := range msgs {
		require.NoError(t, c.Commit(ctx, m))
	}
	lag, err = c.Lag(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), lag["t"])
}

func TestIdlePollReturnsEmpty(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	c, err := b.Consumer("g", []string{"quiet"})
	require.NoError(t, err)

	msgs, err := c.Poll(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSeparateGroupsSeeAllMessages(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()
	require.NoError(t, b.Publisher().Publish(ctx, "t", []byte("m")))

	for _, group := range []string{"g1", "g2"} {
		c, err := b.Consumer(group, []string{"t"})
		require.NoError(t, err)
		msgs, err := c.Poll(ctx, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1, "group %s", group)
		require.NoError(t, c.Commit(ctx, msgs[0]))
	}
}

func TestConnectSelectsDriver(t *testing.T) {
	conn, err := Connect(config.BusConfig{Driver: "memory"})
	require.NoError(t, err)
	require.NoError(t, conn.HealthCheck(context.Background()))
	require.NoError(t, conn.Close())

	_, err = Connect(config.BusConfig{Driver: "carrier-pigeon"})
	assert.Error(t, err)
}
