package fence_test

import (
	"context"
	"os"
	"testing"
	"time"

	"BidLedger/internal/fence"
	"BidLedger/internal/testutil"

	"github.com/go-redis/redis/v9"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMemory_AcquireOnce(t *testing.T) {
	f := fence.NewMemory()
	id := uuid.New()

	ok, err := f.Acquire(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.Acquire(context.Background(), id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedis_AcquireOnce(t *testing.T) {
	testutil.RequireIntegration(t)

	addr := os.Getenv("BID_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	a := fence.NewRedis(client, "node-a", time.Minute)
	b := fence.NewRedis(client, "node-b", time.Minute)
	id := uuid.New()

	ok, err := a.Acquire(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)

	holder, err := b.Holder(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "node-a", holder)

	// A restart of node-a keeps its owner and may finish the settlement.
	restarted := fence.NewRedis(client, "node-a", time.Minute)
	ok, err = restarted.Acquire(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
}
