// Package fence guards settlement so that at most one process settles an
// auction, even across restarts or duplicate instances.
package fence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v9"
	"github.com/google/uuid"
)

// Redis claims auction settlement with SETNX. The key outlives the process,
// so a different owner cannot settle again while it lives.
type Redis struct {
	client *redis.Client
	prefix string
	owner  string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, owner string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: "bidledger:settle:", owner: owner, ttl: ttl}
}

// Acquire returns true if this caller won the claim. A claim already held
// by the same owner is re-acquired and its TTL refreshed, so a restarted
// process with a stable owner can finish a settlement it began.
func (f *Redis) Acquire(ctx context.Context, auctionID uuid.UUID) (bool, error) {
	key := f.prefix + auctionID.String()
	ok, err := f.client.SetNX(ctx, key, f.owner, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("settlement fence %s: %w", auctionID, err)
	}
	if ok {
		return true, nil
	}
	holder, err := f.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return f.Acquire(ctx, auctionID)
	}
	if err != nil {
		return false, fmt.Errorf("settlement fence %s: %w", auctionID, err)
	}
	if holder != f.owner {
		return false, nil
	}
	if err := f.client.Expire(ctx, key, f.ttl).Err(); err != nil {
		return false, fmt.Errorf("settlement fence %s: %w", auctionID, err)
	}
	return true, nil
}

// Holder returns who claimed the auction, or "" if nobody has.
func (f *Redis) Holder(ctx context.Context, auctionID uuid.UUID) (string, error) {
	v, err := f.client.Get(ctx, f.prefix+auctionID.String()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("settlement fence %s: %w", auctionID, err)
	}
	return v, nil
}

// Ping checks connectivity for readiness.
func (f *Redis) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Memory is a process-local fence for tests and single-node runs.
type Memory struct {
	mu      sync.Mutex
	claimed map[uuid.UUID]struct{}
}

func NewMemory() *Memory {
	return &Memory{claimed: make(map[uuid.UUID]struct{})}
}

func (m *Memory) Acquire(_ context.Context, auctionID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claimed[auctionID]; ok {
		return false, nil
	}
	m.claimed[auctionID] = struct{}{}
	return true, nil
}
