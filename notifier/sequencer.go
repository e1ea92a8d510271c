package notifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Sequencer hands out strictly increasing sequence numbers per organization.
type Sequencer interface {
	Next(ctx context.Context, organizationID string) (uint64, error)
}

// MemorySequencer is process-local. Use RedisSequencer when several
// processes notify for the same organizations.
type MemorySequencer struct {
	mu   sync.Mutex
	last map[string]uint64
}

func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{last: make(map[string]uint64)}
}

func (s *MemorySequencer) Next(_ context.Context, organizationID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[organizationID]++
	return s.last[organizationID], nil
}

const defaultSequencePrefix = "seq"

// RedisSequencer keeps one INCR counter per organization, which makes
// sequences monotonic across every process sharing the Redis instance.
type RedisSequencer struct {
	client *redis.Client
	prefix string
}

func NewRedisSequencer(client *redis.Client, prefix string) *RedisSequencer {
	if prefix == "" {
		prefix = defaultSequencePrefix
	}
	return &RedisSequencer{client: client, prefix: prefix}
}

func (s *RedisSequencer) key(organizationID string) string {
	return s.prefix + ":" + organizationID
}

func (s *RedisSequencer) Next(ctx context.Context, organizationID string) (uint64, error) {
	n, err := s.client.Incr(ctx, s.key(organizationID)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr sequence for %s: %w", organizationID, err)
	}
	return uint64(n), nil
}
