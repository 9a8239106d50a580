package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mirror periodically writes a Stats snapshot into Redis hash fields so
// multiple router processes behind a load balancer can be aggregated by
// an external dashboard, rather than each exposing a disjoint /metrics.
// This is optional: a deployment with one process has no need for it.
type Mirror struct {
	client *redis.Client
	key    string
}

// NewMirror connects to addr and will write snapshots under key.
func NewMirror(addr, key string) *Mirror {
	return &Mirror{client: redis.NewClient(&redis.Options{Addr: addr}), key: key}
}

// Run writes s's snapshot to Redis every interval until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context, s *Stats, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.write(ctx, s.Snapshot()); err != nil {
				return fmt.Errorf("metrics: writing stats mirror: %w", err)
			}
		}
	}
}

func (m *Mirror) write(ctx context.Context, snap Snapshot) error {
	return m.client.HSet(ctx, m.key,
		"tokens", snap.Tokens,
		"requests", snap.Requests,
		"errors", snap.Errors,
		"retries", snap.Retries,
		"average_batch", snap.AverageBatch,
	).Err()
}

// Close releases the underlying Redis connection.
func (m *Mirror) Close() error { return m.client.Close() }
