// Package cache publishes live patient snapshots to Redis so other renderers
// can read them without talking to the monitor directly.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"vitals-monitor/internal/models"
)

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// SnapshotPublisher stores each snapshot under <prefix><patientId> with a TTL
// and announces it on the <prefix>updates channel.
type SnapshotPublisher struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger

	// mu serialises Publish and Clear. cleared holds when each patient's
	// snapshot was last removed.
	mu      sync.Mutex
	cleared map[string]time.Time
	now     func() time.Time
}

func NewSnapshotPublisher(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *SnapshotPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotPublisher{
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		logger:  logger,
		cleared: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (p *SnapshotPublisher) Key(patientID string) string { return p.prefix + patientID }

func (p *SnapshotPublisher) Channel() string { return p.prefix + "updates" }

func (p *SnapshotPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Publish writes all snapshots in one pipeline. Snapshots of a subscription
// that was cleared after they were taken are skipped, so a late publish
// cannot bring a removed key back.
func (p *SnapshotPublisher) Publish(ctx context.Context, snaps []models.PatientLiveState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := make([]models.PatientLiveState, 0, len(snaps))
	for _, s := range snaps {
		if clearedAt, ok := p.cleared[s.PatientID]; ok {
			if !s.SubscribedAt.After(clearedAt) {
				continue
			}
			delete(p.cleared, s.PatientID)
		}
		live = append(live, s)
	}
	if len(live) == 0 {
		return nil
	}

	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, s := range live {
			data, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("marshal snapshot %s: %w", s.PatientID, err)
			}
			pipe.Set(ctx, p.Key(s.PatientID), data, p.ttl)
			pipe.Publish(ctx, p.Channel(), data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish snapshots: %w", err)
	}
	return nil
}

// Clear removes a patient's snapshot once it is no longer watched.
func (p *SnapshotPublisher) Clear(ctx context.Context, patientID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cleared[patientID] = p.now()
	if err := p.client.Del(ctx, p.Key(patientID)).Err(); err != nil {
		return err
	}
	p.logger.Debug("Cleared snapshot", zap.String("patient_id", patientID))
	return nil
}

func (p *SnapshotPublisher) Close() error {
	return p.client.Close()
}
