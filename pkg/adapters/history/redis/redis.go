package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/businessdeveloper69/agyc/pkg/ports"
)

// HistoryStore implements ports.HistoryStore using Redis with a TTL per
// record.
type HistoryStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewHistoryStore creates a Redis-backed history store.
func NewHistoryStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *HistoryStore {
	return &HistoryStore{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// Save archives a terminal task record with the configured TTL.
func (s *HistoryStore) Save(ctx context.Context, record ports.TaskRecord) error {
	key := getRecordKey(record.TaskID)

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal task record: %w", err)
	}

	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save task record: %w", err)
	}
	return nil
}

// Get returns the record for a task id.
func (s *HistoryStore) Get(ctx context.Context, taskID string) (*ports.TaskRecord, error) {
	key := getRecordKey(taskID)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("task record not found: %s", taskID)
		}
		return nil, fmt.Errorf("failed to get task record: %w", err)
	}

	var record ports.TaskRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task record: %w", err)
	}
	return &record, nil
}

func getRecordKey(taskID string) string {
	return fmt.Sprintf("agyc:history:%s", taskID)
}
