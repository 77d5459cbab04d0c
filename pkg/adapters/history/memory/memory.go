package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/businessdeveloper69/agyc/pkg/ports"
)

const defaultMaxRecords = 10000

// HistoryStore implements ports.HistoryStore in memory. The store is bounded:
// once maxRecords is reached the oldest records are evicted first.
type HistoryStore struct {
	mu         sync.RWMutex
	records    map[string]ports.TaskRecord
	order      []string
	maxRecords int
}

// NewHistoryStore creates a bounded in-memory history store.
func NewHistoryStore(maxRecords int) *HistoryStore {
	if maxRecords <= 0 {
		maxRecords = defaultMaxRecords
	}
	return &HistoryStore{
		records:    make(map[string]ports.TaskRecord),
		maxRecords: maxRecords,
	}
}

// Save archives a terminal task record.
func (s *HistoryStore) Save(ctx context.Context, record ports.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.TaskID]; !exists {
		s.order = append(s.order, record.TaskID)
	}
	s.records[record.TaskID] = record

	for len(s.order) > s.maxRecords {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.records, oldest)
	}
	return nil
}

// Get returns the record for a task id.
func (s *HistoryStore) Get(ctx context.Context, taskID string) (*ports.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[taskID]
	if !ok {
		return nil, fmt.Errorf("task record not found: %s", taskID)
	}
	return &record, nil
}
