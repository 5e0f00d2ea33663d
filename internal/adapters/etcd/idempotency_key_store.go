package etcd

import (
	"context"
	"sync"
	"time"

	"github.com/Meesho/BharatMLStack/control-plane/internal/data/models"
)

// MemoryIdempotencyKeyStore keeps records in process. Records older than ttl are treated as
// misses and dropped on the next lookup. The first live record stored for a key wins.
type MemoryIdempotencyKeyStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	records map[string]models.IdempotencyRecord
}

func NewMemoryIdempotencyKeyStore(ttl time.Duration) *MemoryIdempotencyKeyStore {
	if ttl <= 0 {
		ttl = time.Duration(defaultIdempotencyTTLSeconds) * time.Second
	}
	return &MemoryIdempotencyKeyStore{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]models.IdempotencyRecord),
	}
}

func (s *MemoryIdempotencyKeyStore) Get(_ context.Context, scope, key string) (*models.IdempotencyRecord, error) {
	id := scope + "::" + key
	s.mu.RLock()
	record, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if s.now().Sub(record.StoredAt) > s.ttl {
		s.mu.Lock()
		if current, ok := s.records[id]; ok && current.StoredAt.Equal(record.StoredAt) {
			delete(s.records, id)
		}
		s.mu.Unlock()
		return nil, nil
	}
	copied := record
	copied.ResponseBody = append([]byte(nil), record.ResponseBody...)
	return &copied, nil
}

func (s *MemoryIdempotencyKeyStore) Put(_ context.Context, scope, key string, record models.IdempotencyRecord) error {
	if record.StoredAt.IsZero() {
		record.StoredAt = s.now()
	}
	record.ResponseBody = append([]byte(nil), record.ResponseBody...)

	id := scope + "::" + key
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.records[id]; ok && s.now().Sub(current.StoredAt) <= s.ttl {
		return nil
	}
	s.records[id] = record
	return nil
}
