package monitor

import (
	"sync"

	"github.com/Meesho/BharatMLStack/control-plane/internal/data/models"
)

// Board keeps the latest HealthRecord per target. Each probe overwrites the previous record.
type Board struct {
	mu      sync.RWMutex
	records map[string]models.HealthRecord
}

func NewBoard() *Board {
	return &Board{records: make(map[string]models.HealthRecord)}
}

func (b *Board) Set(target string, record models.HealthRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[target] = record
}

func (b *Board) Get(target string) (models.HealthRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	record, ok := b.records[target]
	return record, ok
}

func (b *Board) Snapshot() map[string]models.HealthRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]models.HealthRecord, len(b.records))
	for target, record := range b.records {
		out[target] = record
	}
	return out
}
