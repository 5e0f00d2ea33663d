package recovery

import (
	"sync"

	"github.com/Meesho/BharatMLStack/control-plane/internal/data/models"
)

const DefaultHistoryCapacity = 1000

// Ledger is the bounded recovery audit log together with the recovery outcome counters.
// History and counters change under the same lock so a snapshot never sees one without the other.
type Ledger struct {
	mu         sync.RWMutex
	capacity   int
	history    []models.RecoveryEvent
	successful int64
	failed     int64
}

func NewLedger(capacity int) *Ledger {
	if capacity < 1 {
		capacity = DefaultHistoryCapacity
	}
	return &Ledger{
		capacity: capacity,
		history:  make([]models.RecoveryEvent, 0, minInt(capacity, 64)),
	}
}

func (l *Ledger) Append(event models.RecoveryEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Success {
		l.successful++
	} else {
		l.failed++
	}
	l.history = append(l.history, event.Clone())
	l.evictLocked()
}

// Recent returns up to limit events, oldest first. A limit <= 0 returns the whole log.
func (l *Ledger) Recent(limit int) []models.RecoveryEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.recentLocked(limit)
}

func (l *Ledger) Counts() (successful, failed int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.successful, l.failed
}

// Snapshot returns the tail of the log and the counters from one consistent view.
func (l *Ledger) Snapshot(limit int) ([]models.RecoveryEvent, int64, int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.recentLocked(limit), l.successful, l.failed
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.history)
}

func (l *Ledger) Capacity() int { return l.capacity }

func (l *Ledger) Restore(history []models.RecoveryEvent, successful, failed int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.history = make([]models.RecoveryEvent, 0, len(history))
	for _, event := range history {
		l.history = append(l.history, event.Clone())
	}
	l.evictLocked()
	l.successful = successful
	l.failed = failed
}

func (l *Ledger) recentLocked(limit int) []models.RecoveryEvent {
	start := 0
	if limit > 0 && len(l.history) > limit {
		start = len(l.history) - limit
	}
	out := make([]models.RecoveryEvent, 0, len(l.history)-start)
	for _, event := range l.history[start:] {
		out = append(out, event.Clone())
	}
	return out
}

func (l *Ledger) evictLocked() {
	overflow := len(l.history) - l.capacity
	if overflow <= 0 {
		return
	}
	kept := make([]models.RecoveryEvent, l.capacity)
	copy(kept, l.history[overflow:])
	l.history = kept
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
