package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/Meesho/BharatMLStack/control-plane/internal/data/models"
)

// Manager hands out one Breaker per target, creating it on first use.
type Manager struct {
	cfg       Config
	opts      []Option
	cbreakers sync.Map
}

func NewManager(cfg Config, opts ...Option) *Manager {
	return &Manager{cfg: cfg.normalized(), opts: opts}
}

func (m *Manager) GetOrCreate(target string) *Breaker {
	if cb, ok := m.cbreakers.Load(target); ok {
		return cb.(*Breaker)
	}
	actual, _ := m.cbreakers.LoadOrStore(target, New(target, m.cfg, m.opts...))
	return actual.(*Breaker)
}

func (m *Manager) Get(target string) (*Breaker, bool) {
	cb, ok := m.cbreakers.Load(target)
	if !ok {
		return nil, false
	}
	return cb.(*Breaker), true
}

func (m *Manager) Targets() []string {
	out := make([]string, 0)
	m.cbreakers.Range(func(key, _ interface{}) bool {
		out = append(out, key.(string))
		return true
	})
	sort.Strings(out)
	return out
}

func (m *Manager) Snapshots() map[string]models.BreakerSnapshot {
	out := make(map[string]models.BreakerSnapshot)
	m.cbreakers.Range(func(key, value interface{}) bool {
		out[key.(string)] = value.(*Breaker).Snapshot()
		return true
	})
	return out
}

func (m *Manager) Config() Config { return m.cfg }
