package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Meesho/BharatMLStack/control-plane/internal/circuitbreaker"
	"github.com/Meesho/BharatMLStack/control-plane/internal/data/models"
	rmerrors "github.com/Meesho/BharatMLStack/control-plane/internal/errors"
	rmtypes "github.com/Meesho/BharatMLStack/control-plane/internal/types"
	"github.com/Meesho/BharatMLStack/control-plane/pkg/metric"
	"github.com/rs/zerolog/log"
)

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry owns every workflow record. All mutations happen under mu; records handed out are clones.
type Registry struct {
	mu              sync.RWMutex
	workflows       map[string]*models.Workflow
	totalRegistered int64
	breakers        *circuitbreaker.Manager
	now             func() time.Time
}

func New(breakers *circuitbreaker.Manager, opts ...Option) *Registry {
	r := &Registry{
		workflows: make(map[string]*models.Workflow),
		breakers:  breakers,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Register(id string, cfg models.WorkflowConfig) (models.Workflow, error) {
	if id == "" {
		return models.Workflow{}, fmt.Errorf("%w: workflow id is required", rmerrors.ErrInvalidRequest)
	}
	if err := cfg.Validate(); err != nil {
		return models.Workflow{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workflows[id]; ok {
		return models.Workflow{}, fmt.Errorf("%w: %s", rmerrors.ErrDuplicateWorkflow, id)
	}
	wf := &models.Workflow{
		ID:        id,
		Config:    cfg.Clone(),
		Status:    rmtypes.WorkflowStatusInitialized,
		CreatedAt: r.now(),
	}
	r.workflows[id] = wf
	r.totalRegistered++
	if r.breakers != nil {
		r.breakers.GetOrCreate(id)
	}
	log.Info().Str("workflow_id", id).Int("config_keys", len(cfg)).Msg("workflow registered")
	return wf.Clone(), nil
}

// Start moves a workflow to running. A bound breaker that refuses execution leaves the record untouched.
func (r *Registry) Start(id string) (models.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wf, ok := r.workflows[id]
	if !ok {
		return models.Workflow{}, fmt.Errorf("%w: workflow %s", rmerrors.ErrNotFound, id)
	}
	if r.breakers != nil {
		if cb, bound := r.breakers.Get(id); bound && !cb.CanExecute() {
			log.Warn().Str("workflow_id", id).Msg("workflow start refused, circuit breaker open")
			return wf.Clone(), fmt.Errorf("%w: workflow %s", rmerrors.ErrCircuitOpen, id)
		}
	}
	from := wf.Status
	now := r.now()
	wf.Status = rmtypes.WorkflowStatusRunning
	wf.LastRun = &now
	wf.RunCount++
	observeTransition(from, wf.Status)
	log.Info().Str("workflow_id", id).Int64("run_count", wf.RunCount).Msg("workflow started")
	return wf.Clone(), nil
}

func (r *Registry) Stop(id string) (models.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wf, ok := r.workflows[id]
	if !ok {
		return models.Workflow{}, fmt.Errorf("%w: workflow %s", rmerrors.ErrNotFound, id)
	}
	if wf.Status != rmtypes.WorkflowStatusStopped {
		observeTransition(wf.Status, rmtypes.WorkflowStatusStopped)
		wf.Status = rmtypes.WorkflowStatusStopped
		log.Info().Str("workflow_id", id).Msg("workflow stopped")
	}
	return wf.Clone(), nil
}

// StopAll marks every workflow stopped and returns how many changed state.
func (r *Registry) StopAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := 0
	for _, wf := range r.workflows {
		if wf.Status == rmtypes.WorkflowStatusStopped {
			continue
		}
		observeTransition(wf.Status, rmtypes.WorkflowStatusStopped)
		wf.Status = rmtypes.WorkflowStatusStopped
		changed++
	}
	return changed
}

// RecordError bumps error_count when id names a workflow. Unknown targets are ignored.
func (r *Registry) RecordError(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	wf, ok := r.workflows[id]
	if !ok {
		return false
	}
	wf.ErrorCount++
	return true
}

func (r *Registry) Get(id string) (models.Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[id]
	if !ok {
		return models.Workflow{}, false
	}
	return wf.Clone(), true
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workflows[id]
	return ok
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.workflows))
	for id := range r.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Snapshot() map[string]models.Workflow {
	workflows, _ := r.State()
	return workflows
}

// State returns the workflows and the registration counter from one read, so the pair is
// always consistent with each other.
func (r *Registry) State() (map[string]models.Workflow, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]models.Workflow, len(r.workflows))
	for id, wf := range r.workflows {
		out[id] = wf.Clone()
	}
	return out, r.totalRegistered
}

func (r *Registry) TotalRegistered() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalRegistered
}

// Restore replaces the registry contents with a persisted set of workflows.
func (r *Registry) Restore(workflows map[string]models.Workflow, totalRegistered int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.workflows = make(map[string]*models.Workflow, len(workflows))
	for id, wf := range workflows {
		restored := wf.Clone()
		restored.ID = id
		r.workflows[id] = &restored
		if r.breakers != nil {
			r.breakers.GetOrCreate(id)
		}
	}
	if totalRegistered < int64(len(r.workflows)) {
		totalRegistered = int64(len(r.workflows))
	}
	r.totalRegistered = totalRegistered
}

func observeTransition(from, to rmtypes.WorkflowStatus) {
	metric.Incr(metric.WorkflowTransitionCount, metric.BuildTag(
		metric.NewTag(metric.TagTransition, string(from)+"_to_"+string(to)),
	))
}
