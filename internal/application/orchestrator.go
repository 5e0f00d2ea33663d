package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meesho/BharatMLStack/control-plane/internal/circuitbreaker"
	"github.com/Meesho/BharatMLStack/control-plane/internal/data/models"
	rmerrors "github.com/Meesho/BharatMLStack/control-plane/internal/errors"
	"github.com/Meesho/BharatMLStack/control-plane/internal/monitor"
	"github.com/Meesho/BharatMLStack/control-plane/internal/ports"
	"github.com/Meesho/BharatMLStack/control-plane/internal/recovery"
	"github.com/Meesho/BharatMLStack/control-plane/internal/registry"
	rmtypes "github.com/Meesho/BharatMLStack/control-plane/internal/types"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Monitor                 monitor.Config
	Breaker                 circuitbreaker.Config
	RecoveryHistoryCapacity int
	StatusHistoryLimit      int
	SnapshotHistoryLimit    int
	// SnapshotInterval <= 0 disables the periodic snapshot task.
	SnapshotInterval     time.Duration
	ShutdownDrain        time.Duration
	SeedDefaultWorkflows bool
}

func DefaultConfig() Config {
	return Config{
		Monitor:                 monitor.Config{Interval: monitor.DefaultInterval, ProbeTimeout: 5 * time.Second},
		Breaker:                 circuitbreaker.DefaultConfig(),
		RecoveryHistoryCapacity: recovery.DefaultHistoryCapacity,
		StatusHistoryLimit:      10,
		SnapshotHistoryLimit:    100,
		SnapshotInterval:        time.Minute,
		ShutdownDrain:           10 * time.Second,
		SeedDefaultWorkflows:    true,
	}
}

type Dependencies struct {
	Store   ports.SnapshotStore
	Steps   ports.StepExecutor
	Catalog ports.TargetCatalog
	// Prober serves every target without a probe of its own.
	Prober ports.Prober
}

// Orchestrator owns the registry, breakers, recovery ledger and health monitor,
// and runs the background tasks between Start and GracefulShutdown.
type Orchestrator struct {
	cfg     Config
	store   ports.SnapshotStore
	catalog ports.TargetCatalog

	breakers  *circuitbreaker.Manager
	registry  *registry.Registry
	ledger    *recovery.Ledger
	recoverer *recovery.Executor
	monitor   *monitor.Monitor

	processStart time.Time
	saveMu       sync.Mutex

	running      atomic.Bool
	closing      atomic.Bool
	stopOnce     sync.Once
	shutdownOnce sync.Once
	stopCh       chan struct{}
	doneCh       chan struct{}

	lifecycleMu sync.Mutex
	started     bool
	taskCancel  context.CancelFunc
	tasksDone   chan struct{}
	tasksErr    error
}

func NewOrchestrator(ctx context.Context, cfg Config, deps Dependencies) *Orchestrator {
	if cfg.StatusHistoryLimit <= 0 {
		cfg.StatusHistoryLimit = 10
	}
	if cfg.SnapshotHistoryLimit <= 0 {
		cfg.SnapshotHistoryLimit = 100
	}
	if cfg.ShutdownDrain <= 0 {
		cfg.ShutdownDrain = 10 * time.Second
	}
	catalog := deps.Catalog
	if catalog == nil {
		catalog = staticTargets(DefaultMonitorTargets)
	}

	breakers := circuitbreaker.NewManager(cfg.Breaker)
	ledger := recovery.NewLedger(cfg.RecoveryHistoryCapacity)
	recoverer := recovery.NewExecutor(deps.Steps, ledger)
	o := &Orchestrator{
		cfg:          cfg,
		store:        deps.Store,
		catalog:      catalog,
		breakers:     breakers,
		registry:     registry.New(breakers),
		ledger:       ledger,
		recoverer:    recoverer,
		monitor:      monitor.New(cfg.Monitor, breakers, recoverer, catalog, deps.Prober),
		processStart: time.Now().UTC(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	o.monitor.OnFailure(func(target string, _ error) {
		if o.registry.RecordError(target) {
			log.Debug().Str("workflow_id", target).Msg("workflow error count incremented")
		}
	})
	o.restore(ctx)
	return o
}

func (o *Orchestrator) restore(ctx context.Context) {
	if o.store == nil {
		return
	}
	snapshot, err := o.store.Load(ctx)
	switch {
	case errors.Is(err, rmerrors.ErrSnapshotNotFound):
		log.Info().Msg("no saved state found, starting fresh")
		return
	case err != nil:
		log.Error().Err(err).Msg("unable to load saved state, starting fresh")
		return
	}
	o.registry.Restore(snapshot.Workflows, snapshot.Metrics.TotalWorkflowsRegistered)
	o.ledger.Restore(snapshot.RecoveryHistory, snapshot.Metrics.SuccessfulRecoveries, snapshot.Metrics.FailedRecoveries)
	log.Info().Int("workflows", len(snapshot.Workflows)).Int("recovery_events", len(snapshot.RecoveryHistory)).
		Time("saved_at", snapshot.SavedAt).Msg("state restored")
}

// RegisterWorkflow adds a workflow in the initialized state and persists the new state.
func (o *Orchestrator) RegisterWorkflow(ctx context.Context, id string, cfg models.WorkflowConfig) (models.Workflow, error) {
	if o.closing.Load() {
		return models.Workflow{}, rmerrors.ErrShuttingDown
	}
	wf, err := o.registry.Register(id, cfg)
	if err != nil {
		return models.Workflow{}, err
	}
	o.persist(ctx)
	return wf, nil
}

func (o *Orchestrator) StartWorkflow(id string) bool {
	_, err := o.TryStartWorkflow(id)
	return err == nil
}

// TryStartWorkflow is StartWorkflow with the refusal reason: ErrNotFound, ErrCircuitOpen or ErrShuttingDown.
func (o *Orchestrator) TryStartWorkflow(id string) (models.Workflow, error) {
	if o.closing.Load() {
		return models.Workflow{}, rmerrors.ErrShuttingDown
	}
	return o.registry.Start(id)
}

func (o *Orchestrator) StopWorkflow(id string) bool {
	_, err := o.TryStopWorkflow(id)
	return err == nil
}

func (o *Orchestrator) TryStopWorkflow(id string) (models.Workflow, error) {
	return o.registry.Stop(id)
}

func (o *Orchestrator) HealthCheck(ctx context.Context, target string) bool {
	healthy, _ := o.monitor.Check(ctx, target)
	return healthy
}

func (o *Orchestrator) HealthRecord(target string) (models.HealthRecord, bool) {
	return o.monitor.Board().Get(target)
}

func (o *Orchestrator) AutoRecover(ctx context.Context, target string, class rmtypes.FailureClass) bool {
	ok, _ := o.Recover(ctx, target, class)
	return ok
}

// Recover runs a recovery and also returns the recorded event.
func (o *Orchestrator) Recover(ctx context.Context, target string, class rmtypes.FailureClass) (bool, models.RecoveryEvent) {
	return o.recoverer.Recover(ctx, target, class)
}

// RegisterProbe binds a prober to target. Targets without one use the default prober.
func (o *Orchestrator) RegisterProbe(target string, prober ports.Prober) {
	o.monitor.RegisterProbe(target, prober)
}

func (o *Orchestrator) IsRunning() bool { return o.running.Load() }

// Done is closed once GracefulShutdown has finished.
func (o *Orchestrator) Done() <-chan struct{} { return o.doneCh }

func (o *Orchestrator) GetSystemStatus() models.SystemStatus {
	workflows, total := o.registry.State()
	history, successful, failed := o.ledger.Snapshot(o.cfg.StatusHistoryLimit)
	now := time.Now().UTC()
	uptime := now.Sub(o.processStart)
	return models.SystemStatus{
		Workflows:       workflows,
		HealthStatus:    o.monitor.Board().Snapshot(),
		RecoveryHistory: history,
		CircuitBreakers: o.breakers.Snapshots(),
		Metrics: models.MetricsView{
			Metrics: models.Metrics{
				TotalWorkflowsRegistered: total,
				SuccessfulRecoveries:     successful,
				FailedRecoveries:         failed,
				ProcessStartTime:         o.processStart,
			},
			UptimeSeconds:   uptime.Seconds(),
			UptimeFormatted: FormatUptime(uptime),
		},
		Timestamp: now,
	}
}

// Snapshot captures the durable part of the state: workflows, the persisted history tail and counters.
func (o *Orchestrator) Snapshot() models.Snapshot {
	workflows, total := o.registry.State()
	history, successful, failed := o.ledger.Snapshot(o.cfg.SnapshotHistoryLimit)
	return models.Snapshot{
		Workflows:       workflows,
		RecoveryHistory: history,
		Metrics: models.Metrics{
			TotalWorkflowsRegistered: total,
			SuccessfulRecoveries:     successful,
			FailedRecoveries:         failed,
			ProcessStartTime:         o.processStart,
		},
		SavedAt: time.Now().UTC(),
	}
}

func (o *Orchestrator) SaveSnapshot(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	o.saveMu.Lock()
	defer o.saveMu.Unlock()
	if err := o.store.Save(ctx, o.Snapshot()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (o *Orchestrator) persist(ctx context.Context) {
	if err := o.SaveSnapshot(ctx); err != nil {
		log.Error().Err(err).Msg("failed to persist state")
	}
}

func (o *Orchestrator) stopSignal() {
	o.stopOnce.Do(func() {
		o.running.Store(false)
		close(o.stopCh)
	})
}
