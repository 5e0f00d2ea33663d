package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Meesho/BharatMLStack/control-plane/internal/circuitbreaker"
	"github.com/Meesho/BharatMLStack/control-plane/internal/data/models"
	rmerrors "github.com/Meesho/BharatMLStack/control-plane/internal/errors"
	"github.com/Meesho/BharatMLStack/control-plane/internal/monitor"
	"github.com/Meesho/BharatMLStack/control-plane/internal/ports"
	rmtypes "github.com/Meesho/BharatMLStack/control-plane/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu       sync.Mutex
	snapshot *models.Snapshot
	loadErr  error
	saves    int
}

func (s *memoryStore) Load(context.Context) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.snapshot == nil {
		return nil, rmerrors.ErrSnapshotNotFound
	}
	cp := *s.snapshot
	return &cp, nil
}

func (s *memoryStore) Save(_ context.Context, snapshot models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = &snapshot
	s.saves++
	return nil
}

func (s *memoryStore) Saved() (models.Snapshot, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return models.Snapshot{}, s.saves
	}
	return *s.snapshot, s.saves
}

type blockingSteps struct {
	entered chan struct{}
	once    sync.Once
}

func (b *blockingSteps) ExecuteStep(ctx context.Context, _ rmtypes.RecoveryStep, _ string) (bool, error) {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return false, ctx.Err()
}

func healthyProber() ports.Prober {
	return ports.ProberFunc(func(context.Context, string) (bool, error) { return true, nil })
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Monitor = monitor.Config{Interval: time.Hour, ProbeTimeout: time.Second}
	cfg.Breaker = circuitbreaker.Config{FailureThreshold: 2, OpenTimeout: time.Hour, HalfOpenRequiredSuccesses: 1}
	cfg.SnapshotInterval = 0
	cfg.ShutdownDrain = time.Second
	cfg.SeedDefaultWorkflows = false
	return cfg
}

func newTestOrchestrator(t *testing.T, store *memoryStore) *Orchestrator {
	t.Helper()
	return NewOrchestrator(context.Background(), testConfig(), Dependencies{
		Store:   store,
		Catalog: staticTargets{"database"},
		Prober:  healthyProber(),
	})
}

func TestRegisterThenStatus(t *testing.T) {
	store := &memoryStore{}
	o := newTestOrchestrator(t, store)

	_, err := o.RegisterWorkflow(context.Background(), "wf-a", models.WorkflowConfig{"type": models.StringValue("async")})
	require.NoError(t, err)

	status := o.GetSystemStatus()
	wf, ok := status.Workflows["wf-a"]
	require.True(t, ok)
	assert.Equal(t, rmtypes.WorkflowStatusInitialized, wf.Status)
	assert.Zero(t, wf.RunCount)
	assert.Equal(t, int64(1), status.Metrics.TotalWorkflowsRegistered)
	assert.Contains(t, status.CircuitBreakers, "wf-a")

	saved, saves := store.Saved()
	assert.Equal(t, 1, saves)
	assert.Contains(t, saved.Workflows, "wf-a")
}

func TestRegisterDuplicateRejected(t *testing.T) {
	o := newTestOrchestrator(t, &memoryStore{})
	_, err := o.RegisterWorkflow(context.Background(), "wf-a", nil)
	require.NoError(t, err)
	_, err = o.RegisterWorkflow(context.Background(), "wf-a", nil)
	assert.ErrorIs(t, err, rmerrors.ErrDuplicateWorkflow)
	assert.Equal(t, int64(1), o.GetSystemStatus().Metrics.TotalWorkflowsRegistered)
}

func TestStartUnknownWorkflowMutatesNothing(t *testing.T) {
	o := newTestOrchestrator(t, &memoryStore{})
	before := o.GetSystemStatus()

	assert.False(t, o.StartWorkflow("ghost"))
	assert.False(t, o.StopWorkflow("ghost"))
	_, err := o.TryStartWorkflow("ghost")
	assert.ErrorIs(t, err, rmerrors.ErrNotFound)

	after := o.GetSystemStatus()
	assert.Equal(t, before.Workflows, after.Workflows)
	assert.Empty(t, after.CircuitBreakers)
}

func TestStartRefusedWhileBreakerOpen(t *testing.T) {
	o := newTestOrchestrator(t, &memoryStore{})
	_, err := o.RegisterWorkflow(context.Background(), "wf-a", nil)
	require.NoError(t, err)

	cb := o.breakers.GetOrCreate("wf-a")
	cb.RecordFailure()
	cb.RecordFailure()

	assert.False(t, o.StartWorkflow("wf-a"))
	_, err = o.TryStartWorkflow("wf-a")
	assert.ErrorIs(t, err, rmerrors.ErrCircuitOpen)
	assert.Zero(t, o.GetSystemStatus().Workflows["wf-a"].RunCount)
}

func TestWorkflowLifecycleScenario(t *testing.T) {
	o := newTestOrchestrator(t, &memoryStore{})
	_, err := o.RegisterWorkflow(context.Background(), "wf-a", nil)
	require.NoError(t, err)

	require.True(t, o.StartWorkflow("wf-a"))
	wf := o.GetSystemStatus().Workflows["wf-a"]
	assert.Equal(t, rmtypes.WorkflowStatusRunning, wf.Status)
	assert.Equal(t, int64(1), wf.RunCount)

	require.True(t, o.StopWorkflow("wf-a"))
	assert.Equal(t, rmtypes.WorkflowStatusStopped, o.GetSystemStatus().Workflows["wf-a"].Status)

	require.True(t, o.StartWorkflow("wf-a"))
	assert.Equal(t, int64(2), o.GetSystemStatus().Workflows["wf-a"].RunCount)
}

func TestAutoRecoverServiceCrash(t *testing.T) {
	o := newTestOrchestrator(t, &memoryStore{})

	require.True(t, o.AutoRecover(context.Background(), "svcX", rmtypes.FailureServiceCrash))

	status := o.GetSystemStatus()
	require.Len(t, status.RecoveryHistory, 1)
	event := status.RecoveryHistory[0]
	assert.Equal(t, "svcX", event.Target)
	assert.True(t, event.Success)
	assert.Equal(t, []rmtypes.RecoveryStep{rmtypes.StepRestartService, rmtypes.StepVerifyHealth, rmtypes.StepRestoreConnections}, event.Steps)
	assert.Equal(t, int64(1), status.Metrics.SuccessfulRecoveries)
}

func TestRecoveryHistoryBounded(t *testing.T) {
	cfg := testConfig()
	cfg.RecoveryHistoryCapacity = 15
	o := NewOrchestrator(context.Background(), cfg, Dependencies{Store: &memoryStore{}})

	for i := 0; i < 40; i++ {
		o.AutoRecover(context.Background(), fmt.Sprintf("svc-%d", i), rmtypes.FailureNetwork)
		assert.LessOrEqual(t, o.ledger.Len(), 15)
	}

	status := o.GetSystemStatus()
	require.Len(t, status.RecoveryHistory, 10)
	assert.Equal(t, "svc-39", status.RecoveryHistory[9].Target)
	assert.Equal(t, int64(40), status.Metrics.SuccessfulRecoveries)
}

func TestHealthCheckFailureIncrementsWorkflowErrorCount(t *testing.T) {
	o := newTestOrchestrator(t, &memoryStore{})
	_, err := o.RegisterWorkflow(context.Background(), "wf-a", nil)
	require.NoError(t, err)
	o.RegisterProbe("wf-a", ports.ProberFunc(func(context.Context, string) (bool, error) {
		return false, errors.New("not responding")
	}))

	assert.False(t, o.HealthCheck(context.Background(), "wf-a"))
	assert.True(t, o.HealthCheck(context.Background(), "database"))

	status := o.GetSystemStatus()
	assert.Equal(t, int64(1), status.Workflows["wf-a"].ErrorCount)
	assert.Equal(t, rmtypes.HealthStatusUnhealthy, status.HealthStatus["wf-a"].Status)
	assert.Equal(t, rmtypes.HealthStatusHealthy, status.HealthStatus["database"].Status)

	record, ok := o.HealthRecord("wf-a")
	require.True(t, ok)
	assert.Contains(t, record.Error, "not responding")
}

func TestSnapshotRoundTripResetsEphemeralState(t *testing.T) {
	store := &memoryStore{}
	first := newTestOrchestrator(t, store)
	for _, id := range []string{"wf-a", "wf-b"} {
		_, err := first.RegisterWorkflow(context.Background(), id, nil)
		require.NoError(t, err)
	}
	require.True(t, first.StartWorkflow("wf-a"))
	first.AutoRecover(context.Background(), "database", rmtypes.FailureDatabaseConnection)
	cb := first.breakers.GetOrCreate("wf-b")
	cb.RecordFailure()
	cb.RecordFailure()
	first.HealthCheck(context.Background(), "database")
	require.NoError(t, first.SaveSnapshot(context.Background()))

	second := newTestOrchestrator(t, store)
	before, after := first.GetSystemStatus(), second.GetSystemStatus()

	assert.ElementsMatch(t, keys(before.Workflows), keys(after.Workflows))
	assert.Equal(t, before.Metrics.TotalWorkflowsRegistered, after.Metrics.TotalWorkflowsRegistered)
	assert.Equal(t, before.Metrics.SuccessfulRecoveries, after.Metrics.SuccessfulRecoveries)
	assert.Equal(t, before.Metrics.FailedRecoveries, after.Metrics.FailedRecoveries)
	assert.Equal(t, int64(1), after.Workflows["wf-a"].RunCount)
	assert.Len(t, after.RecoveryHistory, 1)

	assert.Empty(t, after.HealthStatus)
	for target, snap := range after.CircuitBreakers {
		assert.Equal(t, rmtypes.BreakerStateClosed, snap.State, target)
		assert.Zero(t, snap.FailureCount, target)
	}
	assert.True(t, second.StartWorkflow("wf-b"))
}

func TestCorruptSnapshotTolerated(t *testing.T) {
	store := &memoryStore{loadErr: fmt.Errorf("%w: bad bytes", rmerrors.ErrSnapshotCorrupt)}
	o := newTestOrchestrator(t, store)
	assert.Empty(t, o.GetSystemStatus().Workflows)

	_, err := o.RegisterWorkflow(context.Background(), "wf-a", nil)
	assert.NoError(t, err)
}

func TestSnapshotKeepsHistoryTail(t *testing.T) {
	cfg := testConfig()
	cfg.SnapshotHistoryLimit = 5
	o := NewOrchestrator(context.Background(), cfg, Dependencies{Store: &memoryStore{}})
	for i := 0; i < 12; i++ {
		o.AutoRecover(context.Background(), fmt.Sprintf("svc-%d", i), "unknown")
	}

	snap := o.Snapshot()
	require.Len(t, snap.RecoveryHistory, 5)
	assert.Equal(t, "svc-7", snap.RecoveryHistory[0].Target)
	assert.Equal(t, int64(12), snap.Metrics.SuccessfulRecoveries)
}

func TestSnapshotConsistentWithConcurrentRegister(t *testing.T) {
	o := newTestOrchestrator(t, &memoryStore{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = o.RegisterWorkflow(ctx, fmt.Sprintf("wf-%d-%d", g, i), nil)
			}
		}(g)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		snap := o.Snapshot()
		require.Equal(t, int64(len(snap.Workflows)), snap.Metrics.TotalWorkflowsRegistered)
		status := o.GetSystemStatus()
		require.Equal(t, int64(len(status.Workflows)), status.Metrics.TotalWorkflowsRegistered)
		select {
		case <-done:
			assert.Len(t, o.Snapshot().Workflows, 200)
			return
		default:
		}
	}
}

func TestShutdownWithoutStartIsSafeAndIdempotent(t *testing.T) {
	store := &memoryStore{}
	o := newTestOrchestrator(t, store)
	_, err := o.RegisterWorkflow(context.Background(), "wf-a", nil)
	require.NoError(t, err)
	require.True(t, o.StartWorkflow("wf-a"))

	o.GracefulShutdown("SIGTERM")
	o.GracefulShutdown("SIGINT")

	saved, saves := store.Saved()
	assert.Equal(t, 2, saves)
	assert.Equal(t, rmtypes.WorkflowStatusStopped, saved.Workflows["wf-a"].Status)
	assert.False(t, o.IsRunning())

	select {
	case <-o.Done():
	default:
		t.Fatal("done channel not closed")
	}

	_, err = o.RegisterWorkflow(context.Background(), "wf-b", nil)
	assert.ErrorIs(t, err, rmerrors.ErrShuttingDown)
	assert.False(t, o.StartWorkflow("wf-a"))
	assert.ErrorIs(t, o.Start(context.Background()), rmerrors.ErrShuttingDown)
}

func TestStartSeedsAndShutsDown(t *testing.T) {
	store := &memoryStore{}
	cfg := testConfig()
	cfg.SeedDefaultWorkflows = true
	cfg.SnapshotInterval = 10 * time.Millisecond
	o := NewOrchestrator(context.Background(), cfg, Dependencies{
		Store:   store,
		Catalog: staticTargets{"database", "cache"},
		Prober:  healthyProber(),
	})

	require.NoError(t, o.Start(context.Background()))
	assert.True(t, o.IsRunning())
	assert.Error(t, o.Start(context.Background()))

	status := o.GetSystemStatus()
	require.Len(t, status.Workflows, 3)
	for id, wf := range status.Workflows {
		assert.Equal(t, rmtypes.WorkflowStatusRunning, wf.Status, id)
		assert.Equal(t, int64(1), wf.RunCount, id)
	}
	priority, _ := status.Workflows["revenue-automation"].Config["priority"].AsString()
	assert.Equal(t, "high", priority)

	require.Eventually(t, func() bool {
		return len(o.GetSystemStatus().HealthStatus) == 2
	}, time.Second, 5*time.Millisecond)

	shutdownStart := time.Now()
	o.GracefulShutdown("SIGTERM")
	assert.Less(t, time.Since(shutdownStart), cfg.ShutdownDrain)
	assert.False(t, o.IsRunning())

	saved, _ := store.Saved()
	for id, wf := range saved.Workflows {
		assert.Equal(t, rmtypes.WorkflowStatusStopped, wf.Status, id)
	}
}

func TestPeriodicSnapshot(t *testing.T) {
	store := &memoryStore{}
	cfg := testConfig()
	cfg.SnapshotInterval = 10 * time.Millisecond
	o := NewOrchestrator(context.Background(), cfg, Dependencies{
		Store:   store,
		Catalog: staticTargets{"database"},
		Prober:  healthyProber(),
	})

	require.NoError(t, o.Start(context.Background()))
	require.Eventually(t, func() bool {
		_, saves := store.Saved()
		return saves >= 2
	}, time.Second, 5*time.Millisecond)

	o.GracefulShutdown("test")
	_, saves := store.Saved()
	time.Sleep(30 * time.Millisecond)
	_, after := store.Saved()
	assert.Equal(t, saves, after, "no snapshot writes after shutdown")
}

func TestSeedSkipsRestoredWorkflows(t *testing.T) {
	store := &memoryStore{snapshot: &models.Snapshot{
		Workflows: map[string]models.Workflow{
			"revenue-automation": {ID: "revenue-automation", Status: rmtypes.WorkflowStatusStopped, RunCount: 7},
		},
		Metrics: models.Metrics{TotalWorkflowsRegistered: 1},
	}}
	cfg := testConfig()
	cfg.SeedDefaultWorkflows = true
	o := NewOrchestrator(context.Background(), cfg, Dependencies{Store: store, Catalog: staticTargets{}, Prober: healthyProber()})

	require.NoError(t, o.Start(context.Background()))
	defer o.GracefulShutdown("test")

	status := o.GetSystemStatus()
	assert.Len(t, status.Workflows, 3)
	assert.Equal(t, int64(8), status.Workflows["revenue-automation"].RunCount)
	assert.Empty(t, status.Workflows["revenue-automation"].Config)
	assert.Equal(t, int64(3), status.Metrics.TotalWorkflowsRegistered)
}

func TestShutdownCancelsStuckRecoveryAfterDrain(t *testing.T) {
	store := &memoryStore{}
	steps := &blockingSteps{entered: make(chan struct{})}
	cfg := testConfig()
	cfg.ShutdownDrain = 50 * time.Millisecond
	o := NewOrchestrator(context.Background(), cfg, Dependencies{
		Store:   store,
		Steps:   steps,
		Catalog: staticTargets{"database"},
		Prober: ports.ProberFunc(func(context.Context, string) (bool, error) {
			return false, errors.New("connection refused")
		}),
	})

	require.NoError(t, o.Start(context.Background()))
	select {
	case <-steps.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("recovery never started")
	}

	o.GracefulShutdown("SIGTERM")

	saved, _ := store.Saved()
	require.Len(t, saved.RecoveryHistory, 1)
	event := saved.RecoveryHistory[0]
	assert.False(t, event.Success)
	assert.Equal(t, []rmtypes.RecoveryStep{rmtypes.StepRestartService}, event.Steps)
	assert.Equal(t, int64(1), saved.Metrics.FailedRecoveries)
}

func TestShutdownInterruptingProbeRecordsNoRecovery(t *testing.T) {
	store := &memoryStore{}
	entered := make(chan struct{})
	var once sync.Once
	cfg := testConfig()
	cfg.ShutdownDrain = 50 * time.Millisecond
	o := NewOrchestrator(context.Background(), cfg, Dependencies{
		Store:   store,
		Catalog: staticTargets{"database"},
		Prober: ports.ProberFunc(func(ctx context.Context, _ string) (bool, error) {
			once.Do(func() { close(entered) })
			<-ctx.Done()
			return false, ctx.Err()
		}),
	})
	_, err := o.RegisterWorkflow(context.Background(), "database", nil)
	require.NoError(t, err)

	require.NoError(t, o.Start(context.Background()))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("probe never started")
	}

	o.GracefulShutdown("SIGTERM")

	saved, _ := store.Saved()
	assert.Empty(t, saved.RecoveryHistory)
	assert.Zero(t, saved.Metrics.FailedRecoveries)
	assert.Zero(t, saved.Workflows["database"].ErrorCount)
	status := o.GetSystemStatus()
	assert.Zero(t, status.CircuitBreakers["database"].FailureCount)
	assert.NotContains(t, status.HealthStatus, "database")
}

type watchingCatalog struct {
	staticTargets
	stopped chan struct{}
}

func (w *watchingCatalog) Watch(ctx context.Context) error {
	<-ctx.Done()
	close(w.stopped)
	return ctx.Err()
}

func TestShutdownStopsCatalogWatch(t *testing.T) {
	catalog := &watchingCatalog{staticTargets: staticTargets{"database"}, stopped: make(chan struct{})}
	cfg := testConfig()
	cfg.ShutdownDrain = 5 * time.Second
	o := NewOrchestrator(context.Background(), cfg, Dependencies{Store: &memoryStore{}, Catalog: catalog, Prober: healthyProber()})

	require.NoError(t, o.Start(context.Background()))
	shutdownStart := time.Now()
	o.GracefulShutdown("SIGINT")

	assert.Less(t, time.Since(shutdownStart), time.Second)
	select {
	case <-catalog.stopped:
	default:
		t.Fatal("catalog watch still running")
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0:00:00"},
		{-time.Second, "0:00:00"},
		{59*time.Second + 900*time.Millisecond, "0:00:59"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
		{25 * time.Hour, "1 day, 1:00:00"},
		{50*time.Hour + 5*time.Second, "2 days, 2:00:05"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatUptime(tt.in))
	}
}

func keys(m map[string]models.Workflow) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
