package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	etcdadapter "github.com/Meesho/BharatMLStack/control-plane/internal/adapters/etcd"
	"github.com/Meesho/BharatMLStack/control-plane/internal/adapters/snapshot"
	"github.com/Meesho/BharatMLStack/control-plane/internal/api"
	"github.com/Meesho/BharatMLStack/control-plane/internal/application"
	"github.com/Meesho/BharatMLStack/control-plane/internal/data/models"
	rmerrors "github.com/Meesho/BharatMLStack/control-plane/internal/errors"
	"github.com/Meesho/BharatMLStack/control-plane/internal/monitor"
	"github.com/Meesho/BharatMLStack/control-plane/pkg/config"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testOrchestrator(t *testing.T) *application.Orchestrator {
	t.Helper()
	cfg := application.DefaultConfig()
	cfg.Monitor = monitor.Config{Interval: time.Hour, ProbeTimeout: time.Second}
	cfg.SnapshotInterval = 0
	cfg.SeedDefaultWorkflows = false
	store := snapshot.NewFileStore(filepath.Join(t.TempDir(), "state.snapshot"), snapshot.JSONCodec{})
	return application.NewOrchestrator(context.Background(), cfg, application.Dependencies{Store: store})
}

func TestRequestIDMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(requestIDMiddleware())
	var seen string
	router.GET("/ping", func(c *gin.Context) {
		seen = api.RequestIDFromContext(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
	assert.Equal(t, w.Header().Get(requestIDHeader), seen)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(requestIDHeader, "caller-id")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "caller-id", w.Header().Get(requestIDHeader))
	assert.Equal(t, "caller-id", seen)
}

func TestRecoveryMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(httpLogger(), httpRecovery())
	router.GET("/panic", func(*gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, w.Body.String())
}

func TestNewRouterServesControlAPI(t *testing.T) {
	router := NewRouter("test", testOrchestrator(t), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/1.0/status", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestRunStopsOnSignal(t *testing.T) {
	orch := testOrchestrator(t)
	server := NewServer(0, "test", orch, nil)

	done := make(chan error, 1)
	go func() { done <- server.Run(context.Background()) }()
	require.Eventually(t, orch.IsRunning, time.Second, 5*time.Millisecond)

	server.signals <- syscall.SIGTERM
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.False(t, orch.IsRunning())
}

type slowSaveStore struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowSaveStore) Load(context.Context) (*models.Snapshot, error) {
	return nil, rmerrors.ErrSnapshotNotFound
}

func (s *slowSaveStore) Save(context.Context, models.Snapshot) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil
}

func TestRunCatchesSignalDuringStartup(t *testing.T) {
	store := &slowSaveStore{entered: make(chan struct{}), release: make(chan struct{})}
	cfg := application.DefaultConfig()
	cfg.Monitor = monitor.Config{Interval: time.Hour, ProbeTimeout: time.Second}
	cfg.SnapshotInterval = 0
	cfg.SeedDefaultWorkflows = true
	orch := application.NewOrchestrator(context.Background(), cfg, application.Dependencies{Store: store})
	server := NewServer(0, "test", orch, nil)

	done := make(chan error, 1)
	go func() { done <- server.Run(context.Background()) }()

	// Start is blocked persisting the seeded workflows
	<-store.entered
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	require.Eventually(t, func() bool { return len(server.signals) == 1 }, time.Second, 5*time.Millisecond)
	close(store.release)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.False(t, orch.IsRunning())
}

func TestRunStopsOnApiShutdown(t *testing.T) {
	orch := testOrchestrator(t)
	server := NewServer(0, "test", orch, nil)

	done := make(chan error, 1)
	go func() { done <- server.Run(context.Background()) }()
	require.Eventually(t, orch.IsRunning, time.Second, 5*time.Millisecond)

	go orch.GracefulShutdown("API")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestSignalName(t *testing.T) {
	assert.Equal(t, "SIGTERM", signalName(syscall.SIGTERM))
	assert.Equal(t, "SIGINT", signalName(syscall.SIGINT))
}

func TestOrchestratorConfigFromEnv(t *testing.T) {
	envCfg, err := config.Load(viper.New())
	require.NoError(t, err)

	cfg := OrchestratorConfig(envCfg)
	assert.Equal(t, 15*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Breaker.OpenTimeout)
	assert.Equal(t, 3, cfg.Breaker.HalfOpenRequiredSuccesses)
	assert.Equal(t, 100, cfg.SnapshotHistoryLimit)
	assert.True(t, cfg.SeedDefaultWorkflows)
}

func TestBuildWithStaticCatalog(t *testing.T) {
	t.Setenv("SNAPSHOT_PATH", filepath.Join(t.TempDir(), "state.snapshot"))
	t.Setenv("SNAPSHOT_CODEC", "msgpack")
	t.Setenv("PROBE_SIMULATED_FAILURE_RATE", "0.1")
	envCfg, err := config.Load(viper.New())
	require.NoError(t, err)

	rt, err := Build(context.Background(), envCfg)
	require.NoError(t, err)
	defer rt.Close()
	assert.IsType(t, &etcdadapter.MemoryIdempotencyKeyStore{}, rt.Idempotency)

	orch := rt.Orchestrator
	_, err = orch.RegisterWorkflow(context.Background(), "wf-a", nil)
	require.NoError(t, err)
	orch.GracefulShutdown("test")

	store, closeStore, err := OpenSnapshotStore(envCfg)
	require.NoError(t, err)
	defer closeStore()
	saved, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Contains(t, saved.Workflows, "wf-a")
}

func TestNewSnapshotStoreEtcdNeedsClient(t *testing.T) {
	t.Setenv("SNAPSHOT_BACKEND", "etcd")
	envCfg, err := config.Load(viper.New())
	require.NoError(t, err)

	_, err = NewSnapshotStore(envCfg, nil)
	assert.ErrorContains(t, err, "etcd client")
}
