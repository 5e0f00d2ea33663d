package app

import (
	"context"
	"fmt"
	"time"

	etcdadapter "github.com/Meesho/BharatMLStack/control-plane/internal/adapters/etcd"
	"github.com/Meesho/BharatMLStack/control-plane/internal/adapters/kubernetes"
	"github.com/Meesho/BharatMLStack/control-plane/internal/adapters/probe"
	"github.com/Meesho/BharatMLStack/control-plane/internal/adapters/snapshot"
	"github.com/Meesho/BharatMLStack/control-plane/internal/application"
	"github.com/Meesho/BharatMLStack/control-plane/internal/circuitbreaker"
	"github.com/Meesho/BharatMLStack/control-plane/internal/monitor"
	"github.com/Meesho/BharatMLStack/control-plane/internal/ports"
	"github.com/Meesho/BharatMLStack/control-plane/pkg/config"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// OrchestratorConfig maps the environment onto the orchestrator settings.
func OrchestratorConfig(envCfg config.Env) application.Config {
	return application.Config{
		Monitor: monitor.Config{
			Interval:     envCfg.MonitorInterval,
			ProbeTimeout: envCfg.ProbeTimeout,
		},
		Breaker: circuitbreaker.Config{
			FailureThreshold:          envCfg.CBFailureThreshold,
			OpenTimeout:               envCfg.CBOpenTimeout,
			HalfOpenRequiredSuccesses: envCfg.CBHalfOpenRequiredSuccesses,
		},
		RecoveryHistoryCapacity: envCfg.RecoveryHistoryCapacity,
		StatusHistoryLimit:      envCfg.StatusHistoryLimit,
		SnapshotHistoryLimit:    envCfg.SnapshotHistoryLimit,
		SnapshotInterval:        envCfg.SnapshotInterval,
		ShutdownDrain:           envCfg.ShutdownDrain,
		SeedDefaultWorkflows:    envCfg.SeedDefaultWorkflows,
	}
}

// OpenSnapshotStore returns the configured snapshot backend. The cleanup closes the etcd
// connection dialled for it, if any.
func OpenSnapshotStore(envCfg config.Env) (ports.SnapshotStore, func(), error) {
	var client *clientv3.Client
	cleanup := func() {}
	if envCfg.SnapshotBackend == config.SnapshotBackendEtcd {
		var err error
		if client, err = newEtcdClient(envCfg); err != nil {
			return nil, nil, fmt.Errorf("snapshot store: %w", err)
		}
		cleanup = closeEtcd(client)
	}
	store, err := NewSnapshotStore(envCfg, client)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return store, cleanup, nil
}

// NewSnapshotStore returns the store for the configured backend and codec. client is only
// used, and then required, by the etcd backend.
func NewSnapshotStore(envCfg config.Env, client *clientv3.Client) (ports.SnapshotStore, error) {
	codec, err := snapshot.CodecByName(envCfg.SnapshotCodec)
	if err != nil {
		return nil, err
	}
	if envCfg.SnapshotBackend != config.SnapshotBackendEtcd {
		return snapshot.NewFileStore(envCfg.SnapshotPath, codec), nil
	}
	if client == nil {
		return nil, fmt.Errorf("snapshot store: etcd backend selected without an etcd client")
	}
	log.Info().Str("key", etcdadapter.SnapshotKey(envCfg.AppName)).Str("codec", codec.Name()).
		Msg("using etcd snapshot store")
	return etcdadapter.NewSnapshotStore(client, envCfg.AppName, codec, envCfg.EtcdTimeout), nil
}

// Runtime holds the wired orchestrator and the stores the HTTP layer needs.
type Runtime struct {
	Orchestrator *application.Orchestrator
	Idempotency  ports.IdempotencyKeyStore

	cleanup func()
}

// Close releases external connections. It must run after the orchestrator has shut down.
func (r *Runtime) Close() {
	if r.cleanup != nil {
		r.cleanup()
	}
}

// Build wires the adapters selected by the environment. One etcd connection is shared by every
// etcd-backed adapter and is only dialled when one of them is enabled.
func Build(ctx context.Context, envCfg config.Env) (*Runtime, error) {
	cleanup := func() {}
	var client *clientv3.Client
	if envCfg.UseEtcdTargetCatalog || envCfg.SnapshotBackend == config.SnapshotBackendEtcd {
		var err error
		if client, err = newEtcdClient(envCfg); err != nil {
			return nil, err
		}
		cleanup = closeEtcd(client)
	}

	store, err := NewSnapshotStore(envCfg, client)
	if err != nil {
		cleanup()
		return nil, err
	}

	var catalog ports.TargetCatalog
	if envCfg.UseEtcdTargetCatalog {
		etcdCatalog := etcdadapter.NewEtcdTargetCatalog(client, envCfg.AppName, envCfg.EtcdTimeout, envCfg.MonitorTargets)
		if _, err := etcdCatalog.Load(ctx); err != nil {
			log.Warn().Err(err).Msg("initial target catalog load failed, serving configured targets until the watch recovers")
		}
		catalog = etcdCatalog
	} else {
		log.Info().Strs("targets", envCfg.MonitorTargets).Msg("using static target catalog")
		catalog = etcdadapter.NewStaticCatalog(envCfg.MonitorTargets)
	}

	var idempotency ports.IdempotencyKeyStore
	if client != nil {
		idempotency = etcdadapter.NewEtcdIdempotencyKeyStore(client, envCfg.AppName, envCfg.IdempotencyTTL)
	} else {
		idempotency = etcdadapter.NewMemoryIdempotencyKeyStore(envCfg.IdempotencyTTL)
	}

	var prober ports.Prober = probe.Static(true)
	if envCfg.ProbeSimulatedFailureRate > 0 {
		log.Warn().Float64("failure_rate", envCfg.ProbeSimulatedFailureRate).Msg("using simulated health probes")
		prober = probe.NewSimulated(envCfg.ProbeSimulatedFailureRate, 0, time.Now().UnixNano())
	}

	orch := application.NewOrchestrator(ctx, OrchestratorConfig(envCfg), application.Dependencies{
		Store:   store,
		Steps:   kubernetes.NewMockExecutor(envCfg.RecoveryStepSettle),
		Catalog: catalog,
		Prober:  prober,
	})
	return &Runtime{Orchestrator: orch, Idempotency: idempotency, cleanup: cleanup}, nil
}

func newEtcdClient(envCfg config.Env) (*clientv3.Client, error) {
	return etcdadapter.NewClient(etcdadapter.ClientConfig{
		Endpoints: envCfg.EtcdEndpoints,
		Username:  envCfg.EtcdUsername,
		Password:  envCfg.EtcdPassword,
		Timeout:   envCfg.EtcdTimeout,
	})
}

func closeEtcd(client *clientv3.Client) func() {
	return func() {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing etcd client")
		}
	}
}
