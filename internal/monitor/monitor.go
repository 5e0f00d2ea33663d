package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Meesho/BharatMLStack/control-plane/internal/circuitbreaker"
	"github.com/Meesho/BharatMLStack/control-plane/internal/data/models"
	rmerrors "github.com/Meesho/BharatMLStack/control-plane/internal/errors"
	"github.com/Meesho/BharatMLStack/control-plane/internal/ports"
	rmtypes "github.com/Meesho/BharatMLStack/control-plane/internal/types"
	"github.com/Meesho/BharatMLStack/control-plane/pkg/metric"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/timeout"
	"github.com/rs/zerolog/log"
)

const DefaultInterval = 15 * time.Second

type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// Recoverer runs a remediation sequence for a failed target.
type Recoverer interface {
	Recover(ctx context.Context, target string, class rmtypes.FailureClass) (bool, models.RecoveryEvent)
}

// FailureListener is notified after every failed probe, before any recovery starts.
type FailureListener func(target string, err error)

type Monitor struct {
	cfg       Config
	breakers  *circuitbreaker.Manager
	recoverer Recoverer
	catalog   ports.TargetCatalog
	board     *Board
	probeExec failsafe.Executor[bool]
	now       func() time.Time

	mu        sync.RWMutex
	probes    map[string]ports.Prober
	fallback  ports.Prober
	listeners []FailureListener
}

func New(cfg Config, breakers *circuitbreaker.Manager, recoverer Recoverer, catalog ports.TargetCatalog, fallback ports.Prober) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	m := &Monitor{
		cfg:       cfg,
		breakers:  breakers,
		recoverer: recoverer,
		catalog:   catalog,
		board:     NewBoard(),
		now:       func() time.Time { return time.Now().UTC() },
		probes:    make(map[string]ports.Prober),
		fallback:  fallback,
	}
	if cfg.ProbeTimeout > 0 {
		m.probeExec = failsafe.NewExecutor[bool](timeout.With[bool](cfg.ProbeTimeout))
	} else {
		m.probeExec = failsafe.NewExecutor[bool]()
	}
	return m
}

func (m *Monitor) Board() *Board { return m.board }

// RegisterProbe binds a prober to one target, replacing any earlier binding.
func (m *Monitor) RegisterProbe(target string, prober ports.Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[target] = prober
}

func (m *Monitor) OnFailure(listener FailureListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Check probes target once behind its circuit breaker and records the outcome.
// The returned error is nil when healthy, ErrCircuitOpen when the probe was skipped,
// ctx.Err() when ctx ended during the probe, and the probe failure otherwise.
// An interrupted probe leaves the breaker, the board and the listeners untouched.
func (m *Monitor) Check(ctx context.Context, target string) (bool, error) {
	cb := m.breakers.GetOrCreate(target)
	if !cb.CanExecute() {
		log.Warn().Str("target", target).Msg("circuit breaker open, skipping health check")
		metric.Incr(metric.HealthCheckSkipped, metric.BuildTag(metric.NewTag(metric.TagTarget, target)))
		m.board.Set(target, models.HealthRecord{
			Status:         rmtypes.HealthStatusUnhealthy,
			LastCheck:      m.now(),
			Error:          rmerrors.ErrCircuitOpen.Error(),
			CircuitBreaker: cb.Snapshot(),
		})
		return false, rmerrors.ErrCircuitOpen
	}

	startTime := time.Now()
	log.Debug().Str("target", target).Msg("health check")
	healthy, err := m.probe(ctx, target)
	if ctxErr := ctx.Err(); ctxErr != nil {
		log.Debug().Str("target", target).Err(ctxErr).Msg("health check interrupted")
		return false, ctxErr
	}
	switch {
	case err == nil && !healthy:
		err = fmt.Errorf("%w: %s reported unhealthy", rmerrors.ErrProbeFailure, target)
	case err != nil && !errors.Is(err, rmerrors.ErrProbeFailure):
		err = fmt.Errorf("%w: %s: %w", rmerrors.ErrProbeFailure, target, err)
	}

	status := rmtypes.HealthStatusHealthy
	record := models.HealthRecord{LastCheck: m.now()}
	if err != nil {
		status = rmtypes.HealthStatusUnhealthy
		cb.RecordFailure()
		record.Error = err.Error()
		log.Error().Err(err).Str("target", target).Msg("health check failed")
	} else {
		cb.RecordSuccess()
	}
	record.Status = status
	record.CircuitBreaker = cb.Snapshot()
	m.board.Set(target, record)

	tags := metric.BuildTag(
		metric.NewTag(metric.TagTarget, target),
		metric.NewTag(metric.TagHealthStatus, string(status)),
	)
	metric.Incr(metric.HealthCheckCount, tags)
	metric.Timing(metric.HealthCheckLatency, time.Since(startTime), tags)

	if err != nil {
		m.notify(target, err)
		return false, err
	}
	return true, nil
}

// RunOnce checks every catalog target in order and recovers the ones whose probe failed.
// It returns early once ctx is done or stop is closed, and starts no recovery after that.
func (m *Monitor) RunOnce(ctx context.Context, stop <-chan struct{}) {
	log.Info().Msg("running health checks")
	for _, target := range m.catalog.Targets() {
		if stopped(ctx, stop) {
			return
		}
		_, err := m.Check(ctx, target)
		if err == nil || errors.Is(err, rmerrors.ErrCircuitOpen) {
			continue
		}
		if stopped(ctx, stop) {
			return
		}
		m.recoverer.Recover(ctx, target, classify(err))
	}
}

// Run drives RunOnce on every interval tick until ctx is done or stop is closed.
func (m *Monitor) Run(ctx context.Context, stop <-chan struct{}) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	defer log.Info().Msg("monitoring loop exited")

	for {
		m.RunOnce(ctx, stop)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Monitor) probe(ctx context.Context, target string) (healthy bool, err error) {
	prober := m.proberFor(target)
	if prober == nil {
		return false, fmt.Errorf("%w: no prober bound to %s", rmerrors.ErrProbeFailure, target)
	}
	return m.probeExec.WithContext(ctx).GetWithExecution(func(exec failsafe.Execution[bool]) (ok bool, err error) {
		defer func() {
			if r := recover(); r != nil {
				ok, err = false, fmt.Errorf("%w: probe panicked: %v", rmerrors.ErrProbeFailure, r)
			}
		}()
		return prober.Probe(exec.Context(), target)
	})
}

func (m *Monitor) proberFor(target string) ports.Prober {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if prober, ok := m.probes[target]; ok {
		return prober
	}
	return m.fallback
}

func (m *Monitor) notify(target string, err error) {
	m.mu.RLock()
	listeners := append([]FailureListener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, listener := range listeners {
		listener(target, err)
	}
}

func classify(err error) rmtypes.FailureClass {
	var classified rmtypes.ClassifiedError
	if errors.As(err, &classified) {
		if class := classified.Classification(); class != "" {
			return class
		}
	}
	return rmtypes.FailureServiceCrash
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
