package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Meesho/BharatMLStack/control-plane/internal/data/models"
	rmerrors "github.com/Meesho/BharatMLStack/control-plane/internal/errors"
	"github.com/Meesho/BharatMLStack/control-plane/internal/ports"
	"github.com/Meesho/BharatMLStack/control-plane/pkg/metric"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var DefaultMonitorTargets = []string{"revenue-engine", "database", "api-gateway", "cache", "queue", "storage"}

type seedWorkflow struct {
	id     string
	config models.WorkflowConfig
}

var defaultWorkflows = []seedWorkflow{
	{id: "revenue-automation", config: models.WorkflowConfig{
		"type":     models.StringValue("async"),
		"priority": models.StringValue("high"),
	}},
	{id: "data-processing", config: models.WorkflowConfig{
		"type":     models.StringValue("batch"),
		"priority": models.StringValue("medium"),
	}},
	{id: "backup-sync", config: models.WorkflowConfig{
		"type":     models.StringValue("scheduled"),
		"priority": models.StringValue("low"),
	}},
}

type staticTargets []string

func (t staticTargets) Targets() []string { return append([]string(nil), t...) }

// Start seeds the default workflows when configured and launches the background tasks:
// the health monitor loop, the periodic snapshot loop and, for watchable catalogs, the catalog watch.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if o.closing.Load() {
		return rmerrors.ErrShuttingDown
	}
	if o.started {
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true

	if o.cfg.SeedDefaultWorkflows {
		o.seedWorkflows(ctx)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	o.taskCancel = cancel
	group, groupCtx := errgroup.WithContext(taskCtx)

	group.Go(func() error {
		return o.monitor.Run(groupCtx, o.stopCh)
	})
	if o.cfg.SnapshotInterval > 0 {
		group.Go(func() error {
			return o.runSnapshotLoop(groupCtx)
		})
	}
	if watcher, ok := o.catalog.(ports.CatalogWatcher); ok {
		group.Go(func() error {
			return o.runCatalogWatch(groupCtx, watcher)
		})
	}

	o.tasksDone = make(chan struct{})
	go func() {
		o.tasksErr = group.Wait()
		close(o.tasksDone)
	}()

	o.running.Store(true)
	log.Info().Dur("monitor_interval", o.cfg.Monitor.Interval).Dur("snapshot_interval", o.cfg.SnapshotInterval).
		Msg("orchestrator started")
	return nil
}

func (o *Orchestrator) seedWorkflows(ctx context.Context) {
	for _, seed := range defaultWorkflows {
		if _, err := o.RegisterWorkflow(ctx, seed.id, seed.config); err != nil {
			if !errors.Is(err, rmerrors.ErrDuplicateWorkflow) {
				log.Error().Err(err).Str("workflow_id", seed.id).Msg("unable to register default workflow")
			}
		}
	}
	for _, id := range o.registry.IDs() {
		if _, err := o.TryStartWorkflow(id); err != nil {
			log.Warn().Err(err).Str("workflow_id", id).Msg("workflow not started")
		}
	}
}

func (o *Orchestrator) runSnapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.stopCh:
			return nil
		case <-ticker.C:
			o.persist(ctx)
		}
	}
}

// runCatalogWatch ends as soon as shutdown is requested; it has no in-flight work to drain.
func (o *Orchestrator) runCatalogWatch(ctx context.Context, watcher ports.CatalogWatcher) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-o.stopCh:
			cancel()
		case <-watchCtx.Done():
		}
	}()
	if err := watcher.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("target catalog watch: %w", err)
	}
	return nil
}

// GracefulShutdown stops the monitor, marks every workflow stopped, drains and then cancels the
// background tasks, persists the final state and emits final metrics. Only the first call does work;
// later calls wait for it to finish. It is safe whether or not Start was ever called.
func (o *Orchestrator) GracefulShutdown(reason string) {
	o.shutdownOnce.Do(func() {
		defer close(o.doneCh)
		log.Warn().Str("reason", reason).Msg("initiating graceful shutdown")

		o.lifecycleMu.Lock()
		o.closing.Store(true)
		cancel, tasksDone := o.taskCancel, o.tasksDone
		o.lifecycleMu.Unlock()

		o.stopSignal()
		stopped := o.registry.StopAll()
		log.Info().Int("workflows_stopped", stopped).Msg("workflows stopped")

		if tasksDone != nil {
			drain := time.NewTimer(o.cfg.ShutdownDrain)
			select {
			case <-tasksDone:
			case <-drain.C:
				log.Warn().Dur("drain", o.cfg.ShutdownDrain).Msg("background tasks still running, cancelling")
			}
			drain.Stop()
			cancel()
			<-tasksDone
			if err := o.tasksErr; err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("background task failed")
			}
		}

		ctx, cancelSave := context.WithTimeout(context.Background(), o.cfg.ShutdownDrain)
		defer cancelSave()
		o.persist(ctx)
		o.emitFinalMetrics()
		log.Info().Str("reason", reason).Msg("graceful shutdown complete")
	})
	<-o.doneCh
}

func (o *Orchestrator) emitFinalMetrics() {
	status := o.GetSystemStatus()
	m := status.Metrics
	log.Info().
		Int64("total_workflows", m.TotalWorkflowsRegistered).
		Int64("successful_recoveries", m.SuccessfulRecoveries).
		Int64("failed_recoveries", m.FailedRecoveries).
		Str("uptime", m.UptimeFormatted).
		Msg("final metrics")

	metric.Gauge(metric.OrchestratorUptime, m.UptimeSeconds, nil)
	metric.Gauge(metric.OrchestratorWorkflows, float64(m.TotalWorkflowsRegistered), nil)
	metric.Gauge(metric.OrchestratorRecoveries, float64(m.SuccessfulRecoveries),
		metric.BuildTag(metric.NewTag(metric.TagOutcome, "success")))
	metric.Gauge(metric.OrchestratorRecoveries, float64(m.FailedRecoveries),
		metric.BuildTag(metric.NewTag(metric.TagOutcome, "failure")))
}

// FormatUptime renders d as H:MM:SS, prefixed with whole days once it passes 24 hours.
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	clock := fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	switch {
	case days == 1:
		return "1 day, " + clock
	case days > 1:
		return fmt.Sprintf("%d days, %s", days, clock)
	default:
		return clock
	}
}
