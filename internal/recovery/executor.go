package recovery

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Meesho/BharatMLStack/control-plane/internal/data/models"
	rmerrors "github.com/Meesho/BharatMLStack/control-plane/internal/errors"
	"github.com/Meesho/BharatMLStack/control-plane/internal/ports"
	rmtypes "github.com/Meesho/BharatMLStack/control-plane/internal/types"
	"github.com/Meesho/BharatMLStack/control-plane/pkg/metric"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type noopStepExecutor struct{}

func (noopStepExecutor) ExecuteStep(ctx context.Context, _ rmtypes.RecoveryStep, _ string) (bool, error) {
	return ctx.Err() == nil, ctx.Err()
}

type Executor struct {
	steps  ports.StepExecutor
	ledger *Ledger
	now    func() time.Time
}

func NewExecutor(steps ports.StepExecutor, ledger *Ledger) *Executor {
	if steps == nil {
		steps = noopStepExecutor{}
	}
	if ledger == nil {
		ledger = NewLedger(DefaultHistoryCapacity)
	}
	return &Executor{
		steps:  steps,
		ledger: ledger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (e *Executor) Ledger() *Ledger { return e.ledger }

// Recover runs the remediation sequence for class against target and records the outcome.
// The first failing step aborts the sequence. Steps that ran before a cancellation are kept in the event.
func (e *Executor) Recover(ctx context.Context, target string, class rmtypes.FailureClass) (bool, models.RecoveryEvent) {
	startTime := time.Now()
	event := models.RecoveryEvent{
		ID:             uuid.NewString(),
		Target:         target,
		Classification: class,
		Timestamp:      e.now(),
		Steps:          make([]rmtypes.RecoveryStep, 0, 3),
		Success:        true,
	}
	log.Info().Str("target", target).Str("classification", string(class)).Msg("starting recovery")

	for _, step := range StepsFor(class) {
		if err := ctx.Err(); err != nil {
			event.Success = false
			event.Error = fmt.Sprintf("recovery interrupted before %s: %v", step, err)
			break
		}
		log.Debug().Str("target", target).Str("step", string(step)).Msg("executing recovery step")
		ok, err := e.steps.ExecuteStep(ctx, step, target)
		event.Steps = append(event.Steps, step)
		metric.Incr(metric.RecoveryStepCount, metric.BuildTag(
			metric.NewTag(metric.TagStep, string(step)),
			metric.NewTag(metric.TagSuccess, strconv.FormatBool(err == nil && ok)),
		))
		if err != nil {
			event.Success = false
			event.Error = fmt.Errorf("%w: %s: %v", rmerrors.ErrRecoveryStep, step, err).Error()
			break
		}
		if !ok {
			event.Success = false
			event.Error = fmt.Errorf("%w: %s reported failure", rmerrors.ErrRecoveryStep, step).Error()
			break
		}
	}

	e.ledger.Append(event)

	tags := metric.BuildTag(
		metric.NewTag(metric.TagTarget, target),
		metric.NewTag(metric.TagClassification, string(class)),
		metric.NewTag(metric.TagSuccess, strconv.FormatBool(event.Success)),
	)
	metric.Incr(metric.RecoveryCount, tags)
	metric.Timing(metric.RecoveryLatency, time.Since(startTime), tags)

	if event.Success {
		log.Info().Str("target", target).Str("classification", string(class)).
			Int("steps", len(event.Steps)).Msg("recovery completed")
	} else {
		log.Error().Str("target", target).Str("classification", string(class)).
			Str("error", event.Error).Msg("recovery failed")
	}
	return event.Success, event.Clone()
}
