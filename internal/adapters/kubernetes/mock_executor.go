package kubernetes

import (
	"context"
	"time"

	rmtypes "github.com/Meesho/BharatMLStack/control-plane/internal/types"
	"github.com/rs/zerolog/log"
)

const DefaultSettleDelay = time.Second

// MockExecutor is a placeholder integration until client-go is wired.
// Every step succeeds after a fixed settle delay; cancelling ctx cuts the delay short and fails the step.
type MockExecutor struct {
	settle time.Duration
}

func NewMockExecutor(settle time.Duration) *MockExecutor {
	if settle < 0 {
		settle = 0
	}
	return &MockExecutor{settle: settle}
}

func (m *MockExecutor) ExecuteStep(ctx context.Context, step rmtypes.RecoveryStep, target string) (bool, error) {
	log.Info().Str("target", target).Str("step", string(step)).Msg("executing recovery step")
	if m.settle == 0 {
		return ctx.Err() == nil, ctx.Err()
	}
	timer := time.NewTimer(m.settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return true, nil
	}
}
