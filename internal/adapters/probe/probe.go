package probe

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	rmerrors "github.com/Meesho/BharatMLStack/control-plane/internal/errors"
)

// Static always reports the same health.
type Static bool

func (s Static) Probe(ctx context.Context, _ string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return bool(s), nil
}

// Simulated fails a configurable fraction of probes. It stands in for real probes in demo deployments.
type Simulated struct {
	failureRate float64
	latency     time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSimulated(failureRate float64, latency time.Duration, seed int64) *Simulated {
	if failureRate < 0 {
		failureRate = 0
	}
	if failureRate > 1 {
		failureRate = 1
	}
	return &Simulated{
		failureRate: failureRate,
		latency:     latency,
		rnd:         rand.New(rand.NewSource(seed)),
	}
}

func (s *Simulated) Probe(ctx context.Context, target string) (bool, error) {
	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}
	}
	s.mu.Lock()
	roll := s.rnd.Float64()
	s.mu.Unlock()
	if roll < s.failureRate {
		return false, fmt.Errorf("%w: simulated health check failure for %s", rmerrors.ErrProbeFailure, target)
	}
	return true, nil
}
