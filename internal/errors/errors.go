package errors

import "errors"

var (
	ErrNotFound            = errors.New("resource not found")
	ErrDuplicateWorkflow   = errors.New("workflow already registered")
	ErrCircuitOpen         = errors.New("circuit breaker open")
	ErrProbeFailure        = errors.New("health probe failed")
	ErrRecoveryStep        = errors.New("recovery step failed")
	ErrSnapshotNotFound    = errors.New("snapshot not found")
	ErrSnapshotCorrupt     = errors.New("snapshot corrupt")
	ErrSnapshotConflict    = errors.New("snapshot modified concurrently")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInvalidConfigValue  = errors.New("invalid workflow config value")
	ErrShuttingDown        = errors.New("orchestrator is shutting down")
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different request")
)
