package models

import (
	"time"

	rmtypes "github.com/Meesho/BharatMLStack/control-plane/internal/types"
)

type Workflow struct {
	ID         string                 `json:"id"`
	Config     WorkflowConfig         `json:"config"`
	Status     rmtypes.WorkflowStatus `json:"status"`
	LastRun    *time.Time             `json:"last_run"`
	RunCount   int64                  `json:"run_count"`
	ErrorCount int64                  `json:"error_count"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Clone returns a deep copy so callers never share the registry's maps or pointers.
func (w Workflow) Clone() Workflow {
	out := w
	out.Config = w.Config.Clone()
	if w.LastRun != nil {
		lastRun := *w.LastRun
		out.LastRun = &lastRun
	}
	return out
}

type BreakerSnapshot struct {
	State           rmtypes.BreakerState `json:"state"`
	FailureCount    int                  `json:"failure_count"`
	LastFailureTime *time.Time           `json:"last_failure"`
}

type HealthRecord struct {
	Status         rmtypes.HealthStatus `json:"status"`
	LastCheck      time.Time            `json:"last_check"`
	Error          string               `json:"error,omitempty"`
	CircuitBreaker BreakerSnapshot      `json:"circuit_breaker"`
}

type RecoveryEvent struct {
	ID             string                 `json:"id"`
	Target         string                 `json:"service"`
	Classification rmtypes.FailureClass   `json:"failure_type"`
	Timestamp      time.Time              `json:"timestamp"`
	Steps          []rmtypes.RecoveryStep `json:"steps_executed"`
	Success        bool                   `json:"success"`
	Error          string                 `json:"error,omitempty"`
}

func (e RecoveryEvent) Clone() RecoveryEvent {
	out := e
	out.Steps = append([]rmtypes.RecoveryStep(nil), e.Steps...)
	return out
}

type Metrics struct {
	TotalWorkflowsRegistered int64     `json:"total_workflows"`
	SuccessfulRecoveries     int64     `json:"successful_recoveries"`
	FailedRecoveries         int64     `json:"failed_recoveries"`
	ProcessStartTime         time.Time `json:"uptime_start"`
}

type MetricsView struct {
	Metrics
	UptimeSeconds   float64 `json:"uptime_seconds"`
	UptimeFormatted string  `json:"uptime_formatted"`
}

// Snapshot is the durable record. Breaker and health state are rebuilt on start.
type Snapshot struct {
	Workflows       map[string]Workflow `json:"workflows"`
	RecoveryHistory []RecoveryEvent     `json:"recovery_history"`
	Metrics         Metrics             `json:"metrics"`
	SavedAt         time.Time           `json:"saved_at"`
}

type SystemStatus struct {
	Workflows       map[string]Workflow        `json:"workflows"`
	HealthStatus    map[string]HealthRecord    `json:"health_status"`
	RecoveryHistory []RecoveryEvent            `json:"recovery_history"`
	CircuitBreakers map[string]BreakerSnapshot `json:"circuit_breakers"`
	Metrics         MetricsView                `json:"metrics"`
	Timestamp       time.Time                  `json:"timestamp"`
}

// IdempotencyRecord is the stored response for one idempotency key.
type IdempotencyRecord struct {
	RequestHash  string    `json:"request_hash"`
	StatusCode   int       `json:"status_code"`
	ResponseBody []byte    `json:"response_body"`
	ContentType  string    `json:"content_type"`
	StoredAt     time.Time `json:"stored_at"`
}
