package types

import "strings"

type WorkflowStatus string

const (
	WorkflowStatusInitialized WorkflowStatus = "initialized"
	WorkflowStatusRunning     WorkflowStatus = "running"
	WorkflowStatusStopped     WorkflowStatus = "stopped"
)

type BreakerState string

const (
	BreakerStateClosed   BreakerState = "CLOSED"
	BreakerStateOpen     BreakerState = "OPEN"
	BreakerStateHalfOpen BreakerState = "HALF_OPEN"
)

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

type FailureClass string

const (
	FailureServiceCrash       FailureClass = "service_crash"
	FailureMemoryLeak         FailureClass = "memory_leak"
	FailureNetwork            FailureClass = "network_failure"
	FailureDatabaseConnection FailureClass = "database_connection"
)

func NormalizeFailureClass(class string) FailureClass {
	return FailureClass(strings.ToLower(strings.TrimSpace(class)))
}

type RecoveryStep string

const (
	StepRestartService     RecoveryStep = "restart_service"
	StepVerifyHealth       RecoveryStep = "verify_health"
	StepRestoreConnections RecoveryStep = "restore_connections"
	StepClearCache         RecoveryStep = "clear_cache"
	StepScaleResources     RecoveryStep = "scale_resources"
	StepResetConnections   RecoveryStep = "reset_connections"
	StepUpdateRouting      RecoveryStep = "update_routing"
	StepVerifyConnectivity RecoveryStep = "verify_connectivity"
	StepReconnectPool      RecoveryStep = "reconnect_pool"
	StepVerifyCredentials  RecoveryStep = "verify_credentials"
	StepTestQueries        RecoveryStep = "test_queries"
)

// ClassifiedError lets a prober report which recovery sequence a failure needs.
type ClassifiedError interface {
	error
	Classification() FailureClass
}
