package api

import "github.com/Meesho/BharatMLStack/control-plane/internal/data/models"

type ErrorResponse struct {
	Error string `json:"error"`
}

type RegisterWorkflowRequest struct {
	ID     string                `json:"id"`
	Config models.WorkflowConfig `json:"config"`
}

type WorkflowResponse struct {
	Workflow models.Workflow `json:"workflow"`
}

type HealthCheckResponse struct {
	Target  string              `json:"target"`
	Healthy bool                `json:"healthy"`
	Record  models.HealthRecord `json:"record"`
}

type RecoverRequest struct {
	FailureType string `json:"failure_type"`
}

type RecoverResponse struct {
	Success bool                 `json:"success"`
	Event   models.RecoveryEvent `json:"event"`
}

type ShutdownRequest struct {
	Reason string `json:"reason"`
}

type AsyncAcceptedResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}
