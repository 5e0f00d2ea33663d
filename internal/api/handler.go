package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Meesho/BharatMLStack/control-plane/internal/data/models"
	rmerrors "github.com/Meesho/BharatMLStack/control-plane/internal/errors"
	"github.com/Meesho/BharatMLStack/control-plane/internal/ports"
	rmtypes "github.com/Meesho/BharatMLStack/control-plane/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultShutdownReason = "API"
	idempotencyHeader     = "X-Idempotency-Key"
	contentTypeJSON       = "application/json; charset=utf-8"
)

// ReplayedHeader is set to "true" on responses served from a stored idempotency record.
const ReplayedHeader = "X-Idempotent-Replay"

// ControlPlane is the orchestrator surface exposed over HTTP.
type ControlPlane interface {
	RegisterWorkflow(ctx context.Context, id string, cfg models.WorkflowConfig) (models.Workflow, error)
	TryStartWorkflow(id string) (models.Workflow, error)
	TryStopWorkflow(id string) (models.Workflow, error)
	HealthCheck(ctx context.Context, target string) bool
	HealthRecord(target string) (models.HealthRecord, bool)
	Recover(ctx context.Context, target string, class rmtypes.FailureClass) (bool, models.RecoveryEvent)
	GetSystemStatus() models.SystemStatus
	GracefulShutdown(reason string)
}

type Handler struct {
	control     ControlPlane
	idempotency ports.IdempotencyKeyStore
	inflight    singleflight.Group
}

// NewHandler builds the control API. A nil idempotency store disables X-Idempotency-Key handling.
func NewHandler(control ControlPlane, idempotency ports.IdempotencyKeyStore) *Handler {
	return &Handler{control: control, idempotency: idempotency}
}

func (h *Handler) Register(router gin.IRouter) {
	router.GET("/health/self", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "true"})
	})

	v1 := router.Group("/api/1.0")
	v1.GET("/status", h.status)
	v1.POST("/workflows", h.registerWorkflow)
	v1.POST("/workflows/:id/start", h.startWorkflow)
	v1.POST("/workflows/:id/stop", h.stopWorkflow)
	v1.POST("/targets/:name/health-check", h.healthCheck)
	v1.POST("/targets/:name/recover", h.recover)
	v1.POST("/shutdown", h.shutdown)
}

func (h *Handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.control.GetSystemStatus())
}

func (h *Handler) registerWorkflow(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		writeErr(c, http.StatusBadRequest, "invalid request body")
		return
	}
	var req RegisterWorkflowRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErr(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		writeErr(c, http.StatusBadRequest, "id is required")
		return
	}

	h.withIdempotency(c, "workflows", body, func() (int, interface{}) {
		wf, err := h.control.RegisterWorkflow(c.Request.Context(), req.ID, req.Config)
		if err != nil {
			return domainErr(c, err)
		}
		return http.StatusCreated, WorkflowResponse{Workflow: wf}
	})
}

func (h *Handler) startWorkflow(c *gin.Context) {
	wf, err := h.control.TryStartWorkflow(c.Param("id"))
	if err != nil {
		writeDomainErr(c, err)
		return
	}
	c.JSON(http.StatusOK, WorkflowResponse{Workflow: wf})
}

func (h *Handler) stopWorkflow(c *gin.Context) {
	wf, err := h.control.TryStopWorkflow(c.Param("id"))
	if err != nil {
		writeDomainErr(c, err)
		return
	}
	c.JSON(http.StatusOK, WorkflowResponse{Workflow: wf})
}

func (h *Handler) healthCheck(c *gin.Context) {
	target := c.Param("name")
	healthy := h.control.HealthCheck(c.Request.Context(), target)
	record, _ := h.control.HealthRecord(target)
	c.JSON(http.StatusOK, HealthCheckResponse{Target: target, Healthy: healthy, Record: record})
}

func (h *Handler) recover(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		writeErr(c, http.StatusBadRequest, "invalid request body")
		return
	}
	var req RecoverRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeErr(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	class := rmtypes.NormalizeFailureClass(req.FailureType)
	if class == "" {
		class = rmtypes.FailureServiceCrash
	}

	target := c.Param("name")
	h.withIdempotency(c, "targets/"+target+"/recover", body, func() (int, interface{}) {
		// a started recovery runs to completion even if the caller goes away
		ctx := context.WithoutCancel(c.Request.Context())
		success, event := h.control.Recover(ctx, target, class)
		return http.StatusOK, RecoverResponse{Success: success, Event: event}
	})
}

func (h *Handler) shutdown(c *gin.Context) {
	var req ShutdownRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeErr(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = defaultShutdownReason
	}
	log.Warn().Str("reason", reason).Str("request_id", RequestIDFromContext(c.Request.Context())).
		Msg("shutdown requested over api")
	go h.control.GracefulShutdown(reason)
	c.JSON(http.StatusAccepted, AsyncAcceptedResponse{Message: "graceful shutdown initiated", Status: "ACCEPTED"})
}

type idempotentResult struct {
	record   models.IdempotencyRecord
	replayed bool
}

// withIdempotency runs handle at most once per X-Idempotency-Key within scope and replays the
// stored response afterwards. Requests without the header always run. Concurrent requests with
// the same key share a single run. Reusing a key with a different body is rejected with 409.
// 5xx responses are never stored.
func (h *Handler) withIdempotency(c *gin.Context, scope string, body []byte, handle func() (int, interface{})) {
	key := strings.TrimSpace(c.GetHeader(idempotencyHeader))
	if key == "" || h.idempotency == nil {
		status, resp := handle()
		c.JSON(status, resp)
		return
	}

	hash := sha256.Sum256(body)
	requestHash := hex.EncodeToString(hash[:])

	v, err, _ := h.inflight.Do(scope+"::"+key, func() (interface{}, error) {
		ctx := context.WithoutCancel(c.Request.Context())
		stored, err := h.idempotency.Get(ctx, scope, key)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if stored != nil {
			return idempotentResult{record: *stored, replayed: true}, nil
		}

		status, resp := handle()
		raw, err := json.Marshal(resp)
		if err != nil {
			return nil, err
		}
		record := models.IdempotencyRecord{
			RequestHash:  requestHash,
			StatusCode:   status,
			ResponseBody: raw,
			ContentType:  contentTypeJSON,
			StoredAt:     time.Now().UTC(),
		}
		if status < http.StatusInternalServerError {
			if err := h.idempotency.Put(ctx, scope, key, record); err != nil {
				log.Warn().Err(err).Str("scope", scope).Msg("failed to store idempotency record")
			}
		}
		return idempotentResult{record: record}, nil
	})
	if err != nil {
		log.Error().Err(err).Str("scope", scope).Msg("idempotent request failed")
		writeErr(c, http.StatusInternalServerError, "internal error")
		return
	}

	result := v.(idempotentResult)
	if result.record.RequestHash != requestHash {
		writeErr(c, http.StatusConflict, rmerrors.ErrIdempotencyMismatch.Error())
		return
	}
	if result.replayed {
		c.Header(ReplayedHeader, "true")
	}
	c.Data(result.record.StatusCode, result.record.ContentType, result.record.ResponseBody)
}

func writeDomainErr(c *gin.Context, err error) {
	status, resp := domainErr(c, err)
	c.AbortWithStatusJSON(status, resp)
}

func domainErr(c *gin.Context, err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, rmerrors.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: err.Error()}
	case errors.Is(err, rmerrors.ErrDuplicateWorkflow), errors.Is(err, rmerrors.ErrCircuitOpen):
		return http.StatusConflict, ErrorResponse{Error: err.Error()}
	case errors.Is(err, rmerrors.ErrInvalidRequest), errors.Is(err, rmerrors.ErrInvalidConfigValue):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error()}
	case errors.Is(err, rmerrors.ErrShuttingDown):
		return http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()}
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("control operation failed")
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error"}
	}
}

func writeErr(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: message})
}

type contextKey string

const requestIDKey contextKey = "request_id"

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	val := ctx.Value(requestIDKey)
	requestID, _ := val.(string)
	return requestID
}
