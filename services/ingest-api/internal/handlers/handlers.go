// Package handlers provides the HTTP handlers of the ingest API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/internal/ingest"
	"github.com/vicbravo9895/sam-engine-sub001/internal/metrics"
	"github.com/vicbravo9895/sam-engine-sub001/internal/queue"
	pkgmetrics "github.com/vicbravo9895/sam-engine-sub001/pkg/metrics"
)

// Handlers wraps dependencies for HTTP handlers.
type Handlers struct {
	enqueuer  queue.Enqueuer
	attention Attention
	delivery  DeliveryStore
	reader    MetricsReader
	metrics   metrics.Recorder
	log       *zap.Logger
}

// Deps groups the handler collaborators. Reader may be nil when Redis
// metrics are disabled.
type Deps struct {
	Enqueuer  queue.Enqueuer
	Attention Attention
	Delivery  DeliveryStore
	Reader    MetricsReader
	Metrics   metrics.Recorder
	Logger    *zap.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(deps Deps) *Handlers {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{
		enqueuer:  deps.Enqueuer,
		attention: deps.Attention,
		delivery:  deps.Delivery,
		reader:    deps.Reader,
		metrics:   metrics.OrNoOp(deps.Metrics),
		log:       log,
	}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// ReceiveWebhook queues a telematics webhook for ingestion. The body is kept
// verbatim; mapping happens on the ingestion lane.
func (h *Handlers) ReceiveWebhook(c *gin.Context) {
	companyID, ok := pathID(c, "company_id")
	if !ok {
		return
	}
	source := c.Param("source")

	raw, err := c.GetRawData()
	if err != nil || !json.Valid(raw) {
		h.metrics.RecordError()
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON payload"})
		return
	}
	h.metrics.RecordReceived()

	job, err := ingest.NewJob(companyID, source, raw)
	if err != nil {
		h.log.Error("Failed to build ingestion job", zap.Int64("company_id", companyID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue webhook"})
		return
	}
	if err := h.enqueuer.Enqueue(c.Request.Context(), job); err != nil {
		h.metrics.RecordError()
		h.log.Error("Failed to enqueue webhook",
			zap.Int64("company_id", companyID),
			zap.String("source", source),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to queue webhook"})
		return
	}
	h.metrics.RecordPublished()

	h.log.Info("Webhook queued",
		zap.Int64("company_id", companyID),
		zap.String("source", source),
		zap.String("job_id", job.ID),
		zap.String("trace_id", job.TraceID))
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "trace_id": job.TraceID})
}

// OwnerRequest names the operator acting on an alert.
type OwnerRequest struct {
	Owner string `json:"owner" binding:"required"`
}

type attentionAction func(c *gin.Context, companyID, alertID int64, owner string) (bool, error)

func (h *Handlers) attentionRoute(c *gin.Context, action string, fn attentionAction) {
	companyID, ok := pathID(c, "company_id")
	if !ok {
		return
	}
	alertID, ok := pathID(c, "alert_id")
	if !ok {
		return
	}
	var req OwnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner is required"})
		return
	}

	changed, err := fn(c, companyID, alertID, req.Owner)
	if err != nil {
		h.log.Error("Attention update failed",
			zap.String("action", action),
			zap.Int64("company_id", companyID),
			zap.Int64("alert_id", alertID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update alert"})
		return
	}
	c.JSON(http.StatusOK, gin.H{action: changed})
}

// Acknowledge marks an alert as taken by an operator. Repeated calls answer
// acknowledged=false.
func (h *Handlers) Acknowledge(c *gin.Context) {
	h.attentionRoute(c, "acknowledged", func(c *gin.Context, companyID, alertID int64, owner string) (bool, error) {
		return h.attention.Acknowledge(c.Request.Context(), companyID, alertID, owner)
	})
}

// Resolve closes attention tracking on an alert.
func (h *Handlers) Resolve(c *gin.Context) {
	h.attentionRoute(c, "resolved", func(c *gin.Context, companyID, alertID int64, owner string) (bool, error) {
		return h.attention.Resolve(c.Request.Context(), companyID, alertID, owner)
	})
}

// DeliveryCallback is a provider status update for one sent message.
type DeliveryCallback struct {
	CompanyID  int64  `json:"company_id" binding:"required"`
	ProviderID string `json:"provider_id" binding:"required"`
	Status     string `json:"status" binding:"required"`
}

// UpdateDelivery records a provider delivery callback.
func (h *Handlers) UpdateDelivery(c *gin.Context) {
	var req DeliveryCallback
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "company_id, provider_id and status are required"})
		return
	}

	n, err := h.delivery.UpdateDeliveryStatus(c.Request.Context(), req.CompanyID, req.ProviderID, req.Status)
	if err != nil {
		h.log.Error("Failed to update delivery status",
			zap.Int64("company_id", req.CompanyID),
			zap.String("provider_id", req.ProviderID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update delivery status"})
		return
	}
	if n == 0 {
		h.log.Warn("Delivery callback matched no result",
			zap.Int64("company_id", req.CompanyID),
			zap.String("provider_id", req.ProviderID))
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// GetServiceMetrics returns the Redis snapshots of every service, or of one
// service when ?service= is given.
func (h *Handlers) GetServiceMetrics(c *gin.Context) {
	if h.reader == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service metrics are not available"})
		return
	}
	ctx := c.Request.Context()

	if name := c.Query("service"); name != "" {
		m, err := h.reader.GetServiceMetrics(ctx, name)
		if errors.Is(err, pkgmetrics.ErrNoMetrics) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			h.log.Error("Failed to read service metrics", zap.String("service", name), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read service metrics"})
			return
		}
		c.JSON(http.StatusOK, m)
		return
	}

	all, err := h.reader.GetAllServiceMetrics(ctx)
	if err != nil {
		h.log.Error("Failed to read service metrics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read service metrics"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": all})
}
