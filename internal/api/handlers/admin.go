package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/irfndi/optiroute/internal/database"
	"github.com/irfndi/optiroute/internal/models"
	"github.com/irfndi/optiroute/internal/services/jobqueue"
	"github.com/irfndi/optiroute/internal/services/pubsub"
)

// QuotaUpdater changes the quota state of a stored API key.
type QuotaUpdater interface {
	UpdateKeyQuota(ctx context.Context, keyID string, status models.QuotaStatus) error
}

// InvalidationPublisher tells every instance to drop its catalog snapshot.
type InvalidationPublisher interface {
	PublishCatalogInvalidation(ctx context.Context, payload pubsub.CatalogInvalidationPayload) error
}

// JobAdmin is the operator view of the write-behind queue.
type JobAdmin interface {
	Depth(ctx context.Context) (jobqueue.Depth, error)
	PeekDeadLetter(ctx context.Context, count int64) ([]jobqueue.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, count int64) (int, error)
}

// AdminHandler serves operator endpoints under /api/v1/admin. Every
// collaborator is optional; missing ones answer 501.
type AdminHandler struct {
	quotas    QuotaUpdater
	local     pubsub.Invalidator
	publisher InvalidationPublisher
	jobs      JobAdmin
	stats     map[string]StatsProvider
	logger    *zap.Logger
}

type AdminOption func(*AdminHandler)

func WithQuotaUpdater(q QuotaUpdater) AdminOption {
	return func(h *AdminHandler) { h.quotas = q }
}

// WithCatalogInvalidation drops the local snapshot and, when p is set,
// broadcasts the invalidation to other instances.
func WithCatalogInvalidation(local pubsub.Invalidator, p InvalidationPublisher) AdminOption {
	return func(h *AdminHandler) {
		h.local = local
		h.publisher = p
	}
}

func WithJobAdmin(j JobAdmin) AdminOption {
	return func(h *AdminHandler) { h.jobs = j }
}

func WithStats(name string, p StatsProvider) AdminOption {
	return func(h *AdminHandler) {
		if p != nil {
			h.stats[name] = p
		}
	}
}

func WithAdminLogger(logger *zap.Logger) AdminOption {
	return func(h *AdminHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewAdminHandler(opts ...AdminOption) *AdminHandler {
	h := &AdminHandler{stats: make(map[string]StatsProvider), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// UpdateKeyQuotaRequest is the body of PUT /admin/keys/:id/quota.
type UpdateKeyQuotaRequest struct {
	Status models.QuotaStatus `json:"status" binding:"required"`
}

// UpdateKeyQuota persists the new quota state and invalidates catalog
// snapshots so routing stops (or resumes) using the key.
func (h *AdminHandler) UpdateKeyQuota(c *gin.Context) {
	if h.quotas == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "key store is read-only on this instance"})
		return
	}
	keyID := c.Param("id")
	var req UpdateKeyQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if !req.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown quota status " + string(req.Status)})
		return
	}

	ctx := c.Request.Context()
	if err := h.quotas.UpdateKeyQuota(ctx, keyID, req.Status); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
			return
		}
		h.logger.Error("Failed to update key quota", zap.String("key_id", keyID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update key quota"})
		return
	}

	broadcast := h.invalidate(ctx, pubsub.CatalogInvalidationPayload{Reason: "quota_update", KeyID: keyID})
	c.JSON(http.StatusOK, gin.H{
		"key_id":      keyID,
		"status":      req.Status,
		"broadcasted": broadcast,
	})
}

// InvalidateCatalog forces every instance to reload the catalog.
func (h *AdminHandler) InvalidateCatalog(c *gin.Context) {
	if h.local == nil && h.publisher == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "catalog is not cached on this instance"})
		return
	}
	broadcast := h.invalidate(c.Request.Context(), pubsub.CatalogInvalidationPayload{Reason: "manual"})
	c.JSON(http.StatusAccepted, gin.H{"invalidated": true, "broadcasted": broadcast})
}

func (h *AdminHandler) invalidate(ctx context.Context, payload pubsub.CatalogInvalidationPayload) bool {
	if h.local != nil {
		h.local.Invalidate()
	}
	if h.publisher == nil {
		return false
	}
	if err := h.publisher.PublishCatalogInvalidation(ctx, payload); err != nil {
		h.logger.Warn("Failed to broadcast catalog invalidation", zap.String("reason", payload.Reason), zap.Error(err))
		return false
	}
	return true
}

// GetJobs reports queue depth and the most recent dead letters (?limit, default 20).
func (h *AdminHandler) GetJobs(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "job queue disabled"})
		return
	}
	limit, ok := parseLimit(c, 20)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	depth, err := h.jobs.Depth(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read queue depth"})
		return
	}
	dead, err := h.jobs.PeekDeadLetter(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read dead letters"})
		return
	}
	if dead == nil {
		dead = []jobqueue.DeadLetter{}
	}
	c.JSON(http.StatusOK, gin.H{"depth": depth, "dead_letters": dead})
}

// RequeueJobs moves up to ?limit dead letters back onto their queues.
func (h *AdminHandler) RequeueJobs(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "job queue disabled"})
		return
	}
	limit, ok := parseLimit(c, 100)
	if !ok {
		return
	}
	moved, err := h.jobs.RequeueDeadLetter(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to requeue dead letters", zap.Int("moved", moved), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to requeue dead letters", "requeued": moved})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": moved})
}

// GetStats returns every registered statistics block.
func (h *AdminHandler) GetStats(c *gin.Context) {
	out := make(map[string]any, len(h.stats))
	for name, p := range h.stats {
		out[name] = p(c.Request.Context())
	}
	c.JSON(http.StatusOK, out)
}

func parseLimit(c *gin.Context, def int64) (int64, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 1 || n > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return 0, false
	}
	return n, true
}
