package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"insight-service/internal/app"
	"insight-service/internal/models"
	"insight-service/internal/store"
	"insight-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessCheck reports whether a backing dependency is reachable
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	core   *app.Core
	checks []ReadinessCheck
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(core *app.Core, logger *zap.Logger, checks ...ReadinessCheck) *Handler {
	return &Handler{
		core:   core,
		checks: checks,
		logger: util.ComponentLogger(logger, "api"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/entities/:type", h.listEntities)
		v1.POST("/entities/:type", h.addEntity)
		v1.GET("/entities/:type/:id", h.getEntity)
		v1.PATCH("/entities/:type/:id", h.updateEntity)
		v1.DELETE("/entities/:type/:id", h.deleteEntity)

		v1.GET("/workflows", h.listWorkflows)

		v1.GET("/metrics", h.getMetrics)

		v1.GET("/insights", h.listInsights)
		v1.GET("/predictions", h.listInsights)
		v1.GET("/insights/:id", h.getInsight)
		v1.POST("/insights/scan", h.scanInsights)

		v1.GET("/actions", h.listActions)
		v1.POST("/actions", h.proposeAction)
		v1.GET("/actions/:id", h.getAction)
		v1.PATCH("/actions/:id", h.transitionAction)
		v1.GET("/actions/:id/logs", h.actionLogs)

		v1.GET("/execution-logs", h.listExecutionLogs)

		v1.GET("/notifications", h.listNotifications)
		v1.POST("/notifications/:id/read", h.markNotificationRead)
		v1.DELETE("/notifications/:id", h.removeNotification)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			failed[check.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) listEntities(c *gin.Context) {
	entities, err := h.core.ListEntities(models.EntityType(c.Param("type")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": entities, "count": len(entities)})
}

func (h *Handler) listWorkflows(c *gin.Context) {
	workflows, err := h.core.ListEntities(models.EntityTypeWorkflow)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": workflows, "count": len(workflows)})
}

// addEntity decodes the body as the entity type named in the path
func (h *Handler) addEntity(c *gin.Context) {
	t := models.EntityType(c.Param("type"))

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	entity, err := models.DecodeEntity(t, body)
	if err != nil {
		h.writeError(c, err)
		return
	}

	added, err := h.core.AddEntity(c.Request.Context(), entity)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, added)
}

func (h *Handler) getEntity(c *gin.Context) {
	entity, err := h.core.GetEntity(models.EntityType(c.Param("type")), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

func (h *Handler) updateEntity(c *gin.Context) {
	var updates map[string]any
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	updated, err := h.core.UpdateEntity(c.Request.Context(), models.EntityType(c.Param("type")), c.Param("id"), updates)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) deleteEntity(c *gin.Context) {
	if err := h.core.DeleteEntity(c.Request.Context(), models.EntityType(c.Param("type")), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getMetrics(c *gin.Context) {
	m, err := h.core.GetMetrics(c.Request.Context(), c.Query("range"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) listInsights(c *gin.Context) {
	insights := h.core.ListInsights()
	c.JSON(http.StatusOK, gin.H{"items": insights, "count": len(insights)})
}

func (h *Handler) getInsight(c *gin.Context) {
	insight, err := h.core.GetInsight(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, insight)
}

func (h *Handler) scanInsights(c *gin.Context) {
	result := h.core.Scan(c.Request.Context())

	failures := make([]string, 0, len(result.Failures))
	for _, f := range result.Failures {
		failures = append(failures, f.Error())
	}
	c.JSON(http.StatusOK, gin.H{
		"new":      result.New,
		"retained": result.Retained,
		"retired":  result.Retired,
		"failures": failures,
	})
}

func (h *Handler) listActions(c *gin.Context) {
	actions := h.core.ListActions()
	c.JSON(http.StatusOK, gin.H{"items": actions, "count": len(actions)})
}

type proposeRequest struct {
	InsightID string `json:"insight_id" binding:"required"`
}

func (h *Handler) proposeAction(c *gin.Context) {
	var req proposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	action, err := h.core.ProposeAction(c.Request.Context(), req.InsightID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, action)
}

func (h *Handler) getAction(c *gin.Context) {
	action, err := h.core.GetAction(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, action)
}

type transitionRequest struct {
	Status  models.ActionStatus `json:"status" binding:"required,oneof=executed rejected rolled_back"`
	Content *string             `json:"content"`
}

// transitionAction moves an action to the requested status: executed
// approves it (optionally with edited content), rejected and rolled_back do
// what they say
func (h *Handler) transitionAction(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")

	var (
		action models.Action
		err    error
	)
	switch req.Status {
	case models.ActionStatusExecuted:
		action, err = h.core.ApproveAction(ctx, id, req.Content)
	case models.ActionStatusRejected:
		action, err = h.core.RejectAction(ctx, id)
	case models.ActionStatusRolledBack:
		action, err = h.core.RollbackAction(ctx, id)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, action)
}

func (h *Handler) actionLogs(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.core.GetAction(id); err != nil {
		h.writeError(c, err)
		return
	}
	h.writeLogs(c, store.LogFilter{ActionID: id})
}

func (h *Handler) listExecutionLogs(c *gin.Context) {
	h.writeLogs(c, store.LogFilter{
		ActionID:   c.Query("action_id"),
		WorkflowID: c.Query("workflow_id"),
	})
}

func (h *Handler) writeLogs(c *gin.Context, filter store.LogFilter) {
	logs, err := h.core.ExecutionLogs(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": logs, "count": len(logs)})
}

func (h *Handler) listNotifications(c *gin.Context) {
	unreadOnly, _ := strconv.ParseBool(c.Query("unread"))
	notifications := h.core.Notifications(unreadOnly)
	c.JSON(http.StatusOK, gin.H{"items": notifications, "count": len(notifications)})
}

func (h *Handler) markNotificationRead(c *gin.Context) {
	n, err := h.core.MarkNotificationRead(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *Handler) removeNotification(c *gin.Context) {
	if err := h.core.RemoveNotification(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError maps typed domain errors onto HTTP statuses
func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		ve *models.ValidationError
		nf *models.NotFoundError
		it *models.IllegalTransitionError
		ef *models.ExecutionFailure
	)

	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed", "details": ve.Fields})
	case errors.As(err, &nf):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found", "details": nf.Error()})
	case errors.As(err, &it):
		c.JSON(http.StatusConflict, gin.H{"error": "Illegal transition", "details": it.Error()})
	case errors.As(err, &ef):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     "Execution failed",
			"details":   ef.Error(),
			"retryable": ef.Retryable,
		})
	default:
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error", "details": err.Error()})
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
