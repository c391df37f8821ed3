package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/veridianops/assessd/internal/domain"
	"github.com/veridianops/assessd/internal/processor"
	"github.com/veridianops/assessd/internal/repository"
	"github.com/veridianops/assessd/internal/store"
)

// AssessmentHandler handles HTTP requests for the assessment lifecycle.
type AssessmentHandler struct {
	store     *store.Store
	processor *processor.Processor
	backups   repository.BackupStore
	logger    *zap.Logger
}

// NewAssessmentHandler creates a new AssessmentHandler. backups may be nil
// when the persistence layer does not support export.
func NewAssessmentHandler(st *store.Store, proc *processor.Processor, backups repository.BackupStore, logger *zap.Logger) *AssessmentHandler {
	return &AssessmentHandler{
		store:     st,
		processor: proc,
		backups:   backups,
		logger:    logger,
	}
}

// respondError maps domain errors onto HTTP status codes.
func (h *AssessmentHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrSecurityViolation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrDuplicateID),
		errors.Is(err, domain.ErrMigrationCollision),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrPayloadTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrConnectionFailed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
	default:
		h.logger.Error("Request failed", zap.Error(err), zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func actorContext(c *gin.Context) *gin.Context {
	if actor := c.GetHeader("X-Actor"); actor != "" {
		c.Request = c.Request.WithContext(store.WithActor(c.Request.Context(), actor))
	}
	return c
}

// Create handles POST /api/v1/assessments
func (h *AssessmentHandler) Create(c *gin.Context) {
	if c.ContentType() != "application/json" {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "Content-Type must be application/json"})
		return
	}

	var req domain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	a, err := h.store.CreateAssessment(actorContext(c).Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Location", "/api/v1/assessments/"+a.AssessmentID)
	c.JSON(http.StatusCreated, a)
}

// BatchCreate handles POST /api/v1/assessments/batch
func (h *AssessmentHandler) BatchCreate(c *gin.Context) {
	var reqs []*domain.CreateRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	if len(reqs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Batch must contain at least one request"})
		return
	}

	outcomes := h.store.BatchCreateAssessments(actorContext(c).Request.Context(), reqs)
	c.JSON(http.StatusMultiStatus, gin.H{"outcomes": outcomes})
}

// GetByID handles GET /api/v1/assessments/:id
func (h *AssessmentHandler) GetByID(c *gin.Context) {
	a, err := h.store.GetAssessment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	etag := a.ETag()
	if c.GetHeader("If-None-Match") == etag {
		c.Header("ETag", etag)
		c.Status(http.StatusNotModified)
		return
	}

	c.Header("ETag", etag)
	c.JSON(http.StatusOK, a)
}

// List handles GET /api/v1/assessments
func (h *AssessmentHandler) List(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be an integer"})
		return
	}

	filter := domain.ListFilter{ServerSearch: c.Query("search")}
	for _, s := range c.QueryArray("state") {
		filter.States = append(filter.States, domain.AssessmentState(s))
	}

	page, err := h.store.ListAssessments(c.Request.Context(), filter, domain.Page{Limit: limit, Offset: offset})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type progressRequest struct {
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

// UpdateProgress handles PUT /api/v1/assessments/:id/progress
func (h *AssessmentHandler) UpdateProgress(c *gin.Context) {
	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	a, err := h.store.UpdateProgress(actorContext(c).Request.Context(), c.Param("id"), req.Progress, req.Message)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type completeRequest struct {
	Result *domain.ResultData `json:"result"`
}

// Complete handles PUT /api/v1/assessments/:id/complete
func (h *AssessmentHandler) Complete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	a, err := h.store.CompleteAssessment(actorContext(c).Request.Context(), c.Param("id"), req.Result)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type failRequest struct {
	Error string `json:"error"`
}

// Fail handles PUT /api/v1/assessments/:id/fail
func (h *AssessmentHandler) Fail(c *gin.Context) {
	var req failRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	if req.Error == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A failure cause is required"})
		return
	}

	a, err := h.store.FailAssessment(actorContext(c).Request.Context(), c.Param("id"), req.Error)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles PUT /api/v1/assessments/:id/cancel. Routed through the
// processor so an in-flight evaluation is aborted, not just the record.
func (h *AssessmentHandler) Cancel(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}
	}

	a, err := h.processor.Cancel(actorContext(c).Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// Process handles POST /api/v1/assessments/:id/process. The run is
// asynchronous; poll the record or its stream for the outcome.
func (h *AssessmentHandler) Process(c *gin.Context) {
	id := c.Param("id")

	// Reject ids that cannot start before accepting the work.
	a, err := h.store.GetFresh(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if a.State != domain.StatePending {
		h.respondError(c, domain.ErrInvalidTransition)
		return
	}

	// Detached from the request context: the run outlives the 202.
	go func() {
		if _, err := h.processor.Process(store.WithActor(context.Background(), "processor"), id); err != nil {
			h.logger.Warn("Background processing ended with error",
				zap.String("assessment_id", id),
				zap.Error(err),
			)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"assessment_id": id, "status": "accepted"})
}

type batchProcessRequest struct {
	AssessmentIDs []string `json:"assessment_ids"`
}

// BatchProcess handles POST /api/v1/assessments/batch/process
func (h *AssessmentHandler) BatchProcess(c *gin.Context) {
	var req batchProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	if len(req.AssessmentIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "assessment_ids must not be empty"})
		return
	}

	result := h.processor.ProcessBatch(actorContext(c).Request.Context(), req.AssessmentIDs)
	c.JSON(http.StatusMultiStatus, result)
}

// Retry handles POST /api/v1/assessments/retry
func (h *AssessmentHandler) Retry(c *gin.Context) {
	ids, err := h.store.RetryFailedAssessments(actorContext(c).Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"retried": ids, "count": len(ids)})
}

// Events handles GET /api/v1/assessments/:id/events
func (h *AssessmentHandler) Events(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.GetFresh(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}

	filter := domain.AuditFilter{AssessmentID: id}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		filter.Limit = n
	}

	events, err := h.store.GetAuditTrail(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessment_id": id, "events": events})
}

// Stats handles GET /api/v1/assessments/stats
func (h *AssessmentHandler) Stats(c *gin.Context) {
	stats, err := h.store.GetStats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Metrics handles GET /api/v1/assessments/metrics
func (h *AssessmentHandler) Metrics(c *gin.Context) {
	m, err := h.store.GetMetrics(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// Migrate handles POST /api/v1/admin/migrate/:id
func (h *AssessmentHandler) Migrate(c *gin.Context) {
	a, err := h.store.MigrateLegacyAssessment(actorContext(c).Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// Backup handles POST /api/v1/admin/backup
func (h *AssessmentHandler) Backup(c *gin.Context) {
	if h.backups == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Backup not supported by this store"})
		return
	}

	compressed := c.DefaultQuery("compress", "true") == "true"

	var (
		b   *repository.Backup
		err error
	)
	if sinceStr := c.Query("since"); sinceStr != "" {
		since, parseErr := time.Parse(time.RFC3339, sinceStr)
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		b, err = h.backups.IncrementalBackup(c.Request.Context(), since, compressed)
	} else {
		b, err = h.backups.Backup(c.Request.Context(), compressed)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// Restore handles POST /api/v1/admin/restore
func (h *AssessmentHandler) Restore(c *gin.Context) {
	if h.backups == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Restore not supported by this store"})
		return
	}

	var b repository.Backup
	if err := c.ShouldBindJSON(&b); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid backup payload: " + err.Error()})
		return
	}

	count, err := h.backups.Restore(c.Request.Context(), &b)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restored": count})
}
