package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/timmy/sitexport/internal/api/middleware"
	"github.com/timmy/sitexport/internal/domain"
	"github.com/timmy/sitexport/internal/logger"
	"github.com/timmy/sitexport/internal/service"
	"github.com/timmy/sitexport/internal/site"
)

// QueueService is the export queue as seen by the queue routes.
type QueueService interface {
	Enqueue(site string, opts domain.ExportOptions) domain.QueuedRequest
	Cancel(id string) bool
	Get(id string) (domain.QueuedRequest, bool)
	List() []domain.QueuedRequest
	Len() int
}

// Dispatcher replays queued requests against the worker pool.
type Dispatcher interface {
	Dispatch(ctx context.Context) int
}

// QueueHandler handles the export queue.
type QueueHandler struct {
	queue      QueueService
	dispatcher Dispatcher
	sites      site.Registry
	validate   *validator.Validate
}

// NewQueueHandler creates a new queue handler. dispatcher may be nil.
func NewQueueHandler(queue QueueService, dispatcher Dispatcher, sites site.Registry) *QueueHandler {
	return &QueueHandler{
		queue:      queue,
		dispatcher: dispatcher,
		sites:      sites,
		validate:   validator.New(),
	}
}

// EnqueueRequest is the body of POST /api/v1/queue.
type EnqueueRequest struct {
	Site string `json:"site" binding:"required"`
	domain.ExportOptions
}

// ListQueue handles GET /api/v1/queue.
func (h *QueueHandler) ListQueue(c *gin.Context) {
	entries := h.queue.List()
	c.JSON(http.StatusOK, gin.H{
		"queue": entries,
		"total": len(entries),
	})
}

// Enqueue handles POST /api/v1/queue. A site that is already queued keeps
// its original entry, which is returned.
func (h *QueueHandler) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if _, ok := h.sites.Lookup(req.Site); !ok {
		respondError(c, fmt.Errorf("%w: %s", service.ErrSiteNotAllowed, req.Site))
		return
	}
	if err := h.validate.Struct(req.ExportOptions); err != nil {
		respondError(c, fmt.Errorf("%w: %v", service.ErrInvalidOptions, err))
		return
	}

	entry := h.queue.Enqueue(req.Site, req.ExportOptions)
	middleware.GetLogger(c).WithFields(logger.Fields{
		logger.FieldSite:     entry.Site,
		logger.FieldQueuedID: entry.ID,
	}).Info("Export request queued")

	if h.dispatcher != nil {
		h.dispatcher.Dispatch(c.Request.Context())
	}
	c.JSON(http.StatusAccepted, entry)
}

// GetQueued handles GET /api/v1/queue/:id.
func (h *QueueHandler) GetQueued(c *gin.Context) {
	entry, ok := h.queue.Get(c.Param("id"))
	if !ok {
		respondError(c, service.ErrQueuedNotFound)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// CancelQueued handles DELETE /api/v1/queue/:id.
func (h *QueueHandler) CancelQueued(c *gin.Context) {
	if !h.queue.Cancel(c.Param("id")) {
		respondError(c, service.ErrQueuedNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}
