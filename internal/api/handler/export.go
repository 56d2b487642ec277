package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/sitexport/internal/api/middleware"
	"github.com/timmy/sitexport/internal/domain"
	"github.com/timmy/sitexport/internal/logger"
	"github.com/timmy/sitexport/internal/service"
)

// ExportService is the worker supervisor as seen by the export routes.
type ExportService interface {
	Start(ctx context.Context, site string, opts domain.ExportOptions) (domain.JobSnapshot, error)
	StartOrQueue(ctx context.Context, site string, opts domain.ExportOptions) (domain.JobSnapshot, error)
	Get(jobID string) (domain.JobSnapshot, error)
	Logs(jobID string) ([]domain.LogEntry, error)
	ListActive() []domain.JobSnapshot
	Stop(jobID string, signal string) bool
	Subscribe(ctx context.Context, jobID string, listener func(domain.JobEvent) error) (func(), error)
}

// ExportHandler handles single-site export jobs.
type ExportHandler struct {
	exports ExportService
}

// NewExportHandler creates a new export handler.
// Parameters:
//   - exports: supervisor that owns the worker processes.
// Returns:
//   - *ExportHandler: initialized handler.
func NewExportHandler(exports ExportService) *ExportHandler {
	return &ExportHandler{exports: exports}
}

// StartExportRequest is the body of POST /api/v1/exports. The export
// options sit at the top level next to the site.
type StartExportRequest struct {
	Site string `json:"site" binding:"required"`
	domain.ExportOptions
	// Queue parks the request on the export queue when every slot is busy.
	Queue bool `json:"queue"`
}

// StartExport handles POST /api/v1/exports.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ExportHandler) StartExport(c *gin.Context) {
	var req StartExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := logger.SetSite(c.Request.Context(), req.Site)
	start := h.exports.Start
	if req.Queue {
		start = h.exports.StartOrQueue
	}
	snap, err := start(ctx, req.Site, req.ExportOptions)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":     snap.ID,
		"started_at": snap.CreatedAt,
		"status":     snap.Status,
		"job":        snap,
	})
}

// ListExports handles GET /api/v1/exports.
func (h *ExportHandler) ListExports(c *gin.Context) {
	jobs := h.exports.ListActive()
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// GetExport handles GET /api/v1/exports/:id.
func (h *ExportHandler) GetExport(c *gin.Context) {
	snap, err := h.exports.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetOutput handles GET /api/v1/exports/:id/output and returns the
// buffered log lines without following the job.
func (h *ExportHandler) GetOutput(c *gin.Context) {
	entries, err := h.exports.Logs(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"logs":  entries,
		"total": len(entries),
	})
}

// StopExportRequest is the body of POST /api/v1/exports/:id/stop.
type StopExportRequest struct {
	Signal string `json:"signal"`
}

// StopExport handles POST /api/v1/exports/:id/stop.
func (h *ExportHandler) StopExport(c *gin.Context) {
	var req StopExportRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if _, err := service.ParseStopSignal(req.Signal); err != nil {
		badRequest(c, err)
		return
	}

	id := c.Param("id")
	if _, err := h.exports.Get(id); err != nil {
		respondError(c, err)
		return
	}

	accepted := h.exports.Stop(id, req.Signal)
	middleware.GetLogger(c).WithFields(logger.Fields{
		logger.FieldJobID: id,
		"signal":          req.Signal,
		"accepted":        accepted,
	}).Info("Stop export requested")
	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}

// StreamLogs handles GET /api/v1/exports/:id/logs as a server-sent event
// stream. Buffered output is replayed first; the stream ends with a "close"
// event once the worker exits.
func (h *ExportHandler) StreamLogs(c *gin.Context) {
	ctx := c.Request.Context()
	events := make(chan domain.JobEvent, 64)

	unsubscribe, err := h.exports.Subscribe(ctx, c.Param("id"), forward(ctx, events))
	if err != nil {
		respondError(c, err)
		return
	}
	defer unsubscribe()

	setStreamHeaders(c)
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev := <-events:
			switch {
			case ev.Log != nil:
				c.SSEvent("log", ev.Log)
			case ev.Progress != nil:
				c.SSEvent("progress", ev.Progress)
			case ev.Close != nil:
				c.SSEvent("close", ev.Close)
				return false
			}
			return true
		}
	})
}
