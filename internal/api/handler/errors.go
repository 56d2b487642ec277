package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/sitexport/internal/api/middleware"
	"github.com/timmy/sitexport/internal/service"
)

// respondError maps service errors onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	var (
		capErr     *service.CapacityError
		runningErr *service.AlreadyRunningError
		activeErr  *service.BulkRunActiveError
	)

	switch {
	case errors.As(err, &capErr):
		body := gin.H{
			"error":    err.Error(),
			"running":  capErr.Running,
			"capacity": capErr.Capacity,
		}
		if capErr.QueuedID != "" {
			body["queued_id"] = capErr.QueuedID
		}
		c.JSON(http.StatusTooManyRequests, body)
	case errors.As(err, &runningErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":  err.Error(),
			"job_id": runningErr.JobID,
		})
	case errors.As(err, &activeErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":  err.Error(),
			"active": activeErr.Active,
		})
	case errors.Is(err, service.ErrSiteNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidOptions):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrJobNotFound),
		errors.Is(err, service.ErrQueuedNotFound),
		errors.Is(err, service.ErrBulkRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrBulkRunNotFinished):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrSupervisorClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		middleware.GetLogger(c).WithError(err).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": "Invalid request: " + err.Error(),
	})
}
