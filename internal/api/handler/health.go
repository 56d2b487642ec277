package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// PoolStats reports worker pool occupancy.
type PoolStats interface {
	Running() int
	Capacity() int
}

// DropCounter reports values a notification bus discarded for slow subscribers.
type DropCounter interface {
	Dropped() int64
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	pool    PoolStats
	queue   QueueService
	streams map[string]DropCounter
}

// NewHealthHandler creates a new health handler. Every argument may be nil.
func NewHealthHandler(pool PoolStats, queue QueueService, streams map[string]DropCounter) *HealthHandler {
	return &HealthHandler{pool: pool, queue: queue, streams: streams}
}

// Health returns the health status of the service
func (h *HealthHandler) Health(c *gin.Context) {
	body := gin.H{
		"status": "ok",
	}
	if h.pool != nil {
		body["running"] = h.pool.Running()
		body["capacity"] = h.pool.Capacity()
	}
	if h.queue != nil {
		body["queued"] = h.queue.Len()
	}
	if len(h.streams) > 0 {
		dropped := make(gin.H, len(h.streams))
		for name, s := range h.streams {
			dropped[name] = s.Dropped()
		}
		body["dropped_events"] = dropped
	}
	c.JSON(http.StatusOK, body)
}
