package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/timmy/sitexport/internal/api/middleware"
	"github.com/timmy/sitexport/internal/domain"
	"github.com/timmy/sitexport/internal/logger"
	"github.com/timmy/sitexport/internal/service"
	"github.com/timmy/sitexport/internal/site"
)

// BulkService is the bulk run coordinator as seen by the bulk routes.
type BulkService interface {
	Start(ctx context.Context, sites []string, resume bool, overrides map[string]int) (domain.BulkRunSnapshot, error)
	Get(runID string) (domain.BulkRunSnapshot, error)
	Latest() (domain.BulkRunSnapshot, error)
	List() []domain.BulkRunSnapshot
	Archive(runID string) (domain.ArchiveInfo, error)
	Subscribe(ctx context.Context, runID string, listener func(domain.BulkRunSnapshot) error) (func(), error)
	Settled(runID string) (<-chan struct{}, error)
}

// ArchiveOpener streams a built archive.
type ArchiveOpener interface {
	Open(ctx context.Context, runID string) (io.ReadCloser, error)
}

// BulkHandler handles bulk runs and their archives.
type BulkHandler struct {
	runs     BulkService
	archives ArchiveOpener
	sites    site.Registry
}

// NewBulkHandler creates a new bulk run handler.
// Parameters:
//   - runs: bulk run coordinator.
//   - archives: archive reader for downloads, may be nil.
//   - sites: registry used when a run names no sites.
// Returns:
//   - *BulkHandler: initialized handler.
func NewBulkHandler(runs BulkService, archives ArchiveOpener, sites site.Registry) *BulkHandler {
	return &BulkHandler{runs: runs, archives: archives, sites: sites}
}

// StartBulkRunRequest is the body of POST /api/v1/bulk-runs. An empty site
// list runs every allow-listed site.
type StartBulkRunRequest struct {
	Sites                []string       `json:"sites"`
	Resume               bool           `json:"resume"`
	ConcurrencyOverrides map[string]int `json:"concurrency_overrides" binding:"omitempty,dive,min=1,max=64"`
}

// StartBulkRun handles POST /api/v1/bulk-runs.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *BulkHandler) StartBulkRun(c *gin.Context) {
	var req StartBulkRunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	sites := req.Sites
	if len(sites) == 0 && h.sites != nil {
		for _, s := range h.sites.List() {
			sites = append(sites, s.Name)
		}
	}

	snap, err := h.runs.Start(c.Request.Context(), sites, req.Resume, req.ConcurrencyOverrides)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":   snap.ID,
		"snapshot": snap,
	})
}

// ListBulkRuns handles GET /api/v1/bulk-runs.
func (h *BulkHandler) ListBulkRuns(c *gin.Context) {
	runs := h.runs.List()
	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"total": len(runs),
	})
}

// GetBulkRun handles GET /api/v1/bulk-runs/:id.
func (h *BulkHandler) GetBulkRun(c *gin.Context) {
	snap, err := h.runs.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetLatestBulkRun handles GET /api/v1/bulk-runs/latest.
func (h *BulkHandler) GetLatestBulkRun(c *gin.Context) {
	snap, err := h.runs.Latest()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetArchive handles GET /api/v1/bulk-runs/:id/archive. It answers 202 while
// the archive is being built and starts a rebuild when the last build failed.
func (h *BulkHandler) GetArchive(c *gin.Context) {
	info, err := h.runs.Archive(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if info.Building {
		c.JSON(http.StatusAccepted, gin.H{
			"status":  "building",
			"archive": info,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"path":     info.Path,
		"size":     info.Size,
		"url":      info.URL,
		"files":    info.Files,
		"built_at": info.BuiltAt,
	})
}

// DownloadArchive handles GET /api/v1/bulk-runs/:id/archive/download.
func (h *BulkHandler) DownloadArchive(c *gin.Context) {
	runID := c.Param("id")
	info, err := h.runs.Archive(runID)
	if err != nil {
		respondError(c, err)
		return
	}
	if info.Building {
		c.JSON(http.StatusAccepted, gin.H{"status": "building"})
		return
	}
	if h.archives == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "archive downloads are disabled"})
		return
	}

	rc, err := h.archives.Open(c.Request.Context(), runID)
	if err != nil {
		respondError(c, err)
		return
	}
	defer rc.Close()

	size := info.Size
	if size <= 0 {
		size = -1
	}
	c.DataFromReader(http.StatusOK, size, "application/zip", rc, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="bulk-%s.zip"`, runID),
	})
}

// StreamBulkRun handles GET /api/v1/bulk-runs/:id/events as a server-sent
// event stream of run snapshots. It ends after the run settled.
func (h *BulkHandler) StreamBulkRun(c *gin.Context) {
	ctx := c.Request.Context()
	runID := c.Param("id")
	snaps := make(chan domain.BulkRunSnapshot, 16)

	settled, err := h.runs.Settled(runID)
	if err != nil {
		respondError(c, err)
		return
	}
	unsubscribe, err := h.runs.Subscribe(ctx, runID, forward(ctx, snaps))
	if err != nil {
		respondError(c, err)
		return
	}
	defer unsubscribe()

	setStreamHeaders(c)
	c.Stream(func(w io.Writer) bool {
		snap, last, ok := h.nextSnapshot(ctx, runID, snaps, settled)
		if !ok {
			return false
		}
		c.SSEvent("snapshot", snap)
		return !last
	})
}

// nextSnapshot waits for the next streamed snapshot and reports whether it
// is the last one. Once the run settled it falls back to the current state,
// so the stream ends even if the subscription dropped the terminal snapshot.
func (h *BulkHandler) nextSnapshot(ctx context.Context, runID string, snaps <-chan domain.BulkRunSnapshot, settled <-chan struct{}) (snap domain.BulkRunSnapshot, last, ok bool) {
	select {
	case <-ctx.Done():
		return snap, false, false
	case snap = <-snaps:
		return snap, snap.Settled(), true
	case <-settled:
		snap, err := h.runs.Get(runID)
		return snap, true, err == nil
	}
}

// StreamBulkRunWS handles GET /api/v1/bulk-runs/:id/ws. Snapshots are sent
// as {"type":"snapshot","payload":...} text frames; the server closes the
// socket once the run settled.
func (h *BulkHandler) StreamBulkRunWS(c *gin.Context) {
	runID := c.Param("id")
	settled, err := h.runs.Settled(runID)
	if err != nil {
		respondError(c, err)
		return
	}

	log := middleware.GetLogger(c).WithField(logger.FieldRunID, runID)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Client frames are ignored; a read error means the client went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.WithError(err).Debug("WebSocket read error")
				}
				return
			}
		}
	}()

	snaps := make(chan domain.BulkRunSnapshot, 16)
	unsubscribe, err := h.runs.Subscribe(ctx, runID, forward(ctx, snaps))
	if err != nil {
		closeWS(conn, websocket.CloseInternalServerErr, err.Error())
		return
	}
	defer unsubscribe()

	for {
		snap, last, ok := h.nextSnapshot(ctx, runID, snaps, settled)
		if !ok {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(wsMessage{Type: "snapshot", Payload: snap}); err != nil {
			log.WithError(err).Debug("WebSocket write failed")
			return
		}
		if last {
			closeWS(conn, websocket.CloseNormalClosure, "run "+string(snap.Status))
			return
		}
	}
}

func closeWS(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

var _ ArchiveOpener = (*service.ArchiveBuilder)(nil)
