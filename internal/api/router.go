package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/sitexport/internal/api/handler"
	"github.com/timmy/sitexport/internal/api/middleware"
	"github.com/timmy/sitexport/internal/config"
	"github.com/timmy/sitexport/internal/logger"
	"github.com/timmy/sitexport/internal/site"
)

// Services bundles what the HTTP routes call into.
type Services struct {
	Exports    handler.ExportService
	Pool       handler.PoolStats
	Queue      handler.QueueService
	Dispatcher handler.Dispatcher
	Runs       handler.BulkService
	Archives   handler.ArchiveOpener
	Sites      site.Registry
	// Streams names the buses whose drop counts /health reports.
	Streams map[string]handler.DropCounter
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(svc Services, cfg config.ServerConfig, log *logger.Logger) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(cfg.CORS))

	// Create handlers
	healthHandler := handler.NewHealthHandler(svc.Pool, svc.Queue, svc.Streams)
	exportHandler := handler.NewExportHandler(svc.Exports)
	queueHandler := handler.NewQueueHandler(svc.Queue, svc.Dispatcher, svc.Sites)
	bulkHandler := handler.NewBulkHandler(svc.Runs, svc.Archives, svc.Sites)
	siteHandler := handler.NewSiteHandler(svc.Sites)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Sites
		v1.GET("/sites", siteHandler.ListSites)

		// Single-site exports
		exports := v1.Group("/exports")
		exports.POST("", exportHandler.StartExport)
		exports.GET("", exportHandler.ListExports)
		exports.GET("/:id", exportHandler.GetExport)
		exports.GET("/:id/output", exportHandler.GetOutput)
		exports.GET("/:id/logs", exportHandler.StreamLogs)
		exports.POST("/:id/stop", exportHandler.StopExport)

		// Export queue
		queue := v1.Group("/queue")
		queue.GET("", queueHandler.ListQueue)
		queue.POST("", queueHandler.Enqueue)
		queue.GET("/:id", queueHandler.GetQueued)
		queue.DELETE("/:id", queueHandler.CancelQueued)

		// Bulk runs
		runs := v1.Group("/bulk-runs")
		runs.POST("", bulkHandler.StartBulkRun)
		runs.GET("", bulkHandler.ListBulkRuns)
		runs.GET("/latest", bulkHandler.GetLatestBulkRun)
		runs.GET("/:id", bulkHandler.GetBulkRun)
		runs.GET("/:id/events", bulkHandler.StreamBulkRun)
		runs.GET("/:id/ws", bulkHandler.StreamBulkRunWS)
		runs.GET("/:id/archive", bulkHandler.GetArchive)
		runs.GET("/:id/archive/download", bulkHandler.DownloadArchive)
	}

	return r
}
