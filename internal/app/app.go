// Package app wires the export services together for the entry points.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/timmy/sitexport/internal/api"
	"github.com/timmy/sitexport/internal/api/handler"
	"github.com/timmy/sitexport/internal/config"
	"github.com/timmy/sitexport/internal/logger"
	"github.com/timmy/sitexport/internal/service"
	"github.com/timmy/sitexport/internal/site"
	"github.com/timmy/sitexport/internal/storage"
	"github.com/timmy/sitexport/internal/webhook"
)

// App holds the long-lived services of one process.
type App struct {
	Config     *config.Config
	Sites      *site.StaticRegistry
	Queue      *service.ExportQueue
	Supervisor *service.Supervisor
	Dispatcher *service.QueueDispatcher
	Archives   *service.ArchiveBuilder
	Runs       *service.BulkCoordinator

	logger *logger.Logger
}

// New builds every service from cfg. Object storage is only contacted when
// archive uploads are enabled.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.GetDefault()
	}

	registry := site.NewStaticRegistry(cfg.Sites)
	commands, err := site.NewWorkerCommandBuilder(cfg.Worker)
	if err != nil {
		return nil, fmt.Errorf("failed to configure worker command: %w", err)
	}

	queue := service.NewExportQueue()
	supervisor := service.NewSupervisor(registry, commands, queue, log, &cfg.Supervisor)

	var store storage.ObjectStorage
	if cfg.Archive.Upload {
		s3Store, err := storage.NewStorage(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		if err := s3Store.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure storage bucket: %w", err)
		}
		store = s3Store
	}
	archives := service.NewArchiveBuilder(site.NewDirArtifactStore(registry), cfg.Archive, store, log)

	var notifier service.RunNotifier
	if n := webhook.NewNotifier(cfg.Webhook, log); n != nil {
		notifier = n
	}

	runs := service.NewBulkCoordinator(supervisor, queue, archives, notifier, log, service.BulkConfig{
		SnapshotInterval: cfg.Bulk.SnapshotInterval,
		ArchiveTimeout:   cfg.Bulk.ArchiveTimeout,
	})

	dispatcher := service.NewQueueDispatcher(queue, supervisor, log)
	dispatcher.AddDrainer(runs.Drain)
	supervisor.OnJobFinished(dispatcher.Trigger)

	log.WithFields(logger.Fields{
		"sites":          len(cfg.Sites),
		"max_concurrent": supervisor.Capacity(),
		"archive_upload": cfg.Archive.Upload,
		"webhook":        notifier != nil,
	}).Info("Export services initialized")

	return &App{
		Config:     cfg,
		Sites:      registry,
		Queue:      queue,
		Supervisor: supervisor,
		Dispatcher: dispatcher,
		Archives:   archives,
		Runs:       runs,
		logger:     log,
	}, nil
}

// Router returns the HTTP API over the app's services.
func (a *App) Router() *gin.Engine {
	return api.SetupRouter(api.Services{
		Exports:    a.Supervisor,
		Pool:       a.Supervisor,
		Queue:      a.Queue,
		Dispatcher: a.Dispatcher,
		Runs:       a.Runs,
		Archives:   a.Archives,
		Sites:      a.Sites,
		Streams: map[string]handler.DropCounter{
			"jobs":      a.Supervisor,
			"bulk_runs": a.Runs,
		},
	}, a.Config.Server, a.logger)
}

// Start begins the periodic queue sweep.
func (a *App) Start() error {
	return a.Dispatcher.Start(a.Config.Queue.SweepSchedule)
}

// Shutdown stops the sweep, terminates running workers and detaches every
// run stream. Workers still alive when ctx expires are killed.
func (a *App) Shutdown(ctx context.Context) error {
	a.Dispatcher.Stop()
	err := a.Supervisor.Shutdown(ctx)
	a.Runs.Close()
	if err != nil {
		return fmt.Errorf("supervisor shutdown: %w", err)
	}
	return nil
}
