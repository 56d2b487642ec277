package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/timmy/sitexport/internal/domain"
	"github.com/timmy/sitexport/internal/logger"
)

// exportStarter is the part of Supervisor the dispatcher needs.
type exportStarter interface {
	Start(ctx context.Context, site string, opts domain.ExportOptions) (domain.JobSnapshot, error)
}

// drainer is an extra replay step run after the queue.
type drainer func(context.Context)

// QueueDispatcher replays queued export requests into free worker slots. It
// runs after every job completion and on a cron schedule, so queued work is
// retried even when no job finishes.
type QueueDispatcher struct {
	queue    *ExportQueue
	starter  exportStarter
	cron     *cron.Cron
	logger   *logger.Logger
	dispatch sync.Mutex

	mu       sync.Mutex
	drainers []drainer
}

func NewQueueDispatcher(queue *ExportQueue, starter exportStarter, log *logger.Logger) *QueueDispatcher {
	if log == nil {
		log = logger.GetDefault()
	}
	return &QueueDispatcher{
		queue:   queue,
		starter: starter,
		cron:    cron.New(),
		logger:  log.WithComponent("queue-dispatcher"),
	}
}

// AddDrainer registers an extra replay step run after the queue, such as the
// bulk coordinator's pending-site drain.
func (d *QueueDispatcher) AddDrainer(fn func(context.Context)) {
	d.mu.Lock()
	d.drainers = append(d.drainers, drainer(fn))
	d.mu.Unlock()
}

// Start schedules periodic sweeps. An empty schedule only disables the timer;
// Trigger still works.
func (d *QueueDispatcher) Start(schedule string) error {
	if schedule == "" {
		d.logger.Info("Queue sweep disabled; replaying only on job completion")
		return nil
	}
	if _, err := d.cron.AddFunc(schedule, d.sweep); err != nil {
		return err
	}
	d.cron.Start()
	d.logger.WithField("schedule", schedule).Info("Queue sweep scheduler started")
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (d *QueueDispatcher) Stop() {
	<-d.cron.Stop().Done()
	d.logger.Info("Queue sweep scheduler stopped")
}

// Trigger runs a dispatch in the background. It fits Supervisor.OnJobFinished.
func (d *QueueDispatcher) Trigger(domain.JobSnapshot) {
	go d.sweep()
}

func (d *QueueDispatcher) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	d.Dispatch(ctx)
}

// Dispatch starts queued requests in FIFO order, stopping at the first one
// still blocked by capacity. Sites that are already running stay queued;
// requests failing for any other reason are dropped. It returns how many
// requests were started.
func (d *QueueDispatcher) Dispatch(ctx context.Context) int {
	d.dispatch.Lock()
	defer d.dispatch.Unlock()

	started := 0
	for _, q := range d.queue.List() {
		log := d.logger.WithFields(logger.Fields{
			logger.FieldQueuedID: q.ID,
			logger.FieldSite:     q.Site,
		})
		snap, err := d.starter.Start(ctx, q.Site, q.Options)
		if err == nil {
			d.queue.Remove(q.ID)
			started++
			log.WithField(logger.FieldJobID, snap.ID).Info("Started queued export")
			continue
		}
		if errors.Is(err, ErrCapacityExceeded) {
			break
		}
		if errors.Is(err, ErrAlreadyRunning) {
			continue
		}
		d.queue.Remove(q.ID)
		log.WithError(err).Warn("Dropped queued export")
	}

	d.mu.Lock()
	drainers := append([]drainer(nil), d.drainers...)
	d.mu.Unlock()
	for _, fn := range drainers {
		fn(ctx)
	}
	return started
}
