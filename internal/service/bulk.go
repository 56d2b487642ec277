package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/sitexport/internal/domain"
	"github.com/timmy/sitexport/internal/logger"
	"github.com/timmy/sitexport/internal/pubsub"
	"golang.org/x/time/rate"
)

// jobRunner is the part of Supervisor the coordinator drives.
type jobRunner interface {
	Start(ctx context.Context, site string, opts domain.ExportOptions) (domain.JobSnapshot, error)
	Subscribe(ctx context.Context, jobID string, listener func(domain.JobEvent) error) (func(), error)
}

// archiveBuilder assembles the result archive of a finished run.
type archiveBuilder interface {
	Build(ctx context.Context, runID string, sites []string) (domain.ArchiveInfo, error)
}

// RunNotifier is told about every run once its archive build settled.
type RunNotifier interface {
	Notify(ctx context.Context, snap domain.BulkRunSnapshot) error
}

// BulkConfig tunes the coordinator.
type BulkConfig struct {
	// SnapshotInterval throttles progress-driven snapshot publishing.
	SnapshotInterval time.Duration
	ArchiveTimeout   time.Duration
}

// BulkCoordinator fans a batch of sites through the supervisor's worker pool
// and tracks the run until every site is terminal.
type BulkCoordinator struct {
	runner   jobRunner
	queue    *ExportQueue
	archiver archiveBuilder
	notifier RunNotifier
	bus      *pubsub.Bus[domain.BulkRunSnapshot]
	logger   *logger.Logger
	cfg      BulkConfig

	mu       sync.Mutex
	runs     map[string]*bulkRun
	latestID string
	activeID string
}

type bulkRun struct {
	id         string
	status     domain.BulkRunStatus
	startedAt  time.Time
	finishedAt *time.Time
	resume     bool
	overrides  map[string]int
	order      []string
	sites      map[string]*domain.SiteRunState
	pending    []string
	errors     []string
	archive    domain.ArchiveInfo

	finalized  bool
	notified   bool
	settled    chan struct{}
	unsubs     map[string]func()
	limiter    *rate.Limiter
	flushTimer *time.Timer
}

// NewBulkCoordinator creates a coordinator. queue, archiver and notifier may be nil.
func NewBulkCoordinator(
	runner jobRunner,
	queue *ExportQueue,
	archiver archiveBuilder,
	notifier RunNotifier,
	log *logger.Logger,
	cfg BulkConfig,
) *BulkCoordinator {
	if log == nil {
		log = logger.GetDefault()
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 250 * time.Millisecond
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = 10 * time.Minute
	}
	return &BulkCoordinator{
		runner:   runner,
		queue:    queue,
		archiver: archiver,
		notifier: notifier,
		bus: pubsub.New[domain.BulkRunSnapshot](pubsub.Options{
			Name:       "bulk-runs",
			Buffer:     32,
			RetainLast: true,
			Logger:     log,
		}),
		logger: log.WithComponent("bulk-coordinator"),
		cfg:    cfg,
		runs:   make(map[string]*bulkRun),
	}
}

func (c *BulkCoordinator) runLog(runID string) *logger.Logger {
	return c.logger.WithField(logger.FieldRunID, runID)
}

// Dropped returns how many snapshots slow subscribers missed.
func (c *BulkCoordinator) Dropped() int64 { return c.bus.Dropped() }

// Start begins a bulk run over sites, in order. Duplicate and blank site
// names are ignored. It fails with *BulkRunActiveError while another run is
// running.
func (c *BulkCoordinator) Start(ctx context.Context, sites []string, resume bool, overrides map[string]int) (domain.BulkRunSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activeID != "" {
		if active, ok := c.runs[c.activeID]; ok {
			return domain.BulkRunSnapshot{}, &BulkRunActiveError{Active: c.snapshotLocked(active)}
		}
	}

	run := &bulkRun{
		id:        uuid.New().String(),
		status:    domain.BulkRunStatusRunning,
		startedAt: time.Now(),
		resume:    resume,
		overrides: make(map[string]int, len(overrides)),
		sites:     make(map[string]*domain.SiteRunState),
		unsubs:    make(map[string]func()),
		limiter:   rate.NewLimiter(rate.Every(c.cfg.SnapshotInterval), 1),
		settled:   make(chan struct{}),
	}
	for k, v := range overrides {
		run.overrides[k] = v
	}
	for _, name := range sites {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := run.sites[name]; dup {
			continue
		}
		run.order = append(run.order, name)
		run.sites[name] = &domain.SiteRunState{Site: name, Status: domain.SiteStatusPending}
	}

	c.runs[run.id] = run
	c.latestID = run.id
	c.activeID = run.id

	ctx = logger.SetRunID(ctx, run.id)
	c.runLog(run.id).WithFields(logger.Fields{
		logger.FieldCount: len(run.order),
		"resume":          resume,
	}).Info("Starting bulk run")

	for _, name := range run.order {
		if c.tryStartLocked(ctx, run, name) == startBlocked {
			run.pending = append(run.pending, name)
		}
	}

	c.checkFinalizeLocked(run)
	c.publishLocked(run)
	return c.snapshotLocked(run), nil
}

type startOutcome int

const (
	startDone startOutcome = iota
	startBlocked
)

// tryStartLocked attempts to start one site. Only a capacity rejection leaves
// the site pending; every other outcome is final for this attempt.
func (c *BulkCoordinator) tryStartLocked(ctx context.Context, run *bulkRun, name string) startOutcome {
	st := run.sites[name]
	opts := domain.ExportOptions{Resume: run.resume}
	if n, ok := run.overrides[name]; ok && n > 0 {
		opts.Concurrency = n
	}

	log := c.runLog(run.id).WithField(logger.FieldSite, name)
	snap, err := c.runner.Start(logger.SetSite(ctx, name), name, opts)
	now := time.Now()
	switch {
	case err == nil:
		st.Status = domain.SiteStatusRunning
		st.JobID = snap.ID
		st.StartedAt = &now
		st.Error = ""
		mergeProgress(&st.Progress, snap.Progress)

		jobID := snap.ID
		runID := run.id
		unsub, subErr := c.runner.Subscribe(context.Background(), jobID, func(ev domain.JobEvent) error {
			c.onJobEvent(runID, name, jobID, ev)
			return nil
		})
		if subErr != nil {
			// The job vanished before we could watch it.
			c.failSiteLocked(run, st, domain.SiteStatusError, subErr.Error())
			return startDone
		}
		run.unsubs[name] = unsub
		log.WithField(logger.FieldJobID, jobID).Info("Bulk site started")
		return startDone

	case errors.Is(err, ErrCapacityExceeded):
		if c.queue != nil && c.queue.CancelSite(name) {
			log.Info("Removed queued export; bulk run owns the site")
		}
		st.Status = domain.SiteStatusPending
		return startBlocked

	case errors.Is(err, ErrAlreadyRunning):
		st.Status = domain.SiteStatusSkipped
		st.Error = err.Error()
		st.FinishedAt = &now
		log.Info("Bulk site skipped: already running outside this run")
		return startDone

	default:
		c.failSiteLocked(run, st, domain.SiteStatusError, err.Error())
		log.WithError(err).Warn("Bulk site could not start")
		return startDone
	}
}

func (c *BulkCoordinator) failSiteLocked(run *bulkRun, st *domain.SiteRunState, status domain.SiteStatus, reason string) {
	now := time.Now()
	st.Status = status
	st.Error = reason
	st.FinishedAt = &now
	if status == domain.SiteStatusError {
		run.errors = append(run.errors, st.Site+": "+reason)
	}
}

func (c *BulkCoordinator) onJobEvent(runID, name, jobID string, ev domain.JobEvent) {
	if ev.Log != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.runs[runID]
	if !ok {
		return
	}
	st := run.sites[name]
	if st == nil || st.JobID != jobID || st.Status != domain.SiteStatusRunning {
		return
	}

	if ev.Progress != nil {
		mergeProgress(&st.Progress, *ev.Progress)
		c.publishThrottledLocked(run)
		return
	}
	if ev.Close == nil {
		return
	}

	mergeProgress(&st.Progress, ev.Close.Progress)
	now := time.Now()
	st.FinishedAt = &now
	if ev.Close.Succeeded() {
		st.Status = domain.SiteStatusCompleted
	} else {
		st.Status = domain.SiteStatusFailed
		st.Error = ev.Close.Reason()
	}
	if unsub := run.unsubs[name]; unsub != nil {
		delete(run.unsubs, name)
		unsub()
	}

	c.runLog(runID).WithFields(logger.Fields{
		logger.FieldSite:   name,
		logger.FieldStatus: string(st.Status),
	}).Info("Bulk site finished")

	c.drainLocked(context.Background(), run)
	c.checkFinalizeLocked(run)
	c.publishLocked(run)
}

// Drain starts pending sites of the active run into free slots.
func (c *BulkCoordinator) Drain(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.runs[c.activeID]
	if !ok || len(run.pending) == 0 {
		return
	}
	before := len(run.pending)
	c.drainLocked(ctx, run)
	if len(run.pending) != before {
		c.checkFinalizeLocked(run)
		c.publishLocked(run)
	}
}

// drainLocked starts pending sites in request order and stops at the first
// one still blocked by capacity.
func (c *BulkCoordinator) drainLocked(ctx context.Context, run *bulkRun) {
	ctx = logger.SetRunID(ctx, run.id)
	for len(run.pending) > 0 && run.status == domain.BulkRunStatusRunning {
		if c.tryStartLocked(ctx, run, run.pending[0]) == startBlocked {
			return
		}
		run.pending = run.pending[1:]
	}
}

// checkFinalizeLocked completes the run once every site is terminal. The
// finalized flag makes this happen exactly once per run.
func (c *BulkCoordinator) checkFinalizeLocked(run *bulkRun) {
	if run.finalized {
		return
	}
	failed := false
	for _, name := range run.order {
		st := run.sites[name]
		if !st.Status.Terminal() {
			return
		}
		if st.Status == domain.SiteStatusFailed || st.Status == domain.SiteStatusError {
			failed = true
		}
	}

	run.finalized = true
	now := time.Now()
	run.finishedAt = &now
	run.status = domain.BulkRunStatusCompleted
	if failed {
		run.status = domain.BulkRunStatusFailed
	}
	if c.activeID == run.id {
		c.activeID = ""
	}
	if run.flushTimer != nil {
		run.flushTimer.Stop()
		run.flushTimer = nil
	}

	logger.With(logger.Fields{logger.FieldDurationMs: now.Sub(run.startedAt).Milliseconds()}).
		WithStatus(string(run.status)).
		WithCount(len(run.order)).
		Info(c.runLog(run.id).WithContext(context.Background()), "Bulk run finished")

	c.startArchiveLocked(run)
}

func (c *BulkCoordinator) startArchiveLocked(run *bulkRun) {
	if c.archiver == nil {
		c.notifyLocked(run)
		return
	}
	run.archive = domain.ArchiveInfo{Building: true}
	go c.buildArchive(run.id, append([]string(nil), run.order...))
}

func (c *BulkCoordinator) buildArchive(runID string, sites []string) {
	ctx, cancel := context.WithTimeout(logger.SetRunID(context.Background(), runID), c.cfg.ArchiveTimeout)
	defer cancel()

	info, err := c.archiver.Build(ctx, runID, sites)

	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[runID]
	if !ok {
		return
	}
	if err != nil {
		c.runLog(runID).WithError(err).Error("Archive build failed")
		run.archive = domain.ArchiveInfo{Error: err.Error()}
	} else {
		info.Building = false
		run.archive = info
	}
	c.publishLocked(run)
	c.notifyLocked(run)
}

func (c *BulkCoordinator) notifyLocked(run *bulkRun) {
	if c.notifier == nil || run.notified {
		return
	}
	run.notified = true
	snap := c.snapshotLocked(run)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := c.notifier.Notify(ctx, snap); err != nil {
			c.runLog(snap.ID).WithError(err).Warn("Bulk run notification failed")
		}
	}()
}

// Archive returns the archive of a finished run, starting a build when none
// has run yet or the previous one failed.
func (c *BulkCoordinator) Archive(runID string) (domain.ArchiveInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.runs[runID]
	if !ok {
		return domain.ArchiveInfo{}, ErrBulkRunNotFound
	}
	if !run.finalized {
		return domain.ArchiveInfo{}, ErrBulkRunNotFinished
	}
	if c.archiver == nil {
		return domain.ArchiveInfo{}, ErrArchiveBuild
	}
	if run.archive.Ready() || run.archive.Building {
		return run.archive, nil
	}

	c.runLog(runID).Info("Rebuilding archive")
	c.startArchiveLocked(run)
	c.publishLocked(run)
	return run.archive, nil
}

func (c *BulkCoordinator) publishLocked(run *bulkRun) {
	snap := c.snapshotLocked(run)
	c.bus.Publish(run.id, snap)
	if snap.Settled() {
		select {
		case <-run.settled:
		default:
			close(run.settled)
		}
	}
}

// publishThrottledLocked publishes at most once per SnapshotInterval and
// schedules a trailing publish so the latest progress is never lost.
func (c *BulkCoordinator) publishThrottledLocked(run *bulkRun) {
	if run.limiter.Allow() {
		c.publishLocked(run)
		return
	}
	if run.flushTimer != nil {
		return
	}
	runID := run.id
	run.flushTimer = time.AfterFunc(c.cfg.SnapshotInterval, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if r, ok := c.runs[runID]; ok {
			r.flushTimer = nil
			c.publishLocked(r)
		}
	})
}

func (c *BulkCoordinator) snapshotLocked(run *bulkRun) domain.BulkRunSnapshot {
	snap := domain.BulkRunSnapshot{
		ID:        run.id,
		Status:    run.status,
		StartedAt: run.startedAt,
		Resume:    run.resume,
		Sites:     make([]domain.SiteRunState, 0, len(run.order)),
		Pending:   append([]string{}, run.pending...),
		Errors:    append([]string(nil), run.errors...),
		Archive:   run.archive,
	}
	if run.finishedAt != nil {
		t := *run.finishedAt
		snap.FinishedAt = &t
	}
	if len(run.overrides) > 0 {
		snap.ConcurrencyOverrides = make(map[string]int, len(run.overrides))
		for k, v := range run.overrides {
			snap.ConcurrencyOverrides[k] = v
		}
	}
	for _, name := range run.order {
		st := *run.sites[name]
		st.Progress = st.Progress.Clone()
		snap.Sites = append(snap.Sites, st)
	}
	snap.Aggregate = aggregate(run.status, snap.Sites)
	return snap
}

// Get returns a snapshot of a run.
func (c *BulkCoordinator) Get(runID string) (domain.BulkRunSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[runID]
	if !ok {
		return domain.BulkRunSnapshot{}, ErrBulkRunNotFound
	}
	return c.snapshotLocked(run), nil
}

// Latest returns the most recently started run.
func (c *BulkCoordinator) Latest() (domain.BulkRunSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[c.latestID]
	if !ok {
		return domain.BulkRunSnapshot{}, ErrBulkRunNotFound
	}
	return c.snapshotLocked(run), nil
}

// List returns every run, newest first.
func (c *BulkCoordinator) List() []domain.BulkRunSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.BulkRunSnapshot, 0, len(c.runs))
	for _, run := range c.runs {
		out = append(out, c.snapshotLocked(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// ActiveRunID returns the id of the running run, or "" when none is running.
func (c *BulkCoordinator) ActiveRunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

// Subscribe delivers the run's current snapshot and then every update until
// the returned function is called or ctx is done.
func (c *BulkCoordinator) Subscribe(ctx context.Context, runID string, listener func(domain.BulkRunSnapshot) error) (func(), error) {
	c.mu.Lock()
	_, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return nil, ErrBulkRunNotFound
	}
	sub := c.bus.Subscribe(ctx, runID, listener)
	return sub.Unsubscribe, nil
}

// Settled returns a channel closed the first time the run settles: finished
// with no archive build in flight. Unlike Subscribe it cannot miss the event,
// so streams use it to end even when a slow reader dropped snapshots.
func (c *BulkCoordinator) Settled(runID string) (<-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[runID]
	if !ok {
		return nil, ErrBulkRunNotFound
	}
	return run.settled, nil
}

// Close detaches from every watched job and stops all snapshot streams.
func (c *BulkCoordinator) Close() {
	c.mu.Lock()
	var unsubs []func()
	for _, run := range c.runs {
		for name, u := range run.unsubs {
			unsubs = append(unsubs, u)
			delete(run.unsubs, name)
		}
		if run.flushTimer != nil {
			run.flushTimer.Stop()
			run.flushTimer = nil
		}
	}
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	c.bus.Shutdown()
}
