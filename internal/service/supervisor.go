package service

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/timmy/sitexport/internal/config"
	"github.com/timmy/sitexport/internal/domain"
	"github.com/timmy/sitexport/internal/logger"
	"github.com/timmy/sitexport/internal/pubsub"
	"github.com/timmy/sitexport/internal/site"
	"golang.org/x/sys/unix"
)

// JobHook is called once per job after it finished and released its slot.
type JobHook func(domain.JobSnapshot)

// Supervisor owns worker processes: spawning, output capture, timeouts and
// the in-memory job registry.
type Supervisor struct {
	sites    site.Registry
	commands site.CommandBuilder
	queue    *ExportQueue
	validate *validator.Validate
	events   *pubsub.Bus[domain.JobEvent]
	logger   *logger.Logger

	maxConcurrent int
	timeout       time.Duration
	killGrace     time.Duration
	reapAfter     time.Duration
	logBufferSize int

	mu      sync.RWMutex
	jobs    map[string]*job
	bySite  map[string]string
	running int
	hooks   []JobHook
	closed  bool
}

// NewSupervisor creates a supervisor. queue may be nil when callers never
// use StartOrQueue.
func NewSupervisor(
	sites site.Registry,
	commands site.CommandBuilder,
	queue *ExportQueue,
	log *logger.Logger,
	cfg *config.SupervisorConfig,
) *Supervisor {
	if log == nil {
		log = logger.GetDefault()
	}
	s := &Supervisor{
		sites:         sites,
		commands:      commands,
		queue:         queue,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		logger:        log.WithComponent("supervisor"),
		maxConcurrent: cfg.MaxConcurrent,
		timeout:       cfg.Timeout,
		killGrace:     cfg.KillGrace,
		reapAfter:     cfg.ReapAfter,
		logBufferSize: cfg.LogBufferSize,
		jobs:          make(map[string]*job),
		bySite:        make(map[string]string),
	}
	if s.maxConcurrent <= 0 {
		s.maxConcurrent = 1
	}
	if s.killGrace <= 0 {
		s.killGrace = 10 * time.Second
	}
	s.events = pubsub.New[domain.JobEvent](pubsub.Options{
		Name:   "job-events",
		Buffer: cfg.SubscriberBuffer,
		Logger: log,
	})
	return s
}

// log returns the supervisor's logger carrying the fields set on ctx
func (s *Supervisor) log(ctx context.Context) *logger.Logger {
	return s.logger.WithFields(logger.Fields(logger.FromContext(ctx).Data))
}

// OnJobFinished registers a hook run asynchronously after every job completes.
func (s *Supervisor) OnJobFinished(h JobHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

// Capacity returns the configured number of worker slots.
func (s *Supervisor) Capacity() int { return s.maxConcurrent }

// Running returns the number of occupied worker slots.
func (s *Supervisor) Running() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Dropped returns how many job events slow subscribers missed.
func (s *Supervisor) Dropped() int64 { return s.events.Dropped() }

// Start spawns a worker for siteName. Errors are ErrSiteNotAllowed,
// ErrInvalidOptions, *AlreadyRunningError or *CapacityError. A worker that
// fails to spawn is not an error: the returned job is already completed and
// carries the spawn error.
func (s *Supervisor) Start(ctx context.Context, siteName string, opts domain.ExportOptions) (domain.JobSnapshot, error) {
	st, ok := s.sites.Lookup(siteName)
	if !ok {
		return domain.JobSnapshot{}, fmt.Errorf("%w: %q", ErrSiteNotAllowed, siteName)
	}
	if err := s.validate.Struct(opts); err != nil {
		return domain.JobSnapshot{}, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	cmdSpec, err := s.commands.Build(st, opts)
	if err != nil {
		return domain.JobSnapshot{}, fmt.Errorf("failed to build worker command: %w", err)
	}

	j, err := s.reserve(st.Name, opts, cmdSpec.Argv())
	if err != nil {
		return domain.JobSnapshot{}, err
	}

	ctx = logger.SetSite(logger.SetJobID(ctx, j.id), st.Name)
	s.log(ctx).WithField("command", strings.Join(cmdSpec.Argv(), " ")).Info("Starting export worker")

	if len(cmdSpec.Rejected) > 0 {
		s.appendLog(j, domain.LogKindSystem, "ignored extra arguments: "+strings.Join(cmdSpec.Rejected, " "))
	}

	s.spawn(ctx, j, cmdSpec)
	return j.snapshot(), nil
}

// StartOrQueue is Start, but a capacity rejection places the request on the
// export queue. The returned *CapacityError then carries the queued id.
func (s *Supervisor) StartOrQueue(ctx context.Context, siteName string, opts domain.ExportOptions) (domain.JobSnapshot, error) {
	snap, err := s.Start(ctx, siteName, opts)
	var capErr *CapacityError
	if err != nil && errors.As(err, &capErr) && s.queue != nil {
		q := s.queue.Enqueue(siteName, opts)
		capErr.QueuedID = q.ID
		s.log(ctx).WithFields(logger.Fields{
			logger.FieldSite:     siteName,
			logger.FieldQueuedID: q.ID,
		}).Info("Export queued: capacity exhausted")
	}
	return snap, err
}

// reserve takes a worker slot and registers the job.
func (s *Supervisor) reserve(siteName string, opts domain.ExportOptions, argv []string) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSupervisorClosed
	}
	if id, ok := s.bySite[siteName]; ok {
		return nil, &AlreadyRunningError{Site: siteName, JobID: id}
	}
	if s.running >= s.maxConcurrent {
		return nil, &CapacityError{Running: s.running, Capacity: s.maxConcurrent}
	}

	j := newJob(uuid.New().String(), siteName, opts, argv, s.logBufferSize)
	s.jobs[j.id] = j
	s.bySite[siteName] = j.id
	s.running++
	return j, nil
}

func (s *Supervisor) spawn(ctx context.Context, j *job, spec site.Command) {
	stdout := newLineSplitter(func(line string) { s.handleLine(j, domain.LogKindStdout, line) })
	stderr := newLineSplitter(func(line string) { s.handleLine(j, domain.LogKindStderr, line) })

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group so signals reach the worker's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Bounds how long Wait keeps reading output held open by orphaned children.
	cmd.WaitDelay = s.killGrace

	j.mu.Lock()
	j.cmd = cmd
	err := cmd.Start()
	if err == nil && s.timeout > 0 {
		j.timeoutTimer = time.AfterFunc(s.timeout, func() { s.expire(ctx, j) })
	}
	j.mu.Unlock()

	if err != nil {
		s.log(ctx).WithError(err).Error("Failed to spawn export worker")
		s.appendLog(j, domain.LogKindError, "failed to start worker: "+err.Error())
		s.finalize(ctx, j, nil, err)
		return
	}

	s.appendLog(j, domain.LogKindSystem, fmt.Sprintf("worker started (pid %d)", cmd.Process.Pid))

	go func() {
		waitErr := cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		s.finalize(ctx, j, waitErr, nil)
	}()
}

func (s *Supervisor) handleLine(j *job, kind domain.LogKind, line string) {
	entry := domain.LogEntry{Kind: kind, Message: line, Timestamp: time.Now()}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.logs.append(entry)
	s.events.Publish(j.id, domain.JobEvent{JobID: j.id, Log: &entry})

	if j.status != domain.JobStatusRunning {
		return
	}
	if u, ok := parseProgress(line); ok && u.apply(&j.progress) {
		p := j.progress.Clone()
		s.events.Publish(j.id, domain.JobEvent{JobID: j.id, Progress: &p})
	}
}

func (s *Supervisor) appendLog(j *job, kind domain.LogKind, msg string) {
	entry := domain.LogEntry{Kind: kind, Message: msg, Timestamp: time.Now()}
	j.mu.Lock()
	j.logs.append(entry)
	s.events.Publish(j.id, domain.JobEvent{JobID: j.id, Log: &entry})
	j.mu.Unlock()
}

// expire is the first stage of the timeout: SIGTERM now, SIGKILL after the grace window.
func (s *Supervisor) expire(ctx context.Context, j *job) {
	if j.settled.Load() {
		return
	}
	j.mu.Lock()
	j.timedOut = true
	j.mu.Unlock()

	s.log(ctx).WithField("timeout", s.timeout.String()).Warn("Export worker timed out, terminating")
	s.appendLog(j, domain.LogKindSystem, fmt.Sprintf("timed out after %s, sending SIGTERM", s.timeout))
	if s.signal(j, unix.SIGTERM) {
		s.armKill(ctx, j)
	}
}

func (s *Supervisor) armKill(ctx context.Context, j *job) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.killTimer != nil || j.settled.Load() {
		return
	}
	j.killTimer = time.AfterFunc(s.killGrace, func() {
		if j.settled.Load() {
			return
		}
		s.log(ctx).Warn("Export worker ignored SIGTERM, killing")
		s.appendLog(j, domain.LogKindSystem, "still running after "+s.killGrace.String()+", sending SIGKILL")
		s.signal(j, unix.SIGKILL)
	})
}

// signal delivers sig to the job's process group.
func (s *Supervisor) signal(j *job, sig unix.Signal) bool {
	if j.settled.Load() {
		return false
	}
	j.mu.Lock()
	cmd := j.cmd
	j.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	pid := cmd.Process.Pid
	if err := unix.Kill(-pid, sig); err != nil {
		if err := unix.Kill(pid, sig); err != nil {
			return false
		}
	}
	return true
}

// finalize records the outcome exactly once, releases the slot, closes the
// job's event stream and runs completion hooks.
func (s *Supervisor) finalize(ctx context.Context, j *job, waitErr, spawnErr error) {
	if !j.settled.CompareAndSwap(false, true) {
		return
	}

	now := time.Now()
	j.mu.Lock()
	j.stopTimersLocked()
	j.status = domain.JobStatusCompleted
	j.finishedAt = &now
	switch {
	case spawnErr != nil:
		j.errMsg = spawnErr.Error()
	case j.cmd != nil && j.cmd.ProcessState != nil:
		ps := j.cmd.ProcessState
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			j.signal = unix.SignalName(ws.Signal())
			if j.signal == "" {
				j.signal = ws.Signal().String()
			}
		} else {
			code := ps.ExitCode()
			j.exitCode = &code
		}
	case waitErr != nil:
		j.errMsg = waitErr.Error()
	}
	closeEvt := j.closeEventLocked()
	summary := "worker finished: " + closeEvt.Close.Reason()
	if closeEvt.Close.Succeeded() {
		summary = "worker finished: exit code 0"
	}
	entry := domain.LogEntry{Kind: domain.LogKindSystem, Message: summary, Timestamp: now}
	j.logs.append(entry)
	s.events.Publish(j.id, domain.JobEvent{JobID: j.id, Log: &entry})
	snap := j.snapshotLocked()
	j.mu.Unlock()

	s.mu.Lock()
	if s.bySite[j.site] == j.id {
		delete(s.bySite, j.site)
	}
	s.running--
	if s.reapAfter > 0 {
		id := j.id
		j.mu.Lock()
		j.reapTimer = time.AfterFunc(s.reapAfter, func() { s.reap(id) })
		j.mu.Unlock()
	}
	hooks := append([]JobHook(nil), s.hooks...)
	s.mu.Unlock()

	watchers := s.events.Subscribers(j.id)
	s.events.CloseKey(j.id, closeEvt)
	close(j.done)

	entryLog := s.log(ctx).WithFields(logger.Fields{
		logger.FieldDurationMs: now.Sub(j.createdAt).Milliseconds(),
		"subscribers":          watchers,
	})
	if closeEvt.Close.Succeeded() {
		entryLog.Info("Export worker finished")
	} else {
		entryLog.WithField("reason", closeEvt.Close.Reason()).Warn("Export worker failed")
	}

	for _, h := range hooks {
		go s.runHook(h, snap)
	}
}

func (s *Supervisor) runHook(h JobHook, snap domain.JobSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField(logger.FieldJobID, snap.ID).
				WithError(fmt.Errorf("panic: %v", r)).
				Error("Job completion hook panicked")
		}
	}()
	h(snap)
}

func (s *Supervisor) reap(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	s.events.Forget(id)
	s.logger.WithField(logger.FieldJobID, id).Debug("Reaped finished job")
}

func (s *Supervisor) lookup(id string) (*job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Get returns a snapshot of a job that has not been reaped yet.
func (s *Supervisor) Get(jobID string) (domain.JobSnapshot, error) {
	j, ok := s.lookup(jobID)
	if !ok {
		return domain.JobSnapshot{}, ErrJobNotFound
	}
	return j.snapshot(), nil
}

// Logs returns the buffered log entries of a job, oldest first.
func (s *Supervisor) Logs(jobID string) ([]domain.LogEntry, error) {
	j, ok := s.lookup(jobID)
	if !ok {
		return nil, ErrJobNotFound
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.logs.list(), nil
}

// ListActive returns running jobs, oldest first.
func (s *Supervisor) ListActive() []domain.JobSnapshot {
	s.mu.RLock()
	active := make([]*job, 0, len(s.bySite))
	for _, id := range s.bySite {
		if j, ok := s.jobs[id]; ok {
			active = append(active, j)
		}
	}
	s.mu.RUnlock()

	out := make([]domain.JobSnapshot, 0, len(active))
	for _, j := range active {
		out = append(out, j.snapshot())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// FindActiveForSite returns the running job for a site, if any.
func (s *Supervisor) FindActiveForSite(siteName string) (domain.JobSnapshot, bool) {
	s.mu.RLock()
	id, ok := s.bySite[siteName]
	var j *job
	if ok {
		j = s.jobs[id]
	}
	s.mu.RUnlock()
	if j == nil {
		return domain.JobSnapshot{}, false
	}
	return j.snapshot(), true
}

// Subscribe replays the job's buffered output (and its close event when
// already finished) and then streams live events until unsubscribe, ctx
// cancellation or job completion.
func (s *Supervisor) Subscribe(ctx context.Context, jobID string, listener func(domain.JobEvent) error) (func(), error) {
	j, ok := s.lookup(jobID)
	if !ok {
		return nil, ErrJobNotFound
	}

	j.mu.Lock()
	entries := j.logs.list()
	history := make([]domain.JobEvent, 0, len(entries)+1)
	for i := range entries {
		history = append(history, domain.JobEvent{JobID: j.id, Log: &entries[i]})
	}
	if j.status == domain.JobStatusRunning && j.progress != (domain.Progress{}) {
		p := j.progress.Clone()
		history = append(history, domain.JobEvent{JobID: j.id, Progress: &p})
	}
	sub := s.events.SubscribeFrom(ctx, j.id, history, listener)
	j.mu.Unlock()

	return sub.Unsubscribe, nil
}

// Wait blocks until the job finished or ctx is done.
func (s *Supervisor) Wait(ctx context.Context, jobID string) (domain.JobSnapshot, error) {
	j, ok := s.lookup(jobID)
	if !ok {
		return domain.JobSnapshot{}, ErrJobNotFound
	}
	select {
	case <-j.done:
		return j.snapshot(), nil
	case <-ctx.Done():
		return j.snapshot(), ctx.Err()
	}
}

// Stop signals a running job. SIGTERM is the default; SIGINT and SIGTERM arm
// the forced-kill escalation. It reports whether the signal was delivered.
func (s *Supervisor) Stop(jobID string, signal string) bool {
	j, ok := s.lookup(jobID)
	if !ok {
		return false
	}
	sig, err := ParseStopSignal(signal)
	if err != nil {
		return false
	}
	ctx := logger.SetJobID(context.Background(), j.id)
	if !s.signal(j, sig) {
		return false
	}
	s.appendLog(j, domain.LogKindSystem, "stop requested: "+unix.SignalName(sig))
	if sig != unix.SIGKILL {
		s.armKill(ctx, j)
	}
	s.log(ctx).WithField("signal", unix.SignalName(sig)).Info("Stop requested for export worker")
	return true
}

// ParseStopSignal accepts SIGTERM, SIGINT and SIGKILL with or without the SIG
// prefix, case-insensitively. Empty means SIGTERM.
func ParseStopSignal(name string) (unix.Signal, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if n == "" {
		return unix.SIGTERM, nil
	}
	if !strings.HasPrefix(n, "SIG") {
		n = "SIG" + n
	}
	switch n {
	case "SIGTERM":
		return unix.SIGTERM, nil
	case "SIGINT":
		return unix.SIGINT, nil
	case "SIGKILL":
		return unix.SIGKILL, nil
	}
	return 0, fmt.Errorf("unsupported signal %q", name)
}

// Shutdown stops accepting jobs, terminates running workers and waits for them
// to finish. When ctx expires first, remaining workers are killed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var running []*job
	for _, id := range s.bySite {
		if j, ok := s.jobs[id]; ok {
			running = append(running, j)
		}
	}
	for _, j := range s.jobs {
		j.mu.Lock()
		if j.reapTimer != nil {
			j.reapTimer.Stop()
		}
		j.mu.Unlock()
	}
	s.mu.Unlock()

	for _, j := range running {
		s.signal(j, unix.SIGTERM)
	}
	for _, j := range running {
		select {
		case <-j.done:
		case <-ctx.Done():
			for _, r := range running {
				s.signal(r, unix.SIGKILL)
			}
			return ctx.Err()
		}
	}
	s.events.Shutdown()
	return nil
}
