package service

import (
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timmy/sitexport/internal/domain"
)

// logRing keeps the most recent entries up to a fixed capacity.
type logRing struct {
	entries []domain.LogEntry
	start   int
	size    int
}

func newLogRing(capacity int) *logRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &logRing{entries: make([]domain.LogEntry, capacity)}
}

func (r *logRing) append(e domain.LogEntry) {
	c := len(r.entries)
	if r.size < c {
		r.entries[(r.start+r.size)%c] = e
		r.size++
		return
	}
	r.entries[r.start] = e
	r.start = (r.start + 1) % c
}

// list returns entries oldest first.
func (r *logRing) list() []domain.LogEntry {
	out := make([]domain.LogEntry, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.entries[(r.start+i)%len(r.entries)]
	}
	return out
}

func (r *logRing) len() int { return r.size }

// job is the supervisor's private state for one worker process. Fields below
// mu are only touched with mu held.
type job struct {
	id        string
	site      string
	createdAt time.Time
	options   domain.ExportOptions
	command   []string

	// settled flips once; the first of exit, spawn failure or shutdown wins.
	settled atomic.Bool
	done    chan struct{}

	mu         sync.Mutex
	cmd        *exec.Cmd
	status     domain.JobStatus
	finishedAt *time.Time
	exitCode   *int
	signal     string
	timedOut   bool
	errMsg     string
	progress   domain.Progress
	logs       *logRing

	timeoutTimer *time.Timer
	killTimer    *time.Timer
	reapTimer    *time.Timer
}

func newJob(id, site string, opts domain.ExportOptions, command []string, logCap int) *job {
	return &job{
		id:        id,
		site:      site,
		createdAt: time.Now(),
		options:   opts,
		command:   command,
		done:      make(chan struct{}),
		status:    domain.JobStatusRunning,
		logs:      newLogRing(logCap),
	}
}

func (j *job) snapshotLocked() domain.JobSnapshot {
	snap := domain.JobSnapshot{
		ID:        j.id,
		Site:      j.site,
		Status:    j.status,
		CreatedAt: j.createdAt,
		Signal:    j.signal,
		TimedOut:  j.timedOut,
		Error:     j.errMsg,
		Options:   j.options,
		Command:   append([]string(nil), j.command...),
		Progress:  j.progress.Clone(),
		LogCount:  j.logs.len(),
	}
	if j.finishedAt != nil {
		t := *j.finishedAt
		snap.FinishedAt = &t
	}
	if j.exitCode != nil {
		c := *j.exitCode
		snap.ExitCode = &c
	}
	return snap
}

func (j *job) snapshot() domain.JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *job) closeEventLocked() domain.JobEvent {
	c := &domain.JobClose{
		Signal:   j.signal,
		TimedOut: j.timedOut,
		Error:    j.errMsg,
		Progress: j.progress.Clone(),
	}
	if j.exitCode != nil {
		code := *j.exitCode
		c.ExitCode = &code
	}
	return domain.JobEvent{JobID: j.id, Close: c}
}

func (j *job) stopTimersLocked() {
	if j.timeoutTimer != nil {
		j.timeoutTimer.Stop()
	}
	if j.killTimer != nil {
		j.killTimer.Stop()
	}
}
