package domain

import (
	"strconv"
	"time"
)

// JobStatus represents the status of a worker export job.
// Values include JobStatusRunning and JobStatusCompleted.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
)

// LogKind identifies where a log entry came from.
type LogKind string

const (
	LogKindStdout LogKind = "stdout"
	LogKindStderr LogKind = "stderr"
	LogKindSystem LogKind = "system"
	LogKindError  LogKind = "error"
)

// LogEntry is a single captured line of worker output.
type LogEntry struct {
	Kind      LogKind   `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Progress holds the URL counters a worker reports while exporting a site.
// Percent and ETASeconds are nil until the worker reports them.
type Progress struct {
	ProcessedURLs int      `json:"processed_urls"`
	SuccessURLs   int      `json:"success_urls"`
	FailedURLs    int      `json:"failed_urls"`
	TotalURLs     int      `json:"total_urls"`
	Percent       *float64 `json:"percent,omitempty"`
	ETASeconds    *float64 `json:"eta_seconds,omitempty"`
}

// Clone returns a deep copy so snapshots never share pointers with live state.
func (p Progress) Clone() Progress {
	out := p
	if p.Percent != nil {
		v := *p.Percent
		out.Percent = &v
	}
	if p.ETASeconds != nil {
		v := *p.ETASeconds
		out.ETASeconds = &v
	}
	return out
}

// ExportOptions are the caller-supplied knobs passed to the worker program.
type ExportOptions struct {
	Concurrency int      `json:"concurrency,omitempty" validate:"omitempty,min=1,max=64"`
	Resume      bool     `json:"resume,omitempty"`
	Limit       int      `json:"limit,omitempty" validate:"omitempty,min=1"`
	ExtraArgs   []string `json:"extra_args,omitempty" validate:"omitempty,max=32,dive,max=256"`
}

// JobClose is the terminal event of a job.
type JobClose struct {
	ExitCode *int     `json:"exit_code"`
	Signal   string   `json:"signal,omitempty"`
	TimedOut bool     `json:"timed_out,omitempty"`
	Error    string   `json:"error,omitempty"`
	Progress Progress `json:"progress"`
}

// Succeeded reports whether the worker exited cleanly with status 0.
func (c JobClose) Succeeded() bool {
	return c.Error == "" && c.Signal == "" && !c.TimedOut && c.ExitCode != nil && *c.ExitCode == 0
}

// Reason describes why a job did not succeed.
func (c JobClose) Reason() string {
	switch {
	case c.Error != "":
		return c.Error
	case c.TimedOut:
		return "timed out"
	case c.Signal != "":
		return "terminated by " + c.Signal
	case c.ExitCode == nil:
		return "exited without status"
	case *c.ExitCode != 0:
		return "exit code " + strconv.Itoa(*c.ExitCode)
	}
	return ""
}

// JobEvent is what job log subscribers receive. Exactly one of Log, Progress
// or Close is set.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Log      *LogEntry `json:"log,omitempty"`
	Progress *Progress `json:"progress,omitempty"`
	Close    *JobClose `json:"close,omitempty"`
}

// JobSnapshot is a point-in-time, read-only view of a job.
type JobSnapshot struct {
	ID         string        `json:"id"`
	Site       string        `json:"site"`
	Status     JobStatus     `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	ExitCode   *int          `json:"exit_code,omitempty"`
	Signal     string        `json:"signal,omitempty"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Error      string        `json:"error,omitempty"`
	Options    ExportOptions `json:"options"`
	Command    []string      `json:"command,omitempty"`
	Progress   Progress      `json:"progress"`
	LogCount   int           `json:"log_count"`
}
