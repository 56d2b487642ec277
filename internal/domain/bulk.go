package domain

import "time"

// BulkRunStatus is the overall state of a bulk run. It only moves forward:
// running -> completed | failed.
type BulkRunStatus string

const (
	BulkRunStatusRunning   BulkRunStatus = "running"
	BulkRunStatusCompleted BulkRunStatus = "completed"
	BulkRunStatusFailed    BulkRunStatus = "failed"
)

// AggregateStatusIdle is reported by the aggregate view of a run with no sites.
const AggregateStatusIdle = "idle"

// SiteStatus is the state of one site inside a bulk run.
type SiteStatus string

const (
	SiteStatusPending   SiteStatus = "pending"
	SiteStatusRunning   SiteStatus = "running"
	SiteStatusCompleted SiteStatus = "completed"
	SiteStatusFailed    SiteStatus = "failed"
	SiteStatusSkipped   SiteStatus = "skipped"
	SiteStatusError     SiteStatus = "error"
)

// AllSiteStatuses lists every site status in lifecycle order.
var AllSiteStatuses = []SiteStatus{
	SiteStatusPending,
	SiteStatusRunning,
	SiteStatusCompleted,
	SiteStatusFailed,
	SiteStatusSkipped,
	SiteStatusError,
}

// Terminal reports whether no further transition can happen for the site.
func (s SiteStatus) Terminal() bool {
	switch s {
	case SiteStatusCompleted, SiteStatusFailed, SiteStatusSkipped, SiteStatusError:
		return true
	}
	return false
}

// SiteRunState tracks one site of a bulk run.
type SiteRunState struct {
	Site       string     `json:"site"`
	Status     SiteStatus `json:"status"`
	JobID      string     `json:"job_id,omitempty"`
	Progress   Progress   `json:"progress"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ArchiveInfo describes the result archive of a finished bulk run.
type ArchiveInfo struct {
	Path     string     `json:"path,omitempty"`
	Size     int64      `json:"size,omitempty"`
	URL      string     `json:"url,omitempty"`
	Files    int        `json:"files,omitempty"`
	Building bool       `json:"building"`
	Error    string     `json:"error,omitempty"`
	BuiltAt  *time.Time `json:"built_at,omitempty"`
}

// Ready reports whether the archive has been written.
func (a ArchiveInfo) Ready() bool {
	return a.Path != "" && !a.Building
}

// BulkAggregate is the combined progress of every site in a run.
type BulkAggregate struct {
	Status        string             `json:"status"`
	ProcessedURLs int                `json:"processed_urls"`
	TotalURLs     int                `json:"total_urls"`
	Percent       *float64           `json:"percent,omitempty"`
	ETASeconds    *float64           `json:"eta_seconds,omitempty"`
	Counts        map[SiteStatus]int `json:"counts"`
}

// BulkRunSnapshot is an immutable view of a bulk run.
type BulkRunSnapshot struct {
	ID                   string         `json:"id"`
	Status               BulkRunStatus  `json:"status"`
	StartedAt            time.Time      `json:"started_at"`
	FinishedAt           *time.Time     `json:"finished_at,omitempty"`
	Resume               bool           `json:"resume"`
	ConcurrencyOverrides map[string]int `json:"concurrency_overrides,omitempty"`
	Sites                []SiteRunState `json:"sites"`
	Pending              []string       `json:"pending"`
	Errors               []string       `json:"errors,omitempty"`
	Aggregate            BulkAggregate  `json:"aggregate"`
	Archive              ArchiveInfo    `json:"archive"`
}

// Settled reports whether the run finished and no archive build is in flight.
// Streams of run snapshots end once they deliver a settled snapshot.
func (s BulkRunSnapshot) Settled() bool {
	return s.Status != BulkRunStatusRunning && !s.Archive.Building
}
