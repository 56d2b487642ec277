package domain

import "time"

// QueuedRequest is an export request parked because the worker pool was full.
type QueuedRequest struct {
	ID         string        `json:"id"`
	Site       string        `json:"site"`
	Options    ExportOptions `json:"options"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}
