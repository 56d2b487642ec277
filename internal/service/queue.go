package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/sitexport/internal/domain"
)

// ExportQueue holds export requests rejected for capacity until they are
// replayed. It never retries by itself.
type ExportQueue struct {
	mu      sync.Mutex
	entries []domain.QueuedRequest
}

func NewExportQueue() *ExportQueue {
	return &ExportQueue{}
}

// Enqueue appends a request. A site that is already queued keeps its original
// entry and position.
func (q *ExportQueue) Enqueue(site string, opts domain.ExportOptions) domain.QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.Site == site {
			return e
		}
	}
	e := domain.QueuedRequest{
		ID:         uuid.New().String(),
		Site:       site,
		Options:    opts,
		EnqueuedAt: time.Now(),
	}
	q.entries = append(q.entries, e)
	return e
}

// Cancel removes a queued request and reports whether it existed.
func (q *ExportQueue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// CancelSite removes the queued request for site, if any.
func (q *ExportQueue) CancelSite(site string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.Site == site {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Remove is Cancel for callers that do not care whether the entry existed.
func (q *ExportQueue) Remove(id string) {
	q.Cancel(id)
}

// Get returns a queued request by id.
func (q *ExportQueue) Get(id string) (domain.QueuedRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.ID == id {
			return e, true
		}
	}
	return domain.QueuedRequest{}, false
}

// List returns queued requests in FIFO order.
func (q *ExportQueue) List() []domain.QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.QueuedRequest(nil), q.entries...)
}

func (q *ExportQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
