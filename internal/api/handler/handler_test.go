package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/timmy/sitexport/internal/api/middleware"
	"github.com/timmy/sitexport/internal/config"
	"github.com/timmy/sitexport/internal/domain"
	"github.com/timmy/sitexport/internal/service"
	"github.com/timmy/sitexport/internal/site"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine() *gin.Engine {
	r := gin.New()
	r.Use(middleware.LoggerMiddleware(nil))
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

type sseEvent struct {
	Name string
	Data string
}

// readSSE reads events until the server ends the stream.
func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	raw, err := io.ReadAll(body)
	require.NoError(t, err)

	var events []sseEvent
	for _, block := range strings.Split(string(raw), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event:"):
				ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				ev.Data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
		if ev.Name != "" {
			events = append(events, ev)
		}
	}
	return events
}

func testRegistry() site.Registry {
	return site.NewStaticRegistry([]config.SiteConfig{
		{Name: "alpha"},
		{Name: "beta", DisplayName: "Beta Site"},
	})
}

type fakeExports struct {
	mu       sync.Mutex
	startErr error
	queued   bool
	jobs     map[string]domain.JobSnapshot
	logs     map[string][]domain.LogEntry
	events   map[string][]domain.JobEvent
	stops    []string
}

func newFakeExports() *fakeExports {
	return &fakeExports{
		jobs:   make(map[string]domain.JobSnapshot),
		logs:   make(map[string][]domain.LogEntry),
		events: make(map[string][]domain.JobEvent),
	}
}

func (f *fakeExports) Start(ctx context.Context, site string, opts domain.ExportOptions) (domain.JobSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return domain.JobSnapshot{}, f.startErr
	}
	snap := domain.JobSnapshot{
		ID:        "job-" + site,
		Site:      site,
		Status:    domain.JobStatusRunning,
		CreatedAt: time.Now(),
		Options:   opts,
	}
	f.jobs[snap.ID] = snap
	return snap, nil
}

func (f *fakeExports) StartOrQueue(ctx context.Context, site string, opts domain.ExportOptions) (domain.JobSnapshot, error) {
	f.mu.Lock()
	f.queued = true
	f.mu.Unlock()
	return f.Start(ctx, site, opts)
}

func (f *fakeExports) Get(jobID string) (domain.JobSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.jobs[jobID]
	if !ok {
		return domain.JobSnapshot{}, service.ErrJobNotFound
	}
	return snap, nil
}

func (f *fakeExports) Logs(jobID string) ([]domain.LogEntry, error) {
	if _, err := f.Get(jobID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs[jobID], nil
}

func (f *fakeExports) ListActive() []domain.JobSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.JobSnapshot
	for _, j := range f.jobs {
		if j.Status == domain.JobStatusRunning {
			out = append(out, j)
		}
	}
	return out
}

func (f *fakeExports) Stop(jobID string, signal string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok || j.Status != domain.JobStatusRunning {
		return false
	}
	f.stops = append(f.stops, jobID+":"+signal)
	return true
}

// Subscribe replays the scripted events from a goroutine, like the bus does.
func (f *fakeExports) Subscribe(ctx context.Context, jobID string, listener func(domain.JobEvent) error) (func(), error) {
	if _, err := f.Get(jobID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	events := append([]domain.JobEvent(nil), f.events[jobID]...)
	f.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		for _, ev := range events {
			select {
			case <-stop:
				return
			default:
			}
			if listener(ev) != nil {
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }, nil
}

type fakeQueue struct {
	mu      sync.Mutex
	entries []domain.QueuedRequest
}

func (q *fakeQueue) Enqueue(site string, opts domain.ExportOptions) domain.QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := domain.QueuedRequest{ID: "q-" + site, Site: site, Options: opts, EnqueuedAt: time.Now()}
	q.entries = append(q.entries, e)
	return e
}

func (q *fakeQueue) Cancel(id string) bool {
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

func (q *fakeQueue) Get(id string) (domain.QueuedRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.ID == id {
			return e, true
		}
	}
	return domain.QueuedRequest{}, false
}

func (q *fakeQueue) List() []domain.QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.QueuedRequest(nil), q.entries...)
}

func (q *fakeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

type countingDispatcher struct {
	mu    sync.Mutex
	calls int
}

func (d *countingDispatcher) Dispatch(context.Context) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return 0
}
