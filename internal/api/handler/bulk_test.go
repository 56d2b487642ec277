package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/sitexport/internal/domain"
	"github.com/timmy/sitexport/internal/service"
)

type fakeBulk struct {
	mu        sync.Mutex
	runs      map[string]domain.BulkRunSnapshot
	latest    string
	started   []string
	startErr  error
	archive   domain.ArchiveInfo
	archErr   error
	snapshots map[string][]domain.BulkRunSnapshot
	settled   map[string]chan struct{}
}

func newFakeBulk() *fakeBulk {
	return &fakeBulk{
		runs:      make(map[string]domain.BulkRunSnapshot),
		snapshots: make(map[string][]domain.BulkRunSnapshot),
		settled:   make(map[string]chan struct{}),
	}
}

func (f *fakeBulk) Start(ctx context.Context, sites []string, resume bool, overrides map[string]int) (domain.BulkRunSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return domain.BulkRunSnapshot{}, f.startErr
	}
	f.started = append([]string(nil), sites...)
	snap := domain.BulkRunSnapshot{
		ID:                   "run-1",
		Status:               domain.BulkRunStatusRunning,
		Resume:               resume,
		ConcurrencyOverrides: overrides,
	}
	for _, s := range sites {
		snap.Sites = append(snap.Sites, domain.SiteRunState{Site: s, Status: domain.SiteStatusPending})
	}
	f.runs[snap.ID] = snap
	f.latest = snap.ID
	return snap, nil
}

func (f *fakeBulk) Get(runID string) (domain.BulkRunSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.runs[runID]
	if !ok {
		return domain.BulkRunSnapshot{}, service.ErrBulkRunNotFound
	}
	return snap, nil
}

func (f *fakeBulk) Latest() (domain.BulkRunSnapshot, error) {
	f.mu.Lock()
	id := f.latest
	f.mu.Unlock()
	return f.Get(id)
}

func (f *fakeBulk) List() []domain.BulkRunSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.BulkRunSnapshot, 0, len(f.runs))
	for _, r := range f.runs {
		out = append(out, r)
	}
	return out
}

func (f *fakeBulk) Archive(runID string) (domain.ArchiveInfo, error) {
	if _, err := f.Get(runID); err != nil {
		return domain.ArchiveInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.archive, f.archErr
}

func (f *fakeBulk) Subscribe(ctx context.Context, runID string, listener func(domain.BulkRunSnapshot) error) (func(), error) {
	if _, err := f.Get(runID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	snaps := append([]domain.BulkRunSnapshot(nil), f.snapshots[runID]...)
	f.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		for _, s := range snaps {
			select {
			case <-stop:
				return
			default:
			}
			if listener(s) != nil {
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }, nil
}

// Settled returns a nil channel for runs without an entry, which never fires.
func (f *fakeBulk) Settled(runID string) (<-chan struct{}, error) {
	if _, err := f.Get(runID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled[runID], nil
}

type fakeOpener struct {
	data string
}

func (o fakeOpener) Open(ctx context.Context, runID string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(o.data)), nil
}

func bulkRouter(runs BulkService, archives ArchiveOpener) http.Handler {
	h := NewBulkHandler(runs, archives, testRegistry())
	r := newEngine()
	r.POST("/bulk-runs", h.StartBulkRun)
	r.GET("/bulk-runs", h.ListBulkRuns)
	r.GET("/bulk-runs/latest", h.GetLatestBulkRun)
	r.GET("/bulk-runs/:id", h.GetBulkRun)
	r.GET("/bulk-runs/:id/events", h.StreamBulkRun)
	r.GET("/bulk-runs/:id/ws", h.StreamBulkRunWS)
	r.GET("/bulk-runs/:id/archive", h.GetArchive)
	r.GET("/bulk-runs/:id/archive/download", h.DownloadArchive)
	return r
}

func TestStartBulkRun(t *testing.T) {
	runs := newFakeBulk()
	r := bulkRouter(runs, nil)

	w := doJSON(t, r, http.MethodPost, "/bulk-runs", map[string]interface{}{
		"sites":                 []string{"beta", "alpha"},
		"resume":                true,
		"concurrency_overrides": map[string]int{"beta": 2},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "run-1", body["run_id"])
	snap := body["snapshot"].(map[string]interface{})
	assert.Equal(t, true, snap["resume"])
	assert.Equal(t, []string{"beta", "alpha"}, runs.started)
}

func TestStartBulkRunDefaultsToAllSites(t *testing.T) {
	runs := newFakeBulk()
	w := doJSON(t, bulkRouter(runs, nil), http.MethodPost, "/bulk-runs", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, []string{"alpha", "beta"}, runs.started)
}

func TestStartBulkRunRejectsBadOverrides(t *testing.T) {
	w := doJSON(t, bulkRouter(newFakeBulk(), nil), http.MethodPost, "/bulk-runs", map[string]interface{}{
		"concurrency_overrides": map[string]int{"alpha": 0},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartBulkRunWhileActive(t *testing.T) {
	runs := newFakeBulk()
	runs.startErr = &service.BulkRunActiveError{Active: domain.BulkRunSnapshot{ID: "run-0", Status: domain.BulkRunStatusRunning}}

	w := doJSON(t, bulkRouter(runs, nil), http.MethodPost, "/bulk-runs", map[string]interface{}{"sites": []string{"alpha"}})
	require.Equal(t, http.StatusConflict, w.Code)

	body := decode(t, w)
	assert.NotEmpty(t, body["error"])
	active := body["active"].(map[string]interface{})
	assert.Equal(t, "run-0", active["id"])
}

func TestGetBulkRun(t *testing.T) {
	runs := newFakeBulk()
	r := bulkRouter(runs, nil)

	w := doJSON(t, r, http.MethodGet, "/bulk-runs/latest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := runs.Start(context.Background(), []string{"alpha"}, false, nil)
	require.NoError(t, err)

	w = doJSON(t, r, http.MethodGet, "/bulk-runs/latest", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "run-1", decode(t, w)["id"])

	w = doJSON(t, r, http.MethodGet, "/bulk-runs/run-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/bulk-runs/other", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodGet, "/bulk-runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total"])
}

func TestGetArchive(t *testing.T) {
	builtAt := time.Now()
	tests := []struct {
		name     string
		archive  domain.ArchiveInfo
		err      error
		wantCode int
	}{
		{name: "ready", archive: domain.ArchiveInfo{Path: "/tmp/bulk-run-1.zip", Size: 42, BuiltAt: &builtAt}, wantCode: http.StatusOK},
		{name: "building", archive: domain.ArchiveInfo{Building: true}, wantCode: http.StatusAccepted},
		{name: "not finished", err: service.ErrBulkRunNotFinished, wantCode: http.StatusConflict},
		{name: "build disabled", err: service.ErrArchiveBuild, wantCode: http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			runs := newFakeBulk()
			runs.runs["run-1"] = domain.BulkRunSnapshot{ID: "run-1", Status: domain.BulkRunStatusCompleted}
			runs.archive = tc.archive
			runs.archErr = tc.err

			w := doJSON(t, bulkRouter(runs, nil), http.MethodGet, "/bulk-runs/run-1/archive", nil)
			require.Equal(t, tc.wantCode, w.Code, w.Body.String())
			if tc.wantCode == http.StatusOK {
				body := decode(t, w)
				assert.Equal(t, "/tmp/bulk-run-1.zip", body["path"])
				assert.Equal(t, float64(42), body["size"])
			}
		})
	}
}

func TestDownloadArchive(t *testing.T) {
	runs := newFakeBulk()
	runs.runs["run-1"] = domain.BulkRunSnapshot{ID: "run-1", Status: domain.BulkRunStatusCompleted}
	runs.archive = domain.ArchiveInfo{Path: "/tmp/bulk-run-1.zip", Size: 7}

	w := doJSON(t, bulkRouter(runs, fakeOpener{data: "PK-data"}), http.MethodGet, "/bulk-runs/run-1/archive/download", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "bulk-run-1.zip")
	assert.Equal(t, "PK-data", w.Body.String())

	w = doJSON(t, bulkRouter(runs, nil), http.MethodGet, "/bulk-runs/run-1/archive/download", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func scriptedRun(runID string) []domain.BulkRunSnapshot {
	running := domain.BulkRunSnapshot{ID: runID, Status: domain.BulkRunStatusRunning}
	building := domain.BulkRunSnapshot{ID: runID, Status: domain.BulkRunStatusCompleted, Archive: domain.ArchiveInfo{Building: true}}
	done := domain.BulkRunSnapshot{ID: runID, Status: domain.BulkRunStatusCompleted, Archive: domain.ArchiveInfo{Path: "x.zip"}}
	// The trailing snapshot must never reach clients.
	extra := domain.BulkRunSnapshot{ID: runID, Status: domain.BulkRunStatusFailed}
	return []domain.BulkRunSnapshot{running, building, done, extra}
}

func TestStreamBulkRunSSE(t *testing.T) {
	runs := newFakeBulk()
	runs.runs["run-1"] = domain.BulkRunSnapshot{ID: "run-1"}
	runs.snapshots["run-1"] = scriptedRun("run-1")

	srv := httptest.NewServer(bulkRouter(runs, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/bulk-runs/run-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readSSE(t, resp.Body)
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, "snapshot", ev.Name)
	}

	var last domain.BulkRunSnapshot
	require.NoError(t, json.Unmarshal([]byte(events[2].Data), &last))
	assert.True(t, last.Settled())
	assert.Equal(t, "x.zip", last.Archive.Path)
}

func TestStreamBulkRunWebSocket(t *testing.T) {
	runs := newFakeBulk()
	runs.runs["run-1"] = domain.BulkRunSnapshot{ID: "run-1"}
	runs.snapshots["run-1"] = scriptedRun("run-1")

	srv := httptest.NewServer(bulkRouter(runs, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/bulk-runs/run-1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var got []domain.BulkRunStatus
	for {
		var msg struct {
			Type    string                 `json:"type"`
			Payload domain.BulkRunSnapshot `json:"payload"`
		}
		err := conn.ReadJSON(&msg)
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), fmt.Sprint(err))
			break
		}
		assert.Equal(t, "snapshot", msg.Type)
		got = append(got, msg.Payload.Status)
	}
	assert.Equal(t, []domain.BulkRunStatus{
		domain.BulkRunStatusRunning,
		domain.BulkRunStatusCompleted,
		domain.BulkRunStatusCompleted,
	}, got)
}

func TestStreamBulkRunUnknown(t *testing.T) {
	r := bulkRouter(newFakeBulk(), nil)
	assert.Equal(t, http.StatusNotFound, doJSON(t, r, http.MethodGet, "/bulk-runs/nope/events", nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, r, http.MethodGet, "/bulk-runs/nope/ws", nil).Code)
}

func TestStreamBulkRunEndsWhenSettledSnapshotDropped(t *testing.T) {
	done := domain.BulkRunSnapshot{ID: "run-1", Status: domain.BulkRunStatusFailed, Archive: domain.ArchiveInfo{Path: "x.zip"}}
	settled := make(chan struct{})
	close(settled)

	runs := newFakeBulk()
	runs.runs["run-1"] = done
	// The subscription only ever delivers a running snapshot.
	runs.snapshots["run-1"] = []domain.BulkRunSnapshot{{ID: "run-1", Status: domain.BulkRunStatusRunning}}
	runs.settled["run-1"] = settled

	srv := httptest.NewServer(bulkRouter(runs, nil))
	defer srv.Close()

	t.Run("sse", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/bulk-runs/run-1/events")
		require.NoError(t, err)
		defer resp.Body.Close()

		events := readSSE(t, resp.Body)
		require.NotEmpty(t, events)
		var last domain.BulkRunSnapshot
		require.NoError(t, json.Unmarshal([]byte(events[len(events)-1].Data), &last))
		assert.Equal(t, domain.BulkRunStatusFailed, last.Status)
		assert.Equal(t, "x.zip", last.Archive.Path)
	})

	t.Run("websocket", func(t *testing.T) {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/bulk-runs/run-1/ws"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

		var last domain.BulkRunSnapshot
		for {
			var msg struct {
				Payload domain.BulkRunSnapshot `json:"payload"`
			}
			err := conn.ReadJSON(&msg)
			if err != nil {
				assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), fmt.Sprint(err))
				break
			}
			last = msg.Payload
		}
		assert.Equal(t, domain.BulkRunStatusFailed, last.Status)
	})
}
