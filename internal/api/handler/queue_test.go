package handler

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/sitexport/internal/domain"
)

func queueRouter(q QueueService, d Dispatcher) http.Handler {
	h := NewQueueHandler(q, d, testRegistry())
	r := newEngine()
	r.GET("/queue", h.ListQueue)
	r.POST("/queue", h.Enqueue)
	r.GET("/queue/:id", h.GetQueued)
	r.DELETE("/queue/:id", h.CancelQueued)
	return r
}

func TestEnqueue(t *testing.T) {
	q := &fakeQueue{}
	d := &countingDispatcher{}
	r := queueRouter(q, d)

	w := doJSON(t, r, http.MethodPost, "/queue", map[string]interface{}{"site": "alpha", "limit": 10})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "q-alpha", decode(t, w)["id"])
	assert.Equal(t, 1, d.calls)

	w = doJSON(t, r, http.MethodGet, "/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total"])
	require.Len(t, q.List(), 1)
	assert.Equal(t, 10, q.List()[0].Options.Limit)
}

func TestEnqueueRejections(t *testing.T) {
	tests := []struct {
		name     string
		body     map[string]interface{}
		wantCode int
	}{
		{name: "missing site", body: map[string]interface{}{"limit": 1}, wantCode: http.StatusBadRequest},
		{name: "unknown site", body: map[string]interface{}{"site": "gamma"}, wantCode: http.StatusForbidden},
		{name: "concurrency too high", body: map[string]interface{}{"site": "alpha", "concurrency": 500}, wantCode: http.StatusBadRequest},
		{name: "negative limit", body: map[string]interface{}{"site": "alpha", "limit": -1}, wantCode: http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q := &fakeQueue{}
			w := doJSON(t, queueRouter(q, nil), http.MethodPost, "/queue", tc.body)
			assert.Equal(t, tc.wantCode, w.Code, w.Body.String())
			assert.Zero(t, q.Len())
		})
	}
}

func TestCancelQueued(t *testing.T) {
	q := &fakeQueue{}
	q.Enqueue("alpha", domain.ExportOptions{})
	r := queueRouter(q, nil)

	w := doJSON(t, r, http.MethodDelete, "/queue/q-alpha", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, q.Len())

	w = doJSON(t, r, http.MethodDelete, "/queue/q-alpha", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetQueued(t *testing.T) {
	q := &fakeQueue{}
	q.Enqueue("beta", domain.ExportOptions{Limit: 3})
	r := queueRouter(q, nil)

	w := doJSON(t, r, http.MethodGet, "/queue/q-beta", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "beta", body["site"])

	w = doJSON(t, r, http.MethodGet, "/queue/q-gamma", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
