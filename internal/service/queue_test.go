package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/sitexport/internal/domain"
)

func TestExportQueue(t *testing.T) {
	q := NewExportQueue()

	a := q.Enqueue("alpha", domain.ExportOptions{Limit: 1})
	b := q.Enqueue("beta", domain.ExportOptions{})
	dup := q.Enqueue("alpha", domain.ExportOptions{Limit: 99})

	assert.Equal(t, a.ID, dup.ID, "a queued site keeps its entry")
	assert.Equal(t, 1, dup.Options.Limit)
	assert.NotEqual(t, a.ID, b.ID)

	list := q.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Site)
	assert.Equal(t, "beta", list[1].Site)

	assert.True(t, q.Cancel(a.ID))
	assert.False(t, q.Cancel(a.ID))
	assert.True(t, q.CancelSite("beta"))
	assert.False(t, q.CancelSite("beta"))
	assert.Equal(t, 0, q.Len())
}

type fakeStarter struct {
	mu       sync.Mutex
	free     int
	busy     map[string]bool
	rejected map[string]bool
	started  []string
}

func (f *fakeStarter) Start(_ context.Context, site string, _ domain.ExportOptions) (domain.JobSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.rejected[site]:
		return domain.JobSnapshot{}, ErrSiteNotAllowed
	case f.busy[site]:
		return domain.JobSnapshot{}, &AlreadyRunningError{Site: site, JobID: "other"}
	case f.free == 0:
		return domain.JobSnapshot{}, &CapacityError{Capacity: 1, Running: 1}
	}
	f.free--
	f.started = append(f.started, site)
	return domain.JobSnapshot{ID: "job-" + site, Site: site, Status: domain.JobStatusRunning}, nil
}

func TestQueueDispatcherReplaysInOrder(t *testing.T) {
	q := NewExportQueue()
	for _, s := range []string{"busy", "gone", "a", "b", "c"} {
		q.Enqueue(s, domain.ExportOptions{})
	}
	starter := &fakeStarter{
		free:     2,
		busy:     map[string]bool{"busy": true},
		rejected: map[string]bool{"gone": true},
	}
	d := NewQueueDispatcher(q, starter, nil)

	var drained int
	d.AddDrainer(func(context.Context) { drained++ })

	assert.Equal(t, 2, d.Dispatch(context.Background()))
	assert.Equal(t, []string{"a", "b"}, starter.started)
	assert.Equal(t, 1, drained)

	var remaining []string
	for _, e := range q.List() {
		remaining = append(remaining, e.Site)
	}
	assert.Equal(t, []string{"busy", "c"}, remaining, "running sites stay queued, rejected ones are dropped")
}

func TestQueueDispatcherStartRejectsBadSchedule(t *testing.T) {
	d := NewQueueDispatcher(NewExportQueue(), &fakeStarter{}, nil)
	require.Error(t, d.Start("not a schedule"))
	require.NoError(t, d.Start(""))
}

func TestQueueDispatcherSchedule(t *testing.T) {
	q := NewExportQueue()
	q.Enqueue("a", domain.ExportOptions{})
	starter := &fakeStarter{free: 1}
	d := NewQueueDispatcher(q, starter, nil)

	require.NoError(t, d.Start("@every 1s"))
	defer d.Stop()

	assert.Eventually(t, func() bool { return q.Len() == 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestCapacityErrorUnwraps(t *testing.T) {
	err := error(&CapacityError{Running: 2, Capacity: 2, QueuedID: "q1"})
	assert.True(t, errors.Is(err, ErrCapacityExceeded))
	assert.Contains(t, err.Error(), "q1")
	assert.False(t, errors.Is(err, ErrAlreadyRunning))
}
