package reaper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
	fleetmemory "github.com/JakeFAU/site-summary-fanout/internal/fleet/memory"
	blobmemory "github.com/JakeFAU/site-summary-fanout/internal/storage/memory"
)

var testConfig = Config{
	Layout: fanout.Layout{
		ChunkPrefix:  "inputs/chunks/",
		ChunkSuffix:  ".txt",
		ResultPrefix: "outputs/",
		ResultSuffix: ".csv",
	},
	FleetName: "scrapers",
}

func put(t *testing.T, store fanout.ObjectStore, key string) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), key, "text/plain", []byte("x")))
}

func seed(t *testing.T, store fanout.ObjectStore, chunks, results int) {
	t.Helper()
	for i := 0; i < chunks; i++ {
		put(t, store, fmt.Sprintf("inputs/chunks/chunk_%d.txt", i))
	}
	for i := 0; i < results; i++ {
		put(t, store, fmt.Sprintf("outputs/chunk_%d_results.csv", i))
	}
}

func runningFleet(t *testing.T) *fleetmemory.Fleet {
	t.Helper()
	fleet := fleetmemory.New()
	require.NoError(t, fleet.Create(context.Background(), fanout.FleetSpec{Name: "scrapers", Template: "t", DesiredCount: 10}))
	return fleet
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		chunks, completed int
		want              State
	}{
		{0, 0, StateIdle},
		{0, 3, StateIdle},
		{10, 0, StateWaiting},
		{10, 9, StateWaiting},
		{10, 10, StateDone},
		{10, 11, StateDone},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Evaluate(tc.chunks, tc.completed), "chunks=%d completed=%d", tc.chunks, tc.completed)
	}
	assert.Equal(t, "waiting", StateWaiting.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestReapWaitsThenDeletes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := blobmemory.NewBlobStore()
	seed(t, store, 10, 9)
	fleet := runningFleet(t)
	r := New(store, fleet, testConfig, zap.NewNop())

	res := r.Handle(ctx)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Waiting: 9 of 10 chunks processed.", res.Body)
	assert.Equal(t, 1, fleet.Len())

	put(t, store, "outputs/chunk_9_results.csv")
	res = r.Handle(ctx)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Deleted fleet scrapers after processing completed.", res.Body)
	assert.Equal(t, 0, fleet.Len())

	calls := fleet.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, fleetmemory.Call{Op: "resize", Name: "scrapers", Count: 0}, calls[1])
	assert.Equal(t, "delete", calls[2].Op)
}

func TestReapAfterTeardownIsNoOp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := blobmemory.NewBlobStore()
	seed(t, store, 3, 3)
	r := New(store, runningFleet(t), testConfig, nil)

	first, err := r.Reap(ctx)
	require.NoError(t, err)
	assert.False(t, first.AlreadyRemoved)

	second, err := r.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateDone, second.State)
	assert.True(t, second.AlreadyRemoved)
	assert.Equal(t, http.StatusOK, r.Handle(ctx).StatusCode)
}

func TestDuplicateAndOrphanResultsDoNotInflate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := blobmemory.NewBlobStore()
	seed(t, store, 4, 2)
	put(t, store, "outputs/chunk_1_results.csv")
	put(t, store, "outputs/rerun/chunk_1_results.csv")
	put(t, store, "outputs/chunk_7_results.csv")
	put(t, store, "outputs/summary.csv")
	fleet := runningFleet(t)

	report, err := New(store, fleet, testConfig, nil).Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Chunks)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, StateWaiting, report.State)
	assert.Equal(t, 1, fleet.Len())
}

func TestCompletedCountIsMonotonic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := blobmemory.NewBlobStore()
	seed(t, store, 6, 0)
	r := New(store, fleetmemory.New(), testConfig, nil)

	// Workers may finish in any order and some deliveries repeat.
	order := []int{4, 0, 4, 2, 5, 0, 1, 3, 3}
	last := 0
	for _, i := range order {
		put(t, store, fmt.Sprintf("outputs/chunk_%d_results.csv", i))
		_, completed, err := r.Progress(ctx)
		require.NoError(t, err)
		require.GreaterOrEqual(t, completed, last)
		require.LessOrEqual(t, completed, 6)
		last = completed
	}
	assert.Equal(t, 6, last)
}

func TestReapIdle(t *testing.T) {
	t.Parallel()

	fleet := fleetmemory.New()
	r := New(blobmemory.NewBlobStore(), fleet, testConfig, nil)
	res := r.Handle(context.Background())
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "No chunks found.", res.Body)
	assert.Empty(t, fleet.Calls())
}

type flakyFleet struct {
	fanout.FleetManager
	resizeErr error
	deleteErr error
}

func (f flakyFleet) SetDesiredCount(context.Context, string, int) error { return f.resizeErr }
func (f flakyFleet) Delete(context.Context, string, bool) error        { return f.deleteErr }

func TestReapFleetErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := blobmemory.NewBlobStore()
	seed(t, store, 2, 2)

	res := New(store, flakyFleet{resizeErr: errors.New("throttled")}, testConfig, nil).Handle(ctx)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Contains(t, res.Body, "throttled")

	res = New(store, flakyFleet{deleteErr: errors.New("in use")}, testConfig, nil).Handle(ctx)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)

	report, err := New(store, flakyFleet{deleteErr: fmt.Errorf("gone: %w", fanout.ErrFleetNotFound)}, testConfig, nil).Reap(ctx)
	require.NoError(t, err)
	assert.True(t, report.AlreadyRemoved)
}

type failingList struct{ fanout.ObjectStore }

func (failingList) List(context.Context, string) ([]fanout.ObjectInfo, error) {
	return nil, errors.New("list failed")
}

func TestReapListFailure(t *testing.T) {
	t.Parallel()

	res := New(failingList{}, fleetmemory.New(), testConfig, nil).Handle(context.Background())
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestWatchStopsWhenDone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store := blobmemory.NewBlobStore()
	seed(t, store, 2, 1)
	fleet := runningFleet(t)
	r := New(store, fleet, testConfig, nil)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.Put(ctx, "outputs/chunk_1_results.csv", "text/csv", []byte("x"))
	}()

	report, err := r.Watch(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StateDone, report.State)
	assert.Equal(t, 0, fleet.Len())
}

func TestWatchHonorsContext(t *testing.T) {
	t.Parallel()

	store := blobmemory.NewBlobStore()
	seed(t, store, 2, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(store, fleetmemory.New(), testConfig, nil).Watch(ctx, 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = New(store, fleetmemory.New(), testConfig, nil).Watch(context.Background(), 0)
	require.Error(t, err)
}

func TestHandleWatch(t *testing.T) {
	t.Parallel()

	store := blobmemory.NewBlobStore()
	seed(t, store, 2, 2)
	fleet := runningFleet(t)
	r := New(store, fleet, testConfig, nil)

	res := r.HandleWatch(context.Background(), 10*time.Millisecond)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Body, "Deleted fleet")

	res = r.HandleWatch(context.Background(), 0)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
}
