package trigger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
	pubmemory "github.com/JakeFAU/site-summary-fanout/internal/publisher/memory"
	queuememory "github.com/JakeFAU/site-summary-fanout/internal/queue/memory"
	"github.com/JakeFAU/site-summary-fanout/internal/splitter"
	blobmemory "github.com/JakeFAU/site-summary-fanout/internal/storage/memory"
)

var testLayout = fanout.Layout{
	InputPrefix:  "inputs/urls/",
	InputSuffix:  ".txt",
	ChunkPrefix:  "inputs/chunks/",
	ChunkSuffix:  ".txt",
	ResultPrefix: "outputs/",
	ResultSuffix: ".csv",
}

type recordingStarter struct {
	mu   sync.Mutex
	reqs []fanout.SplitRequest
	err  error
}

func (s *recordingStarter) Start(_ context.Context, req fanout.SplitRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return "", s.err
	}
	return fmt.Sprintf("run-%d", len(s.reqs)), nil
}

type memoryDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (d *memoryDeduper) Forget(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}

func (d *memoryDeduper) FirstSeen(_ context.Context, key string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "0190-run", nil }

func TestHandleStartsSplitterForInputList(t *testing.T) {
	t.Parallel()

	starter := &recordingStarter{}
	tr := New(starter, nil, Config{Layout: testLayout}, zap.NewNop())

	res := tr.Handle(context.Background(), Notification{Bucket: "lemay", Key: "inputs/urls/sites.txt"})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Started splitter for inputs/urls/sites.txt. Run ID: run-1", res.Body)
	require.Len(t, starter.reqs, 1)
	assert.Equal(t, fanout.SplitRequest{Bucket: "lemay", Key: "inputs/urls/sites.txt"}, starter.reqs[0])
}

func TestHandleSkipsNonMatchingFiles(t *testing.T) {
	t.Parallel()

	starter := &recordingStarter{}
	tr := New(starter, nil, Config{Layout: testLayout, Bucket: "lemay"}, nil)

	for _, n := range []Notification{
		{Bucket: "lemay", Key: "other/file.csv"},
		{Bucket: "lemay", Key: "inputs/urls/sites.csv"},
		{Bucket: "lemay", Key: "inputs/chunks/chunk_0.txt"},
		{Bucket: "elsewhere", Key: "inputs/urls/sites.txt"},
		{Bucket: "lemay", Key: "inputs/urls/sites.txt", EventType: "OBJECT_DELETE"},
	} {
		res := tr.Handle(context.Background(), n)
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, n.Key)
		assert.Equal(t, "Skipped non-matching file: "+n.Key, res.Body)
	}
	assert.Empty(t, starter.reqs)
}

func TestHandleMissingFields(t *testing.T) {
	t.Parallel()

	starter := &recordingStarter{}
	tr := New(starter, nil, Config{Layout: testLayout}, nil)
	res := tr.Handle(context.Background(), Notification{Key: "inputs/urls/sites.txt"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Empty(t, starter.reqs)
}

func TestHandleDeduplicates(t *testing.T) {
	t.Parallel()

	starter := &recordingStarter{}
	tr := New(starter, &memoryDeduper{}, Config{Layout: testLayout}, nil)
	n := Notification{Bucket: "b", Key: "inputs/urls/sites.txt", Generation: "17"}

	assert.Equal(t, http.StatusOK, tr.Handle(context.Background(), n).StatusCode)
	res := tr.Handle(context.Background(), n)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Body, "Duplicate notification ignored")

	n.Generation = "18"
	assert.Contains(t, tr.Handle(context.Background(), n).Body, "Started splitter")
	assert.Len(t, starter.reqs, 2)
}

func TestHandleRedeliveryAfterStartFailure(t *testing.T) {
	t.Parallel()

	starter := &recordingStarter{err: errors.New("transient publish failure")}
	deduper := &memoryDeduper{}
	tr := New(starter, deduper, Config{Layout: testLayout}, nil)
	n := Notification{Bucket: "b", Key: "inputs/urls/sites.txt", Generation: "17"}

	res := tr.Handle(context.Background(), n)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)

	starter.err = nil
	res = tr.Handle(context.Background(), n)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Body, "Started splitter")
	assert.Len(t, starter.reqs, 2)

	res = tr.Handle(context.Background(), n)
	assert.Contains(t, res.Body, "Duplicate notification ignored")
}

func TestHandleWithoutGenerationSkipsDedupe(t *testing.T) {
	t.Parallel()

	starter := &recordingStarter{}
	deduper := &memoryDeduper{}
	tr := New(starter, deduper, Config{Layout: testLayout}, nil)
	n := Notification{Bucket: "b", Key: "inputs/urls/sites.txt"}

	for range 2 {
		res := tr.Handle(context.Background(), n)
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Contains(t, res.Body, "Started splitter")
	}
	assert.Len(t, starter.reqs, 2)
	assert.Empty(t, deduper.seen)
}

func TestHandleDeduperFailureFailsOpen(t *testing.T) {
	t.Parallel()

	starter := &recordingStarter{}
	tr := New(starter, &memoryDeduper{err: errors.New("redis down")}, Config{Layout: testLayout}, nil)
	res := tr.Handle(context.Background(), Notification{Bucket: "b", Key: "inputs/urls/sites.txt", Generation: "3"})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, starter.reqs, 1)
}

func TestHandleStarterFailure(t *testing.T) {
	t.Parallel()

	tr := New(&recordingStarter{err: errors.New("glue unavailable")}, nil, Config{Layout: testLayout}, nil)
	res := tr.Handle(context.Background(), Notification{Bucket: "b", Key: "inputs/urls/sites.txt"})
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestInlineStarterRunsSplitter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := blobmemory.NewBlobStore()
	queue := queuememory.NewQueue(16)
	require.NoError(t, store.Put(ctx, "inputs/urls/sites.txt", "text/plain", []byte("https://a.example\nhttps://b.example\n")))
	split := splitter.New(store, queue, nil, nil, splitter.Config{Layout: testLayout, ChunkCount: 2}, nil)

	tr := New(InlineStarter{Splitter: split, IDs: fixedIDs{}}, nil, Config{Layout: testLayout}, nil)
	res := tr.Handle(ctx, Notification{Bucket: "b", Key: "inputs/urls/sites.txt"})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Started splitter for inputs/urls/sites.txt. Run ID: 0190-run", res.Body)
	assert.Equal(t, 2, queue.Len())

	res = tr.Handle(ctx, Notification{Bucket: "b", Key: "inputs/urls/missing.txt"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	_, err := InlineStarter{}.Start(ctx, fanout.SplitRequest{})
	require.Error(t, err)
}

func TestPublishStarter(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	starter := PublishStarter{Publisher: pub, Topic: "split"}
	id, err := starter.Start(context.Background(), fanout.SplitRequest{Bucket: "b", Key: "inputs/urls/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id)
	require.Len(t, pub.Messages("split"), 1)

	_, err = PublishStarter{}.Start(context.Background(), fanout.SplitRequest{})
	require.Error(t, err)
}

func TestDecodeNotification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		data  string
		attrs map[string]string
		want  Notification
	}{
		{
			name:  "pubsub attributes",
			attrs: map[string]string{"bucketId": "b", "objectId": "inputs/urls/a.txt", "eventType": "OBJECT_FINALIZE", "objectGeneration": "42"},
			want:  Notification{Bucket: "b", Key: "inputs/urls/a.txt", Generation: "42", EventType: "OBJECT_FINALIZE"},
		},
		{
			name: "object resource",
			data: `{"kind":"storage#object","bucket":"b","name":"inputs/urls/a.txt","generation":"1712"}`,
			want: Notification{Bucket: "b", Key: "inputs/urls/a.txt", Generation: "1712"},
		},
		{
			name: "numeric generation",
			data: `{"bucket":"b","name":"inputs/urls/a.txt","generation":1712}`,
			want: Notification{Bucket: "b", Key: "inputs/urls/a.txt", Generation: "1712"},
		},
		{
			name: "s3 records",
			data: `{"Records":[{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"lemay"},"object":{"key":"inputs/urls/my+sites.txt"}}}]}`,
			want: Notification{Bucket: "lemay", Key: "inputs/urls/my sites.txt", EventType: "ObjectCreated:Put"},
		},
		{
			name: "plain",
			data: `{"bucket":"b","key":"inputs/urls/a.txt"}`,
			want: Notification{Bucket: "b", Key: "inputs/urls/a.txt"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := DecodeNotification([]byte(tc.data), tc.attrs)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := DecodeNotification([]byte("{oops"), nil)
	require.ErrorIs(t, err, fanout.ErrPermanent)
	_, err = DecodeNotification(nil, nil)
	require.ErrorIs(t, err, fanout.ErrPermanent)
}

func TestNotificationFinalized(t *testing.T) {
	t.Parallel()

	assert.True(t, Notification{}.Finalized())
	assert.True(t, Notification{EventType: "OBJECT_FINALIZE"}.Finalized())
	assert.True(t, Notification{EventType: "ObjectCreated:CompleteMultipartUpload"}.Finalized())
	assert.False(t, Notification{EventType: "OBJECT_METADATA_UPDATE"}.Finalized())
	assert.False(t, Notification{EventType: "ObjectRemoved:Delete"}.Finalized())
}
