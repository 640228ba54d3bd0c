package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-summary-fanout/internal/config"
	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
	memoryfleet "github.com/JakeFAU/site-summary-fanout/internal/fleet/memory"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Port: 8080},
		Storage: config.StorageConfig{Backend: config.BackendMemory},
		Pipeline: config.PipelineConfig{
			InputPrefix:      "inputs/urls/",
			InputSuffix:      ".txt",
			ChunkPrefix:      "inputs/chunks/",
			ChunkSuffix:      ".txt",
			ResultPrefix:     "outputs/",
			ResultSuffix:     ".csv",
			ChunkCount:       3,
			SplitConcurrency: 2,
		},
		Queue: config.QueueConfig{Backend: config.BackendMemory, MemoryCapacity: 16},
		Fleet: config.FleetConfig{Backend: config.BackendMemory, Name: "workers", Template: "worker-template"},
		Scrape: config.ScrapeConfig{
			UserAgent:          "fanout-test",
			Timeout:            2 * time.Second,
			Concurrency:        2,
			MaxParagraphs:      20,
			MinParagraphLength: 20,
			MaxNavLinks:        10,
		},
	}
}

func newSiteServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<html><head><title>Site %s</title></head>
<body><h1>Welcome</h1><p>This paragraph is long enough to be kept.</p></body></html>`, r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, h http.Handler, path, body string) fanout.Result {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var res fanout.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, res.StatusCode, rec.Code)
	return res
}

func TestPipelineEndToEndInMemory(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	site := newSiteServer(t)
	app, err := BuildWithLogger(ctx, memoryConfig(), zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	urls := []string{site.URL + "/a", site.URL + "/b", site.URL + "/c", site.URL + "/d", site.URL + "/missing"}
	require.NoError(t, app.Store().Put(ctx, "inputs/urls/sites.txt", "text/plain", []byte(strings.Join(urls, "\n"))))

	h := app.Handler()
	skipped := post(t, h, "/v1/trigger", `{"bucket":"b","name":"other/file.csv"}`)
	assert.Equal(t, http.StatusBadRequest, skipped.StatusCode)

	res := post(t, h, "/v1/trigger", `{"bucket":"b","name":"inputs/urls/sites.txt"}`)
	require.Equal(t, http.StatusOK, res.StatusCode, res.Body)
	assert.Contains(t, res.Body, "Started splitter for inputs/urls/sites.txt")

	fleet, ok := app.Fleet().(*memoryfleet.Fleet)
	require.True(t, ok)
	spec, ok := fleet.Get("workers")
	require.True(t, ok, "launch signal should create the fleet")
	assert.Equal(t, 3, spec.DesiredCount)

	assert.Equal(t, http.StatusConflict, post(t, h, "/v1/launch", "").StatusCode)
	assert.Contains(t, post(t, h, "/v1/reap", "").Body, "Waiting: 0 of 3")

	workerDone := make(chan error, 1)
	go func() { workerDone <- app.RunWorker(ctx) }()

	require.Eventually(t, func() bool {
		return strings.HasPrefix(app.Reaper.Handle(ctx).Body, "Deleted fleet workers")
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, 0, fleet.Len())
	assert.Contains(t, post(t, h, "/v1/reap", "").Body, "already removed")

	results, err := app.Store().List(ctx, "outputs/")
	require.NoError(t, err)
	require.Len(t, results, 3)

	var all string
	for _, obj := range results {
		data, err := app.Store().Get(ctx, obj.Key)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), "website,content"), obj.Key)
		all += string(data)
	}
	for _, u := range urls[:4] {
		assert.Contains(t, all, u)
	}
	assert.Contains(t, all, "Title: Site /a")
	assert.Contains(t, all, fanout.PlaceholderText)

	cancel()
	select {
	case err := <-workerDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestBuildFailsOnUnreachableRedis(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig()
	cfg.Dedupe.Redis.Addr = "127.0.0.1:1"
	_, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

func TestBuildFailsOnBadPostgresDSN(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig()
	cfg.Results.Postgres.DSN = "://not-a-dsn"
	_, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

func TestProvisionRequiresPubSub(t *testing.T) {
	t.Parallel()

	app, err := BuildWithLogger(context.Background(), memoryConfig(), zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = app.Close() }()
	require.Error(t, app.ProvisionPubSub(context.Background()))
}

func TestBuildLocalStorage(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig()
	cfg.Storage = config.StorageConfig{Backend: config.BackendLocal, Local: config.LocalStorageConfig{BaseDir: t.TempDir()}}
	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	res := post(t, app.Handler(), "/v1/split", `{"bucket":"b","key":"inputs/urls/missing.txt"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

type unreachableStore struct {
	fanout.ObjectStore
}

func (unreachableStore) List(context.Context, string) ([]fanout.ObjectInfo, error) {
	return nil, errors.New("bucket unreachable")
}

func TestReadyzChecksStorage(t *testing.T) {
	t.Parallel()

	app, err := BuildWithLogger(context.Background(), memoryConfig(), zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	app.store = unreachableStore{}
	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "bucket unreachable")
}
