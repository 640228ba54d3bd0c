package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPolicyHonorsDisallow(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(true, Config{UserAgent: "TestBot"}, zap.NewNop())
	ctx := context.Background()
	assert.True(t, p.Allowed(ctx, srv.URL))
	assert.True(t, p.Allowed(ctx, srv.URL+"/public"))
	assert.False(t, p.Allowed(ctx, srv.URL+"/private/page"))
	assert.Equal(t, int32(1), hits.Load(), "robots.txt fetched once per host")
}

func TestPolicyDisallowAll(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
	}))
	defer srv.Close()

	p := New(true, Config{UserAgent: "TestBot"}, nil)
	assert.False(t, p.Allowed(context.Background(), srv.URL))
}

func TestPolicyAllowsOnFetchFailure(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := New(true, Config{Timeout: 50 * time.Millisecond}, nil)
	assert.True(t, p.Allowed(context.Background(), srv.URL+"/anything"))
}

func TestPolicyMissingRobotsAllows(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	p := New(true, Config{}, nil)
	assert.True(t, p.Allowed(context.Background(), srv.URL))
}

func TestNewWithoutRespectAllowsAll(t *testing.T) {
	t.Parallel()

	p := New(false, Config{}, nil)
	require.IsType(t, AllowAll{}, p)
	assert.True(t, p.Allowed(context.Background(), "https://example.com/private"))
}
