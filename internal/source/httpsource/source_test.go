package httpsource_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homedeck/homedeck/internal/observation"
	"github.com/homedeck/homedeck/internal/provider/resilience"
	"github.com/homedeck/homedeck/internal/source"
	"github.com/homedeck/homedeck/internal/source/httpsource"
)

func noRetryClient(name string) *resilience.Client {
	return resilience.NewClient(resilience.ClientConfig{Name: name, Timeout: time.Second})
}

func newSource(t *testing.T, cfg httpsource.Config) *httpsource.Source {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "radar"
	}
	if cfg.Client == nil {
		cfg.Client = noRetryClient(cfg.ID)
	}
	cfg.Logger = zerolog.Nop()
	src, err := httpsource.New(cfg)
	require.NoError(t, err)
	return src
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  httpsource.Config
	}{
		{name: "missing id", cfg: httpsource.Config{URL: "http://example.test"}},
		{name: "missing url", cfg: httpsource.Config{ID: "radar"}},
		{name: "unterminated layout", cfg: httpsource.Config{ID: "radar", URL: "http://example.test", HistoryURL: "http://example.test/{2006"}},
		{name: "stray brace", cfg: httpsource.Config{ID: "radar", URL: "http://example.test", HistoryURL: "http://example.test/2006}/{01}"}},
		{name: "empty layout", cfg: httpsource.Config{ID: "radar", URL: "http://example.test", HistoryURL: "http://example.test/{}"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := httpsource.New(tt.cfg)
			assert.ErrorIs(t, err, httpsource.ErrInvalidConfig)
		})
	}
}

func TestSource_FetchNewDataThenNotModified(t *testing.T) {
	published := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var (
		mu      sync.Mutex
		headers []http.Header
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		headers = append(headers, r.Header.Clone())
		mu.Unlock()

		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", published.Format(http.TimeFormat))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("frame"))
	}))
	defer server.Close()

	store := observation.NewInMemoryRepository()
	src := newSource(t, httpsource.Config{
		URL:    server.URL,
		Header: http.Header{"X-Api-Key": {"secret"}},
		Store:  store,
	})
	assert.Equal(t, "radar", src.ID())

	out, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, source.KindNewData, out.Kind)
	assert.Equal(t, published, out.Timestamp)

	artifact, ok := out.Payload.(*httpsource.Artifact)
	require.True(t, ok)
	assert.Equal(t, []byte("frame"), artifact.Body)
	assert.Equal(t, "image/png", artifact.ContentType)
	assert.Equal(t, `"v1"`, artifact.ETag)

	exists, err := store.Exists(context.Background(), "radar", published)
	require.NoError(t, err)
	assert.True(t, exists)

	out, err = src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, source.KindUnchanged, out.Kind)
	assert.Equal(t, published, out.Timestamp)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, headers, 2)
	assert.Equal(t, "secret", headers[0].Get("X-Api-Key"))
	assert.Empty(t, headers[0].Get("If-None-Match"))
	assert.Equal(t, published.Format(http.TimeFormat), headers[1].Get("If-Modified-Since"))
}

func TestSource_FetchSameTimestampIsUnchanged(t *testing.T) {
	published := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Last-Modified", published.Format(http.TimeFormat))
		_, _ = w.Write([]byte("frame"))
	}))
	defer server.Close()

	src := newSource(t, httpsource.Config{URL: server.URL})

	out, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, source.KindNewData, out.Kind)

	out, err = src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, source.KindUnchanged, out.Kind)
}

func TestSource_FetchClassifiesStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		kind      source.Kind
		wantError bool
	}{
		{name: "not published yet", status: http.StatusNotFound, kind: source.KindMiss},
		{name: "gone", status: http.StatusGone, kind: source.KindMiss},
		{name: "unauthorized", status: http.StatusUnauthorized, kind: source.KindFatal},
		{name: "forbidden", status: http.StatusForbidden, kind: source.KindFatal},
		{name: "bad request", status: http.StatusBadRequest, kind: source.KindFatal},
		{name: "server error", status: http.StatusServiceUnavailable, wantError: true},
		{name: "rate limited", status: http.StatusTooManyRequests, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			src := newSource(t, httpsource.Config{URL: server.URL})
			out, err := src.Fetch(context.Background())
			if tt.wantError {
				require.Error(t, err)
				assert.False(t, source.IsFatal(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, out.Kind)
		})
	}
}

func TestSource_FetchNetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	src := newSource(t, httpsource.Config{URL: url})
	_, err := src.Fetch(context.Background())
	require.Error(t, err)
	assert.False(t, source.IsFatal(err))
}

func TestSource_FetchBodyTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer server.Close()

	src := newSource(t, httpsource.Config{URL: server.URL, MaxBodyBytes: 4})
	_, err := src.Fetch(context.Background())
	assert.ErrorIs(t, err, httpsource.ErrBodyTooLarge)
}

func TestSource_FetchFallsBackToDateHeader(t *testing.T) {
	served := time.Date(2026, 3, 1, 12, 7, 30, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Date", served.Format(http.TimeFormat))
		_, _ = w.Write([]byte("{}"))
	}))
	defer server.Close()

	src := newSource(t, httpsource.Config{URL: server.URL})
	out, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, served, out.Timestamp)
}

func TestSource_Backfill(t *testing.T) {
	instant := time.Date(2026, 3, 1, 11, 50, 0, 0, time.UTC)
	missing := instant.Add(10 * time.Minute)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/history/2026/03/01/1150.png" {
			_, _ = w.Write([]byte("old frame"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	src := newSource(t, httpsource.Config{
		URL:        server.URL + "/latest.png",
		HistoryURL: server.URL + "/history/{2006/01/02/1504}.png",
	})

	ctx := context.Background()
	assert.False(t, src.CheckExists(ctx, instant))

	out, err := src.Backfill(ctx, instant)
	require.NoError(t, err)
	require.Equal(t, source.KindNewData, out.Kind)
	assert.Equal(t, instant, out.Timestamp)
	artifact := out.Payload.(*httpsource.Artifact)
	assert.Equal(t, []byte("old frame"), artifact.Body)
	assert.True(t, src.CheckExists(ctx, instant))

	out, err = src.Backfill(ctx, missing)
	require.NoError(t, err)
	assert.Equal(t, source.KindAbsent, out.Kind)
	assert.False(t, src.CheckExists(ctx, missing))
}

func TestSource_BackfillWithoutHistory(t *testing.T) {
	src := newSource(t, httpsource.Config{URL: "http://example.test"})
	out, err := src.Backfill(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, source.KindAbsent, out.Kind)
}

func TestSource_SeedObservation(t *testing.T) {
	ctx := context.Background()
	store := observation.NewInMemoryRepository()
	seeded := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var (
		mu              sync.Mutex
		ifModifiedSince string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ifModifiedSince = r.Header.Get("If-Modified-Since")
		mu.Unlock()
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	src := newSource(t, httpsource.Config{URL: server.URL, Store: store})

	_, ok, err := src.SeedObservation(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Record(ctx, "radar", seeded))
	ts, ok, err := src.SeedObservation(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, seeded, ts)

	out, err := src.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, source.KindUnchanged, out.Kind)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, seeded.Format(http.TimeFormat), ifModifiedSince)
}

func TestSource_CheckExistsMatchesLiveFetchInGridSlot(t *testing.T) {
	published := time.Date(2026, 3, 1, 12, 20, 20, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Last-Modified", published.Format(http.TimeFormat))
		_, _ = w.Write([]byte("frame"))
	}))
	defer server.Close()

	store := observation.NewInMemoryRepository()
	gridded := newSource(t, httpsource.Config{URL: server.URL, Store: store, Cadence: 10 * time.Minute})
	exact := newSource(t, httpsource.Config{URL: server.URL, Store: store})

	ctx := context.Background()
	out, err := gridded.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, source.KindNewData, out.Kind)

	slot := time.Date(2026, 3, 1, 12, 20, 0, 0, time.UTC)
	assert.True(t, gridded.CheckExists(ctx, slot))
	assert.False(t, gridded.CheckExists(ctx, slot.Add(10*time.Minute)))
	assert.False(t, gridded.CheckExists(ctx, slot.Add(-10*time.Minute)))
	assert.False(t, exact.CheckExists(ctx, slot), "without a cadence only exact instants match")
}
