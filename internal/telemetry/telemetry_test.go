package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilTelemetryIsNoop(t *testing.T) {
	var tel *Telemetry

	called := 0
	fn := func(context.Context) error {
		called++

		return nil
	}

	ctx := context.Background()

	require.NoError(t, tel.InstrumentDownload(ctx, fn))
	require.NoError(t, tel.InstrumentFinalize(ctx, fn))
	require.NoError(t, tel.InstrumentDBOperation(ctx, "save_states", fn))
	require.NoError(t, tel.InstrumentClientOperation(ctx, "http", "probe", fn))
	assert.Equal(t, 4, called)

	tel.RecordBytesDownloaded(ctx, 10)
	tel.RecordSystemError("downloader", "x")
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestDisabledTelemetry(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = tel.InstrumentDownload(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPMiddleware_UsesRoutePattern(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: true, ServiceName: "model_downloader_test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	r := chi.NewRouter()
	r.Use(RequestID, HTTPLogging, NewHTTPMiddleware(tel).Middleware)
	r.Get("/models/{name}/resumable", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, GetRequestID(r.Context()))
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/models/ggml-tiny.bin/resumable", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestGetStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", getStatusClass(http.StatusAccepted))
	assert.Equal(t, "3xx", getStatusClass(http.StatusFound))
	assert.Equal(t, "4xx", getStatusClass(http.StatusConflict))
	assert.Equal(t, "5xx", getStatusClass(http.StatusBadGateway))
	assert.Equal(t, "unknown", getStatusClass(42))
}

func TestRequestID(t *testing.T) {
	var seen string

	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/models/states", nil)
	req.Header.Set(RequestIDHeader, "upstream-42")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "upstream-42", seen)
	assert.Equal(t, "upstream-42", rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/models/states", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 200))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Len(t, seen, 36, "oversized ids are replaced with a uuid")
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	assert.Empty(t, GetRequestID(context.Background()))
}
