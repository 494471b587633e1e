package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		tp.Shutdown(context.Background())
	})
	return recorder
}

func TestTracing_NamesSpanAfterRoute(t *testing.T) {
	recorder := withRecorder(t)

	r := chi.NewRouter()
	r.Use(Tracing())
	r.Get("/api/v1/newsletters/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/newsletters/123", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /api/v1/newsletters/{id}", spans[0].Name())
}

func TestTracing_WithoutChiRoutePattern(t *testing.T) {
	recorder := withRecorder(t)

	h := Tracing()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, "OK", w.Body.String())
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "http.request", spans[0].Name())
}

func TestTracing_NamesSpanInSubrouter(t *testing.T) {
	recorder := withRecorder(t)

	r := chi.NewRouter()
	r.Use(Tracing())
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/newsletters", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/newsletters", nil))

	assert.Equal(t, http.StatusAccepted, w.Code)
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /api/v1/newsletters", spans[0].Name())
}
