package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultSpanName = "http.request"

// Tracing starts a server span per request. otelhttp renames the span once the router
// has recorded a pattern, so the final name is "METHOD pattern".
func Tracing() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, defaultSpanName,
			otelhttp.WithSpanNameFormatter(spanName),
		)
	}
}

func spanName(operation string, r *http.Request) string {
	if route := routePattern(r); route != "unmatched" {
		return r.Method + " " + route
	}
	return operation
}
