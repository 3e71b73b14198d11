package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Tracing starts a server span named after chi's route pattern, e.g.
// "POST /api/v1/checkout/sessions/{id}/approve", falling back to the raw path.
func Tracing() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			operation := r.Method + " " + r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				operation = r.Method + " " + rctx.RoutePattern()
			}
			otelhttp.NewHandler(next, operation).ServeHTTP(w, r)
		})
	}
}
