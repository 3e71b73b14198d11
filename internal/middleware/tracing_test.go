package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

func TestTracing_PreservesResponse(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
	}{
		{"200 OK", http.StatusOK, `{"state":"completed"}`},
		{"409 Conflict", http.StatusConflict, `{"code":"double_confirmation_attempt"}`},
		{"502 Bad Gateway", http.StatusBadGateway, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Tracing()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.statusCode)
				w.Write([]byte(tt.body))
			}))

			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/unknown", nil))

			assert.Equal(t, tt.statusCode, w.Code)
			assert.Equal(t, tt.body, w.Body.String())
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		})
	}
}

func TestTracing_WithChiRouter(t *testing.T) {
	var gotID string
	r := chi.NewRouter()
	r.Use(Tracing())
	r.Post("/checkout/sessions/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
		gotID = chi.URLParam(r, "id")
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/checkout/sessions/ps_1/approve", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ps_1", gotID)
}
