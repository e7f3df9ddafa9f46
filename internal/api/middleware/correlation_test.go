package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apimw "github.com/notifyhub/alert-dispatch/internal/api/middleware"
	"github.com/notifyhub/alert-dispatch/internal/domain"
)

func TestCorrelationID(t *testing.T) {
	tests := []struct {
		name      string
		headers   map[string]string
		want      string
		generated bool
	}{
		{"echoes caller id", map[string]string{"X-Correlation-ID": "req-42"}, "req-42", false},
		{"falls back to request id", map[string]string{"X-Request-ID": "edge-7"}, "edge-7", false},
		{"correlation id wins", map[string]string{"X-Correlation-ID": "a", "X-Request-ID": "b"}, "a", false},
		{"generates when absent", nil, "", true},
		{"replaces ids with spaces", map[string]string{"X-Correlation-ID": "two words"}, "", true},
		{"replaces oversized ids", map[string]string{"X-Correlation-ID": strings.Repeat("x", 129)}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := apimw.CorrelationID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen = domain.CorrelationID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			got := rec.Header().Get("X-Correlation-ID")
			assert.Equal(t, got, seen, "context and header must agree")
			if tt.generated {
				_, err := uuid.Parse(got)
				require.NoError(t, err, "expected a generated UUID, got %q", got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
