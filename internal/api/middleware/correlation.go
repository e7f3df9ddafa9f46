package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/notifyhub/alert-dispatch/internal/domain"
)

const (
	correlationHeader = "X-Correlation-ID"
	requestIDHeader   = "X-Request-ID"

	maxCorrelationIDLen = 128
)

// CorrelationID takes the caller's X-Correlation-ID (or X-Request-ID) and
// generates a UUID when neither is usable. The ID rides on the request
// context into every job the request enqueues, so worker logs for those jobs
// carry it too. It is echoed back in the response header.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = r.Header.Get(requestIDHeader)
		}
		if !validCorrelationID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(domain.WithCorrelationID(r.Context(), id)))
	})
}

// GetCorrelationID retrieves the correlation ID stored by the middleware.
func GetCorrelationID(ctx context.Context) string {
	return domain.CorrelationID(ctx)
}

// validCorrelationID accepts short printable ASCII tokens, keeping log
// fields and journal rows free of control characters.
func validCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
