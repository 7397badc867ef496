package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// SubjectFunc extracts the identity a request is limited under.
type SubjectFunc func(r *http.Request) string

// Middleware gates handlers on the (subject, class) bucket. Allowed requests
// carry X-RateLimit-Limit and X-RateLimit-Remaining; denied ones get 429 with
// Retry-After. If the bucket store is unreachable the request is refused
// with 503 rather than admitted unmetered.
func (g *Governor) Middleware(class string, capacityPerMinute int, subject SubjectFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := g.Allow(r.Context(), subject(r), class, capacityPerMinute)
			if err != nil {
				g.logger.Error("rate_limit_check_failed", zap.String("class", class), zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
