package mw

import (
	"encoding/json"
	"net/http"
)

// MaxBodyBytes caps request bodies before the gate reads login payloads or the
// proxy streams them upstream.
func MaxBodyBytes(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > limit {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":     "request_too_large",
				"message":   "Request body too large.",
				"max_bytes": limit,
			})
			return
		}

		// chunked bodies have no Content-Length; the reader enforces the cap
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}
