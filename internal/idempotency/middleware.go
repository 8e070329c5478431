package idempotency

import (
	"bytes"
	"net/http"
)

// Middleware replays cached responses for repeated Idempotency-Key headers.
// Replays carry an Idempotency-Replay: true header. Requests without the
// header pass through untouched, and server errors (5xx) are never cached --
// a transient provider failure must stay retryable under the same key.
func Middleware(cache *Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if rec, ok := cache.Get(key); ok {
				for k, v := range rec.Header {
					w.Header().Set(k, v)
				}
				w.Header().Set("Idempotency-Replay", "true")
				w.WriteHeader(rec.Status)
				_, _ = w.Write(rec.Body)
				return
			}

			cw := &captureWriter{
				ResponseWriter: w,
				body:           &bytes.Buffer{},
				status:         http.StatusOK,
			}
			next.ServeHTTP(cw, r)

			if cw.status >= http.StatusInternalServerError {
				return
			}
			hdr := make(map[string]string)
			for k, v := range cw.Header() {
				if len(v) > 0 {
					hdr[k] = v[0]
				}
			}
			cache.Set(key, cw.body.Bytes(), cw.status, hdr)
		})
	}
}

// captureWriter tees the response so it can be cached while still streaming
// to the client.
type captureWriter struct {
	http.ResponseWriter
	body    *bytes.Buffer
	status  int
	written bool
}

func (c *captureWriter) WriteHeader(code int) {
	if !c.written {
		c.status = code
		c.written = true
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}
