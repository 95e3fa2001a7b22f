package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// RequestLogger logs one debug line per request with zerolog.
func RequestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("path", r.URL.Path).
				Str("method", r.Method).
				Int("status", ww.Status()).
				Str("req_id", middleware.GetReqID(r.Context())).
				Dur("dur", time.Since(start)).
				Msg("status request")
		})
	}
}
