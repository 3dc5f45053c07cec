package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/aatumaykin/chaoshub/internal/logger"
	"github.com/aatumaykin/chaoshub/internal/scheduling"
)

type ctxKey struct{}

func callerFrom(ctx context.Context) scheduling.Caller {
	c, _ := ctx.Value(ctxKey{}).(scheduling.Caller)
	return c
}

// requireCaller rejects anonymous requests with 401.
func (s *Server) requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := s.identify(r)
		if !ok {
			respondMessage(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, caller)))
	})
}

// loggingMiddleware logs every request at info level.
func loggingMiddleware(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log.InfoCtx(r.Context(), "request",
				logger.Field{Key: "method", Value: r.Method},
				logger.Field{Key: "path", Value: r.URL.Path},
				logger.Field{Key: "status", Value: ww.Status()},
				logger.Field{Key: "duration", Value: time.Since(start).String()},
				logger.Field{Key: "request_id", Value: middleware.GetReqID(r.Context())})
		})
	}
}
