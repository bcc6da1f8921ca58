package api

import (
	"context"
	"net/http"
	"time"

	"entitlement-service/internal/infra/logging"
	"entitlement-service/internal/infra/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Middleware func(http.Handler) http.Handler

const traceHeader = "X-Trace-ID"

func TraceID(logger *zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tid := r.Header.Get(traceHeader)
			if tid == "" {
				tid = uuid.NewString()
			}
			w.Header().Set(traceHeader, tid)
			ctx := logging.WithTraceID(r.Context(), tid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequestLog(logger *zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &respWriter{ResponseWriter: w, status: 200}
			next.ServeHTTP(ww, r)
			l := logging.With(r.Context(), logger)
			l.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.status).
				Dur("duration", time.Since(start)).
				Msg("http_request")
		})
	}
}

type respWriter struct {
	http.ResponseWriter
	status int
}

func (w *respWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func Recover(logger *zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					l := logging.With(r.Context(), logger)
					l.Error().Interface("panic", rec).Msg("panic recovered")
					writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func Timeout(d time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Limiter is a per-key request budget.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RateLimit caps requests per authenticated user and route group. It must be
// mounted after Authenticate. Limiter failures let the request through.
func RateLimit(l Limiter, route string, perMinute int, logger *zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		if l == nil || perMinute <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := userIDFrom(r.Context())
			ok, err := l.Allow(r.Context(), rateKey(userID, route), perMinute, time.Minute)
			if err != nil {
				lg := logging.With(r.Context(), logger)
				lg.Warn().Err(err).Msg("rate limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				metrics.IncRateLimitTriggered()
				w.Header().Set("Retry-After", "60")
				writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", Message: "too many requests, try again in a minute"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
