// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-mpckit.
//
// go-mpckit is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package rest

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jeremyhahn/go-mpckit/pkg/adapters/logger"
	"github.com/jeremyhahn/go-mpckit/pkg/correlation"
)

// correlate takes the request's correlation id from X-Correlation-ID or
// X-Request-ID, generating one when both are absent, and echoes it back.
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlation.CorrelationIDHeader)
		if id == "" {
			id = r.Header.Get(correlation.RequestIDHeader)
		}
		if id == "" {
			id = correlation.NewID()
		}
		w.Header().Set(correlation.CorrelationIDHeader, id)
		next.ServeHTTP(w, r.WithContext(correlation.WithCorrelationID(r.Context(), id)))
	})
}

// logRequests logs each request once it completes. Store keys appear in
// paths; they are public keys.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []logger.Field{
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", status),
			logger.Int("bytes", ww.BytesWritten()),
			logger.Duration("duration", time.Since(start)),
		}
		switch {
		case status >= http.StatusInternalServerError:
			s.logger.ErrorContext(r.Context(), "request failed", fields...)
		case r.URL.Path == "/health/live" || r.URL.Path == "/health/ready":
			s.logger.DebugContext(r.Context(), "probe served", fields...)
		default:
			s.logger.InfoContext(r.Context(), "request served", fields...)
		}
	})
}

// cors answers preflight requests and tags responses for browser
// clients. An empty origin list allows every origin.
func cors(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			switch origin := r.Header.Get("Origin"); {
			case len(allowed) == 0:
				h.Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", strings.Join([]string{
				http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions,
			}, ", "))
			h.Set("Access-Control-Allow-Headers", "Content-Type, "+correlation.CorrelationIDHeader)
			h.Set("Access-Control-Expose-Headers", correlation.CorrelationIDHeader)
			h.Set("Access-Control-Max-Age", "3600")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recoverPanics turns a handler panic into a 500 with a JSON body.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.ErrorContext(r.Context(), "handler panicked",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Any("panic", rec))
			writeError(w, http.StatusInternalServerError, ErrInternalError, "an unexpected error occurred")
		}()
		next.ServeHTTP(w, r)
	})
}
