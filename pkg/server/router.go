package server

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/orneryd/soundgraph/pkg/logging"
)

// =============================================================================
// Router Setup
// =============================================================================

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(chimiddleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.metricsMiddleware)

	// Health/Status Endpoints
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if s.config.MetricsEnabled {
		r.Handle("/metrics", s.metrics.handler())
	}

	r.Group(func(r chi.Router) {
		if s.config.RequestTimeout > 0 {
			r.Use(chimiddleware.Timeout(s.config.RequestTimeout))
		}
		r.Use(s.formMiddleware)

		// Similarity service
		r.Route("/similarity", func(r chi.Router) {
			rpc(r, "/add_point", s.handleAddPoint)
			rpc(r, "/delete_point", s.handleDeletePoint)
			rpc(r, "/contains", s.handleContains)
			rpc(r, "/get_all_point_names", s.handleGetAllPointNames)
			rpc(r, "/get_descriptor_names", s.handleGetDescriptorNames)
			rpc(r, "/get_sounds_descriptors", s.handleGetSoundsDescriptors)
			rpc(r, "/nnsearch", s.handleNNSearch)
			rpc(r, "/nnrange", s.handleNNRange)
			rpc(r, "/api_search", s.handleNNRange)
			rpc(r, "/save", s.handleSave)
		})

		// Clustering service
		r.Route("/clustering", func(r chi.Router) {
			rpc(r, "/cluster_points", s.handleClusterPoints)
			rpc(r, "/cluster_search_results", s.handleClusterPoints)
			rpc(r, "/k_nearest_neighbors", s.handleKNearestNeighbors)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeResult(w, failure(http.StatusNotFound, "Unknown method."))
	})

	return r
}

// rpc registers h for both GET and POST.
func rpc(r chi.Router, pattern string, h http.HandlerFunc) {
	r.Get(pattern, h)
	r.Post(pattern, h)
}

// =============================================================================
// Middleware
// =============================================================================

// requestIDMiddleware reuses X-Request-ID when the caller sent one and
// stores the id in the request context for logging.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	chiRequestID := chimiddleware.RequestID(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(logging.RequestIDHeader)
		if requestID == "" {
			requestID = logging.NewRequestID()
			r.Header.Set(logging.RequestIDHeader, requestID)
		}
		w.Header().Set(logging.RequestIDHeader, requestID)

		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		chiRequestID.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		// Skip health checks for noise reduction
		if r.URL.Path == "/health" {
			return
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ev := s.log.Info()
		if id, ok := logging.RequestIDFromContext(r.Context()); ok {
			ev = ev.Str("request_id", id)
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.log.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("path", r.URL.Path).
				Msg("recovered from panic")

			s.errorCount.Add(1)
			s.writeJSON(w, http.StatusInternalServerError,
				failure(http.StatusInternalServerError, "Internal server error."))
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		s.activeRequests.Add(1)
		defer s.activeRequests.Add(-1)

		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		s.metrics.observeRequest(route, r.Method, ww.Status(), time.Since(start))
	})
}

// formMiddleware parses query and form parameters up front, bounded by
// MaxRequestSize.
func (s *Server) formMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
		if err := r.ParseForm(); err != nil {
			s.writeResult(w, failure(http.StatusBadRequest, "Could not parse request parameters."))
			return
		}
		next.ServeHTTP(w, r)
	})
}
