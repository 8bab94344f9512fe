package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stephnangue/latch/core"
	"github.com/stephnangue/latch/helper"
	"github.com/stephnangue/latch/logger"
)

func init() {
	chi.RegisterMethod("LIST")
}

// HandlerProperties contains configuration for the HTTP handler
type HandlerProperties struct {
	Core   *core.Core
	Logger logger.Logger
}

// Handler creates and returns the main HTTP handler for latch.
func Handler(props *HandlerProperties) http.Handler {
	c := props.Core
	log := props.Logger

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/v1/sys/health", handleSysHealth(c))
	r.Handle("/v1/*", handleLogical(c, log))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			respondError(w, http.StatusNotFound, "path must begin with /v1/")
			return
		}
		respondError(w, http.StatusNotFound, "no handler for route")
	})

	return r
}

// requestID keeps the caller's X-Request-Id or assigns a fresh ulid, and
// stores it where middleware.GetReqID finds it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = helper.GenerateRequestID()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("request handled",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Int("status", ww.Status()),
				logger.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func handleSysHealth(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{
			"initialized":  true,
			"auth_methods": c.AuthMethods(),
		})
	}
}
