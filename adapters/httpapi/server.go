// Package httpapi exposes the dispatch and stream collaborators over
// HTTP (spec §6 "Admin/HTTP collaborator"), grounded on the teacher's
// cmd/gateway composition (JWT auth, body-limit, recovery) reworked onto
// go-chi/chi/v5 instead of gorilla/mux.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/actionforge/gateway/core/audit"
	"github.com/actionforge/gateway/core/dispatch"
	"github.com/actionforge/gateway/core/stream"
)

const defaultMaxRequestBodyBytes int64 = 1 << 20 // 1MiB, action payloads are small JSON documents.

// Replayer supplies SSE reconnection history (spec §6 Last-Event-ID
// replay). adapters/auditpg.Store.Recent satisfies this; a nil Replayer
// disables replay and serves only the live broadcast.
type Replayer interface {
	Recent(ctx context.Context, namespace, tenant string, limit int) ([]audit.Record, error)
}

// Server wires the Gateway and stream Broadcaster onto an HTTP router.
type Server struct {
	Gateway   *dispatch.Gateway
	Stream    *stream.Broadcaster
	Replay    Replayer
	JWTSecret []byte

	router chi.Router
}

// New builds the chi router: recovery, request logging, and size
// limiting apply to every route; JWT auth gates everything under /v1.
func New(gw *dispatch.Gateway, broadcaster *stream.Broadcaster, replay Replayer, jwtSecret []byte) *Server {
	s := &Server{Gateway: gw, Stream: broadcaster, Replay: replay, JWTSecret: jwtSecret}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(bodyLimit(defaultMaxRequestBodyBytes))

	r.Get("/health", s.handleHealth)

	r.Group(func(protected chi.Router) {
		protected.Use(s.jwtAuth)
		protected.Post("/v1/actions", s.handleDispatch)
		protected.Get("/v1/stream", s.handleStream)
		protected.Get("/v1/stream/ws", s.handleStreamWS)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func bodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
