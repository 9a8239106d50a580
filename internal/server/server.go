// Package server sets up the HTTP router, middleware, and request handlers
// for the query-driven language-model runtime (spec §4, §6).
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lmql-rt/corert/internal/config"
	"github.com/lmql-rt/corert/internal/lmtp"
	"github.com/lmql-rt/corert/internal/scheduler"
	"github.com/lmql-rt/corert/internal/shard"
	"github.com/lmql-rt/corert/internal/tokenizer"
)

// Server holds the HTTP router and every dependency handlers need: the
// scheduler that fronts remote-provider dispatch, the LMTP worker
// selector and client pool for local models, and the tokenizer registry
// used to encode prompts for local models.
type Server struct {
	router chi.Router
	cfg    *config.Config

	sched      *scheduler.Context
	tokenizers *tokenizer.Registry
	workers    *shard.Selector
	lmtpClients map[string]*lmtp.Client // worker id -> client
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(cfg *config.Config, sched *scheduler.Context, tokenizers *tokenizer.Registry, workers *shard.Selector, lmtpClients map[string]*lmtp.Client) *Server {
	s := &Server{
		cfg:         cfg,
		sched:       sched,
		tokenizers:  tokenizers,
		workers:     workers,
		lmtpClients: lmtpClients,
	}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/v1/completions", s.handleCompletions)
	r.Post("/v1/chat/completions", s.handleChatCompletions)

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
