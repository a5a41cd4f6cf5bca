package table

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server mounts table handlers under a common base path.
type Server struct {
	mux      *chi.Mux
	tables   chi.Router
	basePath string
	version  string
}

// NewServer creates the router with global middleware and the health
// endpoint. Tables registered through Mount are served under basePath; when
// apiKey is non-empty they additionally require a Bearer token.
func NewServer(basePath, apiKey, version string) *Server {
	basePath = "/" + strings.Trim(basePath, "/")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	s := &Server{mux: r, basePath: basePath, version: version}
	r.Get("/health", s.health)

	r.Route(basePath, func(r chi.Router) {
		if apiKey != "" {
			r.Use(AuthMiddleware(apiKey))
		}
		s.tables = r
	})
	return s
}

// Mount registers a table handler under its table name.
func (s *Server) Mount(name string, routes chi.Router) {
	s.tables.Mount("/"+name, routes)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": s.version,
	})
}
