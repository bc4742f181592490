// Package api provides the HTTP server and handlers. It is a thin
// inbound boundary: handlers translate requests into filesystem-manager
// and store calls and map typed errors onto status codes.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/quincecloud/quince/internal/auth"
	"github.com/quincecloud/quince/internal/blockstore"
	"github.com/quincecloud/quince/internal/events"
	"github.com/quincecloud/quince/internal/fs"
	"github.com/quincecloud/quince/internal/fserr"
	"github.com/quincecloud/quince/internal/logging"
	"github.com/quincecloud/quince/internal/metadata"
	"github.com/quincecloud/quince/internal/metrics"
)

// Server is the HTTP server.
type Server struct {
	manager     *fs.Manager
	store       *metadata.Store
	blocks      blockstore.Store
	auth        *auth.Service
	broadcaster *events.Broadcaster

	// wakeIndexer nudges the index worker after mutations; may be nil.
	wakeIndexer func()

	maxUploadSize int64
}

// Config bundles the server dependencies.
type Config struct {
	Manager       *fs.Manager
	Store         *metadata.Store
	Blocks        blockstore.Store
	Auth          *auth.Service
	Broadcaster   *events.Broadcaster
	WakeIndexer   func()
	MaxUploadSize int64
}

// NewServer creates a new server.
func NewServer(cfg Config) *Server {
	maxUpload := cfg.MaxUploadSize
	if maxUpload <= 0 {
		maxUpload = 100 * 1024 * 1024
	}
	return &Server{
		manager:       cfg.Manager,
		store:         cfg.Store,
		blocks:        cfg.Blocks,
		auth:          cfg.Auth,
		broadcaster:   cfg.Broadcaster,
		wakeIndexer:   cfg.WakeIndexer,
		maxUploadSize: maxUpload,
	}
}

// Handler builds the full HTTP handler with routing and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)

	// Authenticated endpoints
	authed := http.NewServeMux()
	authed.HandleFunc("POST /api/v1/auth/logout", s.handleLogout)
	authed.HandleFunc("GET /api/v1/auth/whoami", s.handleWhoami)

	authed.HandleFunc("GET /api/v1/fs/{path...}", s.handleGet)
	authed.HandleFunc("PUT /api/v1/fs/{path...}", s.handlePut)
	authed.HandleFunc("DELETE /api/v1/fs/{path...}", s.handleDelete)
	authed.HandleFunc("POST /api/v1/dirs/{path...}", s.handleMkdir)
	authed.HandleFunc("GET /api/v1/stat/{path...}", s.handleStat)
	authed.HandleFunc("POST /api/v1/move", s.handleMove)

	authed.HandleFunc("GET /api/v1/search", s.handleSearch)
	authed.HandleFunc("GET /api/v1/stats", s.handleStats)
	authed.HandleFunc("GET /api/v1/node", s.handleNodeInfo)
	authed.HandleFunc("GET /api/v1/events", s.handleEvents)

	mux.Handle("/api/v1/", s.auth.Middleware(authed))

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) wake() {
	if s.wakeIndexer != nil {
		s.wakeIndexer()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes. The kind
// travels in the body so clients can dispatch without string matching.
func writeError(w http.ResponseWriter, err error) {
	kind := fserr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case fserr.KindNotFound:
		status = http.StatusNotFound
	case fserr.KindAlreadyExists, fserr.KindNotEmpty:
		status = http.StatusConflict
	case fserr.KindInvalidName, fserr.KindInvalidOperation:
		status = http.StatusBadRequest
	case fserr.KindStorageUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"kind":  kind.String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"block_store": s.blocks.Ready(),
	})
}
