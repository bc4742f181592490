package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quincecloud/quince/internal/auth"
	"github.com/quincecloud/quince/internal/logging"
	"github.com/quincecloud/quince/internal/metadata"
)

// entryView is the JSON shape of a filesystem entry.
type entryView struct {
	Path      string    `json:"path,omitempty"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Size      int64     `json:"size"`
	Mime      string    `json:"mime,omitempty"`
	CID       string    `json:"cid,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toView(e metadata.Entry, path string) entryView {
	return entryView{
		Path:      path,
		Name:      e.Name,
		Kind:      string(e.Kind),
		Size:      e.Size,
		Mime:      e.Mime,
		CID:       e.CID,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

func requestPath(r *http.Request) string {
	return "/" + r.PathValue("path")
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Wallet string `json:"wallet"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Wallet == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "wallet is required"})
		return
	}

	result, err := s.auth.Login(r.Context(), req.Wallet)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      result.Token,
		"expires_at": result.ExpiresAt,
		"account": map[string]any{
			"wallet":     result.Account.Wallet,
			"created_at": result.Account.CreatedAt,
			"last_login": result.Account.LastLogin,
		},
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	tokenStr := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if err := s.auth.Logout(r.Context(), tokenStr); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet": auth.AccountFromContext(r.Context()),
	})
}

// handleGet serves a directory listing or file content, depending on
// what the path resolves to.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	account := auth.AccountFromContext(r.Context())
	p := requestPath(r)

	entry, err := s.manager.Stat(r.Context(), account, p)
	if err != nil {
		writeError(w, err)
		return
	}

	if entry.IsDir() {
		children, err := s.manager.List(r.Context(), account, p)
		if err != nil {
			writeError(w, err)
			return
		}
		views := make([]entryView, 0, len(children))
		for _, child := range children {
			views = append(views, toView(child, ""))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"path":    p,
			"entries": views,
		})
		return
	}

	rc, entry, err := s.manager.ReadFile(r.Context(), account, p)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	contentType := entry.Mime
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	w.Header().Set("ETag", fmt.Sprintf("%q", entry.CID))
	if _, err := io.Copy(w, rc); err != nil {
		logging.Debug("content stream aborted", zap.String("path", p), zap.Error(err))
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	account := auth.AccountFromContext(r.Context())
	p := requestPath(r)

	body := http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	entry, err := s.manager.WriteFile(r.Context(), account, p, body, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.wake()
	writeJSON(w, http.StatusOK, toView(entry, p))
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	account := auth.AccountFromContext(r.Context())
	p := requestPath(r)

	entry, err := s.manager.Mkdir(r.Context(), account, p)
	if err != nil {
		writeError(w, err)
		return
	}
	s.wake()
	writeJSON(w, http.StatusCreated, toView(entry, p))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	account := auth.AccountFromContext(r.Context())
	p := requestPath(r)
	recursive, _ := strconv.ParseBool(r.URL.Query().Get("recursive"))

	if err := s.manager.Remove(r.Context(), account, p, recursive); err != nil {
		writeError(w, err)
		return
	}
	s.wake()
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "path": p})
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	account := auth.AccountFromContext(r.Context())
	p := requestPath(r)

	entry, err := s.manager.Stat(r.Context(), account, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(entry, p))
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	account := auth.AccountFromContext(r.Context())
	var req struct {
		Src string `json:"src"`
		Dst string `json:"dst"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Src == "" || req.Dst == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "src and dst are required"})
		return
	}

	entry, err := s.manager.Move(r.Context(), account, req.Src, req.Dst)
	if err != nil {
		writeError(w, err)
		return
	}
	s.wake()
	writeJSON(w, http.StatusOK, toView(entry, req.Dst))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	account := auth.AccountFromContext(r.Context())
	query := r.URL.Query().Get("q")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	results, err := s.store.Search(r.Context(), account, query, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []metadata.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	account := auth.AccountFromContext(r.Context())
	stats, err := s.store.AccountStats(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"block_store": s.blocks.Stats(),
	})
}

// handleEvents streams filesystem change events over SSE. Only events
// for the authenticated account are forwarded.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	account := auth.AccountFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe(account)
	defer s.broadcaster.Unsubscribe(ch)

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Op, data)
			flusher.Flush()
		}
	}
}
