// Package fileserver serves published source documents and their assets
// over local HTTP, so search results can link back to the original files.
// It also exposes small JSON endpoints for search and store statistics.
package fileserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hurttlocker/kbrag/internal/search"
	"github.com/hurttlocker/kbrag/internal/store"
)

const (
	// DirName is the directory under the data dir holding published files.
	DirName = "files"

	// DefaultAddr listens on loopback with a kernel-assigned port.
	DefaultAddr = "127.0.0.1:0"

	routePrefix = "/" + DirName + "/"
)

// Dir returns the published-files root for dataDir.
func Dir(dataDir string) string {
	return filepath.Join(dataDir, DirName)
}

// DocumentDir returns where a document's source and assets are published.
func DocumentDir(dataDir, docID string) string {
	return filepath.Join(Dir(dataDir), docID)
}

// Link returns the URL of a published file under base.
func Link(base, docID, name string) string {
	return strings.TrimRight(base, "/") + routePrefix + url.PathEscape(docID) + "/" + url.PathEscape(name)
}

// Searcher runs hybrid searches for the /api/search endpoint.
type Searcher interface {
	Search(ctx context.Context, kbName, query string, keywords []string) ([]search.Result, error)
}

// StatsSource reports store statistics for the /api/stats endpoint.
type StatsSource interface {
	Stats(ctx context.Context) (*store.Stats, error)
}

// Config holds settings for the file server.
type Config struct {
	Addr     string // host:port; DefaultAddr when empty
	DataDir  string
	Searcher Searcher    // optional
	Stats    StatsSource // optional
	Logger   *zap.Logger
}

// Server is the local file server.
type Server struct {
	cfg    Config
	logger *zap.Logger
	http   *http.Server

	mu   sync.RWMutex
	addr string
}

// New creates a server. Nothing listens until Start.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, logger: logger}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	files := http.StripPrefix(routePrefix, http.FileServer(noListing{http.Dir(Dir(s.cfg.DataDir))}))
	mux.Handle(routePrefix, files)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/api/search", s.handleSearch)
	mux.HandleFunc("/api/stats", s.handleStats)
	return mux
}

// Start binds the listener and serves in the background until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.logger.Info("file server listening", zap.String("url", s.BaseURL()))

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("file server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()
	return nil
}

// BaseURL returns the live server URL, or "" before Start.
func (s *Server) BaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == "" {
		return ""
	}
	return "http://" + s.addr
}

// Close stops the server immediately.
func (s *Server) Close() error {
	return s.http.Close()
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Searcher == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "search not enabled"})
		return
	}
	q := r.URL.Query()
	kb, query := q.Get("kb"), q.Get("q")
	if kb == "" || query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kb and q parameters required"})
		return
	}
	var keywords []string
	if k := q.Get("keywords"); k != "" {
		for _, kw := range strings.Split(k, ",") {
			if kw = strings.TrimSpace(kw); kw != "" {
				keywords = append(keywords, kw)
			}
		}
	}

	results, err := s.cfg.Searcher.Search(r.Context(), kb, query, keywords)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if l := q.Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v < len(results) {
			results = results[:v]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "total": len(results)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Stats == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "stats not enabled"})
		return
	}
	st, err := s.cfg.Stats.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	byState := make(map[string]int, len(st.ByState))
	for state, n := range st.ByState {
		byState[state.String()] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"knowledge_bases": st.KnowledgeBases,
		"documents":       st.Documents,
		"chunks":          st.Chunks,
		"db_size_bytes":   st.DBSizeBytes,
		"by_state":        byState,
	})
}

// noListing hides directory indexes.
type noListing struct {
	fs http.FileSystem
}

func (n noListing) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}
