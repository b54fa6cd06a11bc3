// Package rpcapi exposes the builder facade to the dispatcher: a thin
// JSON-over-HTTP multiplexer with one handler per method. It
// contains no build logic; it validates inputs, serializes the mutating
// calls against one another, and translates results.
package rpcapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/canonical/buildd-worker/internal/builder"
)

// ProtocolVersion is the dispatcher protocol spoken by this worker.
const ProtocolVersion = "1.0"

// Non-state results build() can return instead of BUILDING.
const (
	StatusUnknownBuilder = "UNKNOWNBUILDER"
	StatusUnknownSum     = "UNKNOWNSUM"
)

// Server serves the dispatcher RPC surface.
type Server struct {
	Builder *builder.Builder
	Logger  *log.Logger

	// mu serializes build/abort/clean/ensurepresent against one another,
	// on top of the Builder's own locking, so that build()'s presence
	// checks and the start of the build happen as one step.
	mu sync.Mutex
}

func New(b *builder.Builder, logger *log.Logger) *Server {
	return &Server{Builder: b, Logger: logger}
}

// Handler returns the HTTP handler implementing the RPC surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/echo", s.handleEcho)
	mux.HandleFunc("/info", s.handleInfo)
	mux.HandleFunc("/proxy_info", s.handleProxyInfo)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ensurepresent", s.handleEnsurePresent)
	mux.HandleFunc("/build", s.handleBuild)
	mux.HandleFunc("/abort", s.handleAbort)
	mux.HandleFunc("/clean", s.handleClean)
	return mux
}

func (s *Server) reply(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil && s.Logger != nil {
		s.Logger.Printf("rpc: encoding response: %v", err)
	}
}

func (s *Server) replyError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Args []interface{} `json:"args"`
	}
	if err := decode(r, &req); err != nil {
		s.replyError(w, http.StatusBadRequest, err)
		return
	}
	s.reply(w, req.Args)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.reply(w, []interface{}{ProtocolVersion, s.Builder.ArchTag, s.Builder.Tags()})
}

func (s *Server) handleProxyInfo(w http.ResponseWriter, r *http.Request) {
	s.reply(w, s.Builder.ProxyInfo())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.reply(w, s.Builder.Status())
}

func (s *Server) handleEnsurePresent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SHA1     string `json:"sha1sum"`
		URL      string `json:"url"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		s.replyError(w, http.StatusBadRequest, err)
		return
	}
	s.mu.Lock()
	present, info := s.Builder.EnsurePresent(req.SHA1, req.URL, req.Username, req.Password)
	s.mu.Unlock()
	s.reply(w, []interface{}{present, info})
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BuildID    string                 `json:"build_id"`
		ManagerTag string                 `json:"manager_tag"`
		ChrootSHA1 string                 `json:"chroot_sha1"`
		FileMap    map[string]string      `json:"filemap"`
		Args       map[string]interface{} `json:"args"`
	}
	if err := decode(r, &req); err != nil {
		s.replyError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Builder.Knows(req.ManagerTag) {
		s.reply(w, []interface{}{StatusUnknownBuilder, req.ManagerTag})
		return
	}
	if present, info := s.Builder.EnsurePresent(req.ChrootSHA1, "", "", ""); !present {
		s.reply(w, []interface{}{StatusUnknownSum, "chroot " + req.ChrootSHA1 + ": " + info})
		return
	}
	for _, sha1sum := range req.FileMap {
		if present, info := s.Builder.EnsurePresent(sha1sum, "", "", ""); !present {
			s.reply(w, []interface{}{StatusUnknownSum, "file " + sha1sum + ": " + info})
			return
		}
	}

	// The build outlives this request: its subprocesses must not be
	// tied to the request context.
	if err := s.Builder.Start(context.Background(), req.BuildID, req.ManagerTag, req.ChrootSHA1, req.FileMap, req.Args); err != nil {
		s.replyError(w, http.StatusConflict, err)
		return
	}
	s.reply(w, []interface{}{"BUILDING", req.BuildID})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Builder.Abort(context.Background()); err != nil {
		s.replyError(w, http.StatusConflict, err)
		return
	}
	s.reply(w, "ABORTING")
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Builder.Clean(); err != nil {
		s.replyError(w, http.StatusConflict, err)
		return
	}
	s.reply(w, "IDLE")
}
