// Package server exposes teambook over HTTP: the identity endpoint,
// health, the verb API, and the WebSocket upgrade for streaming. The
// daemon (`tb serve`) mounts one of these; every response is JSON, CORS
// is open, and nothing is cacheable.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/steveyegge/teambook/internal/identity"
	"github.com/steveyegge/teambook/internal/kernel"
)

// Server routes HTTP traffic into the kernel and the streaming hub.
type Server struct {
	kernel *kernel.Kernel
	ids    *identity.Manager
	ws     http.Handler // nil disables /ws
	router chi.Router
}

// New builds the HTTP surface. ws may be nil when streaming is disabled.
func New(k *kernel.Kernel, ids *identity.Manager, ws http.Handler) *Server {
	s := &Server{kernel: k, ids: ids, ws: ws}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(noStore)

	r.Get("/health", s.handleHealth)
	r.Get("/identity", s.handleIdentity)
	r.Post("/api/{verb}", s.handleVerb)
	if ws != nil {
		r.Get("/ws", ws.ServeHTTP)
	}
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// noStore disables caching on every response; identity and verb results
// are always live.
func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	aiID := ""
	if id := s.ids.Current(); id != nil {
		aiID = id.AIID
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ai_id": aiID})
}

// handleVerb dispatches POST /api/{verb} with a JSON-object body as the
// verb parameters. The kernel response travels back verbatim; transport
// status stays 200 unless the request itself is unreadable, because
// verb-level failures are data, not HTTP errors.
func (s *Server) handleVerb(w http.ResponseWriter, r *http.Request) {
	verb := chi.URLParam(r, "verb")

	params := kernel.Params{}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success": false,
				"error":   "invalid_item",
				"message": "request body must be a JSON object",
			})
			return
		}
	}

	resp := s.kernel.Handle(r.Context(), verb, params)
	writeJSON(w, http.StatusOK, resp)
}

// handleIdentity serves GET /identity: the caller's identity metadata,
// a signed envelope over it, and handles resolved for the requested
// protocol(s) under the requested capabilities.
func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	id, err := s.ids.LoadOrCreate()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false, "error": "unknown_error", "message": err.Error(),
		})
		return
	}

	q := r.URL.Query()
	protocol := q.Get("protocol")
	if protocol == "" {
		protocol = "http"
	}
	preferPretty := boolParam(q.Get("prefer_pretty"))
	caps := capsFromQuery(q)

	resolved := identity.ResolveHandle(id, protocol, caps, preferPretty)

	resolvedHandles := map[string]string{}
	var extras []string
	if list := q.Get("protocols"); list != "" {
		for _, p := range strings.Split(list, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			extras = append(extras, p)
			resolvedHandles[p] = identity.ResolveHandle(id, p, caps, preferPretty)
		}
	}

	matches := true
	if pattern := q.Get("pattern"); pattern != "" {
		matches = identity.HandleMatches(resolved, pattern)
	}

	payload := map[string]any{
		"ai_id":        id.AIID,
		"display_name": id.DisplayName,
		"fingerprint":  id.Fingerprint,
		"public_key":   id.PublicKey,
		"handles":      id.Handles,
		"resolved_handle": resolved,
		"resolved_handles": resolvedHandles,
		"resolved_context": identity.CanonicalProtocol(protocol),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}

	env, err := s.ids.BuildEnvelope(payload, "identity_response")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false, "error": "unknown_error", "message": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"identity":        payload,
		"envelope":        env,
		"matches_pattern": matches,
		"request": map[string]any{
			"protocol":      protocol,
			"prefer_pretty": preferPretty,
			"protocols":     extras,
		},
	})
}

// capsFromQuery reads explicit capability parameters; absent parameters
// leave the protocol defaults in force.
func capsFromQuery(q map[string][]string) *identity.Capabilities {
	get := func(key string) string {
		if vs, ok := q[key]; ok && len(vs) > 0 {
			return vs[0]
		}
		return ""
	}

	explicit := false
	caps := identity.Capabilities{}
	if v := get("pattern"); v != "" {
		caps.Pattern = v
		explicit = true
	}
	if v := get("max_length"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			caps.MaxLength = n
			explicit = true
		}
	}
	for key, dst := range map[string]*bool{
		"supports_spaces":  &caps.SupportsSpaces,
		"supports_unicode": &caps.SupportsUnicode,
		"prefer_ascii":     &caps.PreferASCII,
	} {
		if v := get(key); v != "" {
			*dst = boolParam(v)
			explicit = true
		}
	}
	if !explicit {
		return nil
	}
	return &caps
}

func boolParam(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
