package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sheetbridge/gateway/internal/batch"
	"github.com/sheetbridge/gateway/internal/cache"
	"github.com/sheetbridge/gateway/internal/capability"
	"github.com/sheetbridge/gateway/internal/config"
	"github.com/sheetbridge/gateway/internal/handler"
	"github.com/sheetbridge/gateway/internal/merge"
	"github.com/sheetbridge/gateway/internal/protocol"
	"github.com/sheetbridge/gateway/internal/refresh"
	"github.com/sheetbridge/gateway/internal/safety"
	"github.com/sheetbridge/gateway/internal/session"
	"github.com/sheetbridge/gateway/internal/sheetsapi"
	"github.com/sheetbridge/gateway/internal/task"
)

// Deps carries everything the HTTP surface reports on or routes through.
// Nil optional fields (Refresh, Caps) degrade their /stats blocks.
type Deps struct {
	Config   config.Config
	Core     *Core
	Sessions *session.Manager
	Client   *sheetsapi.Client
	Cache    *cache.Manager
	Reader   *handler.Reader
	Merger   *merge.Merger
	Batcher  *batch.Batcher
	Refresh  *refresh.Engine
	Gate     *safety.Gate
	Caps     *capability.Cache
	Tasks    task.Store
	Logger   *slog.Logger
}

// Server is the HTTP transport plus the operational endpoints.
type Server struct {
	deps    Deps
	streams *streamSet
	logger  *slog.Logger
	started time.Time
	httpSrv *http.Server
}

// New builds the server and its router.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:    deps,
		streams: newStreamSet(),
		logger:  logger,
		started: time.Now(),
	}

	r := mux.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.traceMiddleware)

	r.HandleFunc("/mcp", s.handleMCP).Methods("POST")
	r.HandleFunc("/sse", s.handleSSE).Methods("GET")
	r.HandleFunc("/sse/message", s.handleSSEMessage).Methods("POST")
	r.HandleFunc("/session/{id}", s.handleSessionDelete).Methods("DELETE")

	r.HandleFunc("/health/live", s.handleLive).Methods("GET")
	r.HandleFunc("/health/ready", s.handleReady).Methods("GET")
	r.HandleFunc("/health", s.handleReady).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/metrics/circuit-breakers", s.handleBreakers).Methods("GET")
	r.HandleFunc("/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/info", s.handleInfo).Methods("GET")
	r.HandleFunc("/.well-known/mcp.json", s.handleDiscovery).Methods("GET")
	r.HandleFunc("/.well-known/mcp-configuration", s.handleDiscovery).Methods("GET")
	r.HandleFunc("/.well-known/oauth-protected-resource", s.handleProtectedResource).Methods("GET")

	addr := fmt.Sprintf("%s:%d", deps.Config.Server.Host, deps.Config.Server.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run serves until ctx is cancelled, then drains with a 30s grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	closed := s.deps.Sessions.CloseAll()
	s.logger.Info("shutting down", "sessions_closed", closed)
	return s.httpSrv.Shutdown(shutdownCtx)
}

// --- middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(s.deps.Config.Server.AllowedOrigins))
	wildcard := false
	for _, o := range s.deps.Config.Server.AllowedOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if _, ok := allowed[origin]; ok || wildcard {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Session-ID, Last-Event-ID, Traceparent")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trace := session.ParseTraceparent(r.Header.Get("traceparent"))
		w.Header().Set("traceparent", trace.Header())
		next.ServeHTTP(w, r.WithContext(withTrace(r.Context(), trace)))
	})
}

type traceKey struct{}

func withTrace(ctx context.Context, tc session.TraceContext) context.Context {
	return context.WithValue(ctx, traceKey{}, tc)
}

func traceFrom(ctx context.Context) session.TraceContext {
	if tc, ok := ctx.Value(traceKey{}).(session.TraceContext); ok {
		return tc
	}
	return session.ParseTraceparent("")
}

// --- transports ---

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// resolveSession reattaches via X-Session-ID or opens a new session.
func (s *Server) resolveSession(r *http.Request, transport string) (*session.Session, bool, error) {
	if id := r.Header.Get("X-Session-ID"); id != "" {
		if sess, ok := s.deps.Sessions.Reattach(id); ok {
			return sess, true, nil
		}
	}
	sess, err := s.deps.Sessions.Open(session.UserID(bearerToken(r)), transport)
	return sess, false, err
}

// handleMCP is the streamable HTTP transport: one JSON-RPC message per
// POST, response in the body.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	sess, _, err := s.resolveSession(r, session.TransportHTTP)
	if err != nil {
		writeGatewayError(w, http.StatusTooManyRequests, err)
		return
	}
	w.Header().Set("X-Session-ID", sess.ID)

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest,
			protocol.NewErrorResponse(nil, protocol.CodeParseError, "malformed JSON body", nil))
		return
	}
	req, err := protocol.ParseRequest(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			protocol.NewErrorResponse(nil, protocol.CodeInvalidRequest, err.Error(), nil))
		return
	}

	resp := s.deps.Core.Handle(r.Context(), sess, traceFrom(r.Context()), req, nil)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSSE opens the event stream. The first event names the message
// endpoint; Last-Event-ID resumes missed events after a reconnect.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess, reattached, err := s.resolveSession(r, session.TransportSSE)
	if err != nil {
		writeGatewayError(w, http.StatusTooManyRequests, err)
		return
	}
	st, existed := s.streams.attach(sess.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-ID", sess.ID)
	if reattached || existed {
		w.Header().Set("X-Reconnected", "true")
	}
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: endpoint\ndata: /sse/message?session_id=%s\n\n", sess.ID)
	if reattached || existed {
		fmt.Fprint(w, "event: reconnect\ndata: {}\n\n")
	}
	flusher.Flush()

	for _, ev := range st.since(parseLastEventID(r)) {
		writeSSE(w, ev)
	}

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-st.ch:
			if !ok {
				return
			}
			writeSSE(w, ev)
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// handleSSEMessage accepts a request for an SSE session; the response goes
// out on the stream, not in this body.
func (s *Server) handleSSEMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = r.Header.Get("X-Session-ID")
	}
	sess, ok := s.deps.Sessions.Get(sessionID)
	if !ok {
		writeJSON(w, http.StatusNotFound,
			protocol.NewErrorResponse(nil, protocol.CodeInvalidRequest, "unknown session", nil))
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest,
			protocol.NewErrorResponse(nil, protocol.CodeParseError, "malformed JSON body", nil))
		return
	}
	req, err := protocol.ParseRequest(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			protocol.NewErrorResponse(nil, protocol.CodeInvalidRequest, err.Error(), nil))
		return
	}

	notify := s.streams.notifierFor(sess.ID)
	trace := traceFrom(r.Context())

	// Detach from the POST's lifetime: the caller only waits for the 202,
	// the result arrives on the stream.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		resp := s.deps.Core.Handle(ctx, sess, trace, req, notify)
		if resp == nil {
			return
		}
		if data, err := encodeJSON(resp); err == nil {
			if st, ok := s.streams.lookup(sess.ID); ok {
				st.publish(data)
			}
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.streams.drop(id)
	if s.deps.Tasks != nil {
		if err := s.deps.Tasks.DropSession(r.Context(), id); err != nil {
			s.logger.Warn("task cleanup failed", "session_id", id, "error", err)
		}
	}
	if !s.deps.Sessions.Close(id) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- operational endpoints ---

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReady reports degraded when any circuit breaker is open.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	healthy := true
	if s.deps.Client != nil {
		healthy = s.deps.Client.Breakers().Healthy()
	}
	body := map[string]interface{}{
		"status":  "ready",
		"service": ServerName,
	}
	status := http.StatusOK
	if !healthy {
		body["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Client == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Client.Breakers().Snapshots())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]interface{}{
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	if s.deps.Cache != nil {
		stats["cache"] = s.deps.Cache.Snapshot()
	}
	if s.deps.Reader != nil {
		hits, misses := s.deps.Reader.DedupStats()
		stats["dedup"] = map[string]uint64{"hits": hits, "misses": misses}
	}
	if s.deps.Merger != nil {
		stats["merge"] = s.deps.Merger.Snapshot()
	}
	if s.deps.Batcher != nil {
		stats["batch"] = s.deps.Batcher.Snapshot()
	}
	if s.deps.Refresh != nil {
		stats["refresh"] = s.deps.Refresh.Snapshot()
	}
	if s.deps.Sessions != nil {
		stats["sessions"] = s.deps.Sessions.Snapshot()
	}
	if s.deps.Gate != nil {
		stats["safety"] = s.deps.Gate.Snapshot()
	}
	if s.deps.Caps != nil {
		stats["capability"] = s.deps.Caps.Snapshot()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":             ServerName,
		"version":          ServerVersion,
		"protocol_version": ProtocolVersion,
		"transports":       []string{"http", "sse", "stdio"},
		"capabilities":     protocol.DefaultServerCapabilities(),
	})
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s", scheme, r.Host)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mcp_version": ProtocolVersion,
		"endpoints": map[string]string{
			"streamable_http": base + "/mcp",
			"sse":             base + "/sse",
		},
		"authentication": map[string]interface{}{
			"type":              "oauth2",
			"authorization_url": s.deps.Config.Auth.AuthorizationURL,
			"scopes":            s.deps.Config.Auth.RequiredScopes,
		},
	})
}

// handleProtectedResource is the RFC 9728 protected-resource metadata
// document OAuth-aware clients fetch before connecting.
func (s *Server) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	doc := map[string]interface{}{
		"resource":                 fmt.Sprintf("%s://%s", scheme, r.Host),
		"scopes_supported":         s.deps.Config.Auth.RequiredScopes,
		"bearer_methods_supported": []string{"header"},
	}
	if s.deps.Config.Auth.AuthorizationURL != "" {
		doc["authorization_servers"] = []string{s.deps.Config.Auth.AuthorizationURL}
	}
	writeJSON(w, http.StatusOK, doc)
}

// --- helpers ---

func encodeJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeGatewayError(w http.ResponseWriter, status int, err error) {
	ge := sheetsapi.ToGatewayError(err)
	writeJSON(w, status, map[string]interface{}{"error": ge})
}
