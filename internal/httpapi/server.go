// Package httpapi exposes the session state machine over the HTTP/SSE
// surface spec.md §6 names. It holds no lifecycle logic of its own:
// every handler is a thin adapter translating requests into
// core.StateMachine calls and domain errors into HTTP status codes or
// SSE error events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/hpcide/orchestrator/internal/core"
)

// defaultIDE is used by the non-streaming POST /launch route when the
// request body omits one.
const defaultIDE = core.IDEVSCode

// ClusterLister supplies every known cluster name for the
// all-clusters view of GET /cluster-status.
type ClusterLister interface {
	ClusterNames() []string
}

// StatusCache is the read+refresh surface GET /cluster-status needs.
// core.StatusCache (the state machine's view) only names Get/Set/
// Invalidate; Refresh is internal/statuscache.Cache's own addition
// for an on-demand, singleflighted fetch, so this server depends on
// it directly rather than widening the core interface for one route.
type StatusCache interface {
	Get(cluster string) (data *core.ClusterStatus, valid bool, age time.Duration)
	Refresh(ctx context.Context, cluster string) (*core.ClusterStatus, error)
}

// Server mounts the orchestrator's REST+SSE surface on a ServeMux,
// wrapped with WithUser and CORS. It implements internal/transport.Listener.
type Server struct {
	sm       *core.StateMachine
	cache    StatusCache
	clusters ClusterLister

	address        string
	allowedOrigins []string
	log            *slog.Logger

	inner    *http.Server
	listener net.Listener

	mounts map[string]http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithAddress sets the listen address (e.g. ":8080").
func WithAddress(address string) Option { return func(s *Server) { s.address = address } }

// WithAllowedOrigins configures CORS allowed origins. Empty means
// allow all, matching the teacher's agent-mode default.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithLogger sets a structured logger.
func WithLogger(log *slog.Logger) Option { return func(s *Server) { s.log = log } }

// WithMount registers an additional handler on pattern (in
// net/http.ServeMux pattern syntax), served on the same listener as
// the rest of this API. internal/proxy.Proxy and internal/metrics'
// Prometheus handler are both mounted this way by the composition
// root, the same way the teacher's own http.WithMount lets its
// composition root attach one more handler to its single listener.
func WithMount(pattern string, handler http.Handler) Option {
	return func(s *Server) {
		if s.mounts == nil {
			s.mounts = make(map[string]http.Handler)
		}
		s.mounts[pattern] = handler
	}
}

// New returns a Server wired to the given state machine, status cache,
// and cluster lister.
func New(sm *core.StateMachine, cache StatusCache, clusters ClusterLister, opts ...Option) *Server {
	s := &Server{sm: sm, cache: cache, clusters: clusters, address: ":8080"}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default().With("component", "httpapi")
	}
	return s
}

// Start implements internal/transport.Listener: it builds the handler
// chain, binds the listener, and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("httpapi: listen %q: %w", s.address, err)
	}
	s.listener = ln

	s.inner = &http.Server{
		Handler:           s.buildHandler(),
		ReadHeaderTimeout: 5 * time.Second,
		// Long enough for a streaming launch/stop to finish; the SSE
		// handlers themselves bound their own work via ctx.
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 0,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.log.Info("httpapi listening", "address", ln.Addr().String())
	if err := s.inner.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("httpapi: serve: %w", err)
	}
	return nil
}

// Stop gracefully drains connections, falling back to a hard close if
// the context deadline is exceeded.
func (s *Server) Stop(ctx context.Context) error {
	if s.inner == nil {
		return nil
	}
	if err := s.inner.Shutdown(ctx); err != nil {
		return s.inner.Close()
	}
	return nil
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /cluster-status", s.handleClusterStatus)
	mux.HandleFunc("POST /launch", s.handleLaunch)
	mux.HandleFunc("GET /launch/{hpc}/{ide}/stream", s.handleLaunchStream)
	mux.HandleFunc("POST /switch/{hpc}/{ide}", s.handleSwitch)
	mux.HandleFunc("POST /stop/{hpc}/{ide}", s.handleStop)
	mux.HandleFunc("GET /stop/{hpc}/{ide}/stream", s.handleStopStream)
	mux.HandleFunc("POST /stop-all/{hpc}", s.handleStopAll)

	for pattern, h := range s.mounts {
		mux.Handle(pattern, h)
	}

	var handler http.Handler = WithUser(mux)
	return s.wrapCORS(handler)
}

func (s *Server) wrapCORS(next http.Handler) http.Handler {
	if len(s.allowedOrigins) == 0 {
		return cors.AllowAll().Handler(next)
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", UserHeader},
		AllowCredentials: true,
		MaxAge:           7200,
	})
	return c.Handler(next)
}

// statusResponse is the GET /status payload: this user's sessions and
// their active selection. It carries no polling information.
type statusResponse struct {
	Sessions      []*core.Session    `json:"sessions"`
	ActiveSession *core.ActiveSession `json:"activeSession,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == "" {
		return
	}
	sessions := s.sm.Sessions().GetAllForUser(user)
	resp := statusResponse{Sessions: sessions}
	if act, ok := s.sm.Sessions().GetActiveSession(user); ok {
		resp.ActiveSession = &act
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	refresh := r.URL.Query().Get("refresh") == "true"
	cluster := r.URL.Query().Get("cluster")

	names := s.clusters.ClusterNames()
	if cluster != "" {
		names = []string{cluster}
	}

	out := make(map[string]*core.ClusterStatus, len(names))
	for _, name := range names {
		if data, valid, _ := s.cache.Get(name); valid && !refresh {
			out[name] = data
			continue
		}
		data, err := s.cache.Refresh(r.Context(), name)
		if err != nil {
			s.log.Warn("cluster-status refresh failed", "cluster", name, "error", err)
			continue
		}
		out[name] = data
	}
	writeJSON(w, http.StatusOK, out)
}

type launchRequest struct {
	HPC      string `json:"hpc"`
	IDE      string `json:"ide"`
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memoryMB"`
	Walltime string `json:"walltime"`
	GPU      string `json:"gpu"`
	Release  string `json:"release"`
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == "" {
		return
	}
	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ide := core.IDE(req.IDE)
	if ide == "" {
		ide = defaultIDE
	}
	key := core.Key{User: user, Cluster: req.HPC, IDE: ide}
	out, _, err := s.sm.Launch(r.Context(), key, core.ResourceRequest{
		CPUs: req.CPUs, MemoryMB: req.MemoryMB, Walltime: req.Walltime, GPU: req.GPU, Release: req.Release,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLaunchStream(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == "" {
		return
	}
	hpc, ide := r.PathValue("hpc"), core.IDE(r.PathValue("ide"))
	req := parseResourceQuery(r)

	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	key := core.Key{User: user, Cluster: hpc, IDE: ide}
	out, err := s.sm.LaunchStreaming(r.Context(), key, req, sw.progress)
	if err != nil {
		sw.error(err.Error())
		return
	}
	if out.Status == "pending" {
		sw.pending(out.JobID, startTimePtr(out.StartTime), "job is pending")
		return
	}
	sw.complete(out.Status, hpc, string(ide), out.JobID, out.ComputeNode, out.RedirectURL)
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == "" {
		return
	}
	key := core.Key{User: user, Cluster: r.PathValue("hpc"), IDE: core.IDE(r.PathValue("ide"))}
	sess, err := s.sm.Switch(r.Context(), key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type stopRequest struct {
	CancelJob bool `json:"cancelJob"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == "" {
		return
	}
	var req stopRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	key := core.Key{User: user, Cluster: r.PathValue("hpc"), IDE: core.IDE(r.PathValue("ide"))}
	if err := s.sm.Stop(r.Context(), key, req.CancelJob, nil); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == "" {
		return
	}
	cancelJob := r.URL.Query().Get("cancelJob") == "true"
	hpc, ide := r.PathValue("hpc"), core.IDE(r.PathValue("ide"))

	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	key := core.Key{User: user, Cluster: hpc, IDE: ide}
	if err := s.sm.Stop(r.Context(), key, cancelJob, sw.progress); err != nil {
		sw.error(err.Error())
		return
	}
	sw.complete("stopped", hpc, string(ide), "", "", "")
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == "" {
		return
	}
	cluster := r.PathValue("hpc")
	result, err := s.sm.StopAll(r.Context(), user, cluster)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func requireUser(w http.ResponseWriter, r *http.Request) string {
	user := UserFromContext(r.Context())
	if user == "" {
		writeError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
		return ""
	}
	return user
}

func parseResourceQuery(r *http.Request) core.ResourceRequest {
	q := r.URL.Query()
	cpus := 0
	fmt.Sscanf(q.Get("cpus"), "%d", &cpus)
	memoryMB := 0
	fmt.Sscanf(q.Get("memoryMB"), "%d", &memoryMB)
	return core.ResourceRequest{
		CPUs:     cpus,
		MemoryMB: memoryMB,
		Walltime: q.Get("walltime"),
		GPU:      q.Get("gpu"),
		Release:  q.Get("release"),
	}
}

func startTimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps a core domain error to its HTTP status per
// spec.md §7's error table. The switch is on concrete type rather
// than DomainError.Code because DomainError.Unwrap() returns the
// wrapped cause, not itself, so errors.As can't recover the Code
// field through the embedded struct.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch err.(type) {
	case *core.ErrValidation, *core.ErrInProgress:
		status = http.StatusBadRequest
	case *core.ErrBusy:
		status = http.StatusTooManyRequests
	case *core.ErrTransport, *core.ErrSubmit, *core.ErrTimeout, *core.ErrJobGone, *core.ErrTunnel:
		status = http.StatusInternalServerError
	}
	writeError(w, status, err.Error())
}
