// Package ingress is Kotoba's HTTP surface: it lets other systems write the
// history state (which feeds the controller) and read the published table.
//
// Endpoints:
//
//	GET      /health        → {"status":"ok"} (never authenticated)
//	GET      /status        → version, uptime and counters
//	GET      /table         → the current JSON table, verbatim
//	GET      /states        → {"ids": [...]}, filtered by ?prefix=
//	GET      /states/{id}   → {"id": ..., "val": ...}
//	PUT|POST /states/{id}   → store a value; 202 Accepted
//
// When Handlers.Token is set every endpoint except /health requires
// "Authorization: Bearer <token>". Writes are rate limited per state ID and
// globally; excess requests get 429. States listed in Handlers.ReadOnly
// reject writes with 403.
package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bdobrica/Kotoba/common/trace"
	"github.com/bdobrica/Kotoba/common/version"
	"github.com/bdobrica/Kotoba/internal/kotoba/bus"
	"github.com/bdobrica/Kotoba/internal/kotoba/observability"
	"github.com/bdobrica/Kotoba/internal/kotoba/states"
)

// maxBodyBytes caps a state write.
const maxBodyBytes = 1 * 1024 * 1024 // 1 MiB

// StateStore reads and writes states.
type StateStore interface {
	Get(ctx context.Context, id string) (string, error)
	Set(ctx context.Context, id string, v bus.Value) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Handlers wires the server to the rest of Kotoba.
type Handlers struct {
	// Token enables bearer authentication when non-empty.
	Token string
	// RateLimit is the sustained number of writes per second allowed per
	// state ID and overall. Zero disables limiting.
	RateLimit float64
	// Burst is the bucket size for RateLimit.
	Burst int
	// ReadOnly lists state IDs clients may read but not write, such as the
	// published table.
	ReadOnly []string

	States StateStore
	// Snapshot returns the current table. When nil GET /table returns 503.
	Snapshot func(ctx context.Context) (string, error)
	// Stats adds counters to GET /status.
	Stats func() map[string]any
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Version string         `json:"version"`
	Uptime  string         `json:"uptime"`
	Stats   map[string]any `json:"stats,omitempty"`
}

// StateResponse is the body of GET /states/{id}.
type StateResponse struct {
	ID  string `json:"id"`
	Val string `json:"val"`
}

// writeRequest is the structured form of a state write.
type writeRequest struct {
	Val  json.RawMessage `json:"val"`
	Ack  bool            `json:"ack"`
	From string          `json:"from"`
}

// Server is the ingress HTTP server.
type Server struct {
	addr     string
	handlers Handlers
	server   *http.Server
	started  time.Time
	limiter  *writeLimiter
}

// New creates a Server listening on addr.
func New(addr string, h Handlers) *Server {
	s := &Server{
		addr:     addr,
		handlers: h,
		started:  time.Now(),
		limiter:  newWriteLimiter(h.RateLimit, h.Burst),
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /status", s.handleStatus)
	api.HandleFunc("GET /table", s.handleTable)
	api.HandleFunc("GET /states", s.handleListStates)
	api.HandleFunc("/states/{id}", s.handleState)

	root := http.NewServeMux()
	root.HandleFunc("GET /health", s.handleHealth)
	root.Handle("/", s.authMiddleware(api))

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.traceMiddleware(root),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// Handler returns the root handler, for httptest.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("ingress listen %s: %w", s.addr, err)
	}
	slog.Info("ingress: listening", "addr", ln.Addr().String(), "auth", s.handlers.Token != "")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ingress: server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

// traceMiddleware gives every request its own trace ID, echoed in the
// X-Trace-Id response header.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Trace-Id")
		if id == "" {
			id = trace.GenerateID()
		}
		w.Header().Set("X-Trace-Id", id)
		next.ServeHTTP(w, r.WithContext(trace.WithTraceID(r.Context(), id)))
	})
}

// authMiddleware rejects requests that do not carry the bearer token.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.handlers.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if auth[len("Bearer "):] != s.handlers.Token {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Version: version.Version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	}
	if s.handlers.Stats != nil {
		resp.Stats = s.handlers.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Snapshot == nil {
		writeError(w, http.StatusServiceUnavailable, "table not available")
		return
	}
	table, err := s.handlers.Snapshot(r.Context())
	if err != nil {
		observability.WithTrace(r.Context()).Warn("ingress: snapshot failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "table not available")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, table)
}

func (s *Server) handleListStates(w http.ResponseWriter, r *http.Request) {
	if s.handlers.States == nil {
		writeError(w, http.StatusServiceUnavailable, "state store not available")
		return
	}
	ids, err := s.handlers.States.List(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		observability.WithTrace(r.Context()).Error("ingress: list failed", "err", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"ids": ids})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing state id in path")
		return
	}
	if s.handlers.States == nil {
		writeError(w, http.StatusServiceUnavailable, "state store not available")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getState(w, r, id)
	case http.MethodPut, http.MethodPost:
		s.setState(w, r, id)
	default:
		w.Header().Set("Allow", "GET, PUT, POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request, id string) {
	val, err := s.handlers.States.Get(r.Context(), id)
	if errors.Is(err, states.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("state %q not found", id))
		return
	}
	if err != nil {
		observability.WithTrace(r.Context()).Error("ingress: read failed", "state", id, "err", err)
		writeError(w, http.StatusInternalServerError, "read failed")
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{ID: id, Val: val})
}

func (s *Server) setState(w http.ResponseWriter, r *http.Request, id string) {
	logger := observability.WithTrace(r.Context())

	if slices.Contains(s.handlers.ReadOnly, id) {
		writeError(w, http.StatusForbidden, fmt.Sprintf("state %q is read-only", id))
		return
	}
	if !s.limiter.allow(id) {
		logger.Warn("ingress: write rate limit exceeded", "state", id)
		writeError(w, http.StatusTooManyRequests, fmt.Sprintf("rate limit exceeded for %q", id))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body: "+err.Error())
		return
	}

	v, err := decodeValue(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.handlers.States.Set(r.Context(), id, v); err != nil {
		if errors.Is(err, states.ErrInvalidPath) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error("ingress: write failed", "state", id, "err", err)
		writeError(w, http.StatusInternalServerError, "write failed")
		return
	}
	logger.Debug("ingress: state written", "state", id, "bytes", len(v.Val))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stored"})
}

// decodeValue accepts three body shapes:
//
//	{"val": ..., "ack": true, "from": "..."}   structured write
//	"text"                                       a JSON string
//	anything else                                the raw body text
//
// A non-string val is stored as its JSON text, so a history event may be
// posted either pre-encoded or as an object.
func decodeValue(body []byte) (bus.Value, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return bus.Value{}, errors.New("empty body")
	}

	switch trimmed[0] {
	case '{':
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err == nil {
			if _, ok := probe["val"]; ok {
				var req writeRequest
				if err := json.Unmarshal(trimmed, &req); err != nil {
					return bus.Value{}, fmt.Errorf("invalid write request: %w", err)
				}
				return bus.Value{Val: rawToString(req.Val), Ack: req.Ack, From: req.From}, nil
			}
		}
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return bus.Value{}, fmt.Errorf("invalid JSON string: %w", err)
		}
		return bus.Value{Val: s}, nil
	}
	return bus.Value{Val: string(trimmed)}, nil
}

func rawToString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return ""
	}
	return string(raw)
}

// --- rate limiting ---

// maxTrackedIDs bounds the per-ID buckets kept in memory.
const maxTrackedIDs = 1024

// writeLimiter holds one token bucket per state ID plus a global one. A
// write must find a token in both.
type writeLimiter struct {
	limit  rate.Limit
	burst  int
	maxIDs int
	mu     sync.Mutex
	global *rate.Limiter
	perID  map[string]*rate.Limiter
}

func newWriteLimiter(perSecond float64, burst int) *writeLimiter {
	if perSecond <= 0 {
		return &writeLimiter{}
	}
	burst = max(burst, 1)
	return &writeLimiter{
		limit:  rate.Limit(perSecond),
		burst:  burst,
		maxIDs: maxTrackedIDs,
		global: rate.NewLimiter(rate.Limit(perSecond), burst),
		perID:  make(map[string]*rate.Limiter),
	}
}

func (l *writeLimiter) allow(id string) bool {
	if l.global == nil {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	lim, ok := l.perID[id]
	if !ok {
		if len(l.perID) >= l.maxIDs {
			l.sweep(now)
		}
		if len(l.perID) >= l.maxIDs {
			l.mu.Unlock()
			return false
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.perID[id] = lim
	}
	l.mu.Unlock()

	r := lim.ReserveN(now, 1)
	if !r.OK() || r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		return false
	}
	if !l.global.AllowN(now, 1) {
		r.CancelAt(now)
		return false
	}
	return true
}

// sweep drops buckets that have refilled completely; they behave exactly
// like new ones. Callers hold l.mu.
func (l *writeLimiter) sweep(now time.Time) {
	for id, lim := range l.perID {
		if lim.TokensAt(now) >= float64(l.burst) {
			delete(l.perID, id)
		}
	}
}

// tracked reports how many per-ID buckets are held.
func (l *writeLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perID)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
