// Package api implements the jnap-presence HTTP status API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/jnap-presence/internal/buildinfo"
	"github.com/nugget/jnap-presence/internal/connwatch"
	"github.com/nugget/jnap-presence/internal/hub"
	"github.com/nugget/jnap-presence/internal/jnap"
	"github.com/nugget/jnap-presence/internal/metrics"
	"github.com/nugget/jnap-presence/internal/presence"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Hub is the part of *hub.Hub the API reads and drives.
type Hub interface {
	Status() hub.Status
	Router() hub.Router
	Registry() *presence.Registry
	Reauthenticate(ctx context.Context, username, password string) error
	Trigger()
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	hub       Hub
	watch     *connwatch.Manager
	metrics   *metrics.Metrics
	entryID   string
	detection time.Duration
	logger    *slog.Logger
	server    *http.Server
	stream    *Stream
	now       func() time.Time
}

// NewServer creates a new API server.
func NewServer(address string, port int, h Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address: address,
		port:    port,
		hub:     h,
		logger:  logger,
		now:     time.Now,
	}
	s.stream = newStream(s.view, logger)
	return s
}

// SetConnWatch adds service reachability to /health.
func (s *Server) SetConnWatch(m *connwatch.Manager) {
	s.watch = m
}

// SetMetrics enables /metrics and per-route request counting.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetPresence configures how device views are rendered: entryID scopes
// unique IDs and detection decides the "home" flag.
func (s *Server) SetPresence(entryID string, detection time.Duration) {
	s.entryID = entryID
	s.detection = detection
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, "GET /", "root", s.handleRoot)
	s.route(mux, "GET /health", "health", s.handleHealth)
	s.route(mux, "GET /v1/version", "version", s.handleVersion)

	s.route(mux, "GET /v1/devices", "devices", s.handleDevices)
	s.route(mux, "GET /v1/devices/{key}", "device", s.handleDevice)

	s.route(mux, "GET /v1/router", "router", s.handleRouter)
	s.route(mux, "POST /v1/router/reauth", "reauth", s.handleReauth)
	s.route(mux, "POST /v1/router/poll", "poll", s.handlePoll)

	// Registered without the metrics wrapper: the upgrade hijacks the
	// connection.
	mux.Handle("GET /v1/stream", s.stream)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return s.withLogging(mux)
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.HandlerFunc) {
	var handler http.Handler = h
	if s.metrics != nil {
		handler = s.metrics.Middleware(name, handler)
	}
	mux.Handle(pattern, handler)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// PresenceUpdated forwards merge results to stream clients, so the
// server can be registered as a hub observer.
func (s *Server) PresenceUpdated(ctx context.Context, u hub.Update) {
	s.stream.PresenceUpdated(ctx, u)
}

// Shutdown gracefully stops the server and disconnects stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stream.Close()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.errorResponse(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "jnap-presence",
		"version": buildinfo.Version,
		"router":  s.hub.Router().Name(),
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status   string                             `json:"status"`
	Poller   hub.Status                         `json:"poller"`
	Services map[string]connwatch.ServiceStatus `json:"services,omitempty"`
}

// Health states reported by /health.
const (
	HealthOK             = "healthy"
	HealthDegraded       = "degraded"
	HealthReauthRequired = "reauth_required"
	HealthStarting       = "starting"
)

// health classifies the poller and watched services. Anything other
// than healthy is served with 503 so load balancers and Docker health
// checks notice.
func (s *Server) health() HealthResponse {
	resp := HealthResponse{Status: HealthOK, Poller: s.hub.Status()}
	if s.watch != nil {
		resp.Services = s.watch.Status()
	}

	switch {
	case !resp.Poller.SetUp:
		resp.Status = HealthStarting
	case resp.Poller.ReauthRequired:
		resp.Status = HealthReauthRequired
	case resp.Poller.ConsecutiveFailures > 0:
		resp.Status = HealthDegraded
	case s.watch != nil && !s.watch.Ready():
		resp.Status = HealthDegraded
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := s.health()
	w.Header().Set("Content-Type", "application/json")
	if resp.Status != HealthOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, resp, s.logger)
}

// DeviceView is a record as served by the API, with the derived
// presence state.
type DeviceView struct {
	presence.DeviceRecord
	UniqueID string `json:"unique_id,omitempty"`
	Home     bool   `json:"home"`
}

func (s *Server) view(rec presence.DeviceRecord) DeviceView {
	v := DeviceView{
		DeviceRecord: rec,
		Home:         rec.Connected(s.now(), s.detection),
	}
	if s.entryID != "" {
		v.UniqueID = presence.UniqueID(s.entryID, rec.Key)
	}
	return v
}

// handleDevices lists every tracked record. ?online=true|false filters
// on the router-reported state, ?home=true|false on the derived one.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	online, err := boolParam(r, "online")
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	home, err := boolParam(r, "home")
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	records := s.hub.Registry().List()
	views := make([]DeviceView, 0, len(records))
	for _, rec := range records {
		v := s.view(rec)
		if online != nil && v.IsOnline != *online {
			continue
		}
		if home != nil && v.Home != *home {
			continue
		}
		views = append(views, v)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"devices": views,
		"count":   len(views),
	}, s.logger)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	rec, ok := s.hub.Registry().Get(key)
	if !ok {
		// Accept MACs in any case; keys are stored upper-case.
		rec, ok = s.hub.Registry().Get(jnap.NormalizeMAC(key))
	}
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "device not found: "+key)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.view(rec), s.logger)
}

func (s *Server) handleRouter(w http.ResponseWriter, r *http.Request) {
	rt := s.hub.Router()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"name":   rt.Name(),
		"router": rt,
		"status": s.hub.Status(),
	}, s.logger)
}

// ReauthRequest carries replacement router credentials.
type ReauthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleReauth(w http.ResponseWriter, r *http.Request) {
	var req ReauthRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Password == "" {
		s.errorResponse(w, http.StatusBadRequest, "password is required")
		return
	}
	if req.Username == "" {
		req.Username = "admin"
	}

	err := s.hub.Reauthenticate(r.Context(), req.Username, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, jnap.ErrAuthentication):
		s.logger.Warn("re-authentication rejected by router", "username", req.Username)
		s.errorResponse(w, http.StatusUnauthorized, "router rejected credentials")
		return
	default:
		s.logger.Warn("re-authentication failed", "error", err, "kind", jnap.Kind(err))
		s.errorResponse(w, http.StatusBadGateway, "router check failed: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.hub.Trigger()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "scheduled"}, s.logger)
}

// boolParam parses an optional boolean query parameter.
func boolParam(r *http.Request, name string) (*bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s parameter %q", name, raw)
	}
	return &b, nil
}
