package http

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/jnarwell/wit-sub006/config"
	"github.com/jnarwell/wit-sub006/engine"
	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/metric"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 60 * time.Second
	writeWait           = 10 * time.Second
	maxBodyBytes        = 1 << 20
)

// getOrGenerateRequestID extracts the request ID from headers or generates
// a new one.
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}

	// 16 hex characters (8 random bytes)
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Server serves the management API and the streaming boundary of an engine.
type Server struct {
	engine   *engine.Engine
	cfg      config.HTTPConfig
	logger   *slog.Logger
	metrics  *gatewayMetrics
	router   *mux.Router
	upgrader websocket.Upgrader

	pingInterval time.Duration
	pongWait     time.Duration

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}

	wg        sync.WaitGroup
	shutdown  chan struct{}
	closeOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithPingInterval sets how often websocket clients are pinged. A client
// that does not answer within pongWait is disconnected.
func WithPingInterval(ping, pongWait time.Duration) Option {
	return func(s *Server) {
		s.pingInterval = ping
		s.pongWait = pongWait
	}
}

// NewServer creates a server for eng. Metrics are registered with the
// engine's registry.
func NewServer(eng *engine.Engine, cfg config.HTTPConfig, opts ...Option) *Server {
	s := &Server{
		engine:       eng,
		cfg:          cfg,
		logger:       slog.Default(),
		pingInterval: defaultPingInterval,
		pongWait:     defaultPongWait,
		clients:      make(map[*wsClient]struct{}),
		shutdown:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "http-gateway")

	metrics, err := newGatewayMetrics(eng.MetricsRegistry())
	if err != nil {
		s.logger.Error("Failed to initialize gateway metrics", "error", err)
		metrics = nil
	}
	s.metrics = metrics

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.routes()

	s.wg.Add(1)
	go s.maintainClients()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metric.Handler(s.engine.MetricsRegistry())).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/sensors", s.handleRegisterSensor).Methods(http.MethodPost)
	api.HandleFunc("/sensors", s.handleListSensors).Methods(http.MethodGet)
	api.HandleFunc("/sensors/discover", s.handleDiscover).Methods(http.MethodPost)
	api.HandleFunc("/sensors/{id}", s.handleGetSensor).Methods(http.MethodGet)
	api.HandleFunc("/sensors/{id}", s.handleUpdateSensor).Methods(http.MethodPatch)
	api.HandleFunc("/sensors/{id}", s.handleRemoveSensor).Methods(http.MethodDelete)
	api.HandleFunc("/sensors/{id}/config", s.handleConfigureSensor).Methods(http.MethodPut)
	api.HandleFunc("/sensors/{id}/{action:start|stop|pause|resume}", s.handleSensorAction).Methods(http.MethodPost)
	api.HandleFunc("/sensors/{id}/query", s.handleQuery).Methods(http.MethodGet)
	api.HandleFunc("/sensors/{id}/command", s.handleCommand).Methods(http.MethodPost)

	api.HandleFunc("/groups", s.handleCreateGroup).Methods(http.MethodPost)
	api.HandleFunc("/groups", s.handleListGroups).Methods(http.MethodGet)
	api.HandleFunc("/groups/{id}", s.handleGetGroup).Methods(http.MethodGet)
	api.HandleFunc("/groups/{id}", s.handleDeleteGroup).Methods(http.MethodDelete)
	api.HandleFunc("/groups/{id}/{action:start|stop}", s.handleGroupAction).Methods(http.MethodPost)

	api.HandleFunc("/alerts", s.handleCreateAlert).Methods(http.MethodPost)
	api.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/events", s.handleListEvents).Methods(http.MethodGet)
	api.HandleFunc("/alerts/events/{id}/ack", s.handleAcknowledge).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}", s.handleGetAlert).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}", s.handleRemoveAlert).Methods(http.MethodDelete)

	api.HandleFunc("/stream/diagnostics", s.handleDiagnostics).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// ServeHTTP applies CORS and answers preflight requests before routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.applyCORS(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.router.ServeHTTP(w, r)
}

// Close disconnects every websocket client and stops the keepalive loop.
// It does not stop the engine.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.shutdown)

		s.clientsMu.RLock()
		clients := make([]*wsClient, 0, len(s.clients))
		for c := range s.clients {
			clients = append(clients, c)
		}
		s.clientsMu.RUnlock()

		for _, c := range clients {
			c.close(websocket.CloseGoingAway, "server shutting down")
		}
		s.wg.Wait()
	})
}

// statusRecorder captures the status code for metrics and logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument tags the request with an id and records request metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", requestID)

		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		// The websocket upgrader needs the raw writer to hijack the connection.
		if route == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if s.metrics != nil {
			s.metrics.requests.WithLabelValues(route, fmt.Sprint(rec.status)).Inc()
			s.metrics.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
		if rec.status >= http.StatusInternalServerError {
			s.logger.Warn("Request failed",
				"request_id", requestID, "method", r.Method, "route", route, "status", rec.status)
		} else {
			s.logger.Debug("Request served",
				"request_id", requestID, "method", r.Method, "route", route, "status", rec.status,
				"duration", time.Since(start))
		}
	})
}

// applyCORS sets CORS headers when the request origin is allowed.
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !s.originAllowed(origin) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	w.Header().Set("Access-Control-Max-Age", "3600")
	w.Header().Add("Vary", "Origin")
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// checkOrigin admits websocket upgrades from configured origins, from the
// server's own host and from clients that send no Origin header.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.originAllowed(origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// statusFor maps a classified error to an HTTP status code.
func statusFor(err error) int {
	if err == nil {
		return http.StatusInternalServerError
	}

	switch {
	case errors.Is(err, errors.ErrSensorNotFound),
		errors.Is(err, errors.ErrGroupNotFound),
		errors.Is(err, errors.ErrAlertNotFound),
		errors.Is(err, errors.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrDuplicateSensor),
		errors.Is(err, errors.ErrSensorInActiveGroup),
		errors.Is(err, errors.ErrNotHotSwappable),
		errors.Is(err, errors.ErrInvalidTransition),
		errors.Is(err, errors.ErrAlreadyStarted):
		return http.StatusConflict
	case errors.Is(err, errors.ErrNotStarted),
		errors.Is(err, errors.ErrShuttingDown),
		errors.Is(err, errors.ErrResourceExhausted):
		return http.StatusServiceUnavailable
	}

	if errors.IsInvalid(err) {
		return http.StatusBadRequest
	}
	if errors.IsFatal(err) {
		return http.StatusServiceUnavailable
	}
	if errors.IsTransient(err) {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "timeout") {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// sanitizeError returns the message shown to clients. Client errors carry
// the validation message; server errors never expose internals.
func sanitizeError(status int, err error) string {
	if status < http.StatusInternalServerError && err != nil {
		return err.Error()
	}
	switch status {
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable"
	case http.StatusGatewayTimeout:
		return "request timeout"
	default:
		return "internal server error"
	}
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]any{
		"error":  message,
		"status": statusCode,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		statusCode = http.StatusInternalServerError
		data = []byte(`{"error":"internal server error","status":500}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}

// fail maps err to a response and logs server-side failures.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request error",
			"request_id", w.Header().Get("X-Request-ID"), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, sanitizeError(status, err))
}
