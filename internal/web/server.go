package web

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"lorawan-node/internal/automation"
	"lorawan-node/internal/node"
)

// Input accepts operator keys on behalf of remote clients.
type Input interface {
	Feed(p ...byte) int
}

// DownlinkInjector delivers a downlink to the MAC. Only the simulator
// backend provides one.
type DownlinkInjector interface {
	Inject(port uint8, payload []byte) error
}

// OutputSource mirrors operator output to extra writers.
type OutputSource interface {
	AddSink(w io.Writer) (remove func())
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithDownlinkInjector enables POST /api/downlink.
func WithDownlinkInjector(inj DownlinkInjector) ServerOption {
	return func(s *Server) {
		s.injector = inj
	}
}

// WithConsoleOutput streams operator output to WebSocket clients.
func WithConsoleOutput(src OutputSource) ServerOption {
	return func(s *Server) {
		s.output = src
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server of the node: status, input injection, scripts
// and a WebSocket event stream.
type Server struct {
	input          Input
	injector       DownlinkInjector
	output         OutputSource
	wsHub          *WSHub
	logger         *slog.Logger
	router         chi.Router
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string

	mu          sync.RWMutex
	status      func() node.Status
	unsubEvents func()
	removeSink  func()
}

// NewServer creates a new web server.
func NewServer(events *node.EventBus, status func() node.Status, input Input, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		input:  input,
		status: status,
		logger: logger.With("component", "web"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.unsubEvents = events.OnAll(s.broadcastEvent)
	if s.output != nil {
		s.removeSink = s.output.AddSink(consoleSink{hub: s.wsHub})
	}

	s.routes()
	return s
}

// Rebind moves the server to a new node instance.
func (s *Server) Rebind(events *node.EventBus, status func() node.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.status = status
	s.unsubEvents = events.OnAll(s.broadcastEvent)
}

// Stop detaches the server from the node and disconnects stream clients.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.unsubEvents != nil {
		s.unsubEvents()
		s.unsubEvents = nil
	}
	if s.removeSink != nil {
		s.removeSink()
		s.removeSink = nil
	}
	s.mu.Unlock()
	s.wsHub.Close()
}

func (s *Server) broadcastEvent(event node.Event) {
	s.wsHub.Broadcast(event)
}

func (s *Server) currentStatus() node.Status {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()
	return status()
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(s.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "X-API-Key"},
			MaxAge:         3600,
		}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Get("/status", s.handleAPIStatus)
		r.Get("/version", s.handleAPIVersion)
		r.Post("/input", s.handleAPIInput)
		r.Post("/downlink", s.handleAPIDownlink)

		r.Route("/automations", func(r chi.Router) {
			r.Use(s.requireScripts)
			r.Get("/", s.handleAPIListAutomations)
			r.Post("/", s.handleAPICreateAutomation)
			r.Get("/{id}", s.handleAPIGetAutomation)
			r.Put("/{id}", s.handleAPIUpdateAutomation)
			r.Delete("/{id}", s.handleAPIDeleteAutomation)
			r.Post("/{id}/toggle", s.handleAPIToggleAutomation)
			r.Post("/{id}/run", s.handleAPIRunAutomation)
		})
	})

	// Browsers cannot send custom headers on a WebSocket upgrade, so /ws is
	// not behind the API key.
	r.Get("/ws", s.handleWS)

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
