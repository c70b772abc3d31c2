// Package web serves the local HTTP API of the OTA agent and streams
// pipeline events over a websocket.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"ota-device/internal/mqtt"
	"ota-device/internal/pal"
	"ota-device/internal/selftest"
	"ota-device/internal/store"
)

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

// WithStore enables the certificate and history endpoints.
func WithStore(db store.Store) ServerOption {
	return func(s *Server) {
		s.db = db
	}
}

// WithMQTTStats enables GET /api/mqtt/stats.
func WithMQTTStats(fn func() mqtt.Stats) ServerOption {
	return func(s *Server) {
		s.mqttStats = fn
	}
}

// WithSelfTest enables the self-test script endpoints.
func WithSelfTest(runner *selftest.Runner, mgr *selftest.Manager) ServerOption {
	return func(s *Server) {
		s.runner = runner
		s.scriptMgr = mgr
	}
}

// WithMetrics serves h on GET /metrics. The endpoint is not key protected.
func WithMetrics(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithUploadBlockSize sets the block size used to stage uploaded images.
func WithUploadBlockSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.blockSize = n
		}
	}
}

// Server is the HTTP server for the local API.
type Server struct {
	pal            *pal.PAL
	db             store.Store
	mqttStats      func() mqtt.Stats
	runner         *selftest.Runner
	scriptMgr      *selftest.Manager
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	blockSize      int
	metrics        http.Handler

	progressInterval time.Duration

	// upload serializes PUT /api/image; only one transfer may be live.
	upload sync.Mutex

	wg          sync.WaitGroup
	unsubEvents func()
}

// NewServer creates the server for p.
func NewServer(p *pal.PAL, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		pal:       p,
		logger:    logger.With("component", "web"),
		mux:       http.NewServeMux(),
		blockSize: 4096,

		progressInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Forward pipeline events to websocket clients, except per-block
	// progress which would flood slow clients.
	s.unsubEvents = p.Events().OnAll(func(event pal.Event) {
		if event.Type == pal.EventBlockWritten {
			return
		}
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/image/state", s.handleAPIGetImageState)
	s.mux.HandleFunc("POST /api/image/state", s.handleAPISetImageState)
	s.mux.HandleFunc("POST /api/image/activate", s.handleAPIActivate)
	s.mux.HandleFunc("PUT /api/image", s.handleAPIUploadImage)
	s.mux.HandleFunc("DELETE /api/image", s.handleAPIDiscardImage)

	s.mux.HandleFunc("GET /api/history", s.handleAPIHistory)
	s.mux.HandleFunc("GET /api/certificates", s.handleAPIListCertificates)
	s.mux.HandleFunc("PUT /api/certificates/{label}", s.handleAPIPutCertificate)
	s.mux.HandleFunc("DELETE /api/certificates/{label}", s.handleAPIDeleteCertificate)

	s.mux.HandleFunc("GET /api/mqtt/stats", s.handleAPIMQTTStats)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/selftest/scripts", s.handleAPIListScripts)
	s.mux.HandleFunc("GET /api/selftest/scripts/{id}", s.handleAPIGetScript)
	s.mux.HandleFunc("PUT /api/selftest/scripts/{id}", s.handleAPISaveScript)
	s.mux.HandleFunc("DELETE /api/selftest/scripts/{id}", s.handleAPIDeleteScript)
	s.mux.HandleFunc("POST /api/selftest/run", s.handleAPIRunSelfTest)

	s.mux.HandleFunc("GET /ws", s.handleWS)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Signature, X-Cert-Label")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// The websocket is not key protected: browsers cannot set headers on
	// the upgrade request.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
