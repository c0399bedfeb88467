// Package ops exposes the verifier over HTTP: task intake, worker
// registration, auction bidding, admin controls and the live event
// stream. Handlers translate domain sentinels into status codes and
// leave all decision making to the components they wrap.
package ops

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/verihive/backend/internal/activity"
	"github.com/verihive/backend/internal/auction"
	"github.com/verihive/backend/internal/audit"
	"github.com/verihive/backend/internal/config"
	"github.com/verihive/backend/internal/events"
	"github.com/verihive/backend/internal/fraud"
	"github.com/verihive/backend/internal/orchestrator"
	"github.com/verihive/backend/internal/reputation"
	"github.com/verihive/backend/internal/storage"
	"github.com/verihive/backend/internal/workerstore"
)

// Deps bundles the components the HTTP surface exposes. Trail and Bus
// are optional; their routes are simply not mounted when nil.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Queue        *orchestrator.ChannelQueue
	Workers      *workerstore.Store
	Auctions     *auction.Manager
	Detector     *fraud.Detector
	Activity     *activity.Index
	Reputation   *reputation.Service
	Tasks        storage.TaskRecordStore
	Results      storage.ResultStore
	DeadLetters  storage.DeadLetterStore
	Trail        *audit.Trail
	Bus          *events.EventBus
}

// Server is the operational HTTP surface of the verifier.
type Server struct {
	cfg     *config.Config
	deps    Deps
	metrics *Metrics
	logger  *log.Logger

	httpServer *http.Server
	started    time.Time
}

// NewServer builds the surface around the given components. Call
// Router to obtain the handler, or Start to serve on the configured
// port.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  log.New(log.Writer(), "[API] ", log.LstdFlags),
		started: time.Now().UTC(),
	}
}

// SetMetrics wires HTTP request metrics. Optional.
func (s *Server) SetMetrics(m *Metrics) { s.metrics = m }

// Router assembles the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(makeCORSMiddleware(s.cfg))
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()

	// Tasks.
	api.HandleFunc("/tasks", s.handleCreateTask).Methods("POST", "OPTIONS")
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods("GET")
	api.HandleFunc("/tasks/{id}/result", s.handleGetResult).Methods("GET")
	api.HandleFunc("/tasks/{id}/submissions", s.handleSubmit).Methods("POST", "OPTIONS")

	// Workers.
	api.HandleFunc("/workers", s.handleRegisterWorker).Methods("POST", "OPTIONS")
	api.HandleFunc("/workers/{id}", s.handleGetWorker).Methods("GET")
	api.HandleFunc("/workers/{id}/status", s.handleWorkerStatus).Methods("PATCH", "OPTIONS")
	api.HandleFunc("/workers/{id}/reputation", s.handleWorkerReputation).Methods("GET")

	// Auctions.
	api.HandleFunc("/auctions/{id}", s.handleGetAuction).Methods("GET")
	api.HandleFunc("/auctions/{id}/bids", s.handlePlaceBid).Methods("POST", "OPTIONS")

	// Telemetry.
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	if s.deps.Bus != nil {
		api.HandleFunc("/events/ws", s.handleEventSocket).Methods("GET")
		api.HandleFunc("/events/stream", s.handleEventStream).Methods("GET")
	}

	if s.deps.Trail != nil {
		audit.RegisterRoutes(r, s.deps.Trail)
	}

	// Admin routes exist only when an API key hash is configured.
	if s.cfg.Admin.APIKeyHash != "" {
		admin := r.PathPrefix("/api/v1/admin").Subrouter()
		admin.Use(s.adminAuthMiddleware)
		admin.HandleFunc("/workers/{id}/suspend", s.handleAdminSuspend).Methods("POST")
		admin.HandleFunc("/workers/{id}/activate", s.handleAdminActivate).Methods("POST")
		admin.HandleFunc("/dead-letters", s.handleAdminDeadLetters).Methods("GET")
		admin.HandleFunc("/dead-letters/{id}/replay", s.handleAdminReplay).Methods("POST")
	}

	return r
}

// Start serves on the configured port and blocks until the listener
// fails or Shutdown runs.
func (s *Server) Start() error {
	addr := ":" + s.cfg.Server.Port
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Router(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: the SSE and websocket routes hold their
		// connections open indefinitely.
		IdleTimeout: 60 * time.Second,
	}
	s.logger.Printf("🚀 verifier API listening on %s (env=%s)", addr, s.cfg.Server.Env)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Printf("🔌 API shutting down")
	return s.httpServer.Shutdown(ctx)
}
