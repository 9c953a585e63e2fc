// Package health exposes the engine's operational state over HTTP.
//
// The /health endpoint reports a composite status derived from store
// reachability, the circuit breaker, and the most recent run. The /ws
// endpoint streams run lifecycle events to WebSocket clients for live
// monitoring.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/coder/websocket"

	"github.com/evertrack/eventsync/internal/source"
	"github.com/evertrack/eventsync/internal/store"
	syncpkg "github.com/evertrack/eventsync/internal/sync"
)

// Status is the composite health verdict.
type Status string

const (
	// StatusHealthy: store reachable, breaker closed, last run committed.
	StatusHealthy Status = "healthy"

	// StatusDegraded: operational but impaired (last run had warnings or
	// failed batches, breaker half-open, or a run is mid-rollback).
	// Served with HTTP 200 so the endpoint stays reachable for diagnosis.
	StatusDegraded Status = "degraded"

	// StatusUnhealthy: the store is unreachable, the breaker is open, or
	// the last run failed validation. Served with HTTP 503.
	StatusUnhealthy Status = "unhealthy"
)

// Report is the /health response body.
type Report struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`

	Database string           `json:"database"` // ok | error: ...
	RunState syncpkg.RunState `json:"run_state"`
	Circuit  *CircuitReport   `json:"circuit,omitempty"`
	LastRun  *LastRunReport   `json:"last_run,omitempty"`
	Reasons  []string         `json:"reasons,omitempty"`
}

// CircuitReport summarizes the source client's breaker.
type CircuitReport struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// LastRunReport summarizes the most recent non-dry run.
type LastRunReport struct {
	ID               string     `json:"id"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	Added            int        `json:"added"`
	Updated          int        `json:"updated"`
	BatchesFailed    int        `json:"batches_failed"`
	ValidationPassed bool       `json:"validation_passed"`
	Warnings         []string   `json:"warnings,omitempty"`
	Issues           []string   `json:"issues,omitempty"`
}

// Engine is the engine surface the server reads. Satisfied by
// *sync.Engine.
type Engine interface {
	State() syncpkg.RunState
}

// Server serves /health and broadcasts run events on /ws.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	store   *store.Store
	engine  Engine
	breaker *source.Breaker

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu stdsync.RWMutex

	// Event broadcasting
	broadcast chan syncpkg.RunEvent

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (0 = random available port)
	Port int

	// Store is the database to health-check (required).
	Store *store.Store

	// Engine reports the current run state (required).
	Engine Engine

	// Breaker, if set, is included in the health report.
	Breaker *source.Breaker

	// Logger for server activity (default: log.Default())
	Logger *log.Logger
}

// NewServer creates a health server. Call Start to begin serving.
func NewServer(config *Config) (*Server, error) {
	if config == nil || config.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if config.Engine == nil {
		return nil, errors.New("engine cannot be nil")
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		store:     config.Store,
		engine:    config.Engine,
		breaker:   config.Breaker,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan syncpkg.RunEvent, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}, nil
}

// Start begins the HTTP server and the broadcast loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Health server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Broadcast queues a run event for all connected clients. Non-blocking;
// the event is dropped if the queue is full.
func (s *Server) Broadcast(ev syncpkg.RunEvent) {
	select {
	case s.broadcast <- ev:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping event")
	}
}

// ClientCount returns the current number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// handleHealth builds the composite health report.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.buildReport(r.Context())

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

func (s *Server) buildReport(ctx context.Context) Report {
	report := Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Database:  "ok",
		RunState:  s.engine.State(),
	}

	degrade := func(reason string) {
		if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
		report.Reasons = append(report.Reasons, reason)
	}
	fail := func(reason string) {
		report.Status = StatusUnhealthy
		report.Reasons = append(report.Reasons, reason)
	}

	if err := s.store.Ping(ctx); err != nil {
		report.Database = "error: " + err.Error()
		fail("database unreachable")
		return report
	}

	if s.breaker != nil {
		snap := s.breaker.Snapshot()
		report.Circuit = &CircuitReport{
			State:               string(snap.State),
			ConsecutiveFailures: snap.ConsecutiveFailures,
		}
		switch snap.State {
		case source.StateOpen:
			fail("source circuit breaker is open")
		case source.StateHalfOpen:
			degrade("source circuit breaker is half-open")
		}
	}

	last, err := s.store.LastRun(ctx)
	if err != nil {
		degrade("failed to read run log: " + err.Error())
	}
	if last != nil {
		report.LastRun = &LastRunReport{
			ID:               last.ID,
			StartedAt:        last.StartedAt,
			FinishedAt:       last.FinishedAt,
			Added:            last.Added,
			Updated:          last.Updated,
			BatchesFailed:    last.BatchesFailed,
			ValidationPassed: last.ValidationPassed,
			Warnings:         last.Warnings,
			Issues:           last.Issues,
		}
		switch {
		case !last.ValidationPassed:
			fail("last run failed validation")
		case len(last.Warnings) > 0:
			degrade("last run finished with warnings")
		case last.BatchesFailed > 0:
			degrade(fmt.Sprintf("last run had %d failed batches", last.BatchesFailed))
		}
	}

	if st := report.RunState; st == syncpkg.StateRollingBack {
		degrade("a run is rolling back")
	}

	return report
}

// handleWebSocket upgrades connections and registers them for broadcasts.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and handles client disconnects.
// Client messages are not processed.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// broadcastLoop serializes queued run events and fans them out.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case ev := <-s.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Printf("Failed to marshal event: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Writes happen outside the lock so one slow client can't
			// block registration
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}
