// Package health provides health check HTTP endpoints for fleetbus.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/fleetbus/internal/session"
	"github.com/postalsys/fleetbus/internal/sysinfo"
)

// StatsProvider provides session statistics.
type StatsProvider interface {
	// IsRunning returns true if the session can send and receive.
	IsRunning() bool

	// Stats returns session statistics.
	Stats() Stats
}

// ClientLister lists the clients a server has announced.
type ClientLister interface {
	Clients() []session.ClientInfo
}

// Stats contains session health statistics.
type Stats struct {
	Role         string `json:"role"`
	State        string `json:"state"`
	Identity     string `json:"identity"`
	ClientCount  int    `json:"client_count"`
	PendingCalls int    `json:"pending_calls"`
	SharedKeyID  int    `json:"shared_key_id"` // -1 when none
	Tags         int    `json:"tags"`
}

// ClientStatus is the JSON form of one announced client.
type ClientStatus struct {
	Hash              string    `json:"hash"`
	SystemName        string    `json:"system_name"`
	ClientName        string    `json:"client_name"`
	Announced         time.Time `json:"announced"`
	LastSeen          time.Time `json:"last_seen"`
	HeartbeatInterval string    `json:"heartbeat_interval"`
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatsProvider
	clients  ClientLister
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new health check server.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/info", s.handleInfo)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/clients", s.handleListClients)
	mux.HandleFunc("/clients/", s.handleClientInfo)

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// SetClientLister enables the /clients endpoints. Only servers have one.
func (s *Server) SetClientLister(l ClientLister) {
	s.clients = l
}

// Start starts the health check server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the health check server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz returns 200 with JSON stats if the session is up, 503 if not.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.provider == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unavailable",
			"running": false,
		})
		return
	}

	stats := s.provider.Stats()
	status, code, running := "healthy", http.StatusOK, true
	if !s.provider.IsRunning() {
		status, code, running = "unavailable", http.StatusServiceUnavailable, false
	}

	writeJSON(w, code, map[string]interface{}{
		"status":        status,
		"running":       running,
		"role":          stats.Role,
		"state":         stats.State,
		"identity":      stats.Identity,
		"client_count":  stats.ClientCount,
		"pending_calls": stats.PendingCalls,
		"shared_key_id": stats.SharedKeyID,
		"tags":          stats.Tags,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	if s.provider == nil || !s.provider.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY\n"))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY\n"))
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, sysinfo.Collect())
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.clients == nil {
		http.Error(w, "not a server session", http.StatusNotFound)
		return
	}

	infos := s.clients.Clients()
	out := make([]ClientStatus, 0, len(infos))
	for _, info := range infos {
		out = append(out, clientStatus(info))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleClientInfo serves /clients/{hash}. A unique hash prefix is accepted.
func (s *Server) handleClientInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.clients == nil {
		http.Error(w, "not a server session", http.StatusNotFound)
		return
	}

	prefix := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/clients/"), "/")
	if prefix == "" {
		http.Error(w, "client hash required: /clients/{hash}", http.StatusBadRequest)
		return
	}

	var matches []session.ClientInfo
	for _, info := range s.clients.Clients() {
		if strings.HasPrefix(info.Hash, prefix) {
			matches = append(matches, info)
		}
	}

	switch len(matches) {
	case 0:
		http.Error(w, "client not found", http.StatusNotFound)
	case 1:
		writeJSON(w, http.StatusOK, clientStatus(matches[0]))
	default:
		http.Error(w, "ambiguous client hash", http.StatusConflict)
	}
}

func clientStatus(info session.ClientInfo) ClientStatus {
	return ClientStatus{
		Hash:              info.Hash,
		SystemName:        info.SystemName,
		ClientName:        info.ClientName,
		Announced:         info.Announced,
		LastSeen:          info.LastSeen,
		HeartbeatInterval: info.HeartbeatInterval.String(),
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
