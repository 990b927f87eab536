package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tg-mesh/ctrl/pkg/ha"
	"github.com/tg-mesh/ctrl/pkg/metrics"
)

// HealthServer serves the liveness/readiness/metrics HTTP endpoints
// alongside the gRPC envelope bus — scraped by an external monitor, not
// reached over the broker.
type HealthServer struct {
	replicator *ha.Replicator
	version    string
	mux        *http.ServeMux
}

// NewHealthServer constructs a HealthServer. replicator may be nil (a
// controller not running in an HA pair still reports healthy/ready).
func NewHealthServer(replicator *ha.Replicator, version string) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{replicator: replicator, version: version, mux: mux}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start runs the HTTP server on addr until it errors or is shut down.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// HealthResponse is the /health liveness body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse is the /ready readiness body.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler is a pure liveness check: 200 if the process can answer.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	response := HealthResponse{Status: "healthy", Timestamp: time.Now(), Version: hs.version}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler reports whether this controller is fit to serve traffic.
// A PASSIVE controller in a Binary-Star pair is alive but intentionally
// not ready — it is not the one minions should be talking to.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.replicator != nil {
		state := hs.replicator.State()
		checks["ha"] = string(state)
		if !hs.replicator.IsActive() {
			ready = false
			message = "controller is not the active half of its HA pair"
		}
	} else {
		checks["ha"] = "standalone"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{Status: status, Timestamp: time.Now(), Checks: checks, Message: message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
