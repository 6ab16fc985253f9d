// Package httpstatus is the spec §4.11/§6 read-only admin surface: a
// gorilla/mux REST façade over running contexts' root hashes, pending-delta
// backlog, and Prometheus metrics. It never accepts a write — mutating a
// context happens through the WASM host and gossip, not this surface —
// matching the reduced scope the distilled spec carries forward from the
// teacher's much larger blockchain-style REST API (internal/api/server.go's
// block/tx/object/consensus routes have no equivalent here; there is no
// chain, no mempool, no object store endpoint left to expose).
package httpstatus

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rechain/sovereignsync/dagstore"
	"github.com/rechain/sovereignsync/pkg/ids"
	"github.com/rechain/sovereignsync/telemetry"
)

// ContextStatus is one context's point-in-time summary.
type ContextStatus struct {
	ContextID        string  `json:"context_id"`
	RootHash         string  `json:"root_hash"`
	PendingCount     int     `json:"pending_count"`
	PendingOldestSec float64 `json:"pending_oldest_age_seconds"`
}

// RootHasher reports a context's current applied root hash; satisfied by
// applier.Applier.
type RootHasher interface {
	RootHash() [32]byte
}

// Server exposes /health, /contexts, /contexts/{id}, and /metrics over
// dagStore's live state. rootHashFor resolves a context's applier lazily
// so the façade never has to construct one itself.
type Server struct {
	dagStore    *dagstore.Service
	rootHashFor func(contextID ids.ID) (RootHasher, bool)
	startedAt   time.Time

	router     *mux.Router
	httpServer *http.Server
}

// NewServer builds the façade. metricsRegistry, if non-nil, is exposed at
// /metrics via promhttp; pass a telemetry.PrometheusSink's Registry().
func NewServer(dagStore *dagstore.Service, rootHashFor func(contextID ids.ID) (RootHasher, bool), metrics *telemetry.PrometheusSink) *Server {
	s := &Server{
		dagStore:    dagStore,
		rootHashFor: rootHashFor,
		startedAt:   time.Now(),
		router:      mux.NewRouter(),
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/contexts", s.handleListContexts).Methods(http.MethodGet)
	s.router.HandleFunc("/contexts/{id}", s.handleGetContext).Methods(http.MethodGet)
	if metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	return s
}

// Start serves the façade on addr until Stop is called or it errors.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the façade down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) respond(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("httpstatus: encode response: %v", err)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startedAt).String(),
	}, http.StatusOK)
}

func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request) {
	contexts := s.dagStore.Contexts()
	out := make([]ContextStatus, 0, len(contexts))
	for _, c := range contexts {
		out = append(out, s.statusFor(c))
	}
	s.respond(w, out, http.StatusOK)
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	idHex := mux.Vars(r)["id"]
	raw, err := hex.DecodeString(idHex)
	if err != nil || len(raw) != ids.Size {
		s.respond(w, map[string]string{"error": "invalid context id"}, http.StatusBadRequest)
		return
	}
	var contextID ids.ID
	copy(contextID[:], raw)

	if !s.dagStore.Contains(contextID) {
		s.respond(w, map[string]string{"error": "unknown context"}, http.StatusNotFound)
		return
	}
	s.respond(w, s.statusFor(contextID), http.StatusOK)
}

func (s *Server) statusFor(contextID ids.ID) ContextStatus {
	status := ContextStatus{ContextID: contextID.Hex()}

	if entry, ok := s.dagStore.Get(contextID); ok {
		stats := entry.Graph.PendingStats()
		status.PendingCount = stats.Count
		status.PendingOldestSec = stats.OldestAgeSecs
	}
	if hasher, ok := s.rootHashFor(contextID); ok {
		root := hasher.RootHash()
		status.RootHash = hex.EncodeToString(root[:])
	}
	return status
}
