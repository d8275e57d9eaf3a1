// Package api serves the operator surface: agent inspection, bond resets,
// stalled-batch listing, Prometheus metrics and a websocket event stream.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/machpay-xyz/settlement-engine/internal/agentbook"
	"github.com/machpay-xyz/settlement-engine/internal/events"
	"github.com/machpay-xyz/settlement-engine/internal/reconciler"
	"github.com/machpay-xyz/settlement-engine/internal/risk"
	"github.com/machpay-xyz/settlement-engine/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Operator tooling connects from anywhere on the internal network.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the ops HTTP server.
type Server struct {
	book   *agentbook.Book
	risk   *risk.Engine
	store  store.IntentStore
	recon  *reconciler.Reconciler
	bus    *events.Bus
	logger *log.Logger

	httpServer *http.Server
}

// NewServer wires the handlers and returns an unstarted server.
func NewServer(port string, book *agentbook.Book, riskEngine *risk.Engine, st store.IntentStore, recon *reconciler.Reconciler, bus *events.Bus) *Server {
	s := &Server{
		book:   book,
		risk:   riskEngine,
		store:  st,
		recon:  recon,
		bus:    bus,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/agents/{id}", s.handleAgent).Methods("GET")
	v1.HandleFunc("/agents/{id}/bond", s.handleBondReset).Methods("POST")
	v1.HandleFunc("/agents/{id}/payouts", s.handlePayouts).Methods("GET")
	v1.HandleFunc("/batches/stalled", s.handleStalled).Methods("GET")

	r.HandleFunc("/events/ws", s.handleEventsWS).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until the context is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("Ops server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"subscribers": s.bus.SubscriberCount(),
		"time":        time.Now().UTC(),
	})
}

// handleAgent returns the agent's flags, bond and derived exposure.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]

	snap, err := s.risk.Snapshot(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "exposure lookup failed")
		return
	}
	bond, frozen, blacklisted := s.book.Snapshot(agentID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":          agentID,
		"bonded_collateral": bond,
		"pending_total":     snap.PendingTotal,
		"solvent":           snap.Solvent(),
		"frozen":            frozen,
		"blacklisted":       blacklisted,
	})
}

// handleBondReset is the operator path out of a liquidation freeze. It
// never lifts a blacklist.
func (s *Server) handleBondReset(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]

	var req struct {
		Amount uint64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if s.book.Blacklisted(agentID) {
		writeError(w, http.StatusForbidden, "agent is permanently blacklisted")
		return
	}

	s.book.SetBond(agentID, req.Amount)
	s.logger.Printf("💰 Operator reset bond for %s to %d", shortKey(agentID), req.Amount)

	bond, frozen, _ := s.book.Snapshot(agentID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":          agentID,
		"bonded_collateral": bond,
		"frozen":            frozen,
	})
}

func (s *Server) handlePayouts(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]

	payouts, err := s.store.ListPayouts(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "payout lookup failed")
		return
	}
	if payouts == nil {
		payouts = []*store.PayoutRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id": agentID,
		"payouts":  payouts,
	})
}

func (s *Server) handleStalled(w http.ResponseWriter, r *http.Request) {
	stalled := s.recon.Stalled()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(stalled),
		"batches": stalled,
	})
}

// handleEventsWS streams engine events to the operator console over a
// websocket. Query param "types" narrows the subscription.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("⚠️  Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var types []string
	if q := r.URL.Query().Get("types"); q != "" {
		types = append(types, q)
	}
	ch := s.bus.Subscribe(types...)
	defer s.bus.Unsubscribe(ch)

	s.logger.Printf("Websocket subscriber connected (%s)", r.RemoteAddr)

	// Drain reads so pings and close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := ev.JSON()
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func shortKey(k string) string {
	if len(k) > 12 {
		return k[:12] + "…"
	}
	return k
}
