// ABOUTME: HTTP handlers for the cross-machine peer API
// ABOUTME: Bearer shared-secret auth against approved mutual peers

package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ethanmcrae/agent-network/internal/config"
	"github.com/ethanmcrae/agent-network/internal/store"
)

// SystemSender is the reserved sender id for pairing notifications
// written into local agents' inboxes.
const SystemSender = "_system"

// Server exposes the peer API on the daemon's mux.
type Server struct {
	store  store.Store
	cfg    *config.Config
	logger *slog.Logger
}

// NewServer creates the peer API handler set.
func NewServer(st store.Store, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  st,
		cfg:    cfg,
		logger: logger.With("component", "peer-api"),
	}
}

// Register mounts the peer API routes.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/agents", s.handleAgents)
	mux.HandleFunc("POST /api/deliver", s.handleDeliver)
	mux.HandleFunc("POST /api/pair/request", s.handlePairRequest)
	mux.HandleFunc("POST /api/pair/accept", s.handlePairAccept)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

// authPeer resolves the Bearer token to an approved mutual peer and bumps
// its last_seen. Returns nil when the caller is not authorized.
func (s *Server) authPeer(r *http.Request) *store.Peer {
	auth := r.Header.Get("Authorization")
	secret, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || secret == "" {
		return nil
	}
	p, err := s.store.GetPeerBySecret(r.Context(), secret)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("peer auth lookup failed", "error", err)
		}
		return nil
	}
	if err := s.store.SetPeerStatus(r.Context(), p.Name, p.Status, p.Direction, time.Now()); err != nil {
		s.logger.Warn("failed to touch peer", "peer", p.Name, "error", err)
	}
	return p
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"machine": s.cfg.MachineName(),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	p := s.authPeer(r)
	if p == nil {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	networkID := r.URL.Query().Get("network_id")
	now := time.Now()
	sessions, err := s.store.ListSessions(r.Context(), networkID, time.Time{})
	if err != nil {
		s.logger.Error("listing sessions failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	type agentEntry struct {
		AgentID  string `json:"agent_id"`
		Role     string `json:"role"`
		IsActive bool   `json:"is_active"`
	}
	agents := make([]agentEntry, 0, len(sessions))
	for _, sess := range sessions {
		agents = append(agents, agentEntry{
			AgentID:  sess.AgentID,
			Role:     sess.Role,
			IsActive: now.Sub(sess.LastSeen) < s.cfg.Network.AgentExpiry,
		})
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })

	s.writeJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

type deliverRequest struct {
	SenderID    string `json:"sender_id"`
	NetworkID   string `json:"network_id"`
	RecipientID string `json:"recipient_id,omitempty"`
	Content     string `json:"content"`
	IsBroadcast bool   `json:"is_broadcast,omitempty"`
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	p := s.authPeer(r)
	if p == nil {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req deliverRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if len(req.Content) > s.cfg.Limits.MaxContentLength {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Content exceeds %d chars", s.cfg.Limits.MaxContentLength))
		return
	}

	now := time.Now()
	if req.IsBroadcast {
		// Same snapshot rule as a local broadcast: only non-expired
		// members receive a copy.
		sessions, err := s.store.ListSessions(r.Context(), req.NetworkID, now.Add(-s.cfg.Network.AgentExpiry))
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		recipients := make([]string, 0, len(sessions))
		for _, sess := range sessions {
			recipients = append(recipients, sess.AgentID)
		}
		delivered := 0
		if len(recipients) > 0 {
			delivered, err = s.store.InsertBroadcast(r.Context(), req.NetworkID, req.SenderID, req.Content, recipients, now)
			if err != nil {
				s.writeError(w, http.StatusInternalServerError, "Internal server error")
				return
			}
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":          "delivered",
			"delivered_count": delivered,
		})
		return
	}

	if req.RecipientID == "" {
		s.writeError(w, http.StatusBadRequest, "recipient_id required")
		return
	}
	if !s.hasLocalAgent(r, req.NetworkID, req.RecipientID) {
		s.writeError(w, http.StatusNotFound,
			fmt.Sprintf("Agent '%s' not found locally", req.RecipientID))
		return
	}

	// Relayed senders get the same per-pair unread cap as local ones.
	unread, err := s.store.CountPendingFrom(r.Context(), req.SenderID, req.RecipientID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if unread >= s.cfg.Limits.MaxUnreadPerSender {
		s.writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("Too many pending messages from %s", req.SenderID))
		return
	}

	_, err = s.store.InsertMessage(r.Context(), &store.Message{
		NetworkID:   req.NetworkID,
		SenderID:    req.SenderID,
		RecipientID: req.RecipientID,
		Content:     req.Content,
		Status:      store.StatusPending,
		CreatedAt:   now,
	})
	if err != nil {
		s.logger.Error("inserting relayed message failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.logger.Debug("relayed message accepted", "from_peer", p.Name, "recipient", req.RecipientID)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "delivered",
		"delivered_count": 1,
	})
}

func (s *Server) hasLocalAgent(r *http.Request, networkID, agentID string) bool {
	sessions, err := s.store.ListSessions(r.Context(), networkID, time.Time{})
	if err != nil {
		return false
	}
	for _, sess := range sessions {
		if sess.AgentID == agentID {
			return true
		}
	}
	return false
}

type pairRequestBody struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

// handlePairRequest records an inbound pairing request and notifies local
// agents via system messages. Unauthenticated: the secret the requester
// supplies becomes the shared credential once approved.
func (s *Server) handlePairRequest(w http.ResponseWriter, r *http.Request) {
	var req pairRequestBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Name == "" || req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "name and url are required")
		return
	}

	err := s.store.UpsertPeer(r.Context(), &store.Peer{
		Name:         req.Name,
		URL:          req.URL,
		SharedSecret: req.Secret,
		Status:       store.PeerStatusPending,
		Direction:    store.PeerDirectionInbound,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		s.logger.Error("recording pairing request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.notifyAgents(r, fmt.Sprintf(
		"Pairing request from '%s' (%s). Use approve_peer('%s') to accept.",
		req.Name, req.URL, req.Name))

	s.logger.Info("pairing request received", "peer", req.Name, "url", req.URL)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "pending",
		"message": "Pairing request received",
	})
}

type pairAcceptBody struct {
	Name string `json:"name"`
}

// handlePairAccept marks an outbound pairing as mutual after the remote
// side approved it.
func (s *Server) handlePairAccept(w http.ResponseWriter, r *http.Request) {
	var req pairAcceptBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if _, err := s.store.GetPeer(r.Context(), req.Name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("Peer '%s' not found", req.Name))
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	err := s.store.SetPeerStatus(r.Context(), req.Name, store.PeerStatusApproved, store.PeerDirectionMutual, time.Now())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.notifyAgents(r, fmt.Sprintf(
		"Peer '%s' pairing confirmed. Cross-machine messaging is now active.", req.Name))

	s.logger.Info("pairing confirmed", "peer", req.Name)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "approved",
		"message": "Pairing confirmed",
	})
}

// notifyAgents drops a system message into every local agent's inbox.
// Best-effort: a notification that fails to write is logged and dropped.
func (s *Server) notifyAgents(r *http.Request, content string) {
	sessions, err := s.store.ListSessions(r.Context(), "", time.Time{})
	if err != nil {
		s.logger.Warn("failed to list sessions for notification", "error", err)
		return
	}
	now := time.Now()
	for _, sess := range sessions {
		// Written into the agent's own network so the usual inbox claim
		// picks it up.
		_, err := s.store.InsertMessage(r.Context(), &store.Message{
			NetworkID:   sess.NetworkID,
			SenderID:    SystemSender,
			RecipientID: sess.AgentID,
			Content:     content,
			Status:      store.StatusPending,
			CreatedAt:   now,
		})
		if err != nil {
			s.logger.Warn("failed to write notification", "agent", sess.AgentID, "error", err)
		}
	}
}
