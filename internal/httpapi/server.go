package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"mailbot.local/orchestrator/internal/orchestrator"
	"mailbot.local/orchestrator/internal/subscribers/wshub"
)

const maxEventBodyBytes int64 = 2 << 20

type server struct {
	logger       *log.Logger
	orchestrator *orchestrator.Service
	hub          *wshub.Hub
}

func NewServer(logger *log.Logger, addr string, svc *orchestrator.Service, auth *AuthRoutes, hub *wshub.Hub) *http.Server {
	h := &server{
		logger:       logger,
		orchestrator: svc,
		hub:          hub,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/events/message", h.handleMessage)
	if hub != nil {
		mux.HandleFunc("/v1/events/ws", h.handleEventsWS)
	}
	if auth != nil {
		auth.Register(mux)
	}

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	defer r.Body.Close()
	var inbound orchestrator.IncomingMessage
	dec := json.NewDecoder(io.LimitReader(r.Body, maxEventBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&inbound); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if dec.More() {
		http.Error(w, "invalid json: trailing content", http.StatusBadRequest)
		return
	}

	if err := validateIncoming(inbound); err != nil {
		http.Error(w, fmt.Sprintf("invalid message: %v", err), http.StatusBadRequest)
		return
	}

	reply, err := s.orchestrator.HandleMessage(r.Context(), inbound)
	if err != nil {
		// Backend failures void the turn: generic failure, no partial reply.
		s.logger.Printf("message handling failed user_id=%s err=%v", inbound.UserID, err)
		http.Error(w, "failed to process message", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("events ws upgrade failed: %v", err)
		return
	}
	s.hub.Add(conn)

	// Reads are only used to detect the peer going away.
	go func() {
		defer func() {
			s.hub.Remove(conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func validateIncoming(inbound orchestrator.IncomingMessage) error {
	if strings.TrimSpace(inbound.Provider) == "" {
		return errors.New("provider is required")
	}
	if strings.TrimSpace(inbound.ChannelID) == "" {
		return errors.New("channel_id is required")
	}
	if strings.TrimSpace(inbound.UserID) == "" {
		return errors.New("user_id is required")
	}
	if strings.TrimSpace(inbound.Content) == "" {
		return errors.New("content is required")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	return strings.EqualFold(parsedOrigin.Host, r.Host)
}
