// Package server exposes a HuginDB node over HTTP: a WebSocket endpoint
// for searches and live subscriptions, a health endpoint, and Prometheus
// metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/orneryd/hugindb/pkg/hugindb"
	"github.com/orneryd/hugindb/pkg/predicate"
	"github.com/orneryd/hugindb/pkg/search"
	"github.com/orneryd/hugindb/pkg/transport"
)

// ErrServerClosed is returned by Start after Stop has been called.
var ErrServerClosed = errors.New("server closed")

// Config holds HTTP server configuration.
type Config struct {
	// Addr to bind to, host:port. Port 0 picks a free port.
	Addr string
	// ReadTimeout for the HTTP handshake.
	ReadTimeout time.Duration
	// WriteTimeout for plain HTTP responses. WebSocket connections are
	// hijacked and not subject to it.
	WriteTimeout time.Duration
	// IdleTimeout for keep-alive connections.
	IdleTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "0.0.0.0:8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Server is the HTTP and WebSocket front end for a HuginDB node.
// Subscription updates flow from the node through the connection hub to
// whichever socket registered the subscribing client ID.
type Server struct {
	config *Config
	db     *hugindb.DB
	log    zerolog.Logger
	hub    *transport.Hub

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener
	closed     atomic.Bool

	wsMu    sync.Mutex
	wsConns map[*transport.WSConn]struct{}
}

// New creates a server for db and attaches its connection hub as the
// node's update notifier.
func New(db *hugindb.DB, config *Config, log zerolog.Logger) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if db == nil {
		return nil, fmt.Errorf("database required")
	}

	s := &Server{
		config: config,
		db:     db,
		log:    log.With().Str("component", "server").Logger(),
		hub:    transport.NewHub(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		wsConns: make(map[*transport.WSConn]struct{}),
	}
	db.AttachNotifier(s.hub)

	return s, nil
}

// Start begins listening for HTTP connections.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.log.Info().Str("addr", listener.Addr().String()).Msg("HTTP server listening")
	return nil
}

// Stop gracefully shuts down the server. WebSocket connections are
// hijacked and outlive Shutdown, so they are closed directly.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.wsMu.Lock()
	conns := make([]*transport.WSConn, 0, len(s.wsConns))
	for c := range s.wsConns {
		conns = append(conns, c)
	}
	s.wsMu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}

	return err
}

// Addr returns the bound listen address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.db.MetricsRegistry(), promhttp.HandlerOpts{}))
	return mux
}

// healthPayload is the /healthz response body.
type healthPayload struct {
	Status  string   `json:"status"`
	Node    string   `json:"node"`
	Members []string `json:"members"`
	Clients int      `json:"clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	members := s.db.Members()
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}

	writeJSON(w, http.StatusOK, healthPayload{
		Status:  "ok",
		Node:    s.db.NodeID(),
		Members: ids,
		Clients: s.hub.Len(),
	})
}

// handleWS upgrades the connection and runs its read loop until the
// client disconnects. Every subscription made over the socket is bound
// to the client ID, so the deferred cleanup drops them all at once.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	conn := transport.NewWSConn(clientID, sock, s.log)
	s.hub.Register(conn)
	s.track(conn)
	s.db.Metrics().IncCounter("ws_connections_total", nil)
	s.db.Metrics().SetGauge("ws_clients", float64(s.hub.Len()), nil)
	s.log.Debug().Str("client", clientID).Msg("WebSocket client connected")

	defer func() {
		s.untrack(conn)
		s.hub.Unregister(conn)
		_ = conn.Close()
		removed := s.db.UnsubscribeClient(clientID)
		s.db.Metrics().SetGauge("ws_clients", float64(s.hub.Len()), nil)
		s.log.Debug().
			Str("client", clientID).
			Int("subscriptions", removed).
			Msg("WebSocket client disconnected")
	}()

	for {
		frame, err := conn.Next()
		if err != nil {
			return
		}
		s.dispatch(conn, frame)
	}
}

// dispatch routes one inbound frame. Failures are reported back on the
// same socket as an ERROR frame instead of tearing the connection down.
func (s *Server) dispatch(conn *transport.WSConn, f transport.Frame) {
	var err error
	switch f.Type {
	case transport.FrameSubscribeSearch:
		err = s.handleSubscribeSearch(conn, f)
	case transport.FrameSubscribeQuery:
		err = s.handleSubscribeQuery(conn, f)
	case transport.FrameUnsubscribe:
		err = s.handleUnsubscribe(f)
	case transport.FrameSearch:
		err = s.handleSearch(conn, f)
	default:
		err = fmt.Errorf("unknown frame type %q", f.Type)
	}
	if err != nil {
		s.sendError(conn, f.Type, err)
	}
}

// subscribeSearchRequest is the SUBSCRIBE_SEARCH frame payload.
type subscribeSearchRequest struct {
	MapName string         `json:"mapName"`
	Query   string         `json:"query"`
	Options search.Options `json:"options"`
}

// subscribeQueryRequest is the SUBSCRIBE_QUERY frame payload.
type subscribeQueryRequest struct {
	MapName string           `json:"mapName"`
	Query   *predicate.Query `json:"query"`
}

// unsubscribeRequest is the UNSUBSCRIBE frame payload.
type unsubscribeRequest struct {
	SubscriptionID string `json:"subscriptionId"`
}

// searchRequest is the SEARCH frame payload.
type searchRequest struct {
	MapName string         `json:"mapName"`
	Query   string         `json:"query"`
	Options search.Options `json:"options"`
	Cursor  string         `json:"cursor,omitempty"`
}

// The request context dies with the HTTP handler once the connection is
// hijacked, so frame handlers use context.Background for cluster calls.

func (s *Server) handleSubscribeSearch(conn *transport.WSConn, f transport.Frame) error {
	var req subscribeSearchRequest
	if err := f.Decode(&req); err != nil {
		return fmt.Errorf("decode %s: %w", f.Type, err)
	}

	result, err := s.db.SubscribeSearch(context.Background(), conn.ID(), req.MapName, req.Query, req.Options, nil)
	if err != nil {
		return err
	}
	return s.reply(conn, transport.FrameSubscribed, result)
}

func (s *Server) handleSubscribeQuery(conn *transport.WSConn, f transport.Frame) error {
	var req subscribeQueryRequest
	if err := f.Decode(&req); err != nil {
		return fmt.Errorf("decode %s: %w", f.Type, err)
	}

	result, err := s.db.SubscribeQuery(context.Background(), conn.ID(), req.MapName, req.Query, nil)
	if err != nil {
		return err
	}
	return s.reply(conn, transport.FrameSubscribed, result)
}

// handleUnsubscribe tears the subscription down without acknowledging.
// Unsubscribing an unknown ID is a no-op.
func (s *Server) handleUnsubscribe(f transport.Frame) error {
	var req unsubscribeRequest
	if err := f.Decode(&req); err != nil {
		return fmt.Errorf("decode %s: %w", f.Type, err)
	}

	s.db.Unsubscribe(req.SubscriptionID)
	return nil
}

func (s *Server) handleSearch(conn *transport.WSConn, f transport.Frame) error {
	var req searchRequest
	if err := f.Decode(&req); err != nil {
		return fmt.Errorf("decode %s: %w", f.Type, err)
	}

	result, err := s.db.Search(context.Background(), req.MapName, req.Query, req.Options, req.Cursor)
	if err != nil {
		return err
	}
	return s.reply(conn, transport.FrameSearchResult, result)
}

func (s *Server) reply(conn *transport.WSConn, frameType string, payload any) error {
	frame, err := transport.NewFrame(frameType, payload)
	if err != nil {
		return err
	}
	return conn.Send(frame)
}

func (s *Server) sendError(conn *transport.WSConn, requestType string, err error) {
	frame, ferr := transport.NewFrame(transport.FrameError, transport.ErrorPayload{
		RequestType: requestType,
		Message:     err.Error(),
	})
	if ferr != nil {
		return
	}
	if serr := conn.Send(frame); serr != nil {
		s.log.Debug().Err(serr).Str("client", conn.ID()).Msg("Failed to send error frame")
	}
}

func (s *Server) track(conn *transport.WSConn) {
	s.wsMu.Lock()
	s.wsConns[conn] = struct{}{}
	s.wsMu.Unlock()
}

func (s *Server) untrack(conn *transport.WSConn) {
	s.wsMu.Lock()
	delete(s.wsConns, conn)
	s.wsMu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
