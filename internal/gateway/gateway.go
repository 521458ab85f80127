// Package gateway is the viewer-facing surface of the bridge: a WebSocket
// endpoint carrying the live envelope stream and the command channel, plus
// health, metrics, and history HTTP endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/kuyeon/deks-bridge/internal/bus"
	"github.com/kuyeon/deks-bridge/internal/dispatch"
	"github.com/kuyeon/deks-bridge/internal/otel"
	"github.com/kuyeon/deks-bridge/internal/persistence"
	"github.com/kuyeon/deks-bridge/internal/protocol"
	"github.com/kuyeon/deks-bridge/internal/robotlink"
	"github.com/kuyeon/deks-bridge/internal/telemetry"
)

type Config struct {
	Router     *telemetry.Router
	Registry   *telemetry.Registry
	Dispatcher *dispatch.Dispatcher
	Store      *persistence.Store // nil disables history endpoints
	Bus        *bus.Bus
	Metrics    *otel.Metrics // nil disables instrument updates
	Tracer     trace.Tracer  // nil disables command spans

	// AuthToken, when non-empty, requires a matching bearer token on every
	// endpoint except /healthz.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// LinkStatus reports the robot link snapshot; nil means unknown.
	LinkStatus func() robotlink.Status

	ConfigFingerprint string

	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex

	subMu    sync.Mutex
	viewerID string
}

// viewerRequest is one message from a viewer over the WebSocket.
type viewerRequest struct {
	Type       string         `json:"type"`
	ID         string         `json:"id,omitempty"`
	Action     string         `json:"action,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	TimeoutMs  int            `json:"timeout_ms,omitempty"`
}

type viewerResponse struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	CommandID string `json:"command_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Result    any    `json:"result,omitempty"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/api/status", s.handleAPIStatus)
	mux.HandleFunc("/api/history/sensors", s.handleHistorySensors)
	mux.HandleFunc("/api/history/commands", s.handleHistoryCommands)
	mux.HandleFunc("/api/history/safety", s.handleHistorySafety)
	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("viewer connected", "remote", r.RemoteAddr)

	defer func() {
		s.removeClient(c)
		s.unsubscribe(c)
		s.logger.Info("viewer disconnecting", "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req viewerRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		s.handleViewerRequest(r, c, req)
	}
}

func (s *Server) handleViewerRequest(r *http.Request, c *client, req viewerRequest) {
	ctx := r.Context()
	switch req.Type {
	case "subscribe":
		s.subscribe(ctx, c, r.RemoteAddr)
		_ = c.write(ctx, viewerResponse{Type: "ack", ID: req.ID})

	case "command":
		s.dispatchForViewer(ctx, c, req)

	case "status":
		_ = c.write(ctx, map[string]any{
			"type":   "status",
			"id":     req.ID,
			"status": s.statusSnapshot(),
		})

	case "clear_emergency":
		s.cfg.Dispatcher.ClearEmergency()
		_ = c.write(ctx, viewerResponse{Type: "ack", ID: req.ID})

	case "ping":
		_ = c.write(ctx, viewerResponse{Type: "pong", ID: req.ID})

	default:
		_ = c.write(ctx, viewerResponse{
			Type:    "error",
			ID:      req.ID,
			Message: "unknown request type: " + req.Type,
		})
	}
}

// subscribe registers the viewer with the telemetry router and starts the
// pump forwarding its envelope stream onto the socket.
func (s *Server) subscribe(ctx context.Context, c *client, remote string) {
	c.subMu.Lock()
	if c.viewerID != "" {
		c.subMu.Unlock()
		return
	}
	sub := s.cfg.Registry.Register(remote)
	c.viewerID = sub.ID()
	c.subMu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveViewers.Add(ctx, 1)
	}

	go func() {
		for env := range sub.Ch() {
			if err := c.write(context.Background(), env); err != nil {
				return
			}
			s.cfg.Registry.Touch(sub.ID())
		}
	}()
}

func (c *client) currentViewerID() string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.viewerID
}

func (s *Server) unsubscribe(c *client) {
	c.subMu.Lock()
	id := c.viewerID
	c.viewerID = ""
	c.subMu.Unlock()
	if id == "" {
		return
	}
	s.cfg.Registry.Unregister(id)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveViewers.Add(context.Background(), -1)
	}
}

// dispatchForViewer sends a command to the robot and replies twice: an
// immediate command_ack, then a command_result when the dispatch resolves.
func (s *Server) dispatchForViewer(ctx context.Context, c *client, req viewerRequest) {
	if req.Action == "" {
		_ = c.write(ctx, viewerResponse{Type: "error", ID: req.ID, Message: "command requires an action"})
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond

	var span trace.Span
	if s.cfg.Tracer != nil {
		_, span = otel.StartServerSpan(ctx, s.cfg.Tracer, "viewer.command",
			otel.AttrAction.String(req.Action),
			otel.AttrViewerID.String(c.currentViewerID()))
	}

	fut, err := s.cfg.Dispatcher.Dispatch(req.Action, req.Parameters, timeout)
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.End()
		}
		reason := protocol.ReasonConnectionLost
		if errors.Is(err, dispatch.ErrSafetyLatched) {
			reason = protocol.ReasonSafetyViolation
		}
		_ = c.write(ctx, viewerResponse{
			Type:    "command_result",
			ID:      req.ID,
			Status:  protocol.ResultError,
			Reason:  reason,
			Message: err.Error(),
		})
		return
	}

	if span != nil {
		span.SetAttributes(otel.AttrCommandID.String(fut.CommandID()))
	}
	_ = c.write(ctx, viewerResponse{Type: "command_ack", ID: req.ID, CommandID: fut.CommandID()})

	go func() {
		res, err := fut.Wait(context.Background())
		if span != nil {
			span.End()
		}
		if err != nil {
			return
		}
		_ = c.write(context.Background(), viewerResponse{
			Type:      "command_result",
			ID:        req.ID,
			CommandID: res.CommandID,
			Status:    res.Status,
			Message:   res.Message,
			Reason:    res.Reason,
			Result:    res.Payload,
		})
	}()
}

func (c *client) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, c.conn, v)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
}

func (s *Server) statusSnapshot() map[string]any {
	link := robotlink.Status{State: robotlink.StateDisconnected}
	if s.cfg.LinkStatus != nil {
		link = s.cfg.LinkStatus()
	}
	return map[string]any{
		"robot":              s.cfg.Router.Snapshot(),
		"link":               link,
		"safety_latched":     s.cfg.Dispatcher.Latched(),
		"pending_commands":   s.cfg.Dispatcher.PendingCount(),
		"viewers":            s.cfg.Registry.Count(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		if err := s.cfg.Store.DB().Ping(); err != nil {
			dbOK = false
		}
	}
	linkState := robotlink.StateDisconnected
	if s.cfg.LinkStatus != nil {
		linkState = s.cfg.LinkStatus().State
	}

	payload := map[string]any{
		"healthy":    dbOK,
		"db_ok":      dbOK,
		"link_state": linkState,
		"viewers":    s.cfg.Registry.Count(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var viewerDrops int64
	for _, v := range s.cfg.Registry.List() {
		viewerDrops += v.Dropped
	}
	payload := map[string]any{
		"viewers":          s.cfg.Registry.Count(),
		"viewer_drops":     viewerDrops,
		"pending_commands": s.cfg.Dispatcher.PendingCount(),
		"safety_latched":   s.cfg.Dispatcher.Latched(),
	}
	if s.cfg.LinkStatus != nil {
		payload["link"] = s.cfg.LinkStatus()
	}
	if s.cfg.Bus != nil {
		payload["bus_subscribers"] = s.cfg.Bus.SubscriberCount()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.statusSnapshot())
}

func (s *Server) handleHistorySensors(w http.ResponseWriter, r *http.Request) {
	s.serveHistory(w, r, func(ctx context.Context, limit int) (any, error) {
		return s.cfg.Store.RecentSensorReadings(ctx, limit)
	})
}

func (s *Server) handleHistoryCommands(w http.ResponseWriter, r *http.Request) {
	s.serveHistory(w, r, func(ctx context.Context, limit int) (any, error) {
		return s.cfg.Store.RecentCommands(ctx, limit)
	})
}

func (s *Server) handleHistorySafety(w http.ResponseWriter, r *http.Request) {
	s.serveHistory(w, r, func(ctx context.Context, limit int) (any, error) {
		return s.cfg.Store.RecentSafetyEvents(ctx, limit)
	})
}

func (s *Server) serveHistory(w http.ResponseWriter, r *http.Request, query func(context.Context, int) (any, error)) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Store == nil {
		http.Error(w, `{"error":"history unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}
	out, err := query(r.Context(), limit)
	if err != nil {
		s.logger.Error("history query failed", "path", r.URL.Path, "error", err)
		http.Error(w, `{"error":"query failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
