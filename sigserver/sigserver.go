// Package sigserver is the reference signaling and call-directory server:
// the server-side counterpart of the peerdial client. It exposes the REST
// directory (create/join), the websocket signaling endpoint, health and
// metrics, and routes invitations, roster events, and per-pair negotiation
// signals between connected clients.
//
// State is in-memory and scoped to the process; the server is meant for
// local development, integration tests, and small deployments.
package sigserver

import (
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"

	"github.com/peerdial/peerdial/internal/metrics"
	"github.com/peerdial/peerdial/internal/ratelimit"
	"github.com/peerdial/peerdial/internal/turncred"
	"github.com/peerdial/peerdial/internal/wire"
)

const (
	DefaultMaxMessageBytes   = 512 * 1024
	DefaultMessagesPerSecond = 50
	DefaultInvitesPerSecond  = 2

	DefaultWriteTimeout = 10 * time.Second
	DefaultPongWait     = 60 * time.Second
	DefaultPingPeriod   = 54 * time.Second

	// Requests to the directory larger than this are rejected outright.
	maxRequestBodyBytes = 1 << 20

	// Outbound frames queued per connection before the server considers the
	// client stuck and drops it.
	sendQueueSize = 64
)

// Config parameterizes a Server. The zero value serves with no TURN
// credentials, no origin allowlist (same-host policy for browsers), and the
// default hardening limits.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// ICEServers is handed out on every create/join. TURN entries without
	// static credentials get ephemeral ones when TURN is configured.
	ICEServers []webrtc.ICEServer

	// TURN mints per-call ephemeral TURN credentials. Nil passes ICEServers
	// through unchanged.
	TURN *turncred.Minter

	// AllowedOrigins is the browser Origin allowlist for the websocket
	// endpoint. Empty means same-host only; "*" allows any origin. Requests
	// without an Origin header (non-browser clients) always pass.
	AllowedOrigins []string

	// Per-connection inbound hardening.
	MaxMessageBytes   int64
	MessagesPerSecond int
	InvitesPerSecond  int

	WriteTimeout time.Duration
	PongWait     time.Duration
	PingPeriod   time.Duration

	// Clock feeds the rate limiters; tests inject a fake.
	Clock ratelimit.Clock
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if c.InvitesPerSecond <= 0 {
		c.InvitesPerSecond = DefaultInvitesPerSecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = DefaultPingPeriod
	}
	if c.Clock == nil {
		c.Clock = ratelimit.RealClock{}
	}
	return c
}

// call is one directory entry plus its live roster. Members appear at REST
// join time and become routable once their connection announces join-call.
type call struct {
	id              string
	callType        string
	isGroup         bool
	maxParticipants int
	members         map[string]*member
	order           []string
}

type member struct {
	participantID string
	userID        string
	userName      string
	cli           *client
}

// Server holds every registered connection and every known call. All maps
// are guarded by mu; event handling is quick map work plus channel sends,
// so a single lock does not contend at signaling rates.
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	router   *gin.Engine

	mu     sync.RWMutex
	users  map[string]*client
	calls  map[string]*call
	closed bool
}

func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "sigserver"),
		metrics: cfg.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		users: make(map[string]*client),
		calls: make(map[string]*call),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))
	r.POST("/api/calls", s.handleCreateCall)
	r.POST("/api/calls/:callId/join", s.handleJoinCall)
	r.GET("/ws", s.handleWebSocket)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.PrometheusHandler(s.metrics)))
	s.router = r
	return s
}

// Handler returns the HTTP surface to mount on a listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Metrics returns the server's counter registry.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Close drops every connection. The server accepts no new websockets
// afterwards; the directory keeps answering so in-flight HTTP requests can
// finish.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.users))
	for _, cli := range s.users {
		clients = append(clients, cli)
	}
	s.mu.Unlock()

	for _, cli := range clients {
		cli.close()
	}
}

// requestLogger is the gin access log, emitted through the server's slog
// handler rather than gin's own writer.
func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// decodeBody strictly decodes a bounded JSON request body.
func decodeBody[T any](c *gin.Context) (T, error) {
	var v T
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBodyBytes))
	if err != nil {
		return v, err
	}
	return wire.DecodeData[T](body)
}

func (s *Server) handleCreateCall(c *gin.Context) {
	req, err := decodeBody[wire.CreateCallRequest](c)
	if err != nil {
		c.JSON(http.StatusBadRequest, wire.CreateCallResponse{Error: "malformed request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, wire.CreateCallResponse{Error: err.Error()})
		return
	}

	callID := uuid.NewString()
	ice, err := s.provisionICE(callID)
	if err != nil {
		s.log.Error("ice provisioning failed", "callId", callID, "err", err)
		c.JSON(http.StatusInternalServerError, wire.CreateCallResponse{Error: "ice configuration unavailable"})
		return
	}

	s.mu.Lock()
	s.calls[callID] = &call{
		id:              callID,
		callType:        req.CallType,
		isGroup:         req.IsGroup,
		maxParticipants: req.MaxParticipants,
		members:         make(map[string]*member),
	}
	s.mu.Unlock()

	s.metrics.Inc(metrics.CallCreated)
	s.log.Info("call created", "callId", callID, "callType", req.CallType, "isGroup", req.IsGroup)
	c.JSON(http.StatusOK, wire.CreateCallResponse{
		Success: true,
		CallID:  callID,
		Config:  &wire.CallConfig{ICEServers: ice},
	})
}

func (s *Server) handleJoinCall(c *gin.Context) {
	callID := c.Param("callId")
	req, err := decodeBody[wire.JoinCallRequest](c)
	if err != nil {
		c.JSON(http.StatusBadRequest, wire.JoinCallResponse{Error: "malformed request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, wire.JoinCallResponse{Error: err.Error()})
		return
	}

	ice, err := s.provisionICE(callID)
	if err != nil {
		s.log.Error("ice provisioning failed", "callId", callID, "err", err)
		c.JSON(http.StatusInternalServerError, wire.JoinCallResponse{Error: "ice configuration unavailable"})
		return
	}

	s.mu.Lock()
	cl, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, wire.JoinCallResponse{Error: "unknown call"})
		return
	}
	if len(cl.members) >= cl.maxParticipants {
		s.mu.Unlock()
		c.JSON(http.StatusConflict, wire.JoinCallResponse{Error: "call is full"})
		return
	}

	participantID := uuid.NewString()
	prior := cl.announced("")
	cl.members[participantID] = &member{
		participantID: participantID,
		userID:        req.UserID,
		userName:      req.UserName,
	}
	cl.order = append(cl.order, participantID)
	s.mu.Unlock()

	s.log.Info("participant registered",
		"callId", callID, "participantId", participantID, "userId", req.UserID)
	c.JSON(http.StatusOK, wire.JoinCallResponse{
		Success:       true,
		CallID:        callID,
		ParticipantID: participantID,
		Participants:  prior,
		Config:        &wire.CallConfig{ICEServers: ice},
	})
}

func (s *Server) provisionICE(callID string) ([]webrtc.ICEServer, error) {
	if s.cfg.TURN == nil {
		return s.cfg.ICEServers, nil
	}
	return s.cfg.TURN.Provision(s.cfg.ICEServers, callID)
}

// announced lists the call's routable roster in join order, skipping
// members whose connection has not entered the room yet and the excluded
// participant.
func (cl *call) announced(exclude string) []wire.Participant {
	out := make([]wire.Participant, 0, len(cl.order))
	for _, pid := range cl.order {
		m, ok := cl.members[pid]
		if !ok || m.cli == nil || pid == exclude {
			continue
		}
		out = append(out, wire.Participant{ID: m.participantID, UserName: m.userName})
	}
	return out
}

// onlineUsers snapshots the registered users sorted by user ID. Callers
// hold at least a read lock.
func (s *Server) onlineUsers() []wire.OnlineUser {
	users := lo.Map(lo.Values(s.users), func(c *client, _ int) wire.OnlineUser {
		id := c.identity()
		return wire.OnlineUser{UserID: id.userID, UserName: id.userName}
	})
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}
