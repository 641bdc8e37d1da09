package sigserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/peerdial/peerdial/internal/metrics"
	"github.com/peerdial/peerdial/internal/ratelimit"
	"github.com/peerdial/peerdial/internal/wire"
)

// client is one accepted websocket. The read pump runs on the handler
// goroutine; a dedicated write pump drains the send queue and keeps the
// ping ticker, so room broadcasts never block on a slow socket.
type client struct {
	srv     *Server
	log     *slog.Logger
	ws      *websocket.Conn
	limiter *ratelimit.ConnLimiter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	userID        string
	userName      string
	callID        string
	participantID string
}

type clientIdentity struct {
	userID   string
	userName string
}

func (c *client) identity() clientIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clientIdentity{userID: c.userID, userName: c.userName}
}

func (c *client) room() (callID, participantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callID, c.participantID
}

func (s *Server) handleWebSocket(g *gin.Context) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		g.Status(http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(g.Writer, g.Request, nil)
	if err != nil {
		s.log.Debug("websocket upgrade refused", "err", err)
		return
	}

	s.metrics.Inc(metrics.ConnAccepted)
	cli := &client{
		srv:     s,
		log:     s.log,
		ws:      ws,
		limiter: ratelimit.NewConnLimiter(s.cfg.Clock, ratelimit.ConnConfig{
			MessagesPerSecond: s.cfg.MessagesPerSecond,
			InvitesPerSecond:  s.cfg.InvitesPerSecond,
		}),
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}

	go cli.writePump(s.cfg.WriteTimeout, s.cfg.PingPeriod)
	cli.readPump(s.cfg.MaxMessageBytes, s.cfg.PongWait)
}

func (c *client) readPump(maxMessageBytes int64, pongWait time.Duration) {
	defer c.srv.dropClient(c)

	ws := c.ws
	ws.SetReadLimit(maxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	// Clients ping on their own schedule; their pings count as liveness too.
	ws.SetPingHandler(func(payload string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		deadline := time.Now().Add(c.srv.cfg.WriteTimeout)
		return ws.WriteControl(websocket.PongMessage, []byte(payload), deadline)
	})

	for {
		msgType, payload, err := ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.srv.metrics.Inc(metrics.DropOversized)
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.writeClose(websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if !c.limiter.AllowMessage() {
			c.srv.metrics.Inc(metrics.DropRateLimited)
			c.writeClose(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		env, err := wire.ParseEnvelope(payload)
		if err != nil {
			c.srv.metrics.Inc(metrics.DropMalformed)
			c.sendError("malformed message")
			continue
		}
		c.handle(env)
	}
}

func (c *client) writePump(writeTimeout, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			deadline := time.Now().Add(writeTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues one marshalled frame. A client that cannot drain its queue
// is stuck behind a dead network path; it gets dropped rather than letting
// its backlog grow.
func (c *client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	case <-c.done:
	default:
		c.srv.metrics.Inc(metrics.DropBackpressure)
		c.log.Warn("send queue full, dropping connection", "userId", c.identity().userID)
		c.close()
	}
}

func (c *client) sendEvent(event wire.EventName, data any) {
	env, err := wire.NewEnvelope(event, data)
	if err != nil {
		c.log.Error("marshal event", "event", event, "err", err)
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *client) sendAck(id uint64, success bool, reason string) {
	data, err := json.Marshal(wire.Ack{Success: success, Error: reason})
	if err != nil {
		return
	}
	payload, err := json.Marshal(wire.Envelope{Event: wire.EventAck, ID: id, Data: data})
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *client) sendError(message string) {
	c.sendEvent(wire.EventError, wire.ErrorEvent{Message: message})
}

func (c *client) writeClose(code int, reason string) {
	deadline := time.Now().Add(c.srv.cfg.WriteTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// handle routes one inbound envelope. Runs on the read pump, so events from
// one connection are processed in receipt order.
func (c *client) handle(env wire.Envelope) {
	switch env.Event {
	case wire.EventRegisterUser:
		c.handleRegister(env)
	case wire.EventJoinCall:
		c.handleJoinRoom(env)
	case wire.EventSendCallInvitation:
		c.handleInvitation(env)
	case wire.EventAcceptCall:
		c.handleAccept(env)
	case wire.EventRejectCall:
		c.handleReject(env)
	case wire.EventLeaveCall:
		c.handleLeave(env)
	case wire.EventSignal:
		c.handleSignal(env)
	default:
		c.sendError(fmt.Sprintf("unknown event %q", env.Event))
	}
}

// decodeEvent decodes and validates an inbound payload, reporting failures
// to the sender. Returns false when the payload was unusable.
func decodeEvent[T interface{ Validate() error }](c *client, env wire.Envelope) (T, bool) {
	payload, err := wire.DecodeData[T](env.Data)
	if err != nil {
		c.srv.metrics.Inc(metrics.DropMalformed)
		c.sendError(fmt.Sprintf("malformed %s payload", env.Event))
		var zero T
		return zero, false
	}
	if err := payload.Validate(); err != nil {
		c.srv.metrics.Inc(metrics.DropMalformed)
		c.sendError(err.Error())
		var zero T
		return zero, false
	}
	return payload, true
}

func (c *client) handleRegister(env wire.Envelope) {
	reg, err := wire.DecodeData[wire.RegisterUser](env.Data)
	if err == nil {
		err = reg.Validate()
	}
	if err != nil {
		c.srv.metrics.Inc(metrics.DropMalformed)
		c.sendAck(env.ID, false, err.Error())
		return
	}

	c.mu.Lock()
	c.userID = reg.UserID
	c.userName = reg.UserName
	c.mu.Unlock()

	c.srv.registerUser(c, reg.UserID)
	c.sendAck(env.ID, true, "")
	c.srv.metrics.Inc(metrics.UserRegistered)
	c.log.Info("user registered", "userId", reg.UserID)
	c.srv.broadcastPresence()
}

func (c *client) handleJoinRoom(env wire.Envelope) {
	jc, ok := decodeEvent[wire.JoinCall](c, env)
	if !ok {
		return
	}
	if err := c.srv.enterRoom(c, jc); err != nil {
		c.sendError(err.Error())
	}
}

func (c *client) handleInvitation(env wire.Envelope) {
	if !c.limiter.AllowInvite() {
		c.srv.metrics.Inc(metrics.DropRateLimited)
		c.sendAck(env.ID, false, "invitation rate limit exceeded")
		return
	}
	inv, err := wire.DecodeData[wire.CallInvitation](env.Data)
	if err == nil {
		err = inv.Validate()
	}
	if err != nil {
		c.srv.metrics.Inc(metrics.DropMalformed)
		c.sendAck(env.ID, false, err.Error())
		return
	}

	target := c.srv.userConn(inv.TargetUserID)
	if target == nil {
		c.srv.metrics.Inc(metrics.InviteFailed)
		c.sendAck(env.ID, false, fmt.Sprintf("user %s is not online", inv.TargetUserID))
		return
	}

	target.sendEvent(wire.EventIncomingCall, wire.IncomingCall{
		CallID:     inv.CallID,
		CallerID:   inv.CallerID,
		CallerName: inv.CallerName,
		CallType:   inv.CallType,
	})
	c.sendAck(env.ID, true, "")
	c.srv.metrics.Inc(metrics.InviteDelivered)
	c.log.Info("invitation delivered",
		"callId", inv.CallID, "callerId", inv.CallerID, "targetUserId", inv.TargetUserID)
}

func (c *client) handleAccept(env wire.Envelope) {
	acc, ok := decodeEvent[wire.AcceptCall](c, env)
	if !ok {
		return
	}
	caller := c.srv.userConn(acc.CallerID)
	if caller == nil {
		c.sendError(fmt.Sprintf("caller %s is not online", acc.CallerID))
		return
	}
	id := c.identity()
	caller.sendEvent(wire.EventCallAccepted, wire.CallAccepted{
		CallID:         acc.CallID,
		AcceptedByID:   id.userID,
		AcceptedByName: id.userName,
	})
}

func (c *client) handleReject(env wire.Envelope) {
	rej, ok := decodeEvent[wire.RejectCall](c, env)
	if !ok {
		return
	}
	caller := c.srv.userConn(rej.CallerID)
	if caller == nil {
		c.sendError(fmt.Sprintf("caller %s is not online", rej.CallerID))
		return
	}
	id := c.identity()
	caller.sendEvent(wire.EventCallRejected, wire.CallRejected{
		CallID:         rej.CallID,
		RejectedByID:   id.userID,
		RejectedByName: id.userName,
	})
}

func (c *client) handleLeave(env wire.Envelope) {
	lv, ok := decodeEvent[wire.LeaveCall](c, env)
	if !ok {
		return
	}
	c.srv.leaveRoom(c, lv.CallID, lv.Reason)
}

func (c *client) handleSignal(env wire.Envelope) {
	sig, ok := decodeEvent[wire.SignalOut](c, env)
	if !ok {
		return
	}
	if err := c.srv.routeSignal(c, sig); err != nil {
		c.srv.metrics.Inc(metrics.SignalDropped)
		c.sendError(err.Error())
	}
}
