// Package signaling owns the client's signaling session: the registered
// identity, the control channel, the directory client, and typed dispatch of
// inbound events. It knows nothing about peer connections; the orchestration
// layers above react to the events it surfaces.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/peerdial/peerdial/internal/directory"
	"github.com/peerdial/peerdial/internal/metrics"
	"github.com/peerdial/peerdial/internal/transport"
	"github.com/peerdial/peerdial/internal/wire"
)

const DefaultConnectTimeout = 10 * time.Second

var (
	// ErrInvalidEndpoint reports a signaling URL that cannot be used.
	ErrInvalidEndpoint = errors.New("signaling: invalid endpoint")

	// ErrConnectTimeout reports a connect that saw neither an ack nor a
	// refusal within the connect timeout.
	ErrConnectTimeout = errors.New("signaling: connect timed out")

	// ErrConnectRejected reports a server that refused the registration.
	ErrConnectRejected = errors.New("signaling: connection rejected")
)

// Handlers receives inbound events, invoked sequentially from the channel's
// read goroutine so per-event-name order matches receipt order. Nil entries
// drop their events.
type Handlers struct {
	UsersOnline       func(users []wire.OnlineUser)
	IncomingCall      func(call wire.IncomingCall)
	CallAccepted      func(acc wire.CallAccepted)
	CallRejected      func(rej wire.CallRejected)
	CallJoined        func(snap wire.CallJoined)
	ParticipantJoined func(p wire.ParticipantJoined)
	ParticipantLeft   func(p wire.ParticipantLeft)
	Signal            func(sig wire.SignalIn)
	ServerError       func(ev wire.ErrorEvent)

	// ConnectionChange reports the usable-session state: true only once the
	// identity is registered on the current socket.
	ConnectionChange func(connected bool)

	// ProtocolError receives asynchronous faults: malformed or unknown
	// events, and re-registration failures after a reconnect.
	ProtocolError func(err error)
}

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	ConnectTimeout time.Duration
	AckTimeout     time.Duration

	ReconnectAttempts int
	ReconnectBackoff  time.Duration

	Handlers Handlers
}

// Session is the signaling state holder. Construct with New, then Connect.
type Session struct {
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	ch          *transport.Channel
	dir         *directory.Client
	userID      string
	userName    string
	registered  bool
	registering bool
}

func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Session{
		cfg: cfg,
		log: cfg.Logger.With("component", "signaling"),
	}
}

// Connect dials the signaling server and registers the identity. Calling it
// again with the same userID on a live session is a no-op; a different
// userID tears the existing session down first.
func (s *Session) Connect(ctx context.Context, serverURL, userID, userName string) error {
	if userID == "" || userName == "" {
		return fmt.Errorf("signaling: connect requires userID and userName")
	}

	s.mu.Lock()
	if s.ch != nil && s.registered && s.userID == userID && s.ch.Connected() {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.Disconnect()

	baseURL, err := directory.BaseURLFromSignaling(serverURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	dir, err := directory.New(directory.Config{BaseURL: baseURL, Logger: s.cfg.Logger})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	ch, err := transport.New(transport.Config{
		URL:                serverURL,
		Logger:             s.cfg.Logger,
		DialTimeout:        s.cfg.ConnectTimeout,
		AckTimeout:         s.cfg.AckTimeout,
		ReconnectAttempts:  s.cfg.ReconnectAttempts,
		ReconnectBackoff:   s.cfg.ReconnectBackoff,
		OnEvent:            s.dispatch,
		OnConnectionChange: s.onTransportChange,
		OnError:            s.emitProtocolError,
		Metrics:            s.cfg.Metrics,
	})
	if err != nil {
		if errors.Is(err, transport.ErrInvalidURL) {
			return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
		}
		return err
	}

	s.mu.Lock()
	s.ch = ch
	s.dir = dir
	s.userID = userID
	s.userName = userName
	s.registering = true
	s.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	if err := ch.Connect(connectCtx); err != nil {
		s.teardown(ch)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return err
	}
	if err := ch.SendWithAck(connectCtx, wire.EventRegisterUser, wire.RegisterUser{
		UserID:   userID,
		UserName: userName,
	}); err != nil {
		s.teardown(ch)
		var nack *transport.NackError
		switch {
		case errors.As(err, &nack):
			return fmt.Errorf("%w: %s", ErrConnectRejected, nack.Reason)
		case errors.Is(err, transport.ErrAckTimeout), errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		default:
			return err
		}
	}

	s.mu.Lock()
	s.registered = true
	s.registering = false
	s.mu.Unlock()

	s.log.Info("session registered", "userId", userID)
	s.emitConnectionChange(true)
	return nil
}

// teardown clears session state if ch is still the active channel.
func (s *Session) teardown(ch *transport.Channel) {
	_ = ch.Close()
	s.mu.Lock()
	if s.ch == ch {
		s.ch = nil
		s.dir = nil
		s.userID = ""
		s.userName = ""
		s.registered = false
		s.registering = false
	}
	s.mu.Unlock()
}

// Disconnect tears the session down. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	ch := s.ch
	s.ch = nil
	s.dir = nil
	s.userID = ""
	s.userName = ""
	s.registered = false
	s.registering = false
	s.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
		s.log.Info("session disconnected")
	}
}

// Connected reports whether the identity is registered on a live socket.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch != nil && s.registered && s.ch.Connected()
}

// Identity returns the registered userID and userName, empty when not
// connected.
func (s *Session) Identity() (userID, userName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.userName
}

func (s *Session) channel() (*transport.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil || !s.registered {
		return nil, transport.ErrNotConnected
	}
	return s.ch, nil
}

func (s *Session) directoryClient() (*directory.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == nil {
		return nil, transport.ErrNotConnected
	}
	return s.dir, nil
}

// CreateCall registers a call with the directory.
func (s *Session) CreateCall(ctx context.Context, callType string, isGroup bool, maxParticipants int) (directory.CreatedCall, error) {
	dir, err := s.directoryClient()
	if err != nil {
		return directory.CreatedCall{}, err
	}
	return dir.CreateCall(ctx, wire.CreateCallRequest{
		CallType:        callType,
		IsGroup:         isGroup,
		MaxParticipants: maxParticipants,
	})
}

// JoinCall registers this session's identity as a participant via the
// directory. The websocket room entry is a separate step (AnnounceJoin).
func (s *Session) JoinCall(ctx context.Context, callID string) (directory.JoinedCall, error) {
	dir, err := s.directoryClient()
	if err != nil {
		return directory.JoinedCall{}, err
	}
	userID, userName := s.Identity()
	if userID == "" {
		return directory.JoinedCall{}, transport.ErrNotConnected
	}
	return dir.JoinCall(ctx, callID, wire.JoinCallRequest{UserID: userID, UserName: userName})
}

// AnnounceJoin enters the call's signaling room; the server answers with a
// call-joined snapshot and tells everyone else participant-joined.
func (s *Session) AnnounceJoin(callID, participantID string) error {
	ch, err := s.channel()
	if err != nil {
		return err
	}
	_, userName := s.Identity()
	return ch.Send(wire.EventJoinCall, wire.JoinCall{
		CallID:        callID,
		ParticipantID: participantID,
		UserName:      userName,
	})
}

// SendInvitation delivers a ringing invitation and waits for the server's
// acknowledgement. ErrAckTimeout after the bounded wait; a late ack is
// ignored.
func (s *Session) SendInvitation(ctx context.Context, targetUserID, callID, callType string) error {
	ch, err := s.channel()
	if err != nil {
		return err
	}
	userID, userName := s.Identity()
	inv := wire.CallInvitation{
		TargetUserID: targetUserID,
		CallID:       callID,
		CallType:     callType,
		CallerID:     userID,
		CallerName:   userName,
	}
	if err := inv.Validate(); err != nil {
		return fmt.Errorf("signaling: %w", err)
	}
	return ch.SendWithAck(ctx, wire.EventSendCallInvitation, inv)
}

// AcceptCall tells the caller the invitation was taken.
func (s *Session) AcceptCall(callID, callerID string) error {
	ch, err := s.channel()
	if err != nil {
		return err
	}
	return ch.Send(wire.EventAcceptCall, wire.AcceptCall{CallID: callID, CallerID: callerID})
}

// RejectCall tells the caller the invitation was declined.
func (s *Session) RejectCall(callID, callerID string) error {
	ch, err := s.channel()
	if err != nil {
		return err
	}
	return ch.Send(wire.EventRejectCall, wire.RejectCall{CallID: callID, CallerID: callerID})
}

// LeaveCall announces departure from the call's signaling room.
func (s *Session) LeaveCall(callID, reason string) error {
	ch, err := s.channel()
	if err != nil {
		return err
	}
	return ch.Send(wire.EventLeaveCall, wire.LeaveCall{CallID: callID, Reason: reason})
}

// SendSignal routes an SDP description or ICE candidate to one participant.
func (s *Session) SendSignal(sig wire.SignalOut) error {
	ch, err := s.channel()
	if err != nil {
		return err
	}
	if err := sig.Validate(); err != nil {
		return fmt.Errorf("signaling: %w", err)
	}
	return ch.Send(wire.EventSignal, sig)
}

// dispatch decodes one inbound envelope and hands it to its typed handler.
// Runs on the channel's read goroutine.
func (s *Session) dispatch(env wire.Envelope) {
	h := s.cfg.Handlers
	switch env.Event {
	case wire.EventUsersOnline:
		dispatchTo(s, env, h.UsersOnline)
	case wire.EventIncomingCall:
		dispatchTo(s, env, h.IncomingCall)
	case wire.EventCallAccepted:
		dispatchTo(s, env, h.CallAccepted)
	case wire.EventCallRejected:
		dispatchTo(s, env, h.CallRejected)
	case wire.EventCallJoined:
		dispatchTo(s, env, h.CallJoined)
	case wire.EventParticipantJoined:
		dispatchTo(s, env, h.ParticipantJoined)
	case wire.EventParticipantLeft:
		dispatchTo(s, env, h.ParticipantLeft)
	case wire.EventSignal:
		dispatchTo(s, env, h.Signal)
	case wire.EventError:
		dispatchTo(s, env, h.ServerError)
	default:
		s.emitProtocolError(fmt.Errorf("signaling: unknown event %q", env.Event))
	}
}

// dispatchTo decodes env's payload as T and invokes handle. Not a method
// only because methods cannot have type parameters.
func dispatchTo[T any](s *Session, env wire.Envelope, handle func(T)) {
	payload, err := wire.DecodeData[T](env.Data)
	if err != nil {
		s.emitProtocolError(fmt.Errorf("signaling: malformed %s payload: %w", env.Event, err))
		return
	}
	if v, ok := any(payload).(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			s.emitProtocolError(fmt.Errorf("signaling: invalid %s payload: %w", env.Event, err))
			return
		}
	}
	if handle != nil {
		handle(payload)
	}
}

// onTransportChange reacts to socket state. Loss is forwarded immediately;
// recovery is forwarded only after the identity is registered again.
func (s *Session) onTransportChange(up bool) {
	if !up {
		s.mu.Lock()
		s.registered = false
		s.mu.Unlock()
		s.emitConnectionChange(false)
		return
	}

	s.mu.Lock()
	initial := s.registering
	ch := s.ch
	userID := s.userID
	userName := s.userName
	s.mu.Unlock()

	// The initial Connect reports readiness itself after registering.
	if initial || ch == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		defer cancel()
		err := ch.SendWithAck(ctx, wire.EventRegisterUser, wire.RegisterUser{
			UserID:   userID,
			UserName: userName,
		})
		if err != nil {
			s.log.Warn("re-registration failed", "userId", userID, "err", err)
			s.emitProtocolError(fmt.Errorf("signaling: re-register after reconnect: %w", err))
			return
		}
		s.mu.Lock()
		if s.ch == ch {
			s.registered = true
		}
		s.mu.Unlock()
		s.log.Info("re-registered after reconnect", "userId", userID)
		s.emitConnectionChange(true)
	}()
}

func (s *Session) emitConnectionChange(connected bool) {
	if s.cfg.Handlers.ConnectionChange != nil {
		s.cfg.Handlers.ConnectionChange(connected)
	}
}

func (s *Session) emitProtocolError(err error) {
	if s.cfg.Handlers.ProtocolError != nil {
		s.cfg.Handlers.ProtocolError(err)
	}
}
