// Package peerdial is a client core for multi-party WebRTC calls. A
// CallSession holds one registered identity on a signaling server, tracks at
// most one active call, and keeps exactly one peer link per remote
// participant, negotiating each link as roster events and relayed signals
// arrive.
//
// The session is callback-driven in the pion style: register On* handlers,
// Connect, then drive the call with CreateCall / JoinCall / InviteUser and
// friends. All handlers fire on a single dispatch goroutine in emit order,
// and they may call back into the session.
package peerdial

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerdial/peerdial/internal/metrics"
	"github.com/peerdial/peerdial/internal/peering"
	"github.com/peerdial/peerdial/internal/signaling"
	"github.com/peerdial/peerdial/media"
	"github.com/peerdial/peerdial/rtc"
)

// DefaultJoinTimeout bounds the wait for the server's roster snapshot after
// announcing a join.
const DefaultJoinTimeout = 10 * time.Second

// Call types accepted by CreateCall.
const (
	CallTypeVideo = "video"
	CallTypeAudio = "audio"
)

// CallState is the session's call lifecycle phase.
type CallState string

const (
	CallStateIdle     CallState = "idle"
	CallStateCreating CallState = "creating"
	CallStateJoining  CallState = "joining"
	CallStateActive   CallState = "active"
	CallStateLeaving  CallState = "leaving"
)

// LinkState is the negotiation phase of one peer link.
type LinkState = peering.LinkState

const (
	LinkStateNew          = peering.LinkStateNew
	LinkStateLocalOffer   = peering.LinkStateLocalOffer
	LinkStateRemoteAnswer = peering.LinkStateRemoteAnswer
	LinkStateRemoteOffer  = peering.LinkStateRemoteOffer
	LinkStateLocalAnswer  = peering.LinkStateLocalAnswer
	LinkStateConnected    = peering.LinkStateConnected
	LinkStateFailed       = peering.LinkStateFailed
	LinkStateClosed       = peering.LinkStateClosed
)

// Role is a peer link's negotiation role.
type Role = peering.Role

const (
	RoleInitiator = peering.RoleInitiator
	RoleResponder = peering.RoleResponder
)

// RemoteTrack is an inbound media track from a remote participant.
type RemoteTrack = rtc.RemoteTrack

// OnlineUser is one entry of the server's online-presence broadcast.
type OnlineUser struct {
	UserID   string
	UserName string
}

// Participant is one remote member of the active call.
type Participant struct {
	ID       string
	UserName string
}

// IncomingCall is a ringing invitation. Answer it with AcceptCall followed
// by JoinCall, or decline it with RejectCall.
type IncomingCall struct {
	CallID     string
	CallerID   string
	CallerName string
	CallType   string
}

// CallAccepted reports that an invited user took the invitation.
type CallAccepted struct {
	CallID         string
	AcceptedByID   string
	AcceptedByName string
}

// CallRejected reports that an invited user declined the invitation.
type CallRejected struct {
	CallID         string
	RejectedByID   string
	RejectedByName string
}

// Config parameterizes a CallSession. The zero value is usable: it logs
// nowhere, builds a stock pion engine, and captures no local media.
type Config struct {
	Logger *slog.Logger

	// Engine builds peer connections. Nil uses a pion engine with default
	// codecs.
	Engine rtc.Engine

	// Media acquires local capture at join time. Nil joins receive-only.
	Media media.Provider

	// MediaConstraints selects the kinds to acquire. The zero value asks
	// for audio and video; audio-only calls drop the video constraint.
	MediaConstraints media.Constraints

	// ICEServers is the fallback ICE configuration, used when neither the
	// directory nor the roster snapshot supplies one.
	ICEServers []webrtc.ICEServer

	// ConnectTimeout bounds dialing plus identity registration. Zero means
	// 10s.
	ConnectTimeout time.Duration

	// AckTimeout bounds acknowledged emits such as invitations. Zero means
	// 10s.
	AckTimeout time.Duration

	// JoinTimeout bounds the wait for the roster snapshot after announcing
	// a join. Zero means DefaultJoinTimeout.
	JoinTimeout time.Duration

	// Reconnect tuning, zero values use the transport defaults (5 attempts,
	// linear 1s backoff).
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if !c.MediaConstraints.Audio && !c.MediaConstraints.Video {
		c.MediaConstraints = media.Constraints{Audio: true, Video: true}
	}
	return c
}

// New builds a CallSession. Register handlers with the On* setters, then
// Connect. Call Close when done with the session for good.
func New(cfg Config) (*CallSession, error) {
	cfg = cfg.withDefaults()

	engine := cfg.Engine
	if engine == nil {
		eng, err := rtc.NewPionEngine(rtc.PionConfig{Logger: cfg.Logger})
		if err != nil {
			return nil, fmt.Errorf("peerdial: default engine: %w", err)
		}
		engine = eng
	}

	s := &CallSession{
		cfg:            cfg,
		log:            cfg.Logger.With("component", "callsession"),
		metrics:        metrics.New(),
		engine:         engine,
		state:          CallStateIdle,
		audioEnabled:   true,
		videoEnabled:   true,
		knownCallTypes: make(map[string]string),
		evq:            make(chan func(), eventQueueSize),
		closed:         make(chan struct{}),
	}
	s.sig = signaling.New(signaling.Config{
		Logger:            cfg.Logger,
		Metrics:           s.metrics,
		ConnectTimeout:    cfg.ConnectTimeout,
		AckTimeout:        cfg.AckTimeout,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectBackoff:  cfg.ReconnectBackoff,
		Handlers: signaling.Handlers{
			UsersOnline:       s.handleUsersOnline,
			IncomingCall:      s.handleIncomingCall,
			CallAccepted:      s.handleCallAccepted,
			CallRejected:      s.handleCallRejected,
			CallJoined:        s.handleCallJoined,
			ParticipantJoined: s.handleParticipantJoined,
			ParticipantLeft:   s.handleParticipantLeft,
			Signal:            s.handleSignal,
			ServerError:       s.handleServerError,
			ConnectionChange:  s.handleConnectionChange,
			ProtocolError:     s.handleProtocolError,
		},
	})

	go s.dispatchLoop()
	return s, nil
}

func (s *CallSession) newOrchestrator(iceServers []webrtc.ICEServer) (*peering.Orchestrator, error) {
	return peering.New(peering.Config{
		Engine:     s.engine,
		ICEServers: iceServers,
		Logger:     s.cfg.Logger,
		Metrics:    s.metrics,
		Callbacks: peering.Callbacks{
			Transmit:            s.transmitSignal,
			RemoteTrack:         s.handleRemoteTrack,
			RemoteStreamRemoved: s.handleRemoteStreamRemoved,
			LinkStateChange:     s.handleLinkStateChange,
			NegotiationFailed:   s.handleNegotiationFailed,
		},
	})
}
