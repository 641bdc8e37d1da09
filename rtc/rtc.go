// Package rtc defines the peer-connection engine consumed by the call
// session and provides the pion/webrtc implementation of it. The engine
// boundary keeps negotiation logic testable against fakes and leaves room
// for alternative WebRTC stacks.
package rtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/peerdial/peerdial/media"
)

// ConnConfig parameterizes one peer connection.
type ConnConfig struct {
	ICEServers []webrtc.ICEServer
}

// RemoteTrack describes media arriving from a remote peer.
type RemoteTrack struct {
	ID       string
	Kind     media.Kind
	StreamID string

	// Track is the underlying pion track when the engine is pion-backed,
	// nil otherwise. Applications read RTP from it.
	Track *webrtc.TrackRemote
}

// Conn is the per-peer negotiation surface. Implementations must tolerate
// Close being called more than once.
type Conn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// AddTrack attaches a local track for sending.
	AddTrack(track webrtc.TrackLocal) error

	// OnICECandidate registers the trickle callback. End-of-gathering is not
	// reported; only concrete candidates reach the callback.
	OnICECandidate(f func(webrtc.ICECandidateInit))
	OnTrack(f func(RemoteTrack))
	OnStateChange(f func(webrtc.PeerConnectionState))

	Close() error
}

// Engine builds peer connections.
type Engine interface {
	NewConn(cfg ConnConfig) (Conn, error)
}
