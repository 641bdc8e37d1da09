package peering

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/peerdial/peerdial/rtc"
)

// Role fixes which side of a link sends the first offer. Assigned at
// creation, immutable afterwards.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// LinkState is the negotiation state of one PeerLink.
//
// Initiator path: new → has-local-offer → have-remote-answer → connected.
// Responder path: new → has-remote-offer → have-local-answer → connected.
// Any state can reach failed (negotiation error) or closed (teardown).
type LinkState string

const (
	LinkStateNew          LinkState = "new"
	LinkStateLocalOffer   LinkState = "has-local-offer"
	LinkStateRemoteAnswer LinkState = "have-remote-answer"
	LinkStateRemoteOffer  LinkState = "has-remote-offer"
	LinkStateLocalAnswer  LinkState = "have-local-answer"
	LinkStateConnected    LinkState = "connected"
	LinkStateFailed       LinkState = "failed"
	LinkStateClosed       LinkState = "closed"
)

func (s LinkState) terminal() bool {
	return s == LinkStateFailed || s == LinkStateClosed
}

// PeerLink is the negotiation state machine for one remote participant. All
// mutation happens inside the orchestrator under mu; concurrent negotiation
// for different links never contends.
type PeerLink struct {
	participantID string
	role          Role
	conn          rtc.Conn

	mu             sync.Mutex
	state          LinkState
	localAttached  bool
	remoteDescSet  bool
	held           []webrtc.ICECandidateInit
	remoteTracks   []rtc.RemoteTrack
	hasRemoteMedia bool
}

// ParticipantID returns the remote participant this link negotiates with.
func (l *PeerLink) ParticipantID() string {
	return l.participantID
}

// Role returns the link's fixed negotiation role.
func (l *PeerLink) Role() Role {
	return l.role
}

// State returns the current negotiation state.
func (l *PeerLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RemoteTracks returns the media received from the remote participant so
// far, in arrival order.
func (l *PeerLink) RemoteTracks() []rtc.RemoteTrack {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]rtc.RemoteTrack, len(l.remoteTracks))
	copy(out, l.remoteTracks)
	return out
}

// HasRemoteMedia reports whether any remote track arrived on this link.
func (l *PeerLink) HasRemoteMedia() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasRemoteMedia
}

// setStateLocked transitions the link and reports whether the transition
// took place. Terminal states are sticky.
func (l *PeerLink) setStateLocked(next LinkState) bool {
	if l.state == next || l.state.terminal() {
		return false
	}
	l.state = next
	return true
}
