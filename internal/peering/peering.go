// Package peering orchestrates one negotiation state machine per remote
// participant: offer/answer sequencing, ICE candidate queuing, and remote
// media tracking. It speaks wire signal payloads downward through a transmit
// callback and knows nothing about calls or rosters.
package peering

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/peerdial/peerdial/internal/metrics"
	"github.com/peerdial/peerdial/internal/wire"
	"github.com/peerdial/peerdial/rtc"
)

// ErrPeerLinkNotFound reports a signal addressed to a participant without a
// link: an answer or candidate from an unknown peer.
var ErrPeerLinkNotFound = errors.New("peering: peer link not found")

// Stage names the negotiation step a failure occurred in.
type Stage string

const (
	StageOffer  Stage = "offer"
	StageAnswer Stage = "answer"
	StageICE    Stage = "ice"
)

// NegotiationError reports a per-link negotiation failure. The affected link
// transitions to failed; other links and the session are untouched.
type NegotiationError struct {
	ParticipantID string
	Stage         Stage
	Err           error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("peering: %s negotiation with %s: %v", e.Stage, e.ParticipantID, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// Callbacks connect the orchestrator to its surroundings. Transmit is
// required; the rest are optional. Callbacks may be invoked while the
// affected link is locked and must not call back into the orchestrator.
type Callbacks struct {
	// Transmit sends one negotiation payload to a participant.
	Transmit func(targetID string, t wire.SignalType, body wire.SignalBody) error

	// RemoteTrack is invoked for every inbound media track.
	RemoteTrack func(participantID string, track rtc.RemoteTrack)

	// RemoteStreamRemoved is invoked when a removed link had remote media.
	RemoteStreamRemoved func(participantID string)

	// LinkStateChange is invoked on every link state transition.
	LinkStateChange func(participantID string, state LinkState)

	// NegotiationFailed is invoked for failures detected outside a caller's
	// control flow (peer connection failure, flush errors). Synchronous
	// failures are returned from the operation instead.
	NegotiationFailed func(err *NegotiationError)
}

type Config struct {
	Engine     rtc.Engine
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Callbacks  Callbacks
}

// Orchestrator owns the PeerLink map for one call. ICE servers are fixed at
// construction; a new call gets a new orchestrator.
type Orchestrator struct {
	engine     rtc.Engine
	iceServers []webrtc.ICEServer
	log        *slog.Logger
	metrics    *metrics.Metrics
	cb         Callbacks

	mu          sync.RWMutex
	links       map[string]*PeerLink
	localTracks []webrtc.TrackLocal
	closed      bool
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("peering: engine is required")
	}
	if cfg.Callbacks.Transmit == nil {
		return nil, fmt.Errorf("peering: transmit callback is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		engine:     cfg.Engine,
		iceServers: cfg.ICEServers,
		log:        log.With("component", "peering"),
		metrics:    cfg.Metrics,
		cb:         cfg.Callbacks,
		links:      make(map[string]*PeerLink),
	}, nil
}

// SetLocalTracks fixes the local media attached to links from now on.
// Responder links created before media arrived pick these up when they
// answer their offer.
func (o *Orchestrator) SetLocalTracks(tracks []webrtc.TrackLocal) {
	o.mu.Lock()
	o.localTracks = tracks
	o.mu.Unlock()
}

// CreatePeerLink builds the peer connection for participantID and registers
// it. Initiators negotiate immediately: offer created, set locally, and
// transmitted. Responders stay in new until the remote offer arrives.
// localTracks nil means "use the orchestrator's current local media".
//
// On a negotiation failure the link is still registered, in state failed,
// and the error is returned.
func (o *Orchestrator) CreatePeerLink(participantID string, role Role, localTracks []webrtc.TrackLocal) (*PeerLink, error) {
	if participantID == "" {
		return nil, fmt.Errorf("peering: participant id is required")
	}
	if role != RoleInitiator && role != RoleResponder {
		return nil, fmt.Errorf("peering: unknown role %q", role)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, fmt.Errorf("peering: orchestrator closed")
	}
	if _, exists := o.links[participantID]; exists {
		o.mu.Unlock()
		return nil, fmt.Errorf("peering: link for %s already exists", participantID)
	}
	if localTracks == nil {
		localTracks = o.localTracks
	}
	o.mu.Unlock()

	conn, err := o.engine.NewConn(rtc.ConnConfig{ICEServers: o.iceServers})
	if err != nil {
		return nil, fmt.Errorf("peering: build connection for %s: %w", participantID, err)
	}

	link := &PeerLink{
		participantID: participantID,
		role:          role,
		conn:          conn,
		state:         LinkStateNew,
	}
	o.wireConn(link)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		_ = conn.Close()
		return nil, fmt.Errorf("peering: orchestrator closed")
	}
	o.links[participantID] = link
	o.mu.Unlock()

	o.count(metrics.LinksCreated)
	o.log.Debug("peer link created", "participantId", participantID, "role", role)

	link.mu.Lock()
	defer link.mu.Unlock()

	// Initiators attach media before offering so the tracks land in the
	// offer SDP. Responder attachment waits for the offer.
	if role == RoleInitiator {
		if err := o.attachLocalLocked(link, localTracks); err != nil {
			return link, o.failLocked(link, StageOffer, err)
		}
		if err := o.negotiateOfferLocked(link); err != nil {
			return link, err
		}
	}
	return link, nil
}

// wireConn registers the engine callbacks for a link. Runs before the link
// is reachable, so no lock is needed.
func (o *Orchestrator) wireConn(link *PeerLink) {
	pid := link.participantID

	link.conn.OnICECandidate(func(init webrtc.ICECandidateInit) {
		// Trickle is best effort: the remote queues candidates that arrive
		// before its remote description.
		if err := o.cb.Transmit(pid, wire.SignalCandidate, wire.NewCandidateBody(init)); err != nil {
			o.log.Warn("candidate transmit failed", "participantId", pid, "err", err)
		}
	})

	link.conn.OnTrack(func(track rtc.RemoteTrack) {
		link.mu.Lock()
		link.remoteTracks = append(link.remoteTracks, track)
		link.hasRemoteMedia = true
		link.mu.Unlock()

		o.log.Debug("remote track", "participantId", pid, "kind", track.Kind, "streamId", track.StreamID)
		if o.cb.RemoteTrack != nil {
			o.cb.RemoteTrack(pid, track)
		}
	})

	link.conn.OnStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateConnected:
			link.mu.Lock()
			changed := link.setStateLocked(LinkStateConnected)
			link.mu.Unlock()
			if changed {
				o.emitState(pid, LinkStateConnected)
			}
		case webrtc.PeerConnectionStateFailed:
			link.mu.Lock()
			err := o.failLocked(link, StageICE, fmt.Errorf("peer connection failed"))
			link.mu.Unlock()
			var negErr *NegotiationError
			if errors.As(err, &negErr) && o.cb.NegotiationFailed != nil {
				o.cb.NegotiationFailed(negErr)
			}
		case webrtc.PeerConnectionStateDisconnected:
			o.log.Warn("peer connection disconnected", "participantId", pid)
		}
	})
}

// HandleSignal applies one inbound negotiation message.
//
// Offers create a responder link when none exists. Answers and candidates
// require one: ErrPeerLinkNotFound otherwise. Candidates arriving before the
// remote description are held and flushed in arrival order once it is set.
func (o *Orchestrator) HandleSignal(sig wire.SignalIn) error {
	if err := sig.Validate(); err != nil {
		return fmt.Errorf("peering: %w", err)
	}

	switch sig.Type {
	case wire.SignalOffer:
		return o.handleOffer(sig)
	case wire.SignalAnswer:
		return o.handleAnswer(sig)
	case wire.SignalCandidate:
		return o.handleCandidate(sig)
	default:
		return fmt.Errorf("peering: unsupported signal type %q", sig.Type)
	}
}

func (o *Orchestrator) handleOffer(sig wire.SignalIn) error {
	link, ok := o.link(sig.FromID)
	if !ok {
		created, err := o.CreatePeerLink(sig.FromID, RoleResponder, nil)
		if err != nil {
			return err
		}
		link = created
	}

	link.mu.Lock()
	defer link.mu.Unlock()

	if link.role != RoleResponder || link.state != LinkStateNew {
		return o.failLocked(link, StageOffer,
			fmt.Errorf("unexpected offer (role=%s, state=%s)", link.role, link.state))
	}

	o.mu.RLock()
	tracks := o.localTracks
	o.mu.RUnlock()
	if err := o.attachLocalLocked(link, tracks); err != nil {
		return o.failLocked(link, StageOffer, err)
	}

	desc, err := sig.Signal.SessionDescription()
	if err != nil {
		return o.failLocked(link, StageOffer, err)
	}
	if err := link.conn.SetRemoteDescription(desc); err != nil {
		return o.failLocked(link, StageOffer, err)
	}
	if link.setStateLocked(LinkStateRemoteOffer) {
		o.emitState(link.participantID, LinkStateRemoteOffer)
	}
	link.remoteDescSet = true
	if err := o.flushHeldLocked(link); err != nil {
		return err
	}

	answer, err := link.conn.CreateAnswer()
	if err != nil {
		return o.failLocked(link, StageAnswer, err)
	}
	if err := link.conn.SetLocalDescription(answer); err != nil {
		return o.failLocked(link, StageAnswer, err)
	}
	if link.setStateLocked(LinkStateLocalAnswer) {
		o.emitState(link.participantID, LinkStateLocalAnswer)
	}
	if err := o.cb.Transmit(link.participantID, wire.SignalAnswer, wire.NewDescriptionBody(answer)); err != nil {
		return o.failLocked(link, StageAnswer, err)
	}
	return nil
}

func (o *Orchestrator) handleAnswer(sig wire.SignalIn) error {
	link, ok := o.link(sig.FromID)
	if !ok {
		return fmt.Errorf("%w: answer from %s", ErrPeerLinkNotFound, sig.FromID)
	}

	link.mu.Lock()
	defer link.mu.Unlock()

	if link.role != RoleInitiator || link.state != LinkStateLocalOffer {
		return o.failLocked(link, StageAnswer,
			fmt.Errorf("unexpected answer (role=%s, state=%s)", link.role, link.state))
	}

	desc, err := sig.Signal.SessionDescription()
	if err != nil {
		return o.failLocked(link, StageAnswer, err)
	}
	if err := link.conn.SetRemoteDescription(desc); err != nil {
		return o.failLocked(link, StageAnswer, err)
	}
	if link.setStateLocked(LinkStateRemoteAnswer) {
		o.emitState(link.participantID, LinkStateRemoteAnswer)
	}
	link.remoteDescSet = true
	return o.flushHeldLocked(link)
}

func (o *Orchestrator) handleCandidate(sig wire.SignalIn) error {
	link, ok := o.link(sig.FromID)
	if !ok {
		return fmt.Errorf("%w: ice-candidate from %s", ErrPeerLinkNotFound, sig.FromID)
	}

	init, err := sig.Signal.ICECandidate()
	if err != nil {
		return fmt.Errorf("peering: %w", err)
	}

	link.mu.Lock()
	defer link.mu.Unlock()

	if link.state.terminal() {
		return fmt.Errorf("peering: ice-candidate for %s link %s", link.state, link.participantID)
	}
	if !link.remoteDescSet {
		link.held = append(link.held, init)
		o.count(metrics.CandidatesHeld)
		o.log.Debug("candidate held", "participantId", link.participantID, "held", len(link.held))
		return nil
	}
	if err := link.conn.AddICECandidate(init); err != nil {
		return o.failLocked(link, StageICE, err)
	}
	return nil
}

// negotiateOfferLocked runs the initiator's first negotiation step.
func (o *Orchestrator) negotiateOfferLocked(link *PeerLink) error {
	offer, err := link.conn.CreateOffer()
	if err != nil {
		return o.failLocked(link, StageOffer, err)
	}
	if err := link.conn.SetLocalDescription(offer); err != nil {
		return o.failLocked(link, StageOffer, err)
	}
	if link.setStateLocked(LinkStateLocalOffer) {
		o.emitState(link.participantID, LinkStateLocalOffer)
	}
	if err := o.cb.Transmit(link.participantID, wire.SignalOffer, wire.NewDescriptionBody(offer)); err != nil {
		return o.failLocked(link, StageOffer, err)
	}
	return nil
}

// flushHeldLocked applies candidates queued before the remote description,
// in arrival order.
func (o *Orchestrator) flushHeldLocked(link *PeerLink) error {
	for i, init := range link.held {
		if err := link.conn.AddICECandidate(init); err != nil {
			link.held = link.held[i+1:]
			return o.failLocked(link, StageICE, err)
		}
	}
	link.held = nil
	return nil
}

// attachLocalLocked adds the local tracks once per link.
func (o *Orchestrator) attachLocalLocked(link *PeerLink, tracks []webrtc.TrackLocal) error {
	if link.localAttached || len(tracks) == 0 {
		return nil
	}
	for _, track := range tracks {
		if err := link.conn.AddTrack(track); err != nil {
			return fmt.Errorf("attach local track %s: %w", track.ID(), err)
		}
	}
	link.localAttached = true
	return nil
}

// failLocked marks the link failed and returns the structured error.
func (o *Orchestrator) failLocked(link *PeerLink, stage Stage, cause error) error {
	negErr := &NegotiationError{ParticipantID: link.participantID, Stage: stage, Err: cause}
	if link.setStateLocked(LinkStateFailed) {
		o.count(metrics.LinksFailed)
		o.log.Warn("peer link failed", "participantId", link.participantID, "stage", stage, "err", cause)
		o.emitState(link.participantID, LinkStateFailed)
	}
	return negErr
}

// RemovePeerLink tears down the link for participantID. Idempotent: removing
// an absent link is a no-op.
func (o *Orchestrator) RemovePeerLink(participantID string) {
	o.mu.Lock()
	link, ok := o.links[participantID]
	if ok {
		delete(o.links, participantID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	o.closeLink(link)
}

// CloseAll removes every link. Used on call leave and disconnect.
func (o *Orchestrator) CloseAll() {
	o.mu.Lock()
	links := o.links
	o.links = make(map[string]*PeerLink)
	o.closed = true
	o.mu.Unlock()

	for _, link := range links {
		o.closeLink(link)
	}
}

func (o *Orchestrator) closeLink(link *PeerLink) {
	link.mu.Lock()
	changed := link.setStateLocked(LinkStateClosed)
	if !changed && link.state == LinkStateFailed {
		// Failed links still owe their teardown.
		link.state = LinkStateClosed
		changed = true
	}
	hadMedia := link.hasRemoteMedia
	link.remoteTracks = nil
	link.hasRemoteMedia = false
	link.held = nil
	link.mu.Unlock()

	_ = link.conn.Close()
	if changed {
		o.emitState(link.participantID, LinkStateClosed)
	}
	if hadMedia && o.cb.RemoteStreamRemoved != nil {
		o.cb.RemoteStreamRemoved(link.participantID)
	}
	o.log.Debug("peer link closed", "participantId", link.participantID)
}

// Link returns the link for participantID.
func (o *Orchestrator) Link(participantID string) (*PeerLink, bool) {
	return o.link(participantID)
}

func (o *Orchestrator) link(participantID string) (*PeerLink, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	link, ok := o.links[participantID]
	return link, ok
}

// Participants returns the participant IDs with a registered link.
func (o *Orchestrator) Participants() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.links))
	for pid := range o.links {
		out = append(out, pid)
	}
	return out
}

// States returns a snapshot of every link's negotiation state.
func (o *Orchestrator) States() map[string]LinkState {
	o.mu.RLock()
	links := make([]*PeerLink, 0, len(o.links))
	for _, link := range o.links {
		links = append(links, link)
	}
	o.mu.RUnlock()

	out := make(map[string]LinkState, len(links))
	for _, link := range links {
		out[link.participantID] = link.State()
	}
	return out
}

func (o *Orchestrator) emitState(participantID string, state LinkState) {
	if o.cb.LinkStateChange != nil {
		o.cb.LinkStateChange(participantID, state)
	}
}

func (o *Orchestrator) count(name string) {
	if o.metrics != nil {
		o.metrics.Inc(name)
	}
}
