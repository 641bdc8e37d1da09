package peerdial

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"

	"github.com/peerdial/peerdial/internal/metrics"
	"github.com/peerdial/peerdial/internal/peering"
	"github.com/peerdial/peerdial/internal/signaling"
	"github.com/peerdial/peerdial/internal/wire"
	"github.com/peerdial/peerdial/media"
	"github.com/peerdial/peerdial/rtc"
)

// CallSession is the top-level client handle: one signaling identity, at
// most one active call, one peer link per remote participant. Safe for
// concurrent use.
type CallSession struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	engine  rtc.Engine
	sig     *signaling.Session

	mu             sync.RWMutex
	cb             callbacks
	state          CallState
	degraded       bool
	callID         string
	callType       string
	participantID  string
	iceServers     []webrtc.ICEServer
	roster         map[string]Participant
	orch           *peering.Orchestrator
	stream         media.Stream
	audioEnabled   bool
	videoEnabled   bool
	knownCallTypes map[string]string
	pendingJoin    *pendingJoin

	evq       chan func()
	closed    chan struct{}
	closeOnce sync.Once
}

// pendingJoin is a join staged by JoinCall and finished by the roster
// snapshot handler on the channel's read goroutine.
type pendingJoin struct {
	callID        string
	callType      string
	participantID string
	iceServers    []webrtc.ICEServer
	orch          *peering.Orchestrator
	stream        media.Stream
	done          chan struct{}
}

// Connect dials the signaling server and registers the identity. Safe to
// call again after a Disconnect, or with a different identity, which
// replaces the current one.
func (s *CallSession) Connect(ctx context.Context, serverURL, userID, userName string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.sig.Connect(ctx, serverURL, userID, userName)
}

// Disconnect leaves any active call and tears the signaling session down.
// Idempotent.
func (s *CallSession) Disconnect() {
	s.EndCall()
	wasConnected := s.sig.Connected()
	s.sig.Disconnect()
	if wasConnected {
		// Transport close on request is silent; the readiness change is
		// still real for the application.
		s.emit(func(cb callbacks) {
			if cb.connectionChange != nil {
				cb.connectionChange(false)
			}
		})
	}
}

// Close disconnects and stops the dispatch goroutine. The session cannot
// be used afterwards.
func (s *CallSession) Close() error {
	s.closeOnce.Do(func() {
		s.Disconnect()
		close(s.closed)
	})
	return nil
}

func (s *CallSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Connected reports whether the identity is registered on a live
// signaling connection.
func (s *CallSession) Connected() bool {
	return s.sig.Connected()
}

// Identity returns the registered userID and userName, empty when not
// connected.
func (s *CallSession) Identity() (userID, userName string) {
	return s.sig.Identity()
}

// CreateCall registers a new call with the directory and returns its ID.
// The caller is not in the call yet: invite peers, then JoinCall.
func (s *CallSession) CreateCall(ctx context.Context, callType string, isGroup bool, maxParticipants int) (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	if callType == "" {
		callType = CallTypeVideo
	}
	if callType != CallTypeVideo && callType != CallTypeAudio {
		return "", fmt.Errorf("peerdial: unknown call type %q", callType)
	}
	if maxParticipants <= 0 {
		if isGroup {
			maxParticipants = 8
		} else {
			maxParticipants = 2
		}
	}

	s.mu.Lock()
	if s.state != CallStateIdle {
		st := s.state
		s.mu.Unlock()
		return "", fmt.Errorf("peerdial: cannot create a call while %s", st)
	}
	s.state = CallStateCreating
	s.mu.Unlock()

	created, err := s.sig.CreateCall(ctx, callType, isGroup, maxParticipants)

	s.mu.Lock()
	s.state = CallStateIdle
	if err == nil {
		s.knownCallTypes[created.CallID] = callType
	}
	s.mu.Unlock()

	if err != nil {
		return "", err
	}
	s.metrics.Inc(metrics.CallCreated)
	s.log.Info("call created", "callId", created.CallID, "callType", callType)
	return created.CallID, nil
}

// JoinCall enters a call: directory registration, room announcement, local
// media, and an initiator link toward every participant already present.
// Joining while another call is active leaves that call first.
func (s *CallSession) JoinCall(ctx context.Context, callID string) error {
	if callID == "" {
		return fmt.Errorf("peerdial: join requires a call id")
	}
	if s.isClosed() {
		return ErrClosed
	}

	s.mu.Lock()
	if s.state == CallStateActive {
		s.mu.Unlock()
		s.EndCall()
		s.mu.Lock()
	}
	if s.state != CallStateIdle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("peerdial: cannot join while %s", st)
	}
	s.state = CallStateJoining
	callType, known := s.knownCallTypes[callID]
	audioOn, videoOn := s.audioEnabled, s.videoEnabled
	s.mu.Unlock()
	if !known {
		callType = CallTypeVideo
	}

	fail := func(err error) error {
		s.mu.Lock()
		s.state = CallStateIdle
		s.pendingJoin = nil
		s.mu.Unlock()
		return err
	}

	joined, err := s.sig.JoinCall(ctx, callID)
	if err != nil {
		return fail(err)
	}

	stream := s.acquireMedia(ctx, callType, audioOn, videoOn)
	var localTracks []webrtc.TrackLocal
	if stream != nil {
		localTracks = lo.Map(stream.Tracks(), func(t media.Track, _ int) webrtc.TrackLocal {
			return t.Local()
		})
	}

	ice := joined.Config.ICEServers
	if len(ice) == 0 {
		ice = s.cfg.ICEServers
	}
	orch, err := s.newOrchestrator(ice)
	if err != nil {
		if stream != nil {
			stream.Release()
		}
		return fail(err)
	}
	orch.SetLocalTracks(localTracks)

	pj := &pendingJoin{
		callID:        callID,
		callType:      callType,
		participantID: joined.ParticipantID,
		iceServers:    ice,
		orch:          orch,
		stream:        stream,
		done:          make(chan struct{}),
	}
	s.mu.Lock()
	s.pendingJoin = pj
	s.mu.Unlock()

	if err := s.sig.AnnounceJoin(callID, joined.ParticipantID); err != nil {
		// Best effort: the leave withdraws the directory registration so the
		// slot does not stay occupied against the participant cap.
		s.abortPendingJoin(pj, "join announcement failed")
		return fail(err)
	}

	timer := time.NewTimer(s.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case <-pj.done:
	case <-ctx.Done():
		if s.abortPendingJoin(pj, "join canceled") {
			return fail(ctx.Err())
		}
		<-pj.done
	case <-timer.C:
		if s.abortPendingJoin(pj, "join timed out") {
			return fail(fmt.Errorf("peerdial: no roster snapshot for call %s: %w", callID, ErrAckTimeout))
		}
		<-pj.done
	case <-s.closed:
		if s.abortPendingJoin(pj, "") {
			return fail(ErrClosed)
		}
		<-pj.done
	}

	s.log.Info("call joined", "callId", callID, "participantId", joined.ParticipantID)
	return nil
}

// acquireMedia opens local capture. Failure is surfaced but does not stop
// the join: a call without a local stream is legal and runs receive-only.
func (s *CallSession) acquireMedia(ctx context.Context, callType string, audioOn, videoOn bool) media.Stream {
	if s.cfg.Media == nil {
		return nil
	}
	constraints := s.cfg.MediaConstraints
	if callType == CallTypeAudio {
		constraints.Video = false
	}
	stream, err := s.cfg.Media.Acquire(ctx, constraints)
	if err != nil {
		s.log.Warn("local media unavailable, joining receive-only", "err", err)
		s.emitError(fmt.Errorf("peerdial: local media unavailable: %w", err))
		return nil
	}
	for _, t := range media.TracksOfKind(stream, media.KindAudio) {
		t.SetEnabled(audioOn)
	}
	for _, t := range media.TracksOfKind(stream, media.KindVideo) {
		t.SetEnabled(videoOn)
	}
	return stream
}

// abortPendingJoin withdraws a staged join. Reports false when the roster
// snapshot handler already took it, in which case the join is completing
// and cannot be stopped.
func (s *CallSession) abortPendingJoin(pj *pendingJoin, reason string) bool {
	s.mu.Lock()
	if s.pendingJoin != pj {
		s.mu.Unlock()
		return false
	}
	s.pendingJoin = nil
	s.mu.Unlock()

	if reason != "" {
		_ = s.sig.LeaveCall(pj.callID, reason)
	}
	pj.orch.CloseAll()
	if pj.stream != nil {
		pj.stream.Release()
	}
	return true
}

// completeJoin installs a staged join. Runs on the channel's read
// goroutine so every event after the snapshot sees the active call.
func (s *CallSession) completeJoin(pj *pendingJoin, snap wire.CallJoined) {
	s.mu.Lock()
	s.callID = pj.callID
	s.callType = pj.callType
	s.participantID = pj.participantID
	s.iceServers = pj.iceServers
	s.orch = pj.orch
	s.stream = pj.stream
	s.roster = make(map[string]Participant, len(snap.Participants))
	var prior []Participant
	for _, p := range snap.Participants {
		if p.ID == pj.participantID {
			continue
		}
		part := Participant{ID: p.ID, UserName: p.UserName}
		s.roster[p.ID] = part
		prior = append(prior, part)
	}
	s.degraded = false
	s.state = CallStateActive
	s.mu.Unlock()

	// Participants present before us hear our offer; whoever joins after
	// us offers to us.
	for _, p := range prior {
		if _, err := pj.orch.CreatePeerLink(p.ID, peering.RoleInitiator, nil); err != nil {
			s.emitError(fmt.Errorf("peerdial: link for %s: %w", p.ID, err))
		}
	}
	s.metrics.Inc(metrics.CallJoined)
	close(pj.done)
}

// EndCall leaves the active call: announces the departure, closes every
// peer link, and releases local media. No-op without an active call.
func (s *CallSession) EndCall() {
	s.mu.Lock()
	if s.state != CallStateActive {
		s.mu.Unlock()
		return
	}
	s.state = CallStateLeaving
	callID := s.callID
	orch := s.orch
	stream := s.stream
	s.mu.Unlock()

	// Best effort: when the transport is down the links still close.
	if err := s.sig.LeaveCall(callID, "left"); err != nil {
		s.log.Debug("leave announcement failed", "callId", callID, "err", err)
	}
	orch.CloseAll()
	if stream != nil {
		stream.Release()
	}

	s.mu.Lock()
	s.callID = ""
	s.callType = ""
	s.participantID = ""
	s.iceServers = nil
	s.roster = nil
	s.orch = nil
	s.stream = nil
	s.degraded = false
	delete(s.knownCallTypes, callID)
	s.state = CallStateIdle
	s.mu.Unlock()

	s.metrics.Inc(metrics.CallLeft)
	s.log.Info("call left", "callId", callID)
}

// InviteUser rings targetUserID for the given call and waits for the
// server's delivery acknowledgement. ErrAckTimeout after the bounded wait;
// a RejectedError when the server refuses, e.g. for an unknown user.
func (s *CallSession) InviteUser(ctx context.Context, targetUserID, callID string) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.mu.RLock()
	callType, known := s.knownCallTypes[callID]
	if !known && callID == s.callID {
		callType = s.callType
		known = true
	}
	s.mu.RUnlock()
	if !known {
		callType = CallTypeVideo
	}
	return s.sig.SendInvitation(ctx, targetUserID, callID, callType)
}

// AcceptCall answers a ringing invitation. The caller learns of the
// acceptance; entering the call is the separate JoinCall step.
func (s *CallSession) AcceptCall(callID, callerID string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.sig.AcceptCall(callID, callerID)
}

// RejectCall declines a ringing invitation.
func (s *CallSession) RejectCall(callID, callerID string) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.mu.Lock()
	delete(s.knownCallTypes, callID)
	s.mu.Unlock()
	return s.sig.RejectCall(callID, callerID)
}

// SetAudioEnabled pauses or resumes the local audio tracks in place, with
// no renegotiation. The flag survives across calls.
func (s *CallSession) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	s.audioEnabled = enabled
	stream := s.stream
	s.mu.Unlock()
	for _, t := range media.TracksOfKind(stream, media.KindAudio) {
		t.SetEnabled(enabled)
	}
}

// SetVideoEnabled pauses or resumes the local video tracks in place.
func (s *CallSession) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	s.videoEnabled = enabled
	stream := s.stream
	s.mu.Unlock()
	for _, t := range media.TracksOfKind(stream, media.KindVideo) {
		t.SetEnabled(enabled)
	}
}

// AudioEnabled reports the local audio toggle.
func (s *CallSession) AudioEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audioEnabled
}

// VideoEnabled reports the local video toggle.
func (s *CallSession) VideoEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.videoEnabled
}

// State returns the call lifecycle phase.
func (s *CallSession) State() CallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Degraded reports an active call whose signaling transport is currently
// down. Established peer links keep running; roster changes and new
// negotiations stall until the transport recovers.
func (s *CallSession) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// CallID returns the active call's ID, empty when idle.
func (s *CallSession) CallID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callID
}

// ParticipantID returns this session's participant ID in the active call.
func (s *CallSession) ParticipantID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.participantID
}

// Participants returns the remote roster of the active call, sorted by
// participant ID.
func (s *CallSession) Participants() []Participant {
	s.mu.RLock()
	list := lo.Values(s.roster)
	s.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// LocalStream returns the capture attached to the active call, for
// self-view rendering and track inspection. Nil when idle or when the call
// runs receive-only.
func (s *CallSession) LocalStream() media.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stream
}

// RemoteTracks returns the media received from one participant so far.
func (s *CallSession) RemoteTracks(participantID string) []RemoteTrack {
	s.mu.RLock()
	orch := s.orch
	s.mu.RUnlock()
	if orch == nil {
		return nil
	}
	link, ok := orch.Link(participantID)
	if !ok {
		return nil
	}
	return link.RemoteTracks()
}

// AllRemoteTracks returns the received media of every participant keyed by
// participant ID. Participants without media yet are omitted.
func (s *CallSession) AllRemoteTracks() map[string][]RemoteTrack {
	s.mu.RLock()
	orch := s.orch
	s.mu.RUnlock()
	if orch == nil {
		return nil
	}
	out := make(map[string][]RemoteTrack)
	for _, pid := range orch.Participants() {
		link, ok := orch.Link(pid)
		if !ok {
			continue
		}
		if tracks := link.RemoteTracks(); len(tracks) > 0 {
			out[pid] = tracks
		}
	}
	return out
}

// PeerStates returns the negotiation state of every peer link.
func (s *CallSession) PeerStates() map[string]LinkState {
	s.mu.RLock()
	orch := s.orch
	s.mu.RUnlock()
	if orch == nil {
		return map[string]LinkState{}
	}
	return orch.States()
}

// MetricsSnapshot returns a copy of the session's counters.
func (s *CallSession) MetricsSnapshot() map[string]uint64 {
	return s.metrics.Snapshot()
}
