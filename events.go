package peerdial

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/peerdial/peerdial/internal/metrics"
	"github.com/peerdial/peerdial/internal/peering"
	"github.com/peerdial/peerdial/internal/wire"
)

const eventQueueSize = 256

// callbacks is the registered handler set. Copied whole under the session
// lock at emit time so a handler swap never tears mid-dispatch.
type callbacks struct {
	connectionChange    func(connected bool)
	usersOnline         func(users []OnlineUser)
	incomingCall        func(call IncomingCall)
	callAccepted        func(acc CallAccepted)
	callRejected        func(rej CallRejected)
	participantJoined   func(p Participant)
	participantLeft     func(participantID string)
	remoteTrack         func(participantID string, track RemoteTrack)
	remoteStreamRemoved func(participantID string)
	peerStateChange     func(participantID string, state LinkState)
	err                 func(err error)
}

// OnConnectionChange registers a handler for session readiness: true once
// the identity is registered, false on transport loss or teardown.
func (s *CallSession) OnConnectionChange(f func(connected bool)) {
	s.mu.Lock()
	s.cb.connectionChange = f
	s.mu.Unlock()
}

// OnUsersOnline registers a handler for the server's presence broadcast.
func (s *CallSession) OnUsersOnline(f func(users []OnlineUser)) {
	s.mu.Lock()
	s.cb.usersOnline = f
	s.mu.Unlock()
}

// OnIncomingCall registers a handler for ringing invitations.
func (s *CallSession) OnIncomingCall(f func(call IncomingCall)) {
	s.mu.Lock()
	s.cb.incomingCall = f
	s.mu.Unlock()
}

// OnCallAccepted registers a handler for accepted invitations.
func (s *CallSession) OnCallAccepted(f func(acc CallAccepted)) {
	s.mu.Lock()
	s.cb.callAccepted = f
	s.mu.Unlock()
}

// OnCallRejected registers a handler for declined invitations.
func (s *CallSession) OnCallRejected(f func(rej CallRejected)) {
	s.mu.Lock()
	s.cb.callRejected = f
	s.mu.Unlock()
}

// OnParticipantJoined registers a handler for new members of the active
// call. The peer link toward the new member already exists when it fires.
func (s *CallSession) OnParticipantJoined(f func(p Participant)) {
	s.mu.Lock()
	s.cb.participantJoined = f
	s.mu.Unlock()
}

// OnParticipantLeft registers a handler for departed members.
func (s *CallSession) OnParticipantLeft(f func(participantID string)) {
	s.mu.Lock()
	s.cb.participantLeft = f
	s.mu.Unlock()
}

// OnRemoteTrack registers a handler for inbound media tracks.
func (s *CallSession) OnRemoteTrack(f func(participantID string, track RemoteTrack)) {
	s.mu.Lock()
	s.cb.remoteTrack = f
	s.mu.Unlock()
}

// OnRemoteStreamRemoved registers a handler for remote media going away
// along with its participant's link.
func (s *CallSession) OnRemoteStreamRemoved(f func(participantID string)) {
	s.mu.Lock()
	s.cb.remoteStreamRemoved = f
	s.mu.Unlock()
}

// OnPeerStateChange registers a handler for peer link state transitions.
func (s *CallSession) OnPeerStateChange(f func(participantID string, state LinkState)) {
	s.mu.Lock()
	s.cb.peerStateChange = f
	s.mu.Unlock()
}

// OnError registers a handler for asynchronous faults: server error events,
// per-participant negotiation failures, protocol violations, and dropped
// signals. The session stays usable after every one of them.
func (s *CallSession) OnError(f func(err error)) {
	s.mu.Lock()
	s.cb.err = f
	s.mu.Unlock()
}

// dispatchLoop runs registered handlers one at a time in emit order. A
// single goroutine means handlers never race each other and may call back
// into the session without holding any of its locks.
func (s *CallSession) dispatchLoop() {
	for {
		select {
		case fn := <-s.evq:
			fn()
		case <-s.closed:
			for {
				select {
				case fn := <-s.evq:
					fn()
				default:
					return
				}
			}
		}
	}
}

// emit queues one handler invocation. The handler set is captured now, the
// call runs on the dispatch goroutine. Never blocks: a full queue drops the
// event and counts it, since emitters may hold negotiation locks.
func (s *CallSession) emit(fn func(cb callbacks)) {
	s.mu.RLock()
	cb := s.cb
	s.mu.RUnlock()

	call := func() { fn(cb) }
	select {
	case <-s.closed:
	case s.evq <- call:
	default:
		s.metrics.Inc(metrics.EventsDropped)
		s.log.Warn("event queue full, dropping app event")
	}
}

func (s *CallSession) emitError(err error) {
	s.emit(func(cb callbacks) {
		if cb.err != nil {
			cb.err(err)
		}
	})
}

func (s *CallSession) handleUsersOnline(users []wire.OnlineUser) {
	list := lo.Map(users, func(u wire.OnlineUser, _ int) OnlineUser {
		return OnlineUser{UserID: u.UserID, UserName: u.UserName}
	})
	s.emit(func(cb callbacks) {
		if cb.usersOnline != nil {
			cb.usersOnline(list)
		}
	})
}

func (s *CallSession) handleIncomingCall(call wire.IncomingCall) {
	s.mu.Lock()
	s.knownCallTypes[call.CallID] = call.CallType
	s.mu.Unlock()

	s.emit(func(cb callbacks) {
		if cb.incomingCall != nil {
			cb.incomingCall(IncomingCall{
				CallID:     call.CallID,
				CallerID:   call.CallerID,
				CallerName: call.CallerName,
				CallType:   call.CallType,
			})
		}
	})
}

func (s *CallSession) handleCallAccepted(acc wire.CallAccepted) {
	s.emit(func(cb callbacks) {
		if cb.callAccepted != nil {
			cb.callAccepted(CallAccepted{
				CallID:         acc.CallID,
				AcceptedByID:   acc.AcceptedByID,
				AcceptedByName: acc.AcceptedByName,
			})
		}
	})
}

func (s *CallSession) handleCallRejected(rej wire.CallRejected) {
	s.emit(func(cb callbacks) {
		if cb.callRejected != nil {
			cb.callRejected(CallRejected{
				CallID:         rej.CallID,
				RejectedByID:   rej.RejectedByID,
				RejectedByName: rej.RejectedByName,
			})
		}
	})
}

// handleCallJoined finishes the join in flight. Running the install here,
// on the channel's read goroutine, means every event after the snapshot
// already sees the active call. A snapshot nobody staged for is stale and
// dropped.
func (s *CallSession) handleCallJoined(snap wire.CallJoined) {
	s.mu.Lock()
	pj := s.pendingJoin
	if pj == nil || snap.CallID != pj.callID {
		s.mu.Unlock()
		s.log.Warn("unexpected roster snapshot", "callId", snap.CallID)
		return
	}
	s.pendingJoin = nil
	s.mu.Unlock()

	s.completeJoin(pj, snap)
}

func (s *CallSession) handleParticipantJoined(p wire.ParticipantJoined) {
	s.mu.Lock()
	if s.state != CallStateActive || p.CallID != s.callID || p.ParticipantID == s.participantID {
		s.mu.Unlock()
		return
	}
	if _, known := s.roster[p.ParticipantID]; known {
		s.mu.Unlock()
		return
	}
	part := Participant{ID: p.ParticipantID, UserName: p.UserName}
	s.roster[p.ParticipantID] = part
	orch := s.orch
	s.mu.Unlock()

	// A joiner who arrives after us offers to us: build the responder link
	// now so the roster and link set stay congruent while we wait.
	if _, err := orch.CreatePeerLink(p.ParticipantID, peering.RoleResponder, nil); err != nil {
		s.emitError(fmt.Errorf("peerdial: link for %s: %w", p.ParticipantID, err))
	}
	s.emit(func(cb callbacks) {
		if cb.participantJoined != nil {
			cb.participantJoined(part)
		}
	})
}

func (s *CallSession) handleParticipantLeft(p wire.ParticipantLeft) {
	s.mu.Lock()
	if s.state != CallStateActive || p.CallID != s.callID {
		s.mu.Unlock()
		return
	}
	_, known := s.roster[p.ParticipantID]
	delete(s.roster, p.ParticipantID)
	orch := s.orch
	s.mu.Unlock()

	if !known {
		return
	}
	orch.RemovePeerLink(p.ParticipantID)
	s.emit(func(cb callbacks) {
		if cb.participantLeft != nil {
			cb.participantLeft(p.ParticipantID)
		}
	})
}

// handleSignal feeds a relayed description or candidate to the active
// call's orchestrator. Runs on the channel's read goroutine, so signals
// apply in exactly their receipt order.
func (s *CallSession) handleSignal(sig wire.SignalIn) {
	s.mu.RLock()
	orch := s.orch
	active := s.state == CallStateActive
	s.mu.RUnlock()

	if orch == nil || !active {
		s.emitError(fmt.Errorf("peerdial: %s from %s outside a call: %w", sig.Type, sig.FromID, ErrPeerLinkNotFound))
		return
	}
	if err := orch.HandleSignal(sig); err != nil {
		s.emitError(err)
	}
}

func (s *CallSession) handleServerError(ev wire.ErrorEvent) {
	s.emitError(&ServerError{Message: ev.Message})
}

// handleConnectionChange tracks the degraded sub-state: losing the
// signaling transport mid-call keeps the call active but flags it until the
// transport recovers.
func (s *CallSession) handleConnectionChange(up bool) {
	s.mu.Lock()
	if up {
		s.degraded = false
	} else if s.state == CallStateActive {
		s.degraded = true
	}
	s.mu.Unlock()

	s.emit(func(cb callbacks) {
		if cb.connectionChange != nil {
			cb.connectionChange(up)
		}
	})
}

func (s *CallSession) handleProtocolError(err error) {
	s.emitError(err)
}

// transmitSignal is the orchestrator's outbound path, stamping the active
// call onto each description or candidate.
func (s *CallSession) transmitSignal(targetID string, t wire.SignalType, body wire.SignalBody) error {
	s.mu.RLock()
	callID := s.callID
	s.mu.RUnlock()
	if callID == "" {
		return ErrNotConnected
	}
	return s.sig.SendSignal(wire.SignalOut{
		CallID:   callID,
		TargetID: targetID,
		Type:     t,
		Signal:   body,
	})
}

func (s *CallSession) handleRemoteTrack(participantID string, track RemoteTrack) {
	s.emit(func(cb callbacks) {
		if cb.remoteTrack != nil {
			cb.remoteTrack(participantID, track)
		}
	})
}

func (s *CallSession) handleRemoteStreamRemoved(participantID string) {
	s.emit(func(cb callbacks) {
		if cb.remoteStreamRemoved != nil {
			cb.remoteStreamRemoved(participantID)
		}
	})
}

func (s *CallSession) handleLinkStateChange(participantID string, state peering.LinkState) {
	s.emit(func(cb callbacks) {
		if cb.peerStateChange != nil {
			cb.peerStateChange(participantID, state)
		}
	})
}

func (s *CallSession) handleNegotiationFailed(ne *peering.NegotiationError) {
	s.emitError(ne)
}
