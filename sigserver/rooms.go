package sigserver

import (
	"fmt"

	"github.com/peerdial/peerdial/internal/metrics"
	"github.com/peerdial/peerdial/internal/wire"
)

// registerUser binds a connection to a user ID. A re-registration from a
// new socket (reconnect) displaces the old one; the displaced socket is
// closed so it cannot shadow the live connection.
func (s *Server) registerUser(c *client, userID string) {
	s.mu.Lock()
	prev := s.users[userID]
	s.users[userID] = c
	s.mu.Unlock()

	if prev != nil && prev != c {
		s.log.Info("displacing previous connection", "userId", userID)
		prev.close()
	}
}

// userConn looks up the live connection of a registered user.
func (s *Server) userConn(userID string) *client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID]
}

// broadcastPresence pushes the users-online list to every registered
// connection.
func (s *Server) broadcastPresence() {
	s.mu.RLock()
	users := s.onlineUsers()
	conns := make([]*client, 0, len(s.users))
	for _, cli := range s.users {
		conns = append(conns, cli)
	}
	s.mu.RUnlock()

	for _, cli := range conns {
		cli.sendEvent(wire.EventUsersOnline, users)
	}
}

// enterRoom attaches a connection to its directory-registered participant
// slot, answers with the prior-roster snapshot, and announces the arrival
// to the rest of the room.
func (s *Server) enterRoom(c *client, jc wire.JoinCall) error {
	id := c.identity()
	if id.userID == "" {
		return fmt.Errorf("join-call before register-user")
	}

	s.mu.Lock()
	cl, ok := s.calls[jc.CallID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown call %s", jc.CallID)
	}
	m, ok := cl.members[jc.ParticipantID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("participant %s is not registered for call %s", jc.ParticipantID, jc.CallID)
	}
	if m.userID != id.userID {
		s.mu.Unlock()
		return fmt.Errorf("participant %s belongs to another user", jc.ParticipantID)
	}
	if m.cli != nil && m.cli != c {
		s.mu.Unlock()
		return fmt.Errorf("participant %s already joined", jc.ParticipantID)
	}
	m.cli = c
	snapshot := cl.announced(jc.ParticipantID)
	others := cl.conns(jc.ParticipantID)
	s.mu.Unlock()

	c.mu.Lock()
	c.callID = jc.CallID
	c.participantID = jc.ParticipantID
	c.mu.Unlock()

	c.sendEvent(wire.EventCallJoined, wire.CallJoined{
		CallID:       jc.CallID,
		Participants: snapshot,
	})
	for _, other := range others {
		other.sendEvent(wire.EventParticipantJoined, wire.ParticipantJoined{
			CallID:        jc.CallID,
			ParticipantID: jc.ParticipantID,
			UserName:      m.userName,
		})
	}

	s.metrics.Inc(metrics.CallJoined)
	s.log.Info("participant joined",
		"callId", jc.CallID, "participantId", jc.ParticipantID, "roster", len(snapshot))
	return nil
}

// leaveRoom removes a connection's participant from a call and announces
// the departure. Safe to call for connections that never joined.
func (s *Server) leaveRoom(c *client, callID, reason string) {
	_, participantID := c.room()
	if participantID == "" {
		s.reclaimUnannounced(c, callID, reason)
		return
	}

	s.mu.Lock()
	cl, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return
	}
	m, ok := cl.members[participantID]
	if !ok || m.cli != c {
		s.mu.Unlock()
		return
	}
	cl.removeMember(participantID)
	empty := len(cl.members) == 0
	if empty {
		delete(s.calls, callID)
	}
	others := cl.conns("")
	s.mu.Unlock()

	c.mu.Lock()
	c.callID = ""
	c.participantID = ""
	c.mu.Unlock()

	for _, other := range others {
		other.sendEvent(wire.EventParticipantLeft, wire.ParticipantLeft{
			CallID:        callID,
			ParticipantID: participantID,
		})
	}

	s.metrics.Inc(metrics.CallLeft)
	s.log.Info("participant left",
		"callId", callID, "participantId", participantID, "reason", reason, "callRemoved", empty)
}

// reclaimUnannounced frees the directory slot of a member who registered
// over REST but withdrew before entering the room, e.g. a join that timed
// out client-side. Without this the aborted join would count against the
// call's participant cap forever. The call itself stays, so the client can
// retry the join from the directory step.
func (s *Server) reclaimUnannounced(c *client, callID, reason string) {
	id := c.identity()
	if id.userID == "" {
		return
	}

	s.mu.Lock()
	cl, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return
	}
	reclaimed := ""
	for _, pid := range cl.order {
		m := cl.members[pid]
		if m != nil && m.cli == nil && m.userID == id.userID {
			cl.removeMember(pid)
			reclaimed = pid
			break
		}
	}
	s.mu.Unlock()

	if reclaimed != "" {
		s.log.Info("unannounced participant reclaimed",
			"callId", callID, "participantId", reclaimed, "userId", id.userID, "reason", reason)
	}
}

// routeSignal forwards one negotiation message to its target participant,
// stamping the sender's participant ID.
func (s *Server) routeSignal(c *client, sig wire.SignalOut) error {
	callID, participantID := c.room()
	if participantID == "" || callID != sig.CallID {
		return fmt.Errorf("signal for call %s from a connection not in it", sig.CallID)
	}

	s.mu.RLock()
	cl, ok := s.calls[sig.CallID]
	var target *client
	if ok {
		if m, found := cl.members[sig.TargetID]; found {
			target = m.cli
		}
	}
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown call %s", sig.CallID)
	}
	if target == nil {
		return fmt.Errorf("unknown signal target %s", sig.TargetID)
	}

	target.sendEvent(wire.EventSignal, wire.SignalIn{
		FromID: participantID,
		Type:   sig.Type,
		Signal: sig.Signal,
	})
	s.metrics.Inc(metrics.SignalRouted)
	return nil
}

// dropClient is the read pump's teardown: leave any joined call, release
// the user registration, and refresh presence.
func (s *Server) dropClient(c *client) {
	callID, _ := c.room()
	if callID != "" {
		s.leaveRoom(c, callID, "disconnected")
	}

	id := c.identity()
	removed := false
	if id.userID != "" {
		s.mu.Lock()
		if s.users[id.userID] == c {
			delete(s.users, id.userID)
			removed = true
		}
		s.mu.Unlock()
	}

	c.close()
	s.metrics.Inc(metrics.ConnClosed)
	if removed {
		s.log.Info("user disconnected", "userId", id.userID)
		s.broadcastPresence()
	}
}

// conns lists the live connections of a call's announced members, skipping
// the excluded participant. Callers hold at least a read lock.
func (cl *call) conns(exclude string) []*client {
	out := make([]*client, 0, len(cl.members))
	for pid, m := range cl.members {
		if pid == exclude || m.cli == nil {
			continue
		}
		out = append(out, m.cli)
	}
	return out
}

func (cl *call) removeMember(participantID string) {
	delete(cl.members, participantID)
	for i, pid := range cl.order {
		if pid == participantID {
			cl.order = append(cl.order[:i], cl.order[i+1:]...)
			break
		}
	}
}
