package peering

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/peerdial/peerdial/internal/metrics"
	"github.com/peerdial/peerdial/internal/wire"
	"github.com/peerdial/peerdial/rtc"
)

// fakeConn scripts one peer connection: every call is recorded, and any step
// can be made to fail.
type fakeConn struct {
	mu sync.Mutex

	failCreateOffer  error
	failCreateAnswer error
	failSetRemote    error
	failAddCandidate error
	failAddTrack     error

	offers  int
	answers int
	local   []webrtc.SessionDescription
	remote  []webrtc.SessionDescription
	applied []string
	tracks  []string
	closes  int

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(rtc.RemoteTrack)
	onState func(webrtc.PeerConnectionState)
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failCreateOffer != nil {
		return webrtc.SessionDescription{}, c.failCreateOffer
	}
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer%d", c.offers)}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failCreateAnswer != nil {
		return webrtc.SessionDescription{}, c.failCreateAnswer
	}
	c.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("v=0 answer%d", c.answers)}, nil
}

func (c *fakeConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = append(c.local, desc)
	return nil
}

func (c *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSetRemote != nil {
		return c.failSetRemote
	}
	c.remote = append(c.remote, desc)
	return nil
}

func (c *fakeConn) AddICECandidate(init webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAddCandidate != nil {
		return c.failAddCandidate
	}
	c.applied = append(c.applied, init.Candidate)
	return nil
}

func (c *fakeConn) AddTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAddTrack != nil {
		return c.failAddTrack
	}
	c.tracks = append(c.tracks, track.ID())
	return nil
}

func (c *fakeConn) OnICECandidate(f func(webrtc.ICECandidateInit)) { c.onICE = f }

func (c *fakeConn) OnTrack(f func(rtc.RemoteTrack)) { c.onTrack = f }

func (c *fakeConn) OnStateChange(f func(webrtc.PeerConnectionState)) { c.onState = f }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) appliedCandidates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.applied))
	copy(out, c.applied)
	return out
}

type fakeEngine struct {
	mu    sync.Mutex
	conns []*fakeConn
	next  *fakeConn
}

func (e *fakeEngine) NewConn(cfg rtc.ConnConfig) (rtc.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conn := e.next
	e.next = nil
	if conn == nil {
		conn = &fakeConn{}
	}
	e.conns = append(e.conns, conn)
	return conn, nil
}

func (e *fakeEngine) conn(i int) *fakeConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[i]
}

type sentSignal struct {
	target string
	typ    wire.SignalType
	body   wire.SignalBody
}

type recorder struct {
	mu       sync.Mutex
	sent     []sentSignal
	states   []string
	removed  []string
	failures []*NegotiationError
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		Transmit: func(target string, t wire.SignalType, body wire.SignalBody) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.sent = append(r.sent, sentSignal{target: target, typ: t, body: body})
			return nil
		},
		LinkStateChange: func(pid string, st LinkState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, pid+":"+string(st))
		},
		RemoteStreamRemoved: func(pid string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.removed = append(r.removed, pid)
		},
		NegotiationFailed: func(err *NegotiationError) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failures = append(r.failures, err)
		},
	}
}

func (r *recorder) sentTo(target string) []sentSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentSignal
	for _, s := range r.sent {
		if s.target == target {
			out = append(out, s)
		}
	}
	return out
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeEngine, *recorder, *metrics.Metrics) {
	t.Helper()
	eng := &fakeEngine{}
	rec := &recorder{}
	m := metrics.New()
	o, err := New(Config{Engine: eng, Metrics: m, Callbacks: rec.callbacks()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(o.CloseAll)
	return o, eng, rec, m
}

func audioTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "stream0")
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample: %v", err)
	}
	return track
}

func answerSignal(from string) wire.SignalIn {
	return wire.SignalIn{
		FromID: from,
		Type:   wire.SignalAnswer,
		Signal: wire.NewDescriptionBody(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 remote-answer"}),
	}
}

func offerSignal(from string) wire.SignalIn {
	return wire.SignalIn{
		FromID: from,
		Type:   wire.SignalOffer,
		Signal: wire.NewDescriptionBody(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote-offer"}),
	}
}

func candidateSignal(from, candidate string) wire.SignalIn {
	return wire.SignalIn{
		FromID: from,
		Type:   wire.SignalCandidate,
		Signal: wire.NewCandidateBody(webrtc.ICECandidateInit{Candidate: candidate}),
	}
}

func TestOrchestrator_InitiatorFlow(t *testing.T) {
	o, eng, rec, _ := newTestOrchestrator(t)

	link, err := o.CreatePeerLink("p2", RoleInitiator, []webrtc.TrackLocal{audioTrack(t, "mic")})
	if err != nil {
		t.Fatalf("CreatePeerLink: %v", err)
	}
	if link.Role() != RoleInitiator {
		t.Fatalf("role=%q", link.Role())
	}
	if got := link.State(); got != LinkStateLocalOffer {
		t.Fatalf("state=%q, want %q", got, LinkStateLocalOffer)
	}

	conn := eng.conn(0)
	if conn.offers != 1 || len(conn.local) != 1 {
		t.Fatalf("offers=%d local=%d, want 1/1", conn.offers, len(conn.local))
	}
	if len(conn.tracks) != 1 || conn.tracks[0] != "mic" {
		t.Fatalf("tracks=%v, want [mic]", conn.tracks)
	}

	sent := rec.sentTo("p2")
	if len(sent) != 1 || sent[0].typ != wire.SignalOffer {
		t.Fatalf("sent=%#v, want one offer", sent)
	}

	if err := o.HandleSignal(answerSignal("p2")); err != nil {
		t.Fatalf("HandleSignal(answer): %v", err)
	}
	if got := link.State(); got != LinkStateRemoteAnswer {
		t.Fatalf("state=%q, want %q", got, LinkStateRemoteAnswer)
	}
	if len(conn.remote) != 1 {
		t.Fatalf("remote descriptions=%d, want 1", len(conn.remote))
	}
}

func TestOrchestrator_ResponderFlowFromUnsolicitedOffer(t *testing.T) {
	o, eng, rec, _ := newTestOrchestrator(t)
	o.SetLocalTracks([]webrtc.TrackLocal{audioTrack(t, "mic")})

	if err := o.HandleSignal(offerSignal("p9")); err != nil {
		t.Fatalf("HandleSignal(offer): %v", err)
	}

	link, ok := o.Link("p9")
	if !ok {
		t.Fatalf("offer did not create a link")
	}
	if link.Role() != RoleResponder {
		t.Fatalf("role=%q, want responder", link.Role())
	}
	if got := link.State(); got != LinkStateLocalAnswer {
		t.Fatalf("state=%q, want %q", got, LinkStateLocalAnswer)
	}

	conn := eng.conn(0)
	if len(conn.remote) != 1 || conn.answers != 1 || len(conn.local) != 1 {
		t.Fatalf("remote=%d answers=%d local=%d, want 1/1/1", len(conn.remote), conn.answers, len(conn.local))
	}
	// Local media known before the offer arrived must land in the answer.
	if len(conn.tracks) != 1 {
		t.Fatalf("tracks=%v, want the queued local track", conn.tracks)
	}

	sent := rec.sentTo("p9")
	if len(sent) != 1 || sent[0].typ != wire.SignalAnswer {
		t.Fatalf("sent=%#v, want one answer", sent)
	}
}

func TestOrchestrator_CandidatesHeldUntilRemoteDescription(t *testing.T) {
	o, eng, _, m := newTestOrchestrator(t)

	if _, err := o.CreatePeerLink("p2", RoleInitiator, nil); err != nil {
		t.Fatalf("CreatePeerLink: %v", err)
	}
	conn := eng.conn(0)

	for i := 1; i <= 3; i++ {
		sig := candidateSignal("p2", fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.%d 5000 typ host", i, i))
		if err := o.HandleSignal(sig); err != nil {
			t.Fatalf("HandleSignal(candidate %d): %v", i, err)
		}
	}
	if applied := conn.appliedCandidates(); len(applied) != 0 {
		t.Fatalf("candidates applied before remote description: %v", applied)
	}
	if got := m.Get(metrics.CandidatesHeld); got != 3 {
		t.Fatalf("CandidatesHeld=%d, want 3", got)
	}

	if err := o.HandleSignal(answerSignal("p2")); err != nil {
		t.Fatalf("HandleSignal(answer): %v", err)
	}
	applied := conn.appliedCandidates()
	if len(applied) != 3 {
		t.Fatalf("flushed %d candidates, want 3", len(applied))
	}
	for i, c := range applied {
		wantPrefix := fmt.Sprintf("candidate:%d ", i+1)
		if !strings.HasPrefix(c, wantPrefix) {
			t.Fatalf("flush order broken at %d: %q", i, c)
		}
	}

	// Post-description candidates apply immediately.
	if err := o.HandleSignal(candidateSignal("p2", "candidate:4 1 udp 1 10.0.0.4 5000 typ host")); err != nil {
		t.Fatalf("HandleSignal(candidate 4): %v", err)
	}
	if applied := conn.appliedCandidates(); len(applied) != 4 {
		t.Fatalf("applied=%d, want 4", len(applied))
	}
}

func TestOrchestrator_SignalsForUnknownParticipant(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)

	if err := o.HandleSignal(answerSignal("ghost")); !errors.Is(err, ErrPeerLinkNotFound) {
		t.Fatalf("answer err=%v, want ErrPeerLinkNotFound", err)
	}
	if err := o.HandleSignal(candidateSignal("ghost", "candidate:1 1 udp 1 10.0.0.1 5000 typ host")); !errors.Is(err, ErrPeerLinkNotFound) {
		t.Fatalf("candidate err=%v, want ErrPeerLinkNotFound", err)
	}
}

func TestOrchestrator_FailureIsolatedToOneLink(t *testing.T) {
	o, eng, _, m := newTestOrchestrator(t)

	eng.mu.Lock()
	eng.next = &fakeConn{failSetRemote: fmt.Errorf("sdp parse error")}
	eng.mu.Unlock()
	if _, err := o.CreatePeerLink("p1", RoleInitiator, nil); err != nil {
		t.Fatalf("CreatePeerLink p1: %v", err)
	}
	if _, err := o.CreatePeerLink("p2", RoleInitiator, nil); err != nil {
		t.Fatalf("CreatePeerLink p2: %v", err)
	}

	err := o.HandleSignal(answerSignal("p1"))
	var negErr *NegotiationError
	if !errors.As(err, &negErr) {
		t.Fatalf("err=%v, want *NegotiationError", err)
	}
	if negErr.ParticipantID != "p1" || negErr.Stage != StageAnswer {
		t.Fatalf("negotiation error %#v", negErr)
	}

	states := o.States()
	if states["p1"] != LinkStateFailed {
		t.Fatalf("p1 state=%q, want failed", states["p1"])
	}
	if states["p2"] != LinkStateLocalOffer {
		t.Fatalf("p2 state=%q, want untouched has-local-offer", states["p2"])
	}
	if got := m.Get(metrics.LinksFailed); got != 1 {
		t.Fatalf("LinksFailed=%d, want 1", got)
	}

	// The healthy link still negotiates.
	if err := o.HandleSignal(answerSignal("p2")); err != nil {
		t.Fatalf("HandleSignal(answer p2): %v", err)
	}
	if st := o.States()["p2"]; st != LinkStateRemoteAnswer {
		t.Fatalf("p2 state=%q, want %q", st, LinkStateRemoteAnswer)
	}
}

func TestOrchestrator_RoleViolations(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)

	if _, err := o.CreatePeerLink("p1", RoleInitiator, nil); err != nil {
		t.Fatalf("CreatePeerLink: %v", err)
	}
	// An offer aimed at an initiator link is a protocol violation.
	err := o.HandleSignal(offerSignal("p1"))
	var negErr *NegotiationError
	if !errors.As(err, &negErr) || negErr.Stage != StageOffer {
		t.Fatalf("err=%v, want offer-stage *NegotiationError", err)
	}
	if st := o.States()["p1"]; st != LinkStateFailed {
		t.Fatalf("p1 state=%q, want failed", st)
	}
}

func TestOrchestrator_DuplicateLinkRejected(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)

	if _, err := o.CreatePeerLink("p1", RoleResponder, nil); err != nil {
		t.Fatalf("CreatePeerLink: %v", err)
	}
	if _, err := o.CreatePeerLink("p1", RoleInitiator, nil); err == nil {
		t.Fatalf("expected duplicate link error")
	}
}

func TestOrchestrator_RemovePeerLink(t *testing.T) {
	o, eng, rec, _ := newTestOrchestrator(t)

	if _, err := o.CreatePeerLink("p1", RoleResponder, nil); err != nil {
		t.Fatalf("CreatePeerLink: %v", err)
	}
	conn := eng.conn(0)

	// Simulate inbound media, then removal.
	conn.onTrack(rtc.RemoteTrack{ID: "a1", StreamID: "s1"})
	o.RemovePeerLink("p1")

	if conn.closes != 1 {
		t.Fatalf("closes=%d, want 1", conn.closes)
	}
	if _, ok := o.Link("p1"); ok {
		t.Fatalf("link still registered after removal")
	}
	rec.mu.Lock()
	removed := len(rec.removed)
	rec.mu.Unlock()
	if removed != 1 {
		t.Fatalf("remote-stream-removed emissions=%d, want 1", removed)
	}

	// Idempotent.
	o.RemovePeerLink("p1")
	rec.mu.Lock()
	removedAgain := len(rec.removed)
	rec.mu.Unlock()
	if removedAgain != 1 {
		t.Fatalf("second removal re-emitted remote-stream-removed")
	}
}

func TestOrchestrator_RemoveWithoutMediaDoesNotEmitRemoval(t *testing.T) {
	o, _, rec, _ := newTestOrchestrator(t)

	if _, err := o.CreatePeerLink("p1", RoleResponder, nil); err != nil {
		t.Fatalf("CreatePeerLink: %v", err)
	}
	o.RemovePeerLink("p1")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.removed) != 0 {
		t.Fatalf("remote-stream-removed emitted for a link without media")
	}
}

func TestOrchestrator_CloseAll(t *testing.T) {
	o, eng, _, _ := newTestOrchestrator(t)

	for _, pid := range []string{"p1", "p2", "p3"} {
		if _, err := o.CreatePeerLink(pid, RoleResponder, nil); err != nil {
			t.Fatalf("CreatePeerLink %s: %v", pid, err)
		}
	}
	o.CloseAll()

	if got := len(o.States()); got != 0 {
		t.Fatalf("links after CloseAll=%d, want 0", got)
	}
	for i := 0; i < 3; i++ {
		if eng.conn(i).closes != 1 {
			t.Fatalf("conn %d closes=%d, want 1", i, eng.conn(i).closes)
		}
	}
	if _, err := o.CreatePeerLink("p4", RoleResponder, nil); err == nil {
		t.Fatalf("CreatePeerLink after CloseAll must fail")
	}
}

func TestOrchestrator_ConnectedStateFromEngine(t *testing.T) {
	o, eng, rec, _ := newTestOrchestrator(t)

	link, err := o.CreatePeerLink("p1", RoleInitiator, nil)
	if err != nil {
		t.Fatalf("CreatePeerLink: %v", err)
	}
	if err := o.HandleSignal(answerSignal("p1")); err != nil {
		t.Fatalf("HandleSignal(answer): %v", err)
	}

	eng.conn(0).onState(webrtc.PeerConnectionStateConnected)
	if got := link.State(); got != LinkStateConnected {
		t.Fatalf("state=%q, want connected", got)
	}

	rec.mu.Lock()
	last := rec.states[len(rec.states)-1]
	rec.mu.Unlock()
	if last != "p1:connected" {
		t.Fatalf("last state emission=%q, want p1:connected", last)
	}
}

func TestOrchestrator_EngineFailureSurfacesAsync(t *testing.T) {
	o, eng, rec, _ := newTestOrchestrator(t)

	if _, err := o.CreatePeerLink("p1", RoleInitiator, nil); err != nil {
		t.Fatalf("CreatePeerLink: %v", err)
	}
	eng.conn(0).onState(webrtc.PeerConnectionStateFailed)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.failures) != 1 {
		t.Fatalf("failures=%d, want 1", len(rec.failures))
	}
	if rec.failures[0].ParticipantID != "p1" || rec.failures[0].Stage != StageICE {
		t.Fatalf("failure %#v", rec.failures[0])
	}
}
