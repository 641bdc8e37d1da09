package sigserver

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/peerdial/peerdial/internal/metrics"
	"github.com/peerdial/peerdial/internal/turncred"
	"github.com/peerdial/peerdial/internal/wire"
)

func newTestServer(t *testing.T, adjust func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := Config{
		Logger: slog.New(slog.NewTextHandler(testWriter{t}, nil)),
	}
	if adjust != nil {
		adjust(&cfg)
	}
	srv := New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

// testWriter routes server logs through the test log without tripping the
// race between handler goroutines and test completion.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	defer func() { _ = recover() }()
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func createCall(t *testing.T, baseURL string) wire.CreateCallResponse {
	t.Helper()
	resp := postJSON(t, baseURL+"/api/calls", wire.CreateCallRequest{
		CallType: wire.CallTypeVideo, IsGroup: true, MaxParticipants: 4,
	})
	var out wire.CreateCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if !out.Success || out.CallID == "" {
		t.Fatalf("create failed: %+v", out)
	}
	return out
}

func joinCall(t *testing.T, baseURL, callID, userID, userName string) wire.JoinCallResponse {
	t.Helper()
	resp := postJSON(t, baseURL+"/api/calls/"+callID+"/join", wire.JoinCallRequest{
		UserID: userID, UserName: userName,
	})
	var out wire.JoinCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode join response: %v", err)
	}
	return out
}

// wsClient is a bare protocol-speaking websocket for exercising the server
// without the real transport package.
type wsClient struct {
	t      *testing.T
	ws     *websocket.Conn
	nextID atomic.Uint64
}

func dialWS(t *testing.T, baseURL string) *wsClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) send(event wire.EventName, data any) uint64 {
	c.t.Helper()
	env, err := wire.NewEnvelope(event, data)
	if err != nil {
		c.t.Fatalf("envelope %s: %v", event, err)
	}
	if event == wire.EventRegisterUser || event == wire.EventSendCallInvitation {
		env.ID = c.nextID.Add(1)
	}
	payload, _ := json.Marshal(env)
	_ = c.ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.t.Fatalf("write %s: %v", event, err)
	}
	return env.ID
}

func (c *wsClient) read() wire.Envelope {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	env, err := wire.ParseEnvelope(payload)
	if err != nil {
		c.t.Fatalf("parse envelope: %v", err)
	}
	return env
}

// expect reads until an envelope of the wanted event arrives, skipping
// unrelated traffic such as presence refreshes.
func (c *wsClient) expect(event wire.EventName) wire.Envelope {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		env := c.read()
		if env.Event == event {
			return env
		}
	}
	c.t.Fatalf("no %s within 10 frames", event)
	return wire.Envelope{}
}

func (c *wsClient) register(userID, userName string) {
	c.t.Helper()
	id := c.send(wire.EventRegisterUser, wire.RegisterUser{UserID: userID, UserName: userName})
	env := c.expect(wire.EventAck)
	if env.ID != id {
		c.t.Fatalf("ack id %d, want %d", env.ID, id)
	}
	ack, err := wire.DecodeData[wire.Ack](env.Data)
	if err != nil || !ack.Success {
		c.t.Fatalf("register ack %+v err=%v", ack, err)
	}
}

func TestDirectoryCreateAndJoin(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}}
	})

	created := createCall(t, ts.URL)
	if created.Config == nil || len(created.Config.ICEServers) != 1 {
		t.Fatalf("create config %+v", created.Config)
	}

	joined := joinCall(t, ts.URL, created.CallID, "alice", "Alice")
	if !joined.Success || joined.ParticipantID == "" {
		t.Fatalf("join failed: %+v", joined)
	}
	if len(joined.Participants) != 0 {
		t.Fatalf("prior roster %v, want empty", joined.Participants)
	}

	// A second directory join before any announcement still sees an empty
	// announced roster.
	second := joinCall(t, ts.URL, created.CallID, "bob", "Bob")
	if !second.Success || second.ParticipantID == joined.ParticipantID {
		t.Fatalf("second join %+v", second)
	}
	if len(second.Participants) != 0 {
		t.Fatalf("announced roster %v, want empty", second.Participants)
	}
}

func TestDirectoryJoinErrors(t *testing.T) {
	_, ts := newTestServer(t, nil)

	if out := joinCall(t, ts.URL, "nope", "alice", "Alice"); out.Success || out.Error == "" {
		t.Fatalf("unknown call join %+v", out)
	}

	resp := postJSON(t, ts.URL+"/api/calls", wire.CreateCallRequest{
		CallType: wire.CallTypeVideo, IsGroup: false, MaxParticipants: 1,
	})
	var created wire.CreateCallResponse
	_ = json.NewDecoder(resp.Body).Decode(&created)
	if !created.Success {
		t.Fatalf("create: %+v", created)
	}

	if out := joinCall(t, ts.URL, created.CallID, "alice", "Alice"); !out.Success {
		t.Fatalf("first join %+v", out)
	}
	if out := joinCall(t, ts.URL, created.CallID, "bob", "Bob"); out.Success || out.Error != "call is full" {
		t.Fatalf("full call join %+v", out)
	}
}

func TestDirectoryRejectsMalformedBody(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/api/calls", "application/json",
		strings.NewReader(`{"callType":"video","bogus":1}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestCreateCallMintsTURNCredentials(t *testing.T) {
	minter, err := turncred.New(turncred.Config{
		SharedSecret:   "secret",
		TTL:            time.Hour,
		UsernamePrefix: "peerdial",
	})
	if err != nil {
		t.Fatalf("turncred.New: %v", err)
	}
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.TURN = minter
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"turn:turn.example.org:3478"}}}
	})

	created := createCall(t, ts.URL)
	server := created.Config.ICEServers[0]
	if server.Username == "" || server.Credential == nil {
		t.Fatalf("TURN entry not provisioned: %+v", server)
	}
	if !strings.Contains(server.Username, ":peerdial:") {
		t.Fatalf("username %q missing prefix", server.Username)
	}
}

func TestRegisterBroadcastsPresence(t *testing.T) {
	_, ts := newTestServer(t, nil)

	a := dialWS(t, ts.URL)
	a.register("alice", "Alice")
	env := a.expect(wire.EventUsersOnline)
	users, err := wire.DecodeData[[]wire.OnlineUser](env.Data)
	if err != nil || len(users) != 1 || users[0].UserID != "alice" {
		t.Fatalf("presence %v err=%v", users, err)
	}

	b := dialWS(t, ts.URL)
	b.register("bob", "Bob")
	env = a.expect(wire.EventUsersOnline)
	users, _ = wire.DecodeData[[]wire.OnlineUser](env.Data)
	if len(users) != 2 || users[0].UserID != "alice" || users[1].UserID != "bob" {
		t.Fatalf("presence after second register %v", users)
	}

	_ = b.ws.Close()
	env = a.expect(wire.EventUsersOnline)
	users, _ = wire.DecodeData[[]wire.OnlineUser](env.Data)
	if len(users) != 1 || users[0].UserID != "alice" {
		t.Fatalf("presence after disconnect %v", users)
	}
}

func TestRoomJoinSnapshotAndAnnouncements(t *testing.T) {
	_, ts := newTestServer(t, nil)

	a := dialWS(t, ts.URL)
	a.register("alice", "Alice")
	b := dialWS(t, ts.URL)
	b.register("bob", "Bob")

	created := createCall(t, ts.URL)
	aJoin := joinCall(t, ts.URL, created.CallID, "alice", "Alice")
	a.send(wire.EventJoinCall, wire.JoinCall{
		CallID: created.CallID, ParticipantID: aJoin.ParticipantID, UserName: "Alice",
	})
	// The snapshot lists only participants already in the room, never the
	// joiner itself.
	snap, err := wire.DecodeData[wire.CallJoined](a.expect(wire.EventCallJoined).Data)
	if err != nil || len(snap.Participants) != 0 {
		t.Fatalf("alice snapshot %+v err=%v", snap, err)
	}

	bJoin := joinCall(t, ts.URL, created.CallID, "bob", "Bob")
	if len(bJoin.Participants) != 1 || bJoin.Participants[0].ID != aJoin.ParticipantID {
		t.Fatalf("bob prior roster %v", bJoin.Participants)
	}
	b.send(wire.EventJoinCall, wire.JoinCall{
		CallID: created.CallID, ParticipantID: bJoin.ParticipantID, UserName: "Bob",
	})
	snap, _ = wire.DecodeData[wire.CallJoined](b.expect(wire.EventCallJoined).Data)
	if len(snap.Participants) != 1 || snap.Participants[0].ID != aJoin.ParticipantID {
		t.Fatalf("bob snapshot %+v", snap)
	}

	joinedEv, err := wire.DecodeData[wire.ParticipantJoined](a.expect(wire.EventParticipantJoined).Data)
	if err != nil || joinedEv.ParticipantID != bJoin.ParticipantID || joinedEv.UserName != "Bob" {
		t.Fatalf("participant-joined %+v err=%v", joinedEv, err)
	}
}

func TestRoomJoinRequiresDirectoryRegistration(t *testing.T) {
	_, ts := newTestServer(t, nil)

	a := dialWS(t, ts.URL)
	a.register("alice", "Alice")
	created := createCall(t, ts.URL)

	a.send(wire.EventJoinCall, wire.JoinCall{
		CallID: created.CallID, ParticipantID: "forged", UserName: "Alice",
	})
	ev, err := wire.DecodeData[wire.ErrorEvent](a.expect(wire.EventError).Data)
	if err != nil || !strings.Contains(ev.Message, "not registered") {
		t.Fatalf("error event %+v err=%v", ev, err)
	}
}

func TestLeaveBeforeRoomEntryFreesDirectorySlot(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/calls", wire.CreateCallRequest{
		CallType: wire.CallTypeVideo, IsGroup: false, MaxParticipants: 1,
	})
	var created wire.CreateCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil || !created.Success {
		t.Fatalf("create %+v err=%v", created, err)
	}

	first := joinCall(t, ts.URL, created.CallID, "alice", "Alice")
	if !first.Success {
		t.Fatalf("first join %+v", first)
	}
	if full := joinCall(t, ts.URL, created.CallID, "alice", "Alice"); full.Success {
		t.Fatalf("join beyond cap succeeded: %+v", full)
	}

	// Alice's join is aborted before join-call: her leave must release the
	// slot she registered over REST.
	a := dialWS(t, ts.URL)
	a.register("alice", "Alice")
	a.send(wire.EventLeaveCall, wire.LeaveCall{CallID: created.CallID, Reason: "join timed out"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		retry := joinCall(t, ts.URL, created.CallID, "alice", "Alice")
		if retry.Success {
			if retry.ParticipantID == first.ParticipantID {
				t.Fatalf("retry reused participant id %q", retry.ParticipantID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot never reclaimed: %+v", retry)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInvitationRoutedAndAcked(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	a := dialWS(t, ts.URL)
	a.register("alice", "Alice")
	b := dialWS(t, ts.URL)
	b.register("bob", "Bob")

	id := a.send(wire.EventSendCallInvitation, wire.CallInvitation{
		TargetUserID: "bob", CallID: "c1", CallType: wire.CallTypeVideo,
		CallerID: "alice", CallerName: "Alice",
	})
	env := a.expect(wire.EventAck)
	ack, _ := wire.DecodeData[wire.Ack](env.Data)
	if env.ID != id || !ack.Success {
		t.Fatalf("invite ack id=%d %+v", env.ID, ack)
	}

	inc, err := wire.DecodeData[wire.IncomingCall](b.expect(wire.EventIncomingCall).Data)
	if err != nil || inc.CallID != "c1" || inc.CallerID != "alice" || inc.CallerName != "Alice" {
		t.Fatalf("incoming-call %+v err=%v", inc, err)
	}
	if got := srv.Metrics().Get(metrics.InviteDelivered); got != 1 {
		t.Fatalf("invite_delivered=%d, want 1", got)
	}
}

func TestInvitationToOfflineUserNacked(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	a := dialWS(t, ts.URL)
	a.register("alice", "Alice")

	a.send(wire.EventSendCallInvitation, wire.CallInvitation{
		TargetUserID: "ghost", CallID: "c1", CallType: wire.CallTypeVideo,
		CallerID: "alice", CallerName: "Alice",
	})
	ack, _ := wire.DecodeData[wire.Ack](a.expect(wire.EventAck).Data)
	if ack.Success || !strings.Contains(ack.Error, "not online") {
		t.Fatalf("ack %+v", ack)
	}
	if got := srv.Metrics().Get(metrics.InviteFailed); got != 1 {
		t.Fatalf("invite_failed=%d, want 1", got)
	}
}

func TestAcceptAndRejectRoutedToCaller(t *testing.T) {
	_, ts := newTestServer(t, nil)

	a := dialWS(t, ts.URL)
	a.register("alice", "Alice")
	b := dialWS(t, ts.URL)
	b.register("bob", "Bob")

	b.send(wire.EventAcceptCall, wire.AcceptCall{CallID: "c1", CallerID: "alice"})
	acc, err := wire.DecodeData[wire.CallAccepted](a.expect(wire.EventCallAccepted).Data)
	if err != nil || acc.AcceptedByID != "bob" || acc.AcceptedByName != "Bob" {
		t.Fatalf("call-accepted %+v err=%v", acc, err)
	}

	b.send(wire.EventRejectCall, wire.RejectCall{CallID: "c2", CallerID: "alice"})
	rej, err := wire.DecodeData[wire.CallRejected](a.expect(wire.EventCallRejected).Data)
	if err != nil || rej.RejectedByID != "bob" || rej.CallID != "c2" {
		t.Fatalf("call-rejected %+v err=%v", rej, err)
	}
}

// enterRoomPair registers two clients, joins both into a fresh call, and
// drains the room entry traffic.
func enterRoomPair(t *testing.T, ts *httptest.Server) (a, b *wsClient, callID, aPID, bPID string) {
	t.Helper()
	a = dialWS(t, ts.URL)
	a.register("alice", "Alice")
	b = dialWS(t, ts.URL)
	b.register("bob", "Bob")

	created := createCall(t, ts.URL)
	callID = created.CallID
	aJoin := joinCall(t, ts.URL, callID, "alice", "Alice")
	aPID = aJoin.ParticipantID
	a.send(wire.EventJoinCall, wire.JoinCall{CallID: callID, ParticipantID: aPID, UserName: "Alice"})
	a.expect(wire.EventCallJoined)

	bJoin := joinCall(t, ts.URL, callID, "bob", "Bob")
	bPID = bJoin.ParticipantID
	b.send(wire.EventJoinCall, wire.JoinCall{CallID: callID, ParticipantID: bPID, UserName: "Bob"})
	b.expect(wire.EventCallJoined)
	a.expect(wire.EventParticipantJoined)
	return a, b, callID, aPID, bPID
}

func TestSignalRoutedWithSenderStamped(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	a, b, callID, aPID, bPID := enterRoomPair(t, ts)

	b.send(wire.EventSignal, wire.SignalOut{
		CallID: callID, TargetID: aPID, Type: wire.SignalOffer,
		Signal: wire.NewDescriptionBody(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer, SDP: "v=0 bob",
		}),
	})
	sig, err := wire.DecodeData[wire.SignalIn](a.expect(wire.EventSignal).Data)
	if err != nil || sig.FromID != bPID || sig.Type != wire.SignalOffer {
		t.Fatalf("routed signal %+v err=%v", sig, err)
	}
	if sig.Signal.SDP == nil || *sig.Signal.SDP != "v=0 bob" {
		t.Fatalf("signal body %+v", sig.Signal)
	}
	if got := srv.Metrics().Get(metrics.SignalRouted); got != 1 {
		t.Fatalf("signal_routed=%d, want 1", got)
	}
}

func TestSignalToUnknownTargetSurfaced(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	a, _, callID, _, _ := enterRoomPair(t, ts)

	a.send(wire.EventSignal, wire.SignalOut{
		CallID: callID, TargetID: "ghost", Type: wire.SignalCandidate,
		Signal: wire.NewCandidateBody(webrtc.ICECandidateInit{Candidate: "candidate:1"}),
	})
	ev, err := wire.DecodeData[wire.ErrorEvent](a.expect(wire.EventError).Data)
	if err != nil || !strings.Contains(ev.Message, "unknown signal target") {
		t.Fatalf("error event %+v err=%v", ev, err)
	}
	if got := srv.Metrics().Get(metrics.SignalDropped); got != 1 {
		t.Fatalf("signal_dropped=%d, want 1", got)
	}
}

func TestSignalFromOutsideCallRefused(t *testing.T) {
	_, ts := newTestServer(t, nil)
	_, b, callID, aPID, _ := enterRoomPair(t, ts)

	outsider := dialWS(t, ts.URL)
	outsider.register("mallory", "Mallory")
	outsider.send(wire.EventSignal, wire.SignalOut{
		CallID: callID, TargetID: aPID, Type: wire.SignalOffer,
		Signal: wire.NewDescriptionBody(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer, SDP: "v=0 evil",
		}),
	})
	ev, err := wire.DecodeData[wire.ErrorEvent](outsider.expect(wire.EventError).Data)
	if err != nil || !strings.Contains(ev.Message, "not in it") {
		t.Fatalf("error event %+v err=%v", ev, err)
	}
	_ = b
}

func TestLeaveBroadcastsParticipantLeft(t *testing.T) {
	_, ts := newTestServer(t, nil)
	a, b, callID, _, bPID := enterRoomPair(t, ts)

	b.send(wire.EventLeaveCall, wire.LeaveCall{CallID: callID, Reason: "done"})
	left, err := wire.DecodeData[wire.ParticipantLeft](a.expect(wire.EventParticipantLeft).Data)
	if err != nil || left.ParticipantID != bPID || left.CallID != callID {
		t.Fatalf("participant-left %+v err=%v", left, err)
	}
}

func TestDisconnectActsAsLeave(t *testing.T) {
	_, ts := newTestServer(t, nil)
	a, b, callID, _, bPID := enterRoomPair(t, ts)

	_ = b.ws.Close()
	left, err := wire.DecodeData[wire.ParticipantLeft](a.expect(wire.EventParticipantLeft).Data)
	if err != nil || left.ParticipantID != bPID || left.CallID != callID {
		t.Fatalf("participant-left %+v err=%v", left, err)
	}
}

func TestMessageRateLimitDropsConnection(t *testing.T) {
	srv, ts := newTestServer(t, func(cfg *Config) {
		cfg.MessagesPerSecond = 3
	})

	a := dialWS(t, ts.URL)
	a.register("alice", "Alice")
	a.expect(wire.EventUsersOnline)

	// Burst past the bucket; the server closes the connection.
	for i := 0; i < 10; i++ {
		env, _ := wire.NewEnvelope(wire.EventLeaveCall, wire.LeaveCall{CallID: "c1"})
		payload, _ := json.Marshal(env)
		_ = a.ws.SetWriteDeadline(time.Now().Add(time.Second))
		if err := a.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
			break
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = a.ws.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if _, _, err := a.ws.ReadMessage(); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection survived the flood")
		}
	}
	if got := srv.Metrics().Get(metrics.DropRateLimited); got == 0 {
		t.Fatalf("drop_rate_limited=0, want >0")
	}
}

func TestUnknownEventSurfacedNotFatal(t *testing.T) {
	_, ts := newTestServer(t, nil)

	a := dialWS(t, ts.URL)
	a.register("alice", "Alice")

	env := wire.Envelope{Event: "no-such-event"}
	payload, _ := json.Marshal(env)
	_ = a.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = a.ws.WriteMessage(websocket.TextMessage, payload)

	ev, err := wire.DecodeData[wire.ErrorEvent](a.expect(wire.EventError).Data)
	if err != nil || !strings.Contains(ev.Message, "no-such-event") {
		t.Fatalf("error event %+v err=%v", ev, err)
	}

	// The connection still works afterwards.
	a.send(wire.EventAcceptCall, wire.AcceptCall{CallID: "c1", CallerID: "alice"})
	acc, _ := wire.DecodeData[wire.CallAccepted](a.expect(wire.EventCallAccepted).Data)
	if acc.AcceptedByID != "alice" {
		t.Fatalf("self-routed accept %+v", acc)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v status=%v", err, resp)
	}
	_ = resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "peerdial_signaling_events_total") {
		t.Fatalf("metrics exposition missing family: %s", buf.String())
	}
}

func TestOriginChecker(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no header always passes", nil, "", "example.com", true},
		{"same host allowed", nil, "http://example.com", "example.com", true},
		{"same host with default port", nil, "https://example.com:443", "example.com", true},
		{"cross host refused", nil, "http://evil.test", "example.com", false},
		{"wildcard admits anyone", []string{"*"}, "http://evil.test", "example.com", true},
		{"allowlist match", []string{"https://app.example.com"}, "https://app.example.com", "api.example.com", true},
		{"allowlist miss", []string{"https://app.example.com"}, "https://evil.test", "api.example.com", false},
		{"null origin refused", nil, "null", "example.com", false},
		{"garbage origin refused", nil, "::::", "example.com", false},
		{"non-http scheme refused", nil, "ftp://example.com", "example.com", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			check := originChecker(tc.allowed)
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tc.host
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			if got := check(req); got != tc.want {
				t.Fatalf("origin %q host %q allowed=%v, want %v", tc.origin, tc.host, got, tc.want)
			}
		})
	}
}
