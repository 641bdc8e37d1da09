package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerdial/peerdial/internal/metrics"
	"github.com/peerdial/peerdial/internal/wire"
)

// newTestServer starts a websocket endpoint that hands each accepted
// connection to handler. Handlers run on server goroutines and must not call
// into testing.T; they communicate through channels instead.
func newTestServer(t *testing.T, handler func(c *websocket.Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	}))
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func readEnvelope(c *websocket.Conn) (wire.Envelope, error) {
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := c.ReadMessage()
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.ParseEnvelope(payload)
}

func writeAck(c *websocket.Conn, id uint64, success bool, reason string) error {
	data, err := json.Marshal(wire.Ack{Success: success, Error: reason})
	if err != nil {
		return err
	}
	payload, err := json.Marshal(wire.Envelope{Event: wire.EventAck, ID: id, Data: data})
	if err != nil {
		return err
	}
	_ = c.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return c.WriteMessage(websocket.TextMessage, payload)
}

func writeEvent(c *websocket.Conn, event wire.EventName, data any) error {
	env, err := wire.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_ = c.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return c.WriteMessage(websocket.TextMessage, payload)
}

func mustChannel(t *testing.T, cfg Config) *Channel {
	t.Helper()
	ch, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestNew_RejectsInvalidURL(t *testing.T) {
	for _, raw := range []string{"", "http://example.com/ws", "ws://", "://nope"} {
		if _, err := New(Config{URL: raw}); !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("New(%q) err=%v, want ErrInvalidURL", raw, err)
		}
	}
}

func TestChannel_SendWithAck_Success(t *testing.T) {
	got := make(chan wire.Envelope, 1)
	url := newTestServer(t, func(c *websocket.Conn) {
		env, err := readEnvelope(c)
		if err != nil {
			return
		}
		got <- env
		_ = writeAck(c, env.ID, true, "")
		// Hold the connection open until the client closes it.
		_, _, _ = c.ReadMessage()
	})

	ch := mustChannel(t, Config{URL: url})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := ch.SendWithAck(ctx, wire.EventRegisterUser, wire.RegisterUser{UserID: "u1", UserName: "Ann"}); err != nil {
		t.Fatalf("SendWithAck: %v", err)
	}

	select {
	case env := <-got:
		if env.Event != wire.EventRegisterUser {
			t.Fatalf("event=%q, want %q", env.Event, wire.EventRegisterUser)
		}
		if env.ID == 0 {
			t.Fatalf("acked envelope carried no id")
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for server receipt: %v", ctx.Err())
	}
}

func TestChannel_SendWithAck_Rejected(t *testing.T) {
	url := newTestServer(t, func(c *websocket.Conn) {
		env, err := readEnvelope(c)
		if err != nil {
			return
		}
		_ = writeAck(c, env.ID, false, "user id taken")
		_, _, _ = c.ReadMessage()
	})

	ch := mustChannel(t, Config{URL: url})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	err := ch.SendWithAck(ctx, wire.EventRegisterUser, wire.RegisterUser{UserID: "u1", UserName: "Ann"})

	var nack *NackError
	if !errors.As(err, &nack) {
		t.Fatalf("err=%v, want *NackError", err)
	}
	if nack.Reason != "user id taken" {
		t.Fatalf("reason=%q, want %q", nack.Reason, "user id taken")
	}
}

func TestChannel_SendWithAck_TimeoutThenLateAckIgnored(t *testing.T) {
	release := make(chan struct{})
	url := newTestServer(t, func(c *websocket.Conn) {
		env, err := readEnvelope(c)
		if err != nil {
			return
		}
		// Withhold the ack until the client has already timed out.
		<-release
		_ = writeAck(c, env.ID, true, "")
		_, _, _ = c.ReadMessage()
	})

	m := metrics.New()
	ch := mustChannel(t, Config{URL: url, AckTimeout: 50 * time.Millisecond, Metrics: m})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	err := ch.SendWithAck(ctx, wire.EventSendCallInvitation, wire.CallInvitation{
		TargetUserID: "u2", CallID: "c1", CallType: wire.CallTypeVideo, CallerID: "u1", CallerName: "Ann",
	})
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("err=%v, want ErrAckTimeout", err)
	}
	if got := m.Get(metrics.AcksTimedOut); got != 1 {
		t.Fatalf("AcksTimedOut=%d, want 1", got)
	}

	close(release)

	// The late ack must be absorbed without resolving anything.
	deadline := time.Now().Add(2 * time.Second)
	for m.Get(metrics.AcksLate) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("late ack never observed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChannel_DispatchesEventsInOrder(t *testing.T) {
	url := newTestServer(t, func(c *websocket.Conn) {
		_ = writeEvent(c, wire.EventUsersOnline, []wire.OnlineUser{{UserID: "u2", UserName: "Bob"}})
		_ = writeEvent(c, wire.EventParticipantJoined, wire.ParticipantJoined{CallID: "c1", ParticipantID: "p2", UserName: "Bob"})
		_ = writeEvent(c, wire.EventParticipantLeft, wire.ParticipantLeft{CallID: "c1", ParticipantID: "p2"})
		_, _, _ = c.ReadMessage()
	})

	events := make(chan wire.Envelope, 8)
	ch := mustChannel(t, Config{
		URL:     url,
		OnEvent: func(env wire.Envelope) { events <- env },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	want := []wire.EventName{wire.EventUsersOnline, wire.EventParticipantJoined, wire.EventParticipantLeft}
	for i, wantEvent := range want {
		select {
		case env := <-events:
			if env.Event != wantEvent {
				t.Fatalf("event[%d]=%q, want %q", i, env.Event, wantEvent)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for event %d: %v", i, ctx.Err())
		}
	}
}

func TestChannel_ReconnectsAfterServerDrop(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	url := newTestServer(t, func(c *websocket.Conn) {
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()
		if n == 1 {
			// Drop the first connection immediately.
			return
		}
		_, _, _ = c.ReadMessage()
	})

	transitions := make(chan bool, 8)
	m := metrics.New()
	ch := mustChannel(t, Config{
		URL:                url,
		ReconnectBackoff:   10 * time.Millisecond,
		OnConnectionChange: func(up bool) { transitions <- up },
		Metrics:            m,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	want := []bool{true, false, true}
	for i, wantUp := range want {
		select {
		case up := <-transitions:
			if up != wantUp {
				t.Fatalf("transition[%d]=%v, want %v", i, up, wantUp)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for transition %d: %v", i, ctx.Err())
		}
	}

	if !ch.Connected() {
		t.Fatalf("Connected()=false after reconnect")
	}
	if got := m.Get(metrics.Reconnects); got != 1 {
		t.Fatalf("Reconnects=%d, want 1", got)
	}
	if err := ch.Send(wire.EventLeaveCall, wire.LeaveCall{CallID: "c1", Reason: "done"}); err != nil {
		t.Fatalf("Send after reconnect: %v", err)
	}
}

func TestChannel_SendWithoutConnect(t *testing.T) {
	ch := mustChannel(t, Config{URL: "ws://127.0.0.1:1/ws"})
	if err := ch.Send(wire.EventAcceptCall, wire.AcceptCall{CallID: "c1", CallerID: "u1"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err=%v, want ErrNotConnected", err)
	}
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	url := newTestServer(t, func(c *websocket.Conn) {
		_, _, _ = c.ReadMessage()
	})

	ch := mustChannel(t, Config{URL: url})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := ch.Send(wire.EventLeaveCall, wire.LeaveCall{CallID: "c1", Reason: "done"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want ErrClosed", err)
	}
}

func TestChannel_PendingAckFailsOnDisconnect(t *testing.T) {
	url := newTestServer(t, func(c *websocket.Conn) {
		// Read the acked emit, then drop the connection without answering.
		if _, err := readEnvelope(c); err != nil {
			return
		}
	})

	ch := mustChannel(t, Config{URL: url, AckTimeout: 5 * time.Second, ReconnectBackoff: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	start := time.Now()
	err := ch.SendWithAck(ctx, wire.EventRegisterUser, wire.RegisterUser{UserID: "u1", UserName: "Ann"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err=%v, want ErrNotConnected", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("waiter held for %v, want prompt failure on disconnect", elapsed)
	}
}
