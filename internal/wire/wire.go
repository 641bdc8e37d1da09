// Package wire defines the signaling protocol: the JSON envelope framing,
// the named events exchanged over the control channel, and the call
// directory's REST request/response bodies. Parsing is strict: unknown
// fields and trailing data are rejected at the boundary.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// EventName identifies a message on the control channel.
type EventName string

// Client-to-server events.
const (
	EventRegisterUser       EventName = "register-user"
	EventJoinCall           EventName = "join-call"
	EventSendCallInvitation EventName = "send-call-invitation"
	EventAcceptCall         EventName = "accept-call"
	EventRejectCall         EventName = "reject-call"
	EventLeaveCall          EventName = "leave-call"
)

// Server-to-client events.
const (
	EventUsersOnline       EventName = "users-online"
	EventIncomingCall      EventName = "incoming-call"
	EventCallAccepted      EventName = "call-accepted"
	EventCallRejected      EventName = "call-rejected"
	EventCallJoined        EventName = "call-joined"
	EventParticipantJoined EventName = "participant-joined"
	EventParticipantLeft   EventName = "participant-left"
	EventError             EventName = "error"
)

// Events travelling in both directions.
const (
	EventSignal EventName = "signal"
	EventAck    EventName = "ack"
)

// Envelope frames every message on the channel. ID is set only on events
// that request an acknowledgement and on the acknowledgement itself.
type Envelope struct {
	Event EventName       `json:"event"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data as the payload of event. A nil data leaves the
// payload empty.
func NewEnvelope(event EventName, data any) (Envelope, error) {
	env := Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env.Data = raw
	return env, nil
}

// ParseEnvelope decodes a single framed message. The envelope itself is
// strict; payload decoding is deferred to DecodeData so that consumers only
// pay for the events they handle.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("envelope missing event")
	}
	if env.Event == EventAck && env.ID == 0 {
		return Envelope{}, fmt.Errorf("ack envelope missing id")
	}
	if err := expectEOF(dec); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DecodeData strictly decodes an envelope payload into T.
func DecodeData[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := decodeStrictJSON(raw, &v); err != nil {
		return v, err
	}
	return v, nil
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return expectEOF(dec)
}

func expectEOF(dec *json.Decoder) error {
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
