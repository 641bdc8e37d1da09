package wire

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// CallConfig is the negotiated WebRTC configuration handed out by the
// directory at create/join time. ICE servers are fixed for the lifetime of
// the call.
type CallConfig struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// CreateCallRequest is the body of POST /api/calls.
type CreateCallRequest struct {
	CallType        string `json:"callType"`
	IsGroup         bool   `json:"isGroup"`
	MaxParticipants int    `json:"maxParticipants"`
}

func (r CreateCallRequest) Validate() error {
	if !ValidCallType(r.CallType) {
		return fmt.Errorf("create call has callType %q", r.CallType)
	}
	if r.MaxParticipants < 1 {
		return fmt.Errorf("create call has maxParticipants %d", r.MaxParticipants)
	}
	if !r.IsGroup && r.MaxParticipants > 2 {
		return fmt.Errorf("direct call cannot hold %d participants", r.MaxParticipants)
	}
	return nil
}

// CreateCallResponse is the body returned by POST /api/calls.
type CreateCallResponse struct {
	Success bool        `json:"success"`
	CallID  string      `json:"callId,omitempty"`
	Config  *CallConfig `json:"config,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// JoinCallRequest is the body of POST /api/calls/{callId}/join.
type JoinCallRequest struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

func (r JoinCallRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("join call missing userId")
	}
	if r.UserName == "" {
		return fmt.Errorf("join call missing userName")
	}
	return nil
}

// JoinCallResponse is the body returned by POST /api/calls/{callId}/join.
// Participants lists members present before this join; the joiner initiates
// toward each of them.
type JoinCallResponse struct {
	Success       bool          `json:"success"`
	CallID        string        `json:"callId,omitempty"`
	ParticipantID string        `json:"participantId,omitempty"`
	Participants  []Participant `json:"participants,omitempty"`
	Config        *CallConfig   `json:"config,omitempty"`
	Error         string        `json:"error,omitempty"`
}
