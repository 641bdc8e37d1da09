package wire

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Call types carried on the wire.
const (
	CallTypeVideo = "video"
	CallTypeAudio = "audio"
)

// ValidCallType reports whether t is a call type this protocol knows.
func ValidCallType(t string) bool {
	return t == CallTypeVideo || t == CallTypeAudio
}

// RegisterUser binds the connection to a user identity. Acknowledged.
type RegisterUser struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

func (p RegisterUser) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("register-user missing userId")
	}
	if p.UserName == "" {
		return fmt.Errorf("register-user missing userName")
	}
	return nil
}

// JoinCall announces room entry after a successful directory join.
type JoinCall struct {
	CallID        string `json:"callId"`
	ParticipantID string `json:"participantId"`
	UserName      string `json:"userName"`
}

func (p JoinCall) Validate() error {
	if p.CallID == "" {
		return fmt.Errorf("join-call missing callId")
	}
	if p.ParticipantID == "" {
		return fmt.Errorf("join-call missing participantId")
	}
	return nil
}

// CallInvitation asks the server to ring another user. Acknowledged.
type CallInvitation struct {
	TargetUserID string `json:"targetUserId"`
	CallID       string `json:"callId"`
	CallType     string `json:"callType"`
	CallerID     string `json:"callerId"`
	CallerName   string `json:"callerName"`
}

func (p CallInvitation) Validate() error {
	if p.TargetUserID == "" {
		return fmt.Errorf("send-call-invitation missing targetUserId")
	}
	if p.CallID == "" {
		return fmt.Errorf("send-call-invitation missing callId")
	}
	if !ValidCallType(p.CallType) {
		return fmt.Errorf("send-call-invitation has callType %q", p.CallType)
	}
	if p.CallerID == "" {
		return fmt.Errorf("send-call-invitation missing callerId")
	}
	return nil
}

// AcceptCall tells the caller their invitation was taken.
type AcceptCall struct {
	CallID   string `json:"callId"`
	CallerID string `json:"callerId"`
}

func (p AcceptCall) Validate() error {
	if p.CallID == "" || p.CallerID == "" {
		return fmt.Errorf("accept-call missing callId/callerId")
	}
	return nil
}

// RejectCall tells the caller their invitation was declined.
type RejectCall struct {
	CallID   string `json:"callId"`
	CallerID string `json:"callerId"`
}

func (p RejectCall) Validate() error {
	if p.CallID == "" || p.CallerID == "" {
		return fmt.Errorf("reject-call missing callId/callerId")
	}
	return nil
}

// LeaveCall announces departure from a call.
type LeaveCall struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

func (p LeaveCall) Validate() error {
	if p.CallID == "" {
		return fmt.Errorf("leave-call missing callId")
	}
	return nil
}

// Ack resolves an acknowledged emit, matched by envelope ID.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// OnlineUser is one entry of the users-online payload, which is a bare
// JSON array.
type OnlineUser struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// IncomingCall rings an invited user.
type IncomingCall struct {
	CallID     string `json:"callId"`
	CallerID   string `json:"callerId"`
	CallerName string `json:"callerName"`
	CallType   string `json:"callType"`
}

// CallAccepted notifies the caller of an accepted invitation.
type CallAccepted struct {
	CallID         string `json:"callId"`
	AcceptedByID   string `json:"acceptedById"`
	AcceptedByName string `json:"acceptedByName"`
}

// CallRejected notifies the caller of a declined invitation.
type CallRejected struct {
	CallID         string `json:"callId"`
	RejectedByID   string `json:"rejectedById"`
	RejectedByName string `json:"rejectedByName"`
}

// Participant is a roster entry.
type Participant struct {
	ID       string `json:"id"`
	UserName string `json:"userName"`
}

// CallJoined is the authoritative roster snapshot delivered at room entry.
type CallJoined struct {
	CallID       string             `json:"callId"`
	Participants []Participant      `json:"participants"`
	ICEServers   []webrtc.ICEServer `json:"iceServers,omitempty"`
}

// ParticipantJoined announces a new roster entry to existing members.
type ParticipantJoined struct {
	CallID        string `json:"callId"`
	ParticipantID string `json:"participantId"`
	UserName      string `json:"userName"`
}

// ParticipantLeft announces a departed roster entry.
type ParticipantLeft struct {
	CallID        string `json:"callId"`
	ParticipantID string `json:"participantId"`
}

// ErrorEvent is a server-reported asynchronous error.
type ErrorEvent struct {
	Message string `json:"message"`
}

// SignalType discriminates negotiation payloads.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
)

// SignalBody carries either a session description (offer/answer) or an ICE
// candidate, matching the discriminator on the enclosing signal.
type SignalBody struct {
	SDP           *string `json:"sdp,omitempty"`
	Type          *string `json:"type,omitempty"`
	Candidate     *string `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// NewDescriptionBody wraps a session description for the wire.
func NewDescriptionBody(desc webrtc.SessionDescription) SignalBody {
	t := desc.Type.String()
	sdp := desc.SDP
	return SignalBody{SDP: &sdp, Type: &t}
}

// NewCandidateBody wraps an ICE candidate for the wire.
func NewCandidateBody(init webrtc.ICECandidateInit) SignalBody {
	c := init.Candidate
	return SignalBody{Candidate: &c, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex}
}

// SessionDescription extracts the description from an offer/answer body.
func (b SignalBody) SessionDescription() (webrtc.SessionDescription, error) {
	if b.SDP == nil || b.Type == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("signal body missing sdp")
	}
	var t webrtc.SDPType
	switch *b.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", *b.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: *b.SDP}, nil
}

// ICECandidate extracts the candidate from an ice-candidate body.
func (b SignalBody) ICECandidate() (webrtc.ICECandidateInit, error) {
	if b.Candidate == nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("signal body missing candidate")
	}
	return webrtc.ICECandidateInit{
		Candidate:     *b.Candidate,
		SDPMid:        b.SDPMid,
		SDPMLineIndex: b.SDPMLineIndex,
	}, nil
}

func validateSignal(t SignalType, b SignalBody) error {
	switch t {
	case SignalOffer, SignalAnswer:
		if b.SDP == nil || b.Type == nil {
			return fmt.Errorf("%s signal missing sdp", t)
		}
		if *b.Type != string(t) {
			return fmt.Errorf("%s signal has sdp type %q", t, *b.Type)
		}
		if b.Candidate != nil || b.SDPMid != nil || b.SDPMLineIndex != nil {
			return fmt.Errorf("%s signal has candidate fields", t)
		}
	case SignalCandidate:
		if b.Candidate == nil {
			return fmt.Errorf("ice-candidate signal missing candidate")
		}
		if b.SDP != nil || b.Type != nil {
			return fmt.Errorf("ice-candidate signal has sdp fields")
		}
	default:
		return fmt.Errorf("unsupported signal type %q", t)
	}
	return nil
}

// SignalOut is a client-emitted negotiation message, routed by targetId.
type SignalOut struct {
	CallID   string     `json:"callId"`
	TargetID string     `json:"targetId"`
	Type     SignalType `json:"type"`
	Signal   SignalBody `json:"signal"`
}

func (p SignalOut) Validate() error {
	if p.CallID == "" {
		return fmt.Errorf("signal missing callId")
	}
	if p.TargetID == "" {
		return fmt.Errorf("signal missing targetId")
	}
	return validateSignal(p.Type, p.Signal)
}

// SignalIn is a server-routed negotiation message, stamped with the sender.
type SignalIn struct {
	FromID string     `json:"fromId"`
	Type   SignalType `json:"type"`
	Signal SignalBody `json:"signal"`
}

func (p SignalIn) Validate() error {
	if p.FromID == "" {
		return fmt.Errorf("signal missing fromId")
	}
	return validateSignal(p.Type, p.Signal)
}
