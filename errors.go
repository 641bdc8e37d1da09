package peerdial

import (
	"github.com/peerdial/peerdial/internal/directory"
	"github.com/peerdial/peerdial/internal/peering"
	"github.com/peerdial/peerdial/internal/signaling"
	"github.com/peerdial/peerdial/internal/transport"
)

// Sentinel errors surfaced by CallSession operations. Branch with errors.Is.
var (
	// ErrInvalidEndpoint reports a signaling URL that cannot be parsed or
	// does not use the ws/wss scheme.
	ErrInvalidEndpoint = signaling.ErrInvalidEndpoint

	// ErrConnectTimeout reports a connect attempt that saw no registration
	// acknowledgement within the connect timeout.
	ErrConnectTimeout = signaling.ErrConnectTimeout

	// ErrConnectRejected reports a server that refused the registration.
	ErrConnectRejected = signaling.ErrConnectRejected

	// ErrNotConnected reports an operation that needs a registered session.
	ErrNotConnected = transport.ErrNotConnected

	// ErrClosed reports a session that has been closed for good.
	ErrClosed = transport.ErrClosed

	// ErrAckTimeout reports an acknowledged exchange that expired. The
	// operation may still have taken effect remotely; a late ack is ignored.
	ErrAckTimeout = transport.ErrAckTimeout

	// ErrInvalidResponse reports a directory reply that could not be used.
	ErrInvalidResponse = directory.ErrInvalidResponse

	// ErrPeerLinkNotFound reports a negotiation message from a participant
	// without a peer link.
	ErrPeerLinkNotFound = peering.ErrPeerLinkNotFound
)

// APIError is a directory request the server understood and refused.
type APIError = directory.APIError

// NegotiationError is a per-participant negotiation failure. The affected
// link is failed; the call survives.
type NegotiationError = peering.NegotiationError

// NegotiationStage names the step a NegotiationError occurred in.
type NegotiationStage = peering.Stage

const (
	StageOffer  = peering.StageOffer
	StageAnswer = peering.StageAnswer
	StageICE    = peering.StageICE
)

// RejectedError is an acknowledged emit the server answered with a refusal,
// e.g. an invitation for an unknown user.
type RejectedError = transport.NackError

// ServerError is an asynchronous error event reported by the signaling
// server, delivered through the error callback.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "peerdial: server error: " + e.Message
}
