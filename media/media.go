// Package media defines the local media contract consumed by the call
// session: a Provider acquires a Stream of Tracks, and tracks can be enabled
// or disabled in place without renegotiation.
//
// Two providers ship with this module: StaticProvider (synthetic
// sample-emitting tracks, used by tests and the demo dialer) and
// media/webcam (camera/microphone capture via pion/mediadevices).
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// Kind distinguishes audio from video tracks.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

var (
	// ErrPermissionDenied reports that the platform refused device access.
	ErrPermissionDenied = errors.New("media: permission denied")

	// ErrDeviceUnavailable reports that no usable capture device exists or
	// every capture attempt failed.
	ErrDeviceUnavailable = errors.New("media: device unavailable")
)

// Constraints selects which track kinds to acquire.
type Constraints struct {
	Audio bool
	Video bool
}

// Track is one local media source attached to peer connections.
type Track interface {
	ID() string
	Kind() Kind

	// SetEnabled flips the track's enabled flag. Disabling pauses the track
	// without tearing it down or renegotiating; enabling resumes it.
	SetEnabled(enabled bool)
	Enabled() bool

	// Local returns the engine-level track to hand to a peer connection.
	Local() webrtc.TrackLocal

	Close() error
}

// Stream is a set of tracks acquired together and released together.
type Stream interface {
	Tracks() []Track

	// Release closes every track. Idempotent.
	Release()
}

// Provider acquires local media. Acquisition may prompt the user or open
// devices, so it takes a context.
type Provider interface {
	Acquire(ctx context.Context, c Constraints) (Stream, error)
}

// TracksOfKind filters a stream's tracks by kind.
func TracksOfKind(s Stream, kind Kind) []Track {
	if s == nil {
		return nil
	}
	var out []Track
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}
