//go:build !linux

package webcam

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/peerdial/peerdial/media"
)

// Provider is a stub on non-Linux platforms: the mediadevices drivers this
// package uses (V4L2, malgo) are Linux-only.
type Provider struct {
	cfg Config
}

func New(cfg Config) (*Provider, error) {
	return &Provider{cfg: cfg.withDefaults()}, nil
}

// EngineSetup registers the default codec set; there are no capture encoders
// to mirror on this platform.
func (p *Provider) EngineSetup() func(*webrtc.MediaEngine) error {
	return func(me *webrtc.MediaEngine) error {
		return me.RegisterDefaultCodecs()
	}
}

func (p *Provider) Acquire(_ context.Context, _ media.Constraints) (media.Stream, error) {
	return nil, fmt.Errorf("webcam: capture is linux-only on this build: %w", media.ErrDeviceUnavailable)
}
