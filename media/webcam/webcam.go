// Package webcam captures camera and microphone media through
// pion/mediadevices (V4L2 and malgo drivers). Capture is only available on
// Linux; on other platforms Acquire fails with media.ErrDeviceUnavailable
// and callers should fall back to media.StaticProvider or run receive-only.
package webcam

import (
	"io"
	"log/slog"
)

// Config tunes the capture pipeline. The zero value is usable.
type Config struct {
	Logger *slog.Logger

	// VideoBitRate is the VP8 encoder target in bits/sec. Zero means 1.5 Mbps.
	VideoBitRate int

	// MaxWidth and MaxHeight cap the capture resolution. Zero means 640x480.
	// Higher resolutions raise encoding latency sharply on laptop-class CPUs.
	MaxWidth  int
	MaxHeight int
}

const (
	defaultVideoBitRate = 1_500_000
	defaultMaxWidth     = 640
	defaultMaxHeight    = 480
)

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.VideoBitRate <= 0 {
		c.VideoBitRate = defaultVideoBitRate
	}
	if c.MaxWidth <= 0 {
		c.MaxWidth = defaultMaxWidth
	}
	if c.MaxHeight <= 0 {
		c.MaxHeight = defaultMaxHeight
	}
	return c
}
