package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

const (
	defaultAudioInterval = 20 * time.Millisecond
	defaultVideoInterval = 40 * time.Millisecond
)

// opusSilence is a minimal Opus DTX frame; receivers treat it as silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// vp8Filler starts with the VP8 keyframe sync code so packetization stays
// well-formed. The frame does not decode to an image; it only has to keep
// RTP flowing.
var vp8Filler = []byte{0x9d, 0x01, 0x2a, 0x00, 0x00, 0x00, 0x00}

// StaticProvider produces synthetic sample-emitting tracks: Opus silence and
// VP8 filler frames at a steady cadence. It needs no devices, which makes it
// the provider of choice for tests, the demo dialer, and headless peers.
//
// Disabling a static track pauses sample emission entirely.
type StaticProvider struct {
	// AudioInterval and VideoInterval override the sample cadence.
	// Zero values use 20ms audio / 40ms video.
	AudioInterval time.Duration
	VideoInterval time.Duration
}

func (p *StaticProvider) Acquire(_ context.Context, c Constraints) (Stream, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("media: constraints select no tracks")
	}

	streamID := "static-" + uuid.NewString()
	var tracks []Track

	if c.Audio {
		t, err := newStaticTrack(KindAudio, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, streamID, orDefault(p.AudioInterval, defaultAudioInterval), opusSilence)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := newStaticTrack(KindVideo, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, streamID, orDefault(p.VideoInterval, defaultVideoInterval), vp8Filler)
		if err != nil {
			// Release the audio track acquired above.
			for _, prev := range tracks {
				_ = prev.Close()
			}
			return nil, err
		}
		tracks = append(tracks, t)
	}

	return &staticStream{tracks: tracks}, nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

type staticStream struct {
	tracks []Track
	once   sync.Once
}

func (s *staticStream) Tracks() []Track { return s.tracks }

func (s *staticStream) Release() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			_ = t.Close()
		}
	})
}

type staticTrack struct {
	kind     Kind
	local    *webrtc.TrackLocalStaticSample
	interval time.Duration
	payload  []byte

	enabled atomic.Bool
	stop    chan struct{}
	once    sync.Once
}

func newStaticTrack(kind Kind, capability webrtc.RTPCodecCapability, streamID string, interval time.Duration, payload []byte) (*staticTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(capability, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("media: create %s track: %w", kind, err)
	}

	t := &staticTrack{
		kind:     kind,
		local:    local,
		interval: interval,
		payload:  payload,
		stop:     make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.pump()
	return t, nil
}

func (t *staticTrack) pump() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if !t.enabled.Load() {
				continue
			}
			// WriteSample is a no-op until the track is bound to a sender.
			_ = t.local.WriteSample(pionmedia.Sample{Data: t.payload, Duration: t.interval})
		}
	}
}

func (t *staticTrack) ID() string { return t.local.ID() }

func (t *staticTrack) Kind() Kind { return t.kind }

func (t *staticTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *staticTrack) Enabled() bool { return t.enabled.Load() }

func (t *staticTrack) Local() webrtc.TrackLocal { return t.local }

func (t *staticTrack) Close() error {
	t.once.Do(func() { close(t.stop) })
	return nil
}
