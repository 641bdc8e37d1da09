//go:build linux

package webcam

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/peerdial/peerdial/media"
)

// Provider captures local media with VP8 video and Opus audio.
type Provider struct {
	cfg      Config
	selector *mediadevices.CodecSelector
}

func New(cfg Config) (*Provider, error) {
	cfg = cfg.withDefaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("webcam: vp8 params: %w", err)
	}
	vpxParams.BitRate = cfg.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("webcam: opus params: %w", err)
	}

	return &Provider{
		cfg: cfg,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// EngineSetup returns the media-engine hook to hand to the RTC engine so its
// codec set matches the capture encoders.
func (p *Provider) EngineSetup() func(*webrtc.MediaEngine) error {
	return func(me *webrtc.MediaEngine) error {
		p.selector.Populate(me)
		return nil
	}
}

// Acquire opens capture devices matching the constraints. Mixed capture
// fails as a unit in mediadevices, so a busy microphone would otherwise take
// the camera down with it; Acquire degrades through video-only and
// audio-only before giving up.
func (p *Provider) Acquire(ctx context.Context, c media.Constraints) (media.Stream, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("webcam: constraints select no tracks")
	}

	for _, d := range mediadevices.EnumerateDevices() {
		p.cfg.Logger.Debug("media device", "kind", d.Kind, "label", d.Label)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	var attempts []attempt
	if c.Video && c.Audio {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	} else if c.Video {
		attempts = []attempt{{true, false, "video-only"}}
	} else {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: p.selector}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG: some cameras expose an MJPEG V4L2 node that
				// produces malformed frames and poisons the VP8 encoder.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: p.cfg.MaxWidth}
				mc.Height = prop.IntRanged{Max: p.cfg.MaxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			p.cfg.Logger.Warn("capture attempt failed", "attempt", a.label, "err", err)
			continue
		}

		tracks := stream.GetTracks()
		out := make([]media.Track, 0, len(tracks))
		for _, tr := range tracks {
			tr.OnEnded(func(err error) {
				if err != nil {
					p.cfg.Logger.Warn("local track ended", "err", err)
				}
			})
			out = append(out, newWebcamTrack(tr))
		}

		p.cfg.Logger.Info("local media captured", "attempt", a.label, "tracks", len(out))
		return &webcamStream{tracks: out}, nil
	}

	return nil, fmt.Errorf("webcam: all capture attempts failed: %w", media.ErrDeviceUnavailable)
}

type webcamStream struct {
	tracks []media.Track
	once   sync.Once
}

func (s *webcamStream) Tracks() []media.Track { return s.tracks }

func (s *webcamStream) Release() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			_ = t.Close()
		}
	})
}

// webcamTrack adapts a mediadevices track. The enabled flag is advisory: the
// device keeps capturing, but the flag drives the session-level mute state.
type webcamTrack struct {
	track   mediadevices.Track
	kind    media.Kind
	enabled atomic.Bool
}

func newWebcamTrack(tr mediadevices.Track) *webcamTrack {
	kind := media.KindAudio
	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		kind = media.KindVideo
	}
	t := &webcamTrack{track: tr, kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *webcamTrack) ID() string { return t.track.ID() }

func (t *webcamTrack) Kind() media.Kind { return t.kind }

func (t *webcamTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *webcamTrack) Enabled() bool { return t.enabled.Load() }

func (t *webcamTrack) Local() webrtc.TrackLocal { return t.track }

func (t *webcamTrack) Close() error { return t.track.Close() }
