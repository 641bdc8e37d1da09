package rtc

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"

	"github.com/peerdial/peerdial/media"
)

// ICE timeout defaults. The stock disconnected timeout is too short for
// relay paths that see brief outages during re-keying or failover.
const (
	DefaultDisconnectedTimeout = 30 * time.Second
	DefaultFailedTimeout       = 120 * time.Second
	DefaultKeepAliveInterval   = 2 * time.Second
)

// PionConfig parameterizes the pion-backed engine.
type PionConfig struct {
	Logger *slog.Logger

	// MediaEngineSetup registers codecs on each new API. Nil registers the
	// defaults. Capture providers that encode with specific parameters
	// (media/webcam) supply their own hook so both sides of the SDP agree.
	MediaEngineSetup func(*webrtc.MediaEngine) error

	// ICE liveness tuning. Zero values use the defaults above.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// Net substitutes the engine's network stack; tests pass a vnet.
	Net transport.Net

	// UDPPortMin/UDPPortMax restrict ephemeral UDP ports when Max is set.
	UDPPortMin uint16
	UDPPortMax uint16
}

// PionEngine builds pion peer connections from a shared API.
type PionEngine struct {
	api *webrtc.API
}

func NewPionEngine(cfg PionConfig) (*PionEngine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	mediaEngine := &webrtc.MediaEngine{}
	setup := cfg.MediaEngineSetup
	if setup == nil {
		setup = func(me *webrtc.MediaEngine) error { return me.RegisterDefaultCodecs() }
	}
	if err := setup(mediaEngine); err != nil {
		return nil, fmt.Errorf("rtc: media engine setup: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("rtc: register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: slogLoggerFactory{base: logger}}
	se.SetICETimeouts(
		durationOr(cfg.DisconnectedTimeout, DefaultDisconnectedTimeout),
		durationOr(cfg.FailedTimeout, DefaultFailedTimeout),
		durationOr(cfg.KeepAliveInterval, DefaultKeepAliveInterval),
	)
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}
	if cfg.UDPPortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("rtc: set ephemeral udp port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	return &PionEngine{api: api}, nil
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func (e *PionEngine) NewConn(cfg ConnConfig) (Conn, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("rtc: new peer connection: %w", err)
	}
	return &pionConn{pc: pc}, nil
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) AddTrack(track webrtc.TrackLocal) error {
	_, err := c.pc.AddTrack(track)
	return err
}

func (c *pionConn) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			// End of gathering.
			return
		}
		f(cand.ToJSON())
	})
}

func (c *pionConn) OnTrack(f func(RemoteTrack)) {
	c.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(RemoteTrack{
			ID:       tr.ID(),
			Kind:     kindOf(tr.Kind()),
			StreamID: tr.StreamID(),
			Track:    tr,
		})
	})
}

func (c *pionConn) OnStateChange(f func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(f)
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

func kindOf(t webrtc.RTPCodecType) media.Kind {
	switch t {
	case webrtc.RTPCodecTypeAudio:
		return media.KindAudio
	case webrtc.RTPCodecTypeVideo:
		return media.KindVideo
	default:
		return media.Kind(t.String())
	}
}
