// Command peerdial-call is a demo dialer: it connects a CallSession to a
// signaling server, creates or joins a call with synthetic (or webcam)
// media, and logs roster, negotiation, and track events until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peerdial/peerdial"
	"github.com/peerdial/peerdial/media"
	"github.com/peerdial/peerdial/media/webcam"
)

func main() {
	var (
		serverURL = flag.String("server", "ws://127.0.0.1:8086/ws", "signaling server websocket URL")
		userID    = flag.String("user", "", "user id to register as (required)")
		userName  = flag.String("name", "", "display name (defaults to -user)")
		joinID    = flag.String("join", "", "join an existing call by id instead of creating one")
		callType  = flag.String("type", peerdial.CallTypeVideo, "call type when creating: video or audio")
		group     = flag.Bool("group", false, "create a group call")
		maxPeers  = flag.Int("max-participants", 0, "participant cap when creating (0 = server default)")
		invite    = flag.String("invite", "", "user id to ring once the call is up")
		useWebcam = flag.Bool("webcam", false, "capture from the local webcam instead of synthetic media")
		noMedia   = flag.Bool("no-media", false, "join receive-only, without local capture")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}
	if *userName == "" {
		*userName = *userID
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	provider, err := mediaProvider(logger, *useWebcam, *noMedia)
	if err != nil {
		logger.Error("failed to configure media capture", "err", err)
		os.Exit(2)
	}

	constraints := media.Constraints{Audio: true, Video: *callType != peerdial.CallTypeAudio}

	session, err := peerdial.New(peerdial.Config{
		Logger:           logger,
		Media:            provider,
		MediaConstraints: constraints,
	})
	if err != nil {
		logger.Error("failed to build call session", "err", err)
		os.Exit(2)
	}
	defer session.Close()

	registerHandlers(logger, session)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Connect(ctx, *serverURL, *userID, *userName); err != nil {
		logger.Error("failed to connect", "server", *serverURL, "err", err)
		os.Exit(1)
	}

	callID := *joinID
	if callID == "" {
		callID, err = session.CreateCall(ctx, *callType, *group, *maxPeers)
		if err != nil {
			logger.Error("failed to create call", "err", err)
			os.Exit(1)
		}
		logger.Info("created call", "call_id", callID, "type", *callType)
	}

	if err := session.JoinCall(ctx, callID); err != nil {
		logger.Error("failed to join call", "call_id", callID, "err", err)
		os.Exit(1)
	}
	logger.Info("joined call",
		"call_id", callID,
		"participant_id", session.ParticipantID(),
		"participants", len(session.Participants()),
	)

	if *invite != "" {
		inviteCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := session.InviteUser(inviteCtx, *invite, callID)
		cancel()
		if err != nil {
			logger.Warn("invitation not delivered", "target", *invite, "err", err)
		} else {
			logger.Info("invitation delivered", "target", *invite)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")

	session.EndCall()
	session.Disconnect()

	for event, count := range session.MetricsSnapshot() {
		if count > 0 {
			logger.Debug("session counter", "event", event, "count", count)
		}
	}
}

func mediaProvider(logger *slog.Logger, useWebcam, noMedia bool) (media.Provider, error) {
	switch {
	case noMedia:
		return nil, nil
	case useWebcam:
		return webcam.New(webcam.Config{Logger: logger})
	default:
		return &media.StaticProvider{}, nil
	}
}

func registerHandlers(logger *slog.Logger, session *peerdial.CallSession) {
	session.OnConnectionChange(func(connected bool) {
		logger.Info("signaling connection", "connected", connected)
	})
	session.OnUsersOnline(func(users []peerdial.OnlineUser) {
		logger.Debug("online users", "count", len(users))
	})
	session.OnIncomingCall(func(call peerdial.IncomingCall) {
		logger.Info("incoming call, auto-accepting",
			"call_id", call.CallID,
			"caller", call.CallerName,
			"type", call.CallType,
		)
		if err := session.AcceptCall(call.CallID, call.CallerID); err != nil {
			logger.Warn("accept failed", "call_id", call.CallID, "err", err)
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := session.JoinCall(ctx, call.CallID); err != nil {
				logger.Warn("join after accept failed", "call_id", call.CallID, "err", err)
			}
		}()
	})
	session.OnCallAccepted(func(acc peerdial.CallAccepted) {
		logger.Info("call accepted", "call_id", acc.CallID, "by", acc.AcceptedByName)
	})
	session.OnCallRejected(func(rej peerdial.CallRejected) {
		logger.Info("call rejected", "call_id", rej.CallID, "by", rej.RejectedByName)
	})
	session.OnParticipantJoined(func(p peerdial.Participant) {
		logger.Info("participant joined", "participant_id", p.ID, "name", p.UserName)
	})
	session.OnParticipantLeft(func(participantID string) {
		logger.Info("participant left", "participant_id", participantID)
	})
	session.OnPeerStateChange(func(participantID string, state peerdial.LinkState) {
		logger.Info("peer link", "participant_id", participantID, "state", state)
	})
	session.OnRemoteTrack(func(participantID string, track peerdial.RemoteTrack) {
		logger.Info("remote track",
			"participant_id", participantID,
			"kind", track.Kind,
			"track_id", track.ID,
		)
	})
	session.OnRemoteStreamRemoved(func(participantID string) {
		logger.Info("remote stream removed", "participant_id", participantID)
	})
	session.OnError(func(err error) {
		logger.Warn("session error", "err", err)
	})
}
