package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BioHazard786/meshcall/internal/callerr"
	"github.com/BioHazard786/meshcall/internal/config"
	"github.com/BioHazard786/meshcall/internal/logging"
	"github.com/BioHazard786/meshcall/internal/media"
	"github.com/BioHazard786/meshcall/internal/netutil"
	"github.com/BioHazard786/meshcall/internal/room"
	"github.com/BioHazard786/meshcall/internal/roomid"
	"github.com/BioHazard786/meshcall/internal/rtc"
	"github.com/BioHazard786/meshcall/internal/session"
	"github.com/BioHazard786/meshcall/internal/signaling"
	"github.com/BioHazard786/meshcall/internal/store"
	"github.com/BioHazard786/meshcall/internal/ui"
	"github.com/pion/webrtc/v4"
)

const leaveTimeout = 5 * time.Second

// setupLogging installs the default logger and returns a closer for the log file.
func setupLogging(cfg *config.Config) (func(), error) {
	if cfg.LogFile == "" {
		logging.Init(cfg.DebugLevel, nil)
		return func() {}, nil
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(cfg.DebugLevel, f)
	return func() { f.Close() }, nil
}

func openStore(cfg *config.Config) (*store.FileStore, string, error) {
	st, err := store.New(cfg.StateDir, cfg.Profile)
	if err != nil {
		return nil, "", err
	}
	self, err := st.EnsureSelfID(roomid.Generate)
	if err != nil {
		return nil, "", err
	}
	return st, self, nil
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	var out []webrtc.ICEServer
	for _, s := range cfg.GetICEServers() {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// forceRelay decides the ICE transport policy. Restricted networks switch to
// relay automatically, but only when a TURN server is available.
func forceRelay(cfg *config.Config) (bool, error) {
	if cfg.ForceRelay {
		if !cfg.HasTURN() {
			return false, fmt.Errorf("cannot force relay mode without TURN server configured")
		}
		return true, nil
	}
	if restricted, iface := netutil.ShouldForceRelay(); restricted {
		if cfg.HasTURN() {
			ui.PrintInfof("Detected tunnel interface %s, using relay mode", iface)
			return true, nil
		}
		ui.PrintWarning("Tunnel interface " + iface + " detected without a TURN server, direct paths may fail")
	}
	return false, nil
}

func mediaSource(cfg *config.Config, self string) (media.Source, media.Constraints) {
	src := &media.FileSource{
		StreamID:  self + "-stream",
		AudioFile: cfg.AudioFile,
		VideoFile: cfg.VideoFile,
	}
	if cfg.NoMedia {
		src.AudioFile, src.VideoFile = "", ""
		return src, media.Constraints{Audio: true}
	}
	return src, media.Constraints{Audio: true, Video: cfg.VideoFile != ""}
}

// callObserver feeds the room UI and drains every remote stream into its
// per-peer counters.
type callObserver struct {
	*ui.RoomUI
	ctx context.Context
}

func (o *callObserver) RemoteStream(id string, stream rtc.MediaHandle) {
	o.RoomUI.RemoteStream(id, stream)
	if rs, ok := stream.(*rtc.RemoteStream); ok {
		go media.Drain(o.ctx, rs, func(s media.Stats) {
			o.SetStats(id, s)
		})
	}
}

// runCall registers self on the relay and stays in roomID until the user
// quits, the room ends or ctx is cancelled.
func runCall(ctx context.Context, cfg *config.Config, st *store.FileStore, self, roomID string) error {
	relay, err := forceRelay(cfg)
	if err != nil {
		return err
	}

	factory, err := rtc.NewPionFactory(rtc.Settings{
		ICEServers: iceServers(cfg),
		ForceRelay: relay,
	})
	if err != nil {
		return callerr.New("create peer factory", err)
	}

	spin := ui.NewConnectionSpinner("Connecting to relay...")
	spin.Start()
	client := signaling.NewClient(cfg.SignalingURL(self))
	if err := client.Connect(ctx); err != nil {
		spin.Error("Could not reach the relay")
		return err
	}

	ep, err := session.NewEndpoint(session.Options{
		ID:      self,
		Link:    client,
		Factory: factory,
		Filter:  rtc.LimitBandwidth(cfg.BandwidthKbps),
		Logger:  slog.Default(),
	})
	if err != nil {
		spin.Stop()
		client.Close()
		return err
	}
	defer ep.Close()

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	view := ui.NewRoomUI(ui.RoomHeader{Self: self, RoomID: roomID, Link: cfg.RoomLink(roomID)})
	obs := &callObserver{RoomUI: view, ctx: callCtx}

	source, constraints := mediaSource(cfg, self)
	coord := room.New(room.Config{
		RoomID:           roomID,
		RenderDelay:      cfg.RenderDelay,
		WatchdogInterval: cfg.WatchdogInterval,
		WatchdogConfirm:  cfg.WatchdogConfirm,
		Constraints:      constraints,
		Logger:           slog.Default(),
	}, ep, source, obs, st)

	if err := ep.Start(ctx, coord.HandleEvent); err != nil {
		if errors.Is(err, callerr.ErrIDTaken) {
			spin.Error("Participant id already in use")
			return fmt.Errorf("%w: try another --profile", err)
		}
		spin.Error("Relay rejected registration")
		return err
	}
	spin.Success("Connected")

	if self == roomID {
		fmt.Fprintln(ui.Out, ui.NewRoomInfo(roomID, cfg.RoomLink(roomID)).View())
	}

	view.Start()
	coord.Activate()

	select {
	case <-ctx.Done():
	case <-view.Done():
	}

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer leaveCancel()
	if err := coord.Leave(leaveCtx); err != nil {
		slog.Warn("leave room", "error", err)
	}
	cancel()
	ep.Close()
	view.Stop()

	ui.RenderSummary(ui.Out, view.Summary())
	return view.Err()
}
