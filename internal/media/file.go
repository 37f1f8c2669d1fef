package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/BioHazard786/meshcall/internal/callerr"
	"github.com/BioHazard786/meshcall/internal/rtc"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	opusFrame     = 20 * time.Millisecond
	opusClockRate = 48000
	vp8ClockRate  = 90000
)

// Opus TOC byte for a 20ms CELT frame followed by an empty payload; decoders
// play it as silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// FileSource plays an Ogg/Opus file and an IVF/VP8 file into local tracks,
// looping both. Without an audio file it sends silence; without a video file
// the stream is audio only.
type FileSource struct {
	StreamID  string
	AudioFile string
	VideoFile string
	Logger    *slog.Logger
}

func (f *FileSource) Acquire(ctx context.Context, c Constraints) (rtc.LocalMedia, error) {
	if !c.Audio && !c.Video {
		return nil, callerr.Wrap("acquire media", callerr.ErrMediaDenied, "no tracks requested")
	}
	log := f.Logger
	if log == nil {
		log = slog.Default()
	}

	if c.Video && f.VideoFile != "" {
		if err := probe(f.VideoFile, func(r io.Reader) error {
			_, _, err := ivfreader.NewWith(r)
			return err
		}); err != nil {
			return nil, callerr.Wrap("acquire video", callerr.ErrMediaDenied, err.Error())
		}
	}
	if c.Audio && f.AudioFile != "" {
		if err := probe(f.AudioFile, func(r io.Reader) error {
			_, _, err := oggreader.NewWith(r)
			return err
		}); err != nil {
			return nil, callerr.Wrap("acquire audio", callerr.ErrMediaDenied, err.Error())
		}
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &LocalStream{id: f.StreamID, cancel: cancel}
	if s.id == "" {
		s.id = "meshcall"
	}

	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: opusClockRate,
			Channels:  2,
		}, "audio", s.id)
		if err != nil {
			cancel()
			return nil, callerr.Wrap("acquire audio", callerr.ErrMediaDenied, err.Error())
		}
		s.tracks = append(s.tracks, track)
		if f.AudioFile != "" {
			s.spawn(func() { loopFile(streamCtx, log, f.AudioFile, track, playOgg) })
		} else {
			s.spawn(func() { playSilence(streamCtx, track) })
		}
	}

	if c.Video && f.VideoFile != "" {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: vp8ClockRate,
		}, "video", s.id)
		if err != nil {
			s.Close()
			return nil, callerr.Wrap("acquire video", callerr.ErrMediaDenied, err.Error())
		}
		s.tracks = append(s.tracks, track)
		s.spawn(func() { loopFile(streamCtx, log, f.VideoFile, track, playIVF) })
	}

	if len(s.tracks) == 0 {
		s.Close()
		return nil, callerr.Wrap("acquire media", callerr.ErrMediaDenied, "no video file configured")
	}

	log.Debug("local media acquired", "stream", s.id, "tracks", len(s.tracks))
	return s, nil
}

func probe(path string, parse func(io.Reader) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := parse(file); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

type player func(ctx context.Context, r io.Reader, track *webrtc.TrackLocalStaticSample) error

// loopFile replays path until ctx is done or the file turns unreadable.
func loopFile(ctx context.Context, log *slog.Logger, path string, track *webrtc.TrackLocalStaticSample, play player) {
	for ctx.Err() == nil {
		file, err := os.Open(path)
		if err != nil {
			log.Warn("media file unavailable", "path", path, "error", err)
			return
		}
		err = play(ctx, file, track)
		file.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			if ctx.Err() == nil {
				log.Warn("media playback stopped", "path", path, "error", err)
			}
			return
		}
	}
}

func playIVF(ctx context.Context, r io.Reader, track *webrtc.TrackLocalStaticSample) error {
	ivf, header, err := ivfreader.NewWith(r)
	if err != nil {
		return err
	}

	frameDuration := time.Second / 30
	if header.TimebaseDenominator != 0 {
		frameDuration = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		frame, _, err := ivf.ParseNextFrame()
		if err != nil {
			return err
		}
		if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return err
		}
	}
}

func playOgg(ctx context.Context, r io.Reader, track *webrtc.TrackLocalStaticSample) error {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return err
	}

	var lastGranule uint64
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		page, header, err := ogg.ParseNextPage()
		if err != nil {
			return err
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples) / opusClockRate * float64(time.Second))

		if err := track.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return err
		}
	}
}

func playSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: opusFrame})
		}
	}
}
