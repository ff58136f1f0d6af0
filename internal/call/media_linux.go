//go:build linux

package call

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const opusFrame = 20 * time.Millisecond

// DeviceMedia captures the microphone with pion/mediadevices and encodes it
// to Opus.
type DeviceMedia struct {
	Processing Processing
}

func NewDeviceMedia(p Processing) *DeviceMedia {
	return &DeviceMedia{Processing: p}
}

func (d *DeviceMedia) GetUserMedia(_ context.Context, c AudioConstraints) (LocalAudio, error) {
	if err := d.Processing.Check(c); err != nil {
		return nil, err
	}

	inputs := slices.DeleteFunc(mediadevices.EnumerateDevices(), func(info mediadevices.MediaDeviceInfo) bool {
		return info.Kind != mediadevices.AudioInput
	})
	if len(inputs) == 0 {
		return nil, ErrDeviceNotFound
	}
	if c.DeviceID != "" && !slices.ContainsFunc(inputs, func(info mediadevices.MediaDeviceInfo) bool {
		return info.DeviceID == c.DeviceID
	}) {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, c.DeviceID)
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	selector := mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams))

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(mc *mediadevices.MediaTrackConstraints) {
			if c.DeviceID != "" {
				mc.DeviceID = prop.StringExact(c.DeviceID)
			}
		},
		Codec: selector,
	})
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, ErrDeviceUnavailable
	}
	src := tracks[0]

	reader, err := src.NewEncodedReader(webrtc.MimeTypeOpus)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	out, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "shutterline",
	)
	if err != nil {
		_ = reader.Close()
		_ = src.Close()
		return nil, err
	}

	a := &deviceAudio{src: src, reader: reader, out: out}
	a.enabled.Store(true)
	a.live.Store(true)
	go a.pump()
	return a, nil
}

type deviceAudio struct {
	src    mediadevices.Track
	reader mediadevices.EncodedReadCloser
	out    *webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	live    atomic.Bool
	once    sync.Once
}

func (a *deviceAudio) Track() webrtc.TrackLocal { return a.out }
func (a *deviceAudio) SetEnabled(v bool)        { a.enabled.Store(v) }
func (a *deviceAudio) Enabled() bool            { return a.enabled.Load() }
func (a *deviceAudio) Live() bool               { return a.live.Load() }

func (a *deviceAudio) Stop() {
	a.once.Do(func() {
		a.live.Store(false)
		_ = a.reader.Close()
		_ = a.src.Close()
	})
}

// pump forwards encoded frames to the outgoing track. Frames read while the
// track is disabled are dropped.
func (a *deviceAudio) pump() {
	for {
		buf, release, err := a.reader.Read()
		if err != nil {
			if a.live.Load() {
				slog.Warn("microphone stopped", "error", err)
			}
			return
		}
		if a.enabled.Load() {
			data := make([]byte, len(buf.Data))
			copy(data, buf.Data)
			if err := a.out.WriteSample(media.Sample{Data: data, Duration: opusFrame}); err != nil {
				slog.Debug("dropping audio frame", "error", err)
			}
		}
		release()
	}
}
