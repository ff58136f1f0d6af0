package call

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

var (
	ErrPermissionDenied       = errors.New("microphone permission denied")
	ErrDeviceNotFound         = errors.New("no microphone found")
	ErrDeviceUnavailable      = errors.New("microphone unavailable")
	ErrConstraintNotSatisfied = errors.New("audio constraint not satisfied")
)

// AudioConstraints describes the capture a call needs. The processing flags
// are exact: capture fails when the platform cannot provide one of them.
type AudioConstraints struct {
	DeviceID         string
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// CallAudio is the capture every call requests.
func CallAudio(deviceID string) AudioConstraints {
	return AudioConstraints{
		DeviceID:         deviceID,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Processing is the audio processing a platform capture stack provides.
type Processing struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// ParseProcessing parses a comma separated list of echo, noise and agc.
func ParseProcessing(s string) (Processing, error) {
	var p Processing
	for _, f := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(f)) {
		case "":
		case "echo":
			p.EchoCancellation = true
		case "noise":
			p.NoiseSuppression = true
		case "agc":
			p.AutoGainControl = true
		default:
			return Processing{}, fmt.Errorf("unknown audio processing %q", f)
		}
	}
	return p, nil
}

// Check reports the first requested constraint p cannot satisfy.
func (p Processing) Check(c AudioConstraints) error {
	switch {
	case c.EchoCancellation && !p.EchoCancellation:
		return fmt.Errorf("%w: echo cancellation", ErrConstraintNotSatisfied)
	case c.NoiseSuppression && !p.NoiseSuppression:
		return fmt.Errorf("%w: noise suppression", ErrConstraintNotSatisfied)
	case c.AutoGainControl && !p.AutoGainControl:
		return fmt.Errorf("%w: auto gain control", ErrConstraintNotSatisfied)
	}
	return nil
}

// LocalAudio is a captured microphone track.
type LocalAudio interface {
	// Track is what gets attached to the peer connection.
	Track() webrtc.TrackLocal
	// SetEnabled mutes or unmutes the track without renegotiation.
	SetEnabled(enabled bool)
	Enabled() bool
	// Live reports that the device is still held.
	Live() bool
	// Stop releases the device. It is idempotent.
	Stop()
}

// MediaDevices acquires local audio.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c AudioConstraints) (LocalAudio, error)
}

// IsMediaError reports whether err is one of the user-facing capture errors.
func IsMediaError(err error) bool {
	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrDeviceUnavailable) ||
		errors.Is(err, ErrConstraintNotSatisfied)
}
