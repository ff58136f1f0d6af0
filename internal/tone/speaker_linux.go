//go:build linux

package tone

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// Speaker plays PCM through the default output device.
type Speaker struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu      sync.Mutex
	pending []byte
}

// NewSpeaker opens the default playback device at sampleRate, mono.
func NewSpeaker(sampleRate int) (*Speaker, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	s := &Speaker{ctx: mctx}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: s.fill})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("start playback device: %w", err)
	}
	s.device = device
	return s, nil
}

// Write queues samples; it never blocks on the device.
func (s *Speaker) Write(samples []int16) error {
	buf := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	s.mu.Lock()
	s.pending = append(s.pending, buf...)
	s.mu.Unlock()
	return nil
}

func (s *Speaker) fill(out, _ []byte, _ uint32) {
	s.mu.Lock()
	n := copy(out, s.pending)
	s.pending = s.pending[n:]
	s.mu.Unlock()
	clear(out[n:])
}

func (s *Speaker) Close() error {
	s.device.Uninit()
	err := s.ctx.Uninit()
	s.ctx.Free()
	return err
}
