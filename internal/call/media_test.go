package call

import (
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProcessing(t *testing.T) {
	tests := []struct {
		in      string
		want    Processing
		wantErr bool
	}{
		{in: "echo,noise,agc", want: Processing{true, true, true}},
		{in: " Echo , agc", want: Processing{EchoCancellation: true, AutoGainControl: true}},
		{in: "", want: Processing{}},
		{in: "echo,reverb", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProcessing(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProcessingCheck(t *testing.T) {
	full := Processing{true, true, true}
	require.NoError(t, full.Check(CallAudio("")))

	err := Processing{EchoCancellation: true, NoiseSuppression: true}.Check(CallAudio("mic-1"))
	require.ErrorIs(t, err, ErrConstraintNotSatisfied)
	assert.Contains(t, err.Error(), "auto gain control")
	assert.True(t, IsMediaError(err))

	require.NoError(t, Processing{}.Check(AudioConstraints{DeviceID: "mic-1"}))
	assert.False(t, IsMediaError(errors.New("other")))
}

type fakeTrack struct {
	stream  string
	packets chan []byte
}

func (f *fakeTrack) StreamID() string { return f.stream }

func (f *fakeTrack) Read(b []byte) (int, interceptor.Attributes, error) {
	p, ok := <-f.packets
	if !ok {
		return 0, nil, io.EOF
	}
	return copy(b, p), nil, nil
}

// byteDecoder emits one sample per payload byte, valued at the byte.
type byteDecoder struct{}

func (byteDecoder) Decode(frame []byte, pcm []int16) (int, error) {
	if string(frame) == "bad" {
		return 0, errors.New("corrupt frame")
	}
	for i, b := range frame {
		pcm[i] = int16(b)
	}
	return len(frame), nil
}

type recordingSink struct {
	mu      sync.Mutex
	samples []int16
}

func (s *recordingSink) Write(samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, samples...)
	return nil
}

func (s *recordingSink) Samples() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.samples)
}

func rtpPacket(t *testing.T, seq uint16, payload string) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq},
		Payload: []byte(payload),
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	return raw
}

func TestPlayback_BindsFirstStreamOnly(t *testing.T) {
	sink := &recordingSink{}
	p := NewPlayback(sink, byteDecoder{})

	first := &fakeTrack{stream: "s1", packets: make(chan []byte, 4)}
	second := &fakeTrack{stream: "s2", packets: make(chan []byte, 4)}

	assert.True(t, p.Bind(first))
	assert.False(t, p.Bind(second))
	assert.Equal(t, "s1", p.Stream())

	first.packets <- rtpPacket(t, 1, "\x01\x02")
	second.packets <- rtpPacket(t, 1, "\x09")
	first.packets <- rtpPacket(t, 2, "\x03")
	close(first.packets)

	assert.Eventually(t, func() bool {
		return slices.Equal(sink.Samples(), []int16{1, 2, 3})
	}, time.Second, 5*time.Millisecond)

	p.Reset()
	assert.True(t, p.Bind(second))
	assert.Eventually(t, func() bool {
		return slices.Equal(sink.Samples(), []int16{1, 2, 3, 9})
	}, time.Second, 5*time.Millisecond)
}

func TestPlayback_SkipsUndecodableFrames(t *testing.T) {
	sink := &recordingSink{}
	p := NewPlayback(sink, byteDecoder{})

	track := &fakeTrack{stream: "s1", packets: make(chan []byte, 4)}
	require.True(t, p.Bind(track))

	track.packets <- []byte{0x00}
	track.packets <- rtpPacket(t, 1, "bad")
	track.packets <- rtpPacket(t, 2, "\x07")
	close(track.packets)

	assert.Eventually(t, func() bool {
		return slices.Equal(sink.Samples(), []int16{7})
	}, time.Second, 5*time.Millisecond)
}

func TestPlayback_StaleStreamStopsAfterReset(t *testing.T) {
	sink := &recordingSink{}
	p := NewPlayback(sink, byteDecoder{})

	old := &fakeTrack{stream: "s1", packets: make(chan []byte, 4)}
	require.True(t, p.Bind(old))
	p.Reset()

	next := &fakeTrack{stream: "s2", packets: make(chan []byte, 4)}
	require.True(t, p.Bind(next))

	old.packets <- rtpPacket(t, 1, "\x05")
	next.packets <- rtpPacket(t, 1, "\x06")
	close(next.packets)

	assert.Eventually(t, func() bool {
		return slices.Equal(sink.Samples(), []int16{6})
	}, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool {
		return slices.Contains(sink.Samples(), 5)
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestPlayback_WithoutOutputDiscards(t *testing.T) {
	p := NewPlayback(nil, nil)
	track := &fakeTrack{stream: "s1", packets: make(chan []byte, 1)}
	assert.True(t, p.Bind(track))
	track.packets <- rtpPacket(t, 1, "\x01")
	close(track.packets)
	assert.Equal(t, "s1", p.Stream())
}
