package call

import (
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// maxFrameSamples fits a 120 ms opus frame at 48 kHz mono.
const maxFrameSamples = 5760

// RemoteTrack is an incoming media track.
type RemoteTrack interface {
	StreamID() string
	Read(b []byte) (int, interceptor.Attributes, error)
}

// Decoder turns one encoded audio frame into PCM samples.
type Decoder interface {
	Decode(frame []byte, pcm []int16) (int, error)
}

// PCMSink consumes decoded samples. tone.Speaker satisfies it.
type PCMSink interface {
	Write(samples []int16) error
}

// Playback renders the first remote stream of a call. Later streams are
// ignored until Reset.
type Playback struct {
	sink PCMSink
	dec  Decoder

	mu     sync.Mutex
	stream string
	gen    uint64
}

// NewPlayback decodes received RTP payloads with dec and plays them on sink.
// Without a sink or a decoder the stream is bound but discarded.
func NewPlayback(sink PCMSink, dec Decoder) *Playback {
	return &Playback{sink: sink, dec: dec}
}

// Bind starts rendering t if no stream is bound yet.
func (p *Playback) Bind(t RemoteTrack) bool {
	p.mu.Lock()
	if p.stream != "" {
		p.mu.Unlock()
		slog.Debug("ignoring extra remote stream", "stream", t.StreamID())
		return false
	}
	p.stream = t.StreamID()
	if p.stream == "" {
		p.stream = "-"
	}
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	go p.drain(t, gen)
	return true
}

// Stream returns the bound stream id.
func (p *Playback) Stream() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream
}

// Reset unbinds the stream. Its drain loop stops rendering immediately and
// exits on the next packet or when the track closes.
func (p *Playback) Reset() {
	p.mu.Lock()
	p.stream = ""
	p.gen++
	p.mu.Unlock()
}

func (p *Playback) drain(t RemoteTrack, gen uint64) {
	buf := make([]byte, 1500)
	pcm := make([]int16, maxFrameSamples)
	var pkt rtp.Packet
	for {
		n, _, err := t.Read(buf)
		if err != nil {
			return
		}
		if p.sink == nil || p.dec == nil {
			continue
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			slog.Debug("dropping malformed rtp packet", "error", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		// Decoding holds the lock so a stale stream never shares decoder
		// state with the one bound after it.
		p.mu.Lock()
		if p.gen != gen {
			p.mu.Unlock()
			return
		}
		samples, err := p.dec.Decode(pkt.Payload, pcm)
		p.mu.Unlock()
		if err != nil {
			slog.Debug("dropping undecodable audio frame", "error", err)
			continue
		}
		if err := p.sink.Write(pcm[:samples]); err != nil {
			slog.Warn("remote audio playback failed", "error", err)
			return
		}
	}
}
