// Package tone synthesizes the ringtone, ringback and notification chime and
// plays them through an audio sink.
package tone

import (
	"math"
	"time"
)

const (
	DefaultSampleRate = 48000

	amplitude = 0.3 * math.MaxInt16
	fade      = 5 * time.Millisecond
)

// Segment is a span of one or more summed sine waves. No frequencies means
// silence.
type Segment struct {
	Freqs    []float64
	Duration time.Duration
}

// Pattern is a named sequence of segments. Looping patterns repeat until
// stopped.
type Pattern struct {
	Name     string
	Segments []Segment
	Loop     bool
}

// Period is the length of one pass through the pattern.
func (p Pattern) Period() time.Duration {
	var d time.Duration
	for _, s := range p.Segments {
		d += s.Duration
	}
	return d
}

var (
	// Ringback is what the caller hears while the callee's phone rings.
	Ringback = Pattern{
		Name: "ringback",
		Loop: true,
		Segments: []Segment{
			{Freqs: []float64{440, 480}, Duration: 2 * time.Second},
			{Duration: 4 * time.Second},
		},
	}

	// Ringtone announces an incoming call.
	Ringtone = Pattern{
		Name: "ringtone",
		Loop: true,
		Segments: []Segment{
			{Freqs: []float64{523.25, 659.25}, Duration: 400 * time.Millisecond},
			{Duration: 200 * time.Millisecond},
			{Freqs: []float64{523.25, 659.25}, Duration: 400 * time.Millisecond},
			{Duration: 2 * time.Second},
		},
	}

	// Chime is the one-shot new message sound.
	Chime = Pattern{
		Name: "chime",
		Segments: []Segment{
			{Freqs: []float64{880}, Duration: 120 * time.Millisecond},
			{Freqs: []float64{1320}, Duration: 180 * time.Millisecond},
		},
	}
)

// Patterns lists every built-in pattern by name.
func Patterns() []Pattern {
	return []Pattern{Ringtone, Ringback, Chime}
}

// Synthesize renders one pass of p as signed 16-bit mono PCM.
func Synthesize(p Pattern, sampleRate int) []int16 {
	var out []int16
	for _, s := range p.Segments {
		out = append(out, SynthesizeSegment(s, sampleRate)...)
	}
	return out
}

// SynthesizeSegment renders one segment. Tone edges are faded to avoid
// clicks.
func SynthesizeSegment(s Segment, sampleRate int) []int16 {
	n := int(s.Duration.Seconds() * float64(sampleRate))
	out := make([]int16, n)
	if len(s.Freqs) == 0 {
		return out
	}

	ramp := int(fade.Seconds() * float64(sampleRate))
	gain := amplitude / float64(len(s.Freqs))
	for i := range out {
		t := float64(i) / float64(sampleRate)
		var v float64
		for _, f := range s.Freqs {
			v += math.Sin(2 * math.Pi * f * t)
		}
		env := 1.0
		if ramp > 0 {
			if i < ramp {
				env = float64(i) / float64(ramp)
			} else if n-1-i < ramp {
				env = float64(n-1-i) / float64(ramp)
			}
		}
		out[i] = int16(v * gain * env)
	}
	return out
}
