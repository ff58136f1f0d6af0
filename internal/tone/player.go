package tone

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sink consumes PCM samples. Write may block until the samples are played.
type Sink interface {
	Write(samples []int16) error
}

// WaitFunc paces playback; it returns early with false when ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) bool

func realtimeWait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// LoopPlayer plays one pattern at a time. Playing a new pattern replaces the
// current one.
type LoopPlayer struct {
	Sink       Sink
	SampleRate int
	// Wait paces segments in real time when nil.
	Wait WaitFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	current string
}

// Play starts pattern in the background, replacing whatever is playing.
func (p *LoopPlayer) Play(pattern Pattern) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.mu.Lock()
	prevCancel, prevDone := p.cancel, p.done
	p.cancel, p.done, p.current = cancel, done, pattern.Name
	// Start under the lock so a concurrent Stop always has a goroutine to
	// wait for.
	go func() {
		defer close(done)
		if prevCancel != nil {
			prevCancel()
			<-prevDone
		}
		p.run(ctx, pattern)
	}()
	p.mu.Unlock()
}

// Stop silences the player and waits for the playback goroutine to exit.
func (p *LoopPlayer) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done, p.current = nil, nil, ""
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Playing returns the name of the pattern being played, if any.
func (p *LoopPlayer) Playing() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *LoopPlayer) run(ctx context.Context, pattern Pattern) {
	rate := p.SampleRate
	if rate == 0 {
		rate = DefaultSampleRate
	}
	wait := p.Wait
	if wait == nil {
		wait = realtimeWait
	}

	rendered := make([][]int16, len(pattern.Segments))
	for i, s := range pattern.Segments {
		rendered[i] = SynthesizeSegment(s, rate)
	}

	for {
		for i, s := range pattern.Segments {
			if ctx.Err() != nil {
				return
			}
			if err := p.Sink.Write(rendered[i]); err != nil {
				slog.Warn("tone playback failed", "pattern", pattern.Name, "error", err)
				return
			}
			if !wait(ctx, s.Duration) {
				return
			}
		}
		if !pattern.Loop {
			p.finished(ctx)
			return
		}
	}
}

// finished clears the current pattern unless it was already replaced.
func (p *LoopPlayer) finished(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx.Err() == nil {
		p.current = ""
	}
}
