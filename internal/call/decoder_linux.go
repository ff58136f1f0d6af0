//go:build linux

package call

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// NewOpusDecoder decodes mono Opus frames at sampleRate through libopus.
func NewOpusDecoder(sampleRate int) (Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return dec, nil
}
