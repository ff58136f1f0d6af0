//go:build !linux

package call

import (
	"fmt"
	"runtime"
)

func NewOpusDecoder(int) (Decoder, error) {
	return nil, fmt.Errorf("no opus decoder for %s", runtime.GOOS)
}
