//go:build !linux

package call

import (
	"context"
	"fmt"
	"runtime"
)

// DeviceMedia has no capture driver on this platform.
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
	return nil, fmt.Errorf("%w: no capture driver for %s", ErrDeviceNotFound, runtime.GOOS)
}
