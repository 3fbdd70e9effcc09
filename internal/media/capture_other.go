//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// DeviceCapturer has no drivers outside Linux; every acquisition reports
// DeviceNotFound so the session aborts cleanly.
type DeviceCapturer struct{}

func NewDeviceCapturer(DeviceOptions) (*DeviceCapturer, error) {
	return &DeviceCapturer{}, nil
}

func (d *DeviceCapturer) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (d *DeviceCapturer) GetUserMedia(_ context.Context, c Constraints) ([]Track, error) {
	dev := "microphone"
	if !c.Audio && c.Video {
		dev = "camera"
	}
	return nil, &DeviceError{Reason: DeviceNotFound, Device: dev}
}
