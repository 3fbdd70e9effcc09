// Package media acquires and releases local capture devices for a call and
// toggles track enablement without touching the peer connection.
package media

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

// Track is one local capture track. Disabling a track keeps the device open
// and the RTP sender bound; only the media stops flowing.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	SetEnabled(enabled bool)
	Enabled() bool
	// Stop releases the underlying device. Calling it twice is harmless.
	Stop() error
}

// Constraints selects which devices GetUserMedia opens.
type Constraints struct {
	Audio bool
	Video bool
}

// Capturer is the platform getUserMedia equivalent. Errors may be raw driver
// errors; the Manager maps them onto DeviceError.
type Capturer interface {
	GetUserMedia(ctx context.Context, c Constraints) ([]Track, error)
}

// DeviceOptions bounds camera capture for DeviceCapturer.
type DeviceOptions struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
}

// KindName returns "audio" or "video" for logs and the wire.
func KindName(k webrtc.RTPCodecType) string {
	switch k {
	case webrtc.RTPCodecTypeAudio:
		return "audio"
	case webrtc.RTPCodecTypeVideo:
		return "video"
	default:
		return "unknown"
	}
}
