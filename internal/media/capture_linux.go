//go:build linux

package media

import (
	"context"
	"errors"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceCapturer captures V4L2 cameras and malgo microphones through
// pion/mediadevices, encoding VP8 and Opus.
type DeviceCapturer struct {
	opts     DeviceOptions
	selector *mediadevices.CodecSelector
}

func NewDeviceCapturer(opts DeviceOptions) (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = opts.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceCapturer{
		opts: opts,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs fills me with the encoders this capturer produces, so the
// negotiated payload types match what the tracks write.
func (d *DeviceCapturer) RegisterCodecs(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

type captureResult struct {
	stream mediadevices.MediaStream
	err    error
}

func (d *DeviceCapturer) GetUserMedia(ctx context.Context, c Constraints) ([]Track, error) {
	if err := d.checkPresent(c); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras emit frames the VP8 encoder chokes on.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: d.opts.MaxWidth}
			mc.Height = prop.IntRanged{Max: d.opts.MaxHeight}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	// Opening a device can block for seconds; do it off the caller's goroutine
	// so a hangup can abandon the attempt.
	done := make(chan captureResult, 1)
	go func() {
		s, err := mediadevices.GetUserMedia(constraints)
		done <- captureResult{stream: s, err: err}
	}()

	var res captureResult
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				closeStream(r.stream)
			}
		}()
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}

	var out []Track
	for _, t := range res.stream.GetTracks() {
		t.OnEnded(func(err error) {
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("local track ended", "track", t.ID(), "kind", KindName(t.Kind()), "err", err)
			}
		})
		out = append(out, newGatedTrack(t, t.Close))
	}
	log.Infow("local media captured", "audio", c.Audio, "video", c.Video, "tracks", len(out))
	return out, nil
}

// checkPresent turns a missing device into DeviceNotFound before the driver
// reports something vaguer.
func (d *DeviceCapturer) checkPresent(c Constraints) error {
	var mic, cam bool
	for _, info := range mediadevices.EnumerateDevices() {
		switch info.Kind {
		case mediadevices.AudioInput:
			mic = true
		case mediadevices.VideoInput:
			cam = true
		}
	}
	switch {
	case c.Audio && !mic:
		return &DeviceError{Reason: DeviceNotFound, Device: "microphone"}
	case c.Video && !cam:
		return &DeviceError{Reason: DeviceNotFound, Device: "camera"}
	}
	return nil
}

func closeStream(s mediadevices.MediaStream) {
	for _, t := range s.GetTracks() {
		_ = t.Close()
	}
}
