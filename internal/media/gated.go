package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// gatedTrack wraps a local track so that disabling it drops outgoing RTP while
// the sender stays bound. Toggling never touches the peer connection.
type gatedTrack struct {
	webrtc.TrackLocal

	enabled atomic.Bool
	stop    func() error

	stopOnce sync.Once
	stopErr  error
}

func newGatedTrack(inner webrtc.TrackLocal, stop func() error) *gatedTrack {
	g := &gatedTrack{TrackLocal: inner, stop: stop}
	g.enabled.Store(true)
	return g
}

func (g *gatedTrack) SetEnabled(enabled bool) { g.enabled.Store(enabled) }

func (g *gatedTrack) Enabled() bool { return g.enabled.Load() }

func (g *gatedTrack) Stop() error {
	g.stopOnce.Do(func() {
		g.enabled.Store(false)
		if g.stop != nil {
			g.stopErr = g.stop()
		}
	})
	return g.stopErr
}

// Bind hands the inner track a context whose writer consults the gate.
func (g *gatedTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return g.TrackLocal.Bind(&gatedContext{
		TrackLocalContext: ctx,
		w:                 &gatedWriter{inner: ctx.WriteStream(), gate: &g.enabled},
	})
}

type gatedContext struct {
	webrtc.TrackLocalContext
	w *gatedWriter
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter { return c.w }

type gatedWriter struct {
	inner webrtc.TrackLocalWriter
	gate  *atomic.Bool
}

func (w *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.gate.Load() {
		return header.MarshalSize() + len(payload), nil
	}
	return w.inner.WriteRTP(header, payload)
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	if !w.gate.Load() {
		return len(b), nil
	}
	return w.inner.Write(b)
}
