package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// LocalMedia is the set of capture tracks owned by one call session.
type LocalMedia struct {
	video bool

	mu       sync.Mutex
	tracks   []Track
	released bool
}

// Tracks returns the captured tracks. The slice is a copy.
func (h *LocalMedia) Tracks() []Track {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Track, len(h.tracks))
	copy(out, h.tracks)
	return out
}

// Video reports whether a camera was requested for this handle.
func (h *LocalMedia) Video() bool { return h.video }

func (h *LocalMedia) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Enabled reports whether every track of kind is enabled. It is false when the
// handle holds no track of that kind.
func (h *LocalMedia) Enabled(kind webrtc.RTPCodecType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	found := false
	for _, t := range h.tracks {
		if t.Kind() != kind {
			continue
		}
		found = true
		if !t.Enabled() {
			return false
		}
	}
	return found
}

// Manager hands out LocalMedia handles and guarantees their release.
type Manager struct {
	capturer Capturer

	mu   sync.Mutex
	live map[*LocalMedia]struct{}
}

func NewManager(c Capturer) *Manager {
	return &Manager{
		capturer: c,
		live:     make(map[*LocalMedia]struct{}),
	}
}

// Acquire opens the microphone, and the camera iff wantVideo. Every failure is
// a *DeviceError except context cancellation, which returns ctx.Err(). No
// device stays open when Acquire returns an error.
func (m *Manager) Acquire(ctx context.Context, wantVideo bool) (*LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tracks, err := m.capturer.GetUserMedia(ctx, Constraints{Audio: true, Video: wantVideo})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		device := "microphone"
		if wantVideo {
			device = ""
		}
		de := classify(err, device)
		log.Warnw("capture failed", "video", wantVideo, "reason", de.Reason.String(), "err", err)
		return nil, de
	}

	h := &LocalMedia{video: wantVideo, tracks: tracks}

	var missing string
	switch {
	case !hasKind(tracks, webrtc.RTPCodecTypeAudio):
		missing = "microphone"
	case wantVideo && !hasKind(tracks, webrtc.RTPCodecTypeVideo):
		missing = "camera"
	}
	if missing != "" {
		stopAll(tracks)
		return nil, &DeviceError{Reason: DeviceNotFound, Device: missing}
	}

	// The permission prompt may have outlived the caller.
	if err := ctx.Err(); err != nil {
		stopAll(tracks)
		return nil, err
	}

	m.mu.Lock()
	m.live[h] = struct{}{}
	m.mu.Unlock()

	log.Debugw("capture acquired", "video", wantVideo, "tracks", len(tracks))
	return h, nil
}

// Release stops every track of h. It keeps going when a track fails to stop
// and reports the failures joined together. Releasing twice returns nil.
func (m *Manager) Release(h *LocalMedia) error {
	if h == nil {
		return nil
	}

	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	tracks := h.tracks
	h.mu.Unlock()

	m.mu.Lock()
	delete(m.live, h)
	m.mu.Unlock()

	return stopAll(tracks)
}

// SetTrackEnabled flips enabled on every track of kind without stopping it.
// It returns how many tracks were changed; zero for a released handle or a
// kind that was never acquired.
func (m *Manager) SetTrackEnabled(h *LocalMedia, kind webrtc.RTPCodecType, enabled bool) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return 0
	}
	n := 0
	for _, t := range h.tracks {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
			n++
		}
	}
	return n
}

// Outstanding counts handles acquired and not yet released.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func hasKind(tracks []Track, kind webrtc.RTPCodecType) bool {
	for _, t := range tracks {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}

func stopAll(tracks []Track) error {
	var errs []error
	for _, t := range tracks {
		if err := t.Stop(); err != nil {
			log.Warnw("track stop failed", "track", t.ID(), "kind", KindName(t.Kind()), "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
