// Package rtc owns one WebRTC peer connection per call: offer/answer
// generation, remote description application and ICE candidate buffering.
package rtc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
)

var log = logging.Logger("rtc")

var (
	ErrOfferCreated  = errors.New("rtc: offer already created")
	ErrNoRemoteOffer = errors.New("rtc: no remote offer applied")
	ErrTornDown      = errors.New("rtc: engine torn down")
)

type Config struct {
	ICEServers      []webrtc.ICEServer
	TransportPolicy webrtc.ICETransportPolicy

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// RegisterCodecs fills the media engine. It must match what the local
	// tracks encode; nil registers pion's defaults.
	RegisterCodecs func(*webrtc.MediaEngine) error
}

func DefaultConfig() Config {
	return Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:global.stun.twilio.com:3478"}},
		},
		TransportPolicy: webrtc.ICETransportPolicyAll,
		// A relay hiccup must not end the call; pion's 5s default is too short.
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// RemoteTrack describes a track delivered by the remote peer.
type RemoteTrack struct {
	StreamID string
	TrackID  string
	Kind     webrtc.RTPCodecType
	MimeType string
}

type Stats struct {
	SignalingState       string `json:"signaling_state"`
	ConnectionState      string `json:"connection_state"`
	RemoteDescriptionSet bool   `json:"remote_description_set"`
	PendingCandidates    int    `json:"pending_candidates"`
	PacketsReceived      uint64 `json:"packets_received"`
	PLIReceived          uint64 `json:"pli_received"`
}

// peerConnection is the part of *webrtc.PeerConnection the engine drives.
type peerConnection interface {
	AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)
	AddTransceiverFromKind(webrtc.RTPCodecType, ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(*webrtc.ICECandidate))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// Engine wraps a single peer connection. It is safe for concurrent use;
// callbacks fire on pion's goroutines, never inside an Engine method.
type Engine struct {
	pc peerConnection

	mu         sync.Mutex
	remoteSet  bool
	remoteType webrtc.SDPType
	pending    []webrtc.ICECandidateInit
	offered    bool
	closed     bool

	cbMu         sync.RWMutex
	onCandidate  func(webrtc.ICECandidateInit)
	onTrack      func(RemoteTrack)
	onConnChange func(webrtc.PeerConnectionState)

	rxPackets atomic.Uint64
	rxPLI     atomic.Uint64
}

// New builds a peer connection from cfg.
func New(cfg Config) (*Engine, error) {
	me := &webrtc.MediaEngine{}
	register := cfg.RegisterCodecs
	if register == nil {
		register = func(me *webrtc.MediaEngine) error { return me.RegisterDefaultCodecs() }
	}
	if err := register(me); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         cfg.ICEServers,
		ICETransportPolicy: cfg.TransportPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newEngine(pc), nil
}

func newEngine(pc peerConnection) *Engine {
	e := &Engine{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		e.cbMu.RLock()
		fn := e.onCandidate
		e.cbMu.RUnlock()
		if fn != nil {
			fn(c.ToJSON())
		}
	})

	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := RemoteTrack{
			StreamID: t.StreamID(),
			TrackID:  t.ID(),
			Kind:     t.Kind(),
			MimeType: t.Codec().MimeType,
		}
		log.Infow("remote track", "stream", rt.StreamID, "kind", media.KindName(rt.Kind), "codec", rt.MimeType)
		go e.readRemote(t)

		e.cbMu.RLock()
		fn := e.onTrack
		e.cbMu.RUnlock()
		if fn != nil {
			fn(rt)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debugw("connection state", "state", s.String())
		e.cbMu.RLock()
		fn := e.onConnChange
		e.cbMu.RUnlock()
		if fn != nil {
			fn(s)
		}
	})

	return e
}

func (e *Engine) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	e.cbMu.Lock()
	e.onCandidate = fn
	e.cbMu.Unlock()
}

func (e *Engine) OnRemoteTrack(fn func(RemoteTrack)) {
	e.cbMu.Lock()
	e.onTrack = fn
	e.cbMu.Unlock()
}

// OnConnectivityChange reports every peer connection state transition.
// Disconnected and failed are terminal for a call.
func (e *Engine) OnConnectivityChange(fn func(webrtc.PeerConnectionState)) {
	e.cbMu.Lock()
	e.onConnChange = fn
	e.cbMu.Unlock()
}

// CreateOffer attaches the local tracks and sets the offer as the local
// description. It may be called once per engine.
func (e *Engine) CreateOffer(local *media.LocalMedia) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return webrtc.SessionDescription{}, ErrTornDown
	}
	if e.offered {
		return webrtc.SessionDescription{}, ErrOfferCreated
	}
	e.offered = true

	wantVideo := local != nil && local.Video()
	attached := e.attach(local)
	// Every wanted kind needs an m-line even when nothing is sent on it.
	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if wantVideo {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, k := range kinds {
		if attached[k] {
			continue
		}
		if _, err := e.pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("add %s transceiver: %w", media.KindName(k), err)
		}
	}

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// CreateAnswer attaches the local tracks and answers the applied remote
// offer.
func (e *Engine) CreateAnswer(local *media.LocalMedia) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return webrtc.SessionDescription{}, ErrTornDown
	}
	if !e.remoteSet || e.remoteType != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, ErrNoRemoteOffer
	}

	e.attach(local)

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// ApplyRemoteDescription sets the remote offer or answer and then applies
// buffered candidates in arrival order. A candidate that fails is logged and
// skipped.
func (e *Engine) ApplyRemoteDescription(desc webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrTornDown
	}
	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type.String(), err)
	}
	e.remoteSet = true
	e.remoteType = desc.Type

	pending := e.pending
	e.pending = nil
	for i, c := range pending {
		if err := e.pc.AddICECandidate(c); err != nil {
			log.Warnw("buffered candidate rejected", "index", i, "err", err)
		}
	}
	if len(pending) > 0 {
		log.Debugw("flushed buffered candidates", "count", len(pending))
	}
	return nil
}

// AddRemoteCandidate applies c, or queues it until a remote description is
// set.
func (e *Engine) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrTornDown
	}
	if !e.remoteSet {
		e.pending = append(e.pending, c)
		return nil
	}
	if err := e.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// Teardown closes the peer connection. Later calls return nil.
func (e *Engine) Teardown() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.pending = nil
	e.mu.Unlock()

	e.cbMu.Lock()
	e.onCandidate, e.onTrack, e.onConnChange = nil, nil, nil
	e.cbMu.Unlock()

	// Reader goroutines exit once the connection is closed.
	return e.pc.Close()
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		SignalingState:       e.pc.SignalingState().String(),
		ConnectionState:      e.pc.ConnectionState().String(),
		RemoteDescriptionSet: e.remoteSet,
		PendingCandidates:    len(e.pending),
		PacketsReceived:      e.rxPackets.Load(),
		PLIReceived:          e.rxPLI.Load(),
	}
}

// attach adds every local track pion can send and reports the kinds added.
// Caller holds e.mu.
func (e *Engine) attach(local *media.LocalMedia) map[webrtc.RTPCodecType]bool {
	attached := make(map[webrtc.RTPCodecType]bool)
	if local == nil {
		return attached
	}
	for _, t := range local.Tracks() {
		tl, ok := t.(webrtc.TrackLocal)
		if !ok {
			continue
		}
		sender, err := e.pc.AddTrack(tl)
		if err != nil {
			log.Warnw("add track failed", "track", t.ID(), "kind", media.KindName(t.Kind()), "err", err)
			continue
		}
		attached[t.Kind()] = true
		if sender != nil {
			go e.drainRTCP(sender)
		}
	}
	return attached
}

// drainRTCP reads sender RTCP so interceptors (NACK, reports) keep running.
func (e *Engine) drainRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			if _, ok := p.(*rtcp.PictureLossIndication); ok {
				e.rxPLI.Add(1)
			}
		}
	}
}

func (e *Engine) readRemote(t *webrtc.TrackRemote) {
	for {
		if _, _, err := t.ReadRTP(); err != nil {
			return
		}
		e.rxPackets.Add(1)
	}
}
