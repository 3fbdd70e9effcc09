// Package call runs the call lifecycle of one conversation: it turns user
// intents and signaling envelopes into peer connection work, owns the local
// media of the call and keeps the call log up to date.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/metrics"
	"github.com/petervdpas/goopcall/internal/rtc"
	"github.com/petervdpas/goopcall/internal/signal"
)

var (
	// ErrBusy is returned while a start or answer is still in flight.
	ErrBusy = errors.New("call: operation already in progress")
	// ErrCallActive is returned when starting a call on a non-idle session.
	ErrCallActive = errors.New("call: a call is already active")
	// ErrNotIdle is returned while the previous call is still being torn down.
	ErrNotIdle = errors.New("call: previous call still ending")
	// ErrNoIncomingCall is returned by AnswerCall and RejectCall when nothing rings.
	ErrNoIncomingCall = errors.New("call: no incoming call")
	// ErrClosed is returned by a Manager after Close.
	ErrClosed = errors.New("call: manager closed")
)

// Transport is the signaling side a session needs.
type Transport interface {
	Send(ctx context.Context, conversationID string, env signal.Envelope) error
	Subscribe(conversationID string, fn func(signal.Envelope)) (func(), error)
	SelfID() string
}

// MediaManager is satisfied by *media.Manager.
type MediaManager interface {
	Acquire(ctx context.Context, wantVideo bool) (*media.LocalMedia, error)
	Release(h *media.LocalMedia) error
	SetTrackEnabled(h *media.LocalMedia, kind webrtc.RTPCodecType, enabled bool) int
}

// Negotiator is satisfied by *rtc.Engine. One negotiator serves one call.
type Negotiator interface {
	CreateOffer(local *media.LocalMedia) (webrtc.SessionDescription, error)
	CreateAnswer(local *media.LocalMedia) (webrtc.SessionDescription, error)
	ApplyRemoteDescription(desc webrtc.SessionDescription) error
	AddRemoteCandidate(c webrtc.ICECandidateInit) error
	OnLocalCandidate(fn func(webrtc.ICECandidateInit))
	OnRemoteTrack(fn func(rtc.RemoteTrack))
	OnConnectivityChange(fn func(webrtc.PeerConnectionState))
	Teardown() error
}

type NegotiatorFactory func() (Negotiator, error)

// CallLog is satisfied by *calllog.Log. Only the caller side writes records.
type CallLog interface {
	Begin(ctx context.Context, conversationID, callerID string, video bool, startedAt time.Time) (int64, error)
	Complete(ctx context.Context, id int64) error
	Finish(ctx context.Context, id int64, endedAt time.Time, duration time.Duration) error
}

// Deps are the collaborators shared by every session of a Manager.
type Deps struct {
	Transport     Transport
	Media         MediaManager
	NewNegotiator NegotiatorFactory
	CallLog       CallLog
	Metrics       *metrics.Metrics // optional
	Now           func() time.Time // optional, defaults to time.Now
}

// Peer identifies the other party of a call.
type Peer struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type State int

const (
	Idle State = iota
	Outgoing
	Incoming
	Connected
	Ending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	case Connected:
		return "connected"
	case Ending:
		return "ending"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is a consistent copy of the session for presentation.
type Snapshot struct {
	ConversationID string            `json:"conversation_id"`
	State          State             `json:"state"`
	CallID         string            `json:"call_id,omitempty"`
	Peer           Peer              `json:"peer"`
	IsVideo        bool              `json:"is_video"`
	Muted          bool              `json:"muted"`
	VideoEnabled   bool              `json:"video_enabled"`
	HasLocalMedia  bool              `json:"has_local_media"`
	RemoteTracks   []rtc.RemoteTrack `json:"remote_tracks,omitempty"`
	Busy           bool              `json:"busy"`
	StartedAt      time.Time         `json:"started_at,omitzero"`
	ConnectedAt    time.Time         `json:"connected_at,omitzero"`
	LastError      string            `json:"last_error,omitempty"`
}

// Transition is one entry of a session's history.
type Transition struct {
	At    time.Time `json:"at"`
	From  State     `json:"from"`
	To    State     `json:"to"`
	Event EventKind `json:"event"`
}
