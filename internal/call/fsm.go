package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/rtc"
	"github.com/petervdpas/goopcall/internal/signal"
)

type EventKind string

// User intents.
const (
	EvStart       EventKind = "start"
	EvAnswer      EventKind = "answer"
	EvReject      EventKind = "reject"
	EvHangup      EventKind = "hangup"
	EvToggleMute  EventKind = "toggle-mute"
	EvToggleVideo EventKind = "toggle-video"
)

// Envelopes from the remote peer.
const (
	EvRemoteOffer     EventKind = "remote-offer"
	EvGlareLost       EventKind = "glare-lost"
	EvRemoteAnswer    EventKind = "remote-answer"
	EvRemoteCandidate EventKind = "remote-candidate"
	EvRemoteHangup    EventKind = "remote-hangup"
)

// Negotiator callbacks and progress of in-flight operations.
const (
	EvMediaReady        EventKind = "media-ready"
	EvMediaFailed       EventKind = "media-failed"
	EvOfferReady        EventKind = "offer-ready"
	EvOfferSent         EventKind = "offer-sent"
	EvAnswerSent        EventKind = "answer-sent"
	EvAnswerApplied     EventKind = "answer-applied"
	EvNegotiationFailed EventKind = "negotiation-failed"
	EvLocalCandidate    EventKind = "local-candidate"
	EvRemoteTrack       EventKind = "remote-track"
	EvConnected         EventKind = "connectivity-up"
	EvConnectivityLost  EventKind = "connectivity-lost"
	EvCleanupDone       EventKind = "cleanup-done"
)

type edge struct {
	from State
	kind EventKind
}

// transitions is the whole state machine. A (state, event) pair that is
// missing is refused: intents get an error, everything else is dropped.
var transitions = map[edge]State{
	{Idle, EvStart}:           Outgoing,
	{Idle, EvRemoteOffer}:     Incoming,
	{Idle, EvRemoteCandidate}: Idle, // held until its offer shows up
	{Idle, EvHangup}:          Idle,
	{Idle, EvRemoteHangup}:    Idle,
	{Idle, EvToggleMute}:      Idle,
	{Idle, EvToggleVideo}:     Idle,

	{Outgoing, EvMediaReady}:        Outgoing,
	{Outgoing, EvOfferReady}:        Outgoing,
	{Outgoing, EvOfferSent}:         Outgoing,
	{Outgoing, EvRemoteAnswer}:      Outgoing,
	{Outgoing, EvAnswerApplied}:     Connected,
	{Outgoing, EvGlareLost}:         Incoming,
	{Outgoing, EvRemoteCandidate}:   Outgoing,
	{Outgoing, EvLocalCandidate}:    Outgoing,
	{Outgoing, EvRemoteTrack}:       Outgoing,
	{Outgoing, EvConnected}:         Outgoing,
	{Outgoing, EvToggleMute}:        Outgoing,
	{Outgoing, EvToggleVideo}:       Outgoing,
	{Outgoing, EvHangup}:            Ending,
	{Outgoing, EvRemoteHangup}:      Ending,
	{Outgoing, EvMediaFailed}:       Ending,
	{Outgoing, EvNegotiationFailed}: Ending,
	{Outgoing, EvConnectivityLost}:  Ending,

	{Incoming, EvAnswer}:            Incoming,
	{Incoming, EvMediaReady}:        Incoming,
	{Incoming, EvAnswerSent}:        Connected,
	{Incoming, EvRemoteCandidate}:   Incoming,
	{Incoming, EvLocalCandidate}:    Incoming,
	{Incoming, EvRemoteTrack}:       Incoming,
	{Incoming, EvConnected}:         Incoming,
	{Incoming, EvToggleMute}:        Incoming,
	{Incoming, EvToggleVideo}:       Incoming,
	{Incoming, EvReject}:            Ending,
	{Incoming, EvHangup}:            Ending,
	{Incoming, EvRemoteHangup}:      Ending,
	{Incoming, EvMediaFailed}:       Ending,
	{Incoming, EvNegotiationFailed}: Ending,
	{Incoming, EvConnectivityLost}:  Ending,

	{Connected, EvOfferSent}:         Connected, // the answer beat our send
	{Connected, EvRemoteCandidate}:   Connected,
	{Connected, EvLocalCandidate}:    Connected,
	{Connected, EvRemoteTrack}:       Connected,
	{Connected, EvConnected}:         Connected,
	{Connected, EvToggleMute}:        Connected,
	{Connected, EvToggleVideo}:       Connected,
	{Connected, EvHangup}:            Ending,
	{Connected, EvRemoteHangup}:      Ending,
	{Connected, EvNegotiationFailed}: Ending,
	{Connected, EvConnectivityLost}:  Ending,

	{Ending, EvHangup}:      Ending,
	{Ending, EvCleanupDone}: Idle,
}

// next returns the state reached from s on kind, and false when the event is
// not accepted in s.
func next(s State, kind EventKind) (State, bool) {
	to, ok := transitions[edge{s, kind}]
	return to, ok
}

// event is the single input type of Session.dispatch. Only the fields of the
// given kind are set.
type event struct {
	kind EventKind

	// gen ties callbacks and in-flight work to one call; stale events are
	// dropped. Zero for intents and envelopes.
	gen      uint64
	internal bool

	ctx   context.Context
	video bool
	env   signal.Envelope

	local    *media.LocalMedia
	engine   Negotiator
	recordID int64

	candidate webrtc.ICECandidateInit
	track     rtc.RemoteTrack

	err  error
	step string

	td *teardown // EvCleanupDone
}
