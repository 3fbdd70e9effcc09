// Package signal carries call signaling envelopes over a conversation-scoped
// realtime channel.
package signal

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
	KindHangup    Kind = "hangup"
)

var ErrInvalidEnvelope = errors.New("signal: invalid envelope")

// Envelope is one signaling message. The JSON shape is shared with the
// browser client, so field names must not change.
type Envelope struct {
	Kind   Kind   `json:"type"`
	CallID string `json:"callId,omitempty"`

	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	IsVideo   bool                       `json:"isVideo"`

	// Sender metadata is stamped by Transport.Send on every message.
	SenderID     string    `json:"senderId"`
	SenderName   string    `json:"senderName,omitempty"`
	SenderAvatar string    `json:"senderAvatar,omitempty"`
	SentAt       time.Time `json:"sentAt"`
}

func Offer(callID string, sdp webrtc.SessionDescription, video bool) Envelope {
	return Envelope{Kind: KindOffer, CallID: callID, SDP: &sdp, IsVideo: video}
}

func Answer(callID string, sdp webrtc.SessionDescription, video bool) Envelope {
	return Envelope{Kind: KindAnswer, CallID: callID, SDP: &sdp, IsVideo: video}
}

func Candidate(callID string, c webrtc.ICECandidateInit) Envelope {
	return Envelope{Kind: KindCandidate, CallID: callID, Candidate: &c}
}

func Hangup(callID string) Envelope {
	return Envelope{Kind: KindHangup, CallID: callID}
}

// Validate checks the kind-specific payload and the sender id.
func (e Envelope) Validate() error {
	if e.SenderID == "" {
		return fmt.Errorf("%w: missing senderId", ErrInvalidEnvelope)
	}
	switch e.Kind {
	case KindOffer:
		if e.SDP == nil || e.SDP.Type != webrtc.SDPTypeOffer || e.SDP.SDP == "" {
			return fmt.Errorf("%w: offer without offer sdp", ErrInvalidEnvelope)
		}
	case KindAnswer:
		if e.SDP == nil || e.SDP.Type != webrtc.SDPTypeAnswer || e.SDP.SDP == "" {
			return fmt.Errorf("%w: answer without answer sdp", ErrInvalidEnvelope)
		}
	case KindCandidate:
		if e.Candidate == nil || e.Candidate.Candidate == "" {
			return fmt.Errorf("%w: ice-candidate without candidate", ErrInvalidEnvelope)
		}
	case KindHangup:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, e.Kind)
	}
	return nil
}
