// Package callview turns call snapshots into what a call overlay shows.
package callview

import (
	"fmt"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
)

// Actions a UI may offer in the current state.
const (
	ActionAccept      = "accept"
	ActionReject      = "reject"
	ActionHangup      = "hangup"
	ActionToggleMute  = "mute"
	ActionToggleVideo = "video"
)

// Model is the presentation state of one conversation's call.
type Model struct {
	ConversationID  string   `json:"conversation_id"`
	State           string   `json:"state"`
	Visible         bool     `json:"visible"`
	PeerName        string   `json:"peer_name"`
	PeerAvatar      string   `json:"peer_avatar,omitempty"`
	IsVideoCall     bool     `json:"is_video_call"`
	Muted           bool     `json:"muted"`
	VideoEnabled    bool     `json:"video_enabled"`
	HasLocalMedia   bool     `json:"has_local_media"`
	HasRemoteStream bool     `json:"has_remote_stream"`
	Status          string   `json:"status"`
	Elapsed         int64    `json:"elapsed_seconds"`
	LastError       string   `json:"last_error,omitempty"`
	Actions         []string `json:"actions"`
}

// Build derives the model of snap as seen at now.
func Build(snap call.Snapshot, now time.Time) Model {
	m := Model{
		ConversationID:  snap.ConversationID,
		State:           snap.State.String(),
		Visible:         snap.State != call.Idle,
		PeerName:        snap.Peer.Name,
		PeerAvatar:      snap.Peer.AvatarURL,
		IsVideoCall:     snap.IsVideo,
		Muted:           snap.Muted,
		VideoEnabled:    snap.VideoEnabled,
		HasLocalMedia:   snap.HasLocalMedia,
		HasRemoteStream: len(snap.RemoteTracks) > 0,
		LastError:       snap.LastError,
		Actions:         []string{},
	}
	if m.PeerName == "" {
		m.PeerName = snap.Peer.ID
	}

	switch snap.State {
	case call.Incoming:
		if snap.IsVideo {
			m.Status = "Incoming Video Call..."
		} else {
			m.Status = "Incoming Audio Call..."
		}
		m.Actions = []string{ActionReject, ActionAccept}
	case call.Outgoing:
		m.Status = "Calling..."
		m.Actions = []string{ActionHangup}
	case call.Connected:
		var d time.Duration
		if !snap.ConnectedAt.IsZero() && now.After(snap.ConnectedAt) {
			d = now.Sub(snap.ConnectedAt)
		}
		m.Elapsed = int64(d / time.Second)
		m.Status = FormatDuration(d)
		m.Actions = []string{ActionToggleMute}
		if snap.IsVideo {
			m.Actions = append(m.Actions, ActionToggleVideo)
		}
		m.Actions = append(m.Actions, ActionHangup)
	case call.Ending:
		m.Status = "Call Ended"
	}
	return m
}

// FormatDuration renders whole elapsed seconds as m:ss.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d", sec/60, sec%60)
}
