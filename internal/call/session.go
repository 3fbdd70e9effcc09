package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/rtc"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("call")

const (
	historySize = 64
	maxOrphans  = 32
	endedSize   = 64
	logTimeout  = 5 * time.Second
)

// errStale is returned by dispatch for internal events of a call that has
// already been torn down.
var errStale = errors.New("call: stale event")

const (
	outcomeHangup       = "hangup"
	outcomeRemoteHangup = "remote_hangup"
	outcomeRejected     = "rejected"
	outcomeConnLost     = "connectivity_lost"
	outcomeNegotiation  = "negotiation_failed"
	outcomeMedia        = "media_failed"
	outcomeGlare        = "glare"
)

// teardown carries everything a finished call still owns out of the lock.
type teardown struct {
	conv        string
	callID      string
	video       bool
	local       *media.LocalMedia
	engine      Negotiator
	recordID    int64
	connectedAt time.Time
	outcome     string
	sendHangup  bool
	final       bool
	gen         uint64
}

// Session is the call state of one conversation. It outlives single calls:
// after a call ends it returns to idle and can place or take the next one.
type Session struct {
	conv      string
	recipient Peer
	deps      Deps
	now       func() time.Time

	mu    sync.Mutex
	state State
	gen   uint64
	busy  bool

	cancelPending context.CancelFunc

	callID       string
	peer         Peer
	isVideo      bool
	muted        bool
	videoEnabled bool
	startedAt    time.Time
	connectedAt  time.Time
	lastErr      string

	local        *media.LocalMedia
	engine       Negotiator
	remoteOffer  *webrtc.SessionDescription
	remoteTracks []rtc.RemoteTrack
	recordID     int64

	applyingAnswer  bool
	localReady      bool
	localQueue      []webrtc.ICECandidateInit
	earlyCandidates []webrtc.ICECandidateInit
	orphans         []signal.Envelope

	history *util.RingBuffer[Transition]
	// ended holds ids of calls that are over, so a late or re-delivered
	// offer of one of them cannot ring again.
	ended *util.RingBuffer[string]

	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int

	onIncoming func(*Session, Snapshot)
}

func newSession(conv string, recipient Peer, deps Deps) *Session {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		conv:      conv,
		recipient: recipient,
		deps:      deps,
		now:       now,
		history:   util.NewRingBuffer[Transition](historySize),
		ended:     util.NewRingBuffer[string](endedSize),
		subs:      make(map[int]chan Snapshot),
	}
}

func (s *Session) ConversationID() string { return s.conv }

// StartCall places a call to the conversation's recipient. It returns once
// the offer is sent, or with the error that ended the attempt.
func (s *Session) StartCall(ctx context.Context, video bool) error {
	return s.dispatch(event{kind: EvStart, ctx: ctx, video: video})
}

// AnswerCall accepts the ringing call and returns once the answer is sent.
func (s *Session) AnswerCall(ctx context.Context) error {
	return s.dispatch(event{kind: EvAnswer, ctx: ctx})
}

// RejectCall declines a ringing call. On any other active call it hangs up;
// while idle it does nothing.
func (s *Session) RejectCall() error {
	return s.dispatch(event{kind: EvReject})
}

func (s *Session) HangUp() error {
	return s.dispatch(event{kind: EvHangup})
}

// ToggleMute flips the microphone and reports whether it is now muted.
func (s *Session) ToggleMute() bool {
	_ = s.dispatch(event{kind: EvToggleMute})
	return s.Snapshot().Muted
}

// ToggleVideo flips the camera and reports whether it is now sending. Audio
// calls always report false.
func (s *Session) ToggleVideo() bool {
	_ = s.dispatch(event{kind: EvToggleVideo})
	return s.Snapshot().VideoEnabled
}

// HandleIncomingEnvelope feeds one signaling envelope of this conversation
// into the state machine. Our own envelopes echoed by the channel and
// malformed ones are ignored.
func (s *Session) HandleIncomingEnvelope(env signal.Envelope) {
	if env.SenderID == s.deps.Transport.SelfID() {
		return
	}
	if err := env.Validate(); err != nil {
		log.Debugw("envelope dropped", "conversation", s.conv, "err", err)
		return
	}
	var kind EventKind
	switch env.Kind {
	case signal.KindOffer:
		kind = EvRemoteOffer
	case signal.KindAnswer:
		kind = EvRemoteAnswer
	case signal.KindCandidate:
		kind = EvRemoteCandidate
	case signal.KindHangup:
		kind = EvRemoteHangup
	default:
		return
	}
	if err := s.dispatch(event{kind: kind, env: env}); err != nil {
		log.Debugw("envelope not applied", "conversation", s.conv, "type", string(env.Kind), "err", err)
	}
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe returns a channel that always holds the latest snapshot. Slow
// readers skip intermediate states. The cancel func closes the channel.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.mu.Lock()
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.snapshotLocked()
	s.subMu.Unlock()
	s.mu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.subMu.Unlock()
	}
}

// statsSource is implemented by negotiators that count what the peer
// connection carries, *rtc.Engine among them.
type statsSource interface {
	Stats() rtc.Stats
}

// MediaStats reports the peer connection of the current call. ok is false
// while the call has no peer connection or its negotiator keeps no stats.
func (s *Session) MediaStats() (stats rtc.Stats, ok bool) {
	s.mu.Lock()
	eng := s.engine
	s.mu.Unlock()
	src, ok := eng.(statsSource)
	if !ok {
		return rtc.Stats{}, false
	}
	return src.Stats(), true
}

// History returns the most recent state transitions, oldest first.
func (s *Session) History() []Transition {
	return s.history.Snapshot()
}

func (s *Session) snapshotLocked() Snapshot {
	var tracks []rtc.RemoteTrack
	if len(s.remoteTracks) > 0 {
		tracks = append(tracks, s.remoteTracks...)
	}
	return Snapshot{
		ConversationID: s.conv,
		State:          s.state,
		CallID:         s.callID,
		Peer:           s.peer,
		IsVideo:        s.isVideo,
		Muted:          s.muted,
		VideoEnabled:   s.videoEnabled,
		HasLocalMedia:  s.local != nil,
		RemoteTracks:   tracks,
		Busy:           s.busy,
		StartedAt:      s.startedAt,
		ConnectedAt:    s.connectedAt,
		LastError:      s.lastErr,
	}
}

// publishLocked runs under s.mu so subscribers see snapshots in order.
func (s *Session) publishLocked(snap Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// dispatch is the only way session state changes. The state update happens
// under the lock; the returned effect runs after it is released.
func (s *Session) dispatch(ev event) error {
	s.mu.Lock()
	if ev.kind == EvRemoteHangup {
		// A hangup may overtake its own offer.
		s.markEndedLocked(ev.env.CallID)
	}
	if !s.currentLocked(ev) {
		s.mu.Unlock()
		if ev.internal {
			return errStale
		}
		log.Debugw("envelope dropped", "conversation", s.conv, "call", ev.env.CallID, "type", string(ev.env.Kind))
		return nil
	}
	ev = s.refineLocked(ev)

	from := s.state
	to, ok := next(from, ev.kind)
	if !ok {
		err := s.refuseLocked(ev)
		s.mu.Unlock()
		return err
	}
	effect, err := s.applyLocked(ev, from, to)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = to
	if from != to {
		s.history.Push(Transition{At: s.now(), From: from, To: to, Event: ev.kind})
		log.Infow("call state", "conversation", s.conv, "from", from.String(), "to", to.String(), "event", string(ev.kind))
	}
	s.publishLocked(s.snapshotLocked())
	s.mu.Unlock()

	if effect != nil {
		return effect()
	}
	return nil
}

// currentLocked reports whether ev may reach the state machine: internal
// events of the current generation, envelopes of the current call, and offers
// that carry an SDP for a call that has not already ended.
func (s *Session) currentLocked(ev event) bool {
	if ev.internal {
		return ev.gen == s.gen
	}
	switch ev.kind {
	case EvRemoteOffer:
		if ev.env.SDP == nil || s.endedLocked(ev.env.CallID) {
			return false
		}
	case EvRemoteAnswer, EvRemoteCandidate, EvRemoteHangup:
		if s.state != Idle && s.callID != "" && ev.env.CallID != "" && ev.env.CallID != s.callID {
			return false
		}
	}
	return true
}

func (s *Session) markEndedLocked(callID string) {
	if callID == "" || s.endedLocked(callID) {
		return
	}
	s.ended.Push(callID)
}

func (s *Session) endedLocked(callID string) bool {
	if callID == "" {
		return false
	}
	for _, id := range s.ended.Snapshot() {
		if id == callID {
			return true
		}
	}
	return false
}

func (s *Session) refineLocked(ev event) event {
	switch {
	case ev.kind == EvRemoteOffer && s.state == Outgoing:
		// Both sides called at once. The peer with the smaller ID keeps its
		// offer; the other one drops its own and takes the incoming call.
		if ev.env.CallID != s.callID && s.deps.Transport.SelfID() > ev.env.SenderID {
			ev.kind = EvGlareLost
		}
	case ev.kind == EvReject && s.state != Incoming:
		ev.kind = EvHangup
	}
	return ev
}

func (s *Session) refuseLocked(ev event) error {
	switch ev.kind {
	case EvStart:
		if s.busy {
			return ErrBusy
		}
		if s.state == Ending {
			return ErrNotIdle
		}
		return ErrCallActive
	case EvAnswer:
		return ErrNoIncomingCall
	}
	log.Debugw("event ignored", "conversation", s.conv, "state", s.state.String(), "event", string(ev.kind))
	return nil
}

func (s *Session) applyLocked(ev event, from, to State) (func() error, error) {
	switch ev.kind {
	case EvStart:
		s.resetCallLocked()
		s.lastErr = ""
		s.busy = true
		s.peer = s.recipient
		s.isVideo = ev.video
		s.videoEnabled = ev.video
		s.callID = uuid.NewString()
		s.startedAt = s.now()
		ctx, cancel := context.WithCancel(orBackground(ev.ctx))
		s.cancelPending = cancel
		s.deps.Metrics.CallStarted(callType(ev.video), "outgoing")

		gen, conv, callID, video, startedAt := s.gen, s.conv, s.callID, ev.video, s.startedAt
		return func() error {
			return s.runStart(ctx, gen, conv, callID, video, startedAt)
		}, nil

	case EvRemoteOffer:
		s.acceptOfferLocked(ev.env)
		return s.incomingEffect(), nil

	case EvGlareLost:
		td := s.detachLocked(outcomeGlare)
		s.deps.Metrics.CallEnded(callType(td.video), outcomeGlare, 0)
		s.acceptOfferLocked(ev.env)
		notify := s.incomingEffect()
		return func() error {
			s.cleanup(td)
			return notify()
		}, nil

	case EvAnswer:
		if s.busy {
			return nil, ErrBusy
		}
		s.busy = true
		ctx, cancel := context.WithCancel(orBackground(ev.ctx))
		s.cancelPending = cancel
		offer := *s.remoteOffer
		gen, conv, callID, video := s.gen, s.conv, s.callID, s.isVideo
		return func() error {
			return s.runAnswer(ctx, gen, conv, callID, video, offer)
		}, nil

	case EvMediaReady:
		s.local = ev.local
		s.engine = ev.engine
		s.muted = false
		early := s.earlyCandidates
		s.earlyCandidates = nil
		if len(early) == 0 {
			return nil, nil
		}
		eng := ev.engine
		return func() error {
			for _, c := range early {
				if err := eng.AddRemoteCandidate(c); err != nil {
					log.Warnw("early candidate rejected", "conversation", s.conv, "err", err)
				}
			}
			return nil
		}, nil

	case EvOfferReady:
		s.recordID = ev.recordID
		return nil, nil

	case EvOfferSent:
		s.finishPendingLocked()
		return s.flushLocalLocked(), nil

	case EvAnswerSent:
		s.finishPendingLocked()
		s.connectedAt = s.now()
		return s.flushLocalLocked(), nil

	case EvRemoteAnswer:
		if s.applyingAnswer || s.engine == nil || ev.env.SDP == nil {
			log.Debugw("answer ignored", "conversation", s.conv, "call", ev.env.CallID)
			return nil, nil
		}
		s.applyingAnswer = true
		if s.peer.Name == "" {
			s.peer.Name = ev.env.SenderName
		}
		if s.peer.AvatarURL == "" {
			s.peer.AvatarURL = ev.env.SenderAvatar
		}
		eng, gen, sdp := s.engine, s.gen, *ev.env.SDP
		return func() error {
			if err := eng.ApplyRemoteDescription(sdp); err != nil {
				s.failNegotiation(gen, "apply_answer", err)
				return nil
			}
			_ = s.dispatch(event{kind: EvAnswerApplied, gen: gen, internal: true})
			return nil
		}, nil

	case EvAnswerApplied:
		s.applyingAnswer = false
		s.connectedAt = s.now()
		return s.completeEffect(s.recordID), nil

	case EvRemoteCandidate:
		if ev.env.Candidate == nil {
			return nil, nil
		}
		c := *ev.env.Candidate
		switch {
		case from == Idle:
			s.orphans = append(s.orphans, ev.env)
			if len(s.orphans) > maxOrphans {
				s.orphans = s.orphans[len(s.orphans)-maxOrphans:]
			}
			return nil, nil
		case s.engine == nil:
			s.earlyCandidates = append(s.earlyCandidates, c)
			return nil, nil
		}
		eng, gen := s.engine, s.gen
		return func() error {
			if err := eng.AddRemoteCandidate(c); err != nil {
				s.failNegotiation(gen, "add_candidate", err)
			}
			return nil
		}, nil

	case EvLocalCandidate:
		if !s.localReady {
			s.localQueue = append(s.localQueue, ev.candidate)
			return nil, nil
		}
		conv, callID, c := s.conv, s.callID, ev.candidate
		return func() error {
			s.send(conv, signal.Candidate(callID, c))
			return nil
		}, nil

	case EvRemoteTrack:
		s.remoteTracks = append(s.remoteTracks, ev.track)
		return nil, nil

	case EvConnected:
		log.Infow("peer connected", "conversation", s.conv, "call", s.callID)
		return s.completeEffect(s.recordID), nil

	case EvToggleMute:
		if s.local == nil {
			return nil, nil
		}
		s.muted = !s.muted
		s.deps.Media.SetTrackEnabled(s.local, webrtc.RTPCodecTypeAudio, !s.muted)
		return nil, nil

	case EvToggleVideo:
		if s.local == nil || !s.isVideo {
			return nil, nil
		}
		s.videoEnabled = !s.videoEnabled
		s.deps.Media.SetTrackEnabled(s.local, webrtc.RTPCodecTypeVideo, s.videoEnabled)
		return nil, nil

	case EvHangup, EvReject, EvRemoteHangup, EvMediaFailed, EvNegotiationFailed, EvConnectivityLost:
		if to != Ending || from == Ending {
			return nil, nil
		}
		td := s.detachLocked(outcomeFor(ev.kind))
		td.final = true
		switch ev.kind {
		case EvHangup, EvReject, EvNegotiationFailed:
			td.sendHangup = true
		case EvMediaFailed:
			// The caller is waiting on our answer; the callee on our offer
			// never saw one.
			td.sendHangup = from == Incoming
		}
		s.lastErr = failureMessage(ev)
		return func() error {
			s.cleanup(td)
			return nil
		}, nil

	case EvCleanupDone:
		td := ev.td
		var connected time.Duration
		if !td.connectedAt.IsZero() {
			connected = s.now().Sub(td.connectedAt)
		}
		s.deps.Metrics.CallEnded(callType(td.video), td.outcome, connected)
		s.resetCallLocked()
		return nil, nil
	}
	return nil, nil
}

func (s *Session) acceptOfferLocked(env signal.Envelope) {
	s.resetCallLocked()
	s.lastErr = ""
	s.peer = Peer{ID: env.SenderID, Name: env.SenderName, AvatarURL: env.SenderAvatar}
	s.isVideo = env.IsVideo
	s.videoEnabled = env.IsVideo
	s.callID = env.CallID
	s.startedAt = s.now()
	offer := *env.SDP
	s.remoteOffer = &offer

	// Candidates can outrun their offer on the channel.
	for _, o := range s.orphans {
		if o.CallID == env.CallID && o.SenderID == env.SenderID {
			s.earlyCandidates = append(s.earlyCandidates, *o.Candidate)
		}
	}
	s.orphans = nil
	s.deps.Metrics.CallStarted(callType(env.IsVideo), "incoming")
}

func (s *Session) incomingEffect() func() error {
	fn := s.onIncoming
	if fn == nil {
		return func() error { return nil }
	}
	snap := s.snapshotLocked()
	snap.State = Incoming
	return func() error {
		fn(s, snap)
		return nil
	}
}

// resetCallLocked clears per-call presentation state. lastErr is kept so the
// reason a call ended stays visible while idle.
func (s *Session) resetCallLocked() {
	s.callID = ""
	s.peer = Peer{}
	s.isVideo = false
	s.muted = false
	s.videoEnabled = false
	s.startedAt = time.Time{}
	s.connectedAt = time.Time{}
	s.remoteOffer = nil
	s.remoteTracks = nil
	s.applyingAnswer = false
	s.localReady = false
	s.localQueue = nil
	s.earlyCandidates = nil
}

// detachLocked hands the call's resources to a teardown and invalidates
// every callback and in-flight step of the call.
func (s *Session) detachLocked(outcome string) *teardown {
	td := &teardown{
		conv:        s.conv,
		callID:      s.callID,
		video:       s.isVideo,
		local:       s.local,
		engine:      s.engine,
		recordID:    s.recordID,
		connectedAt: s.connectedAt,
		outcome:     outcome,
	}
	s.markEndedLocked(s.callID)
	if s.cancelPending != nil {
		s.cancelPending()
		s.cancelPending = nil
	}
	s.local = nil
	s.engine = nil
	s.recordID = 0
	s.remoteTracks = nil
	s.busy = false
	s.applyingAnswer = false
	s.localReady = false
	s.localQueue = nil
	s.earlyCandidates = nil
	s.gen++
	td.gen = s.gen
	return td
}

func (s *Session) finishPendingLocked() {
	s.busy = false
	if s.cancelPending != nil {
		s.cancelPending()
		s.cancelPending = nil
	}
}

func (s *Session) flushLocalLocked() func() error {
	s.localReady = true
	queued := s.localQueue
	s.localQueue = nil
	if len(queued) == 0 {
		return nil
	}
	conv, callID := s.conv, s.callID
	return func() error {
		for _, c := range queued {
			s.send(conv, signal.Candidate(callID, c))
		}
		return nil
	}
}

func (s *Session) completeEffect(recordID int64) func() error {
	if recordID == 0 || s.deps.CallLog == nil {
		return nil
	}
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), logTimeout)
		defer cancel()
		if err := s.deps.CallLog.Complete(ctx, recordID); err != nil {
			log.Warnw("call log complete failed", "conversation", s.conv, "id", recordID, "err", err)
		}
		return nil
	}
}

// cleanup releases what a call owned. Every step runs even when an earlier
// one fails.
func (s *Session) cleanup(td *teardown) {
	if td.sendHangup {
		s.send(td.conv, signal.Hangup(td.callID))
	}
	if td.recordID != 0 && s.deps.CallLog != nil {
		end := s.now()
		var d time.Duration
		if !td.connectedAt.IsZero() {
			d = end.Sub(td.connectedAt)
		}
		ctx, cancel := context.WithTimeout(context.Background(), logTimeout)
		if err := s.deps.CallLog.Finish(ctx, td.recordID, end, d); err != nil {
			log.Warnw("call log finish failed", "conversation", td.conv, "id", td.recordID, "err", err)
		}
		cancel()
	}
	if td.local != nil {
		if err := s.deps.Media.Release(td.local); err != nil {
			log.Warnw("release media", "conversation", td.conv, "err", err)
		}
	}
	if td.engine != nil {
		if err := td.engine.Teardown(); err != nil {
			log.Warnw("teardown peer connection", "conversation", td.conv, "err", err)
		}
	}
	if td.final {
		_ = s.dispatch(event{kind: EvCleanupDone, gen: td.gen, internal: true, td: td})
	}
}

func (s *Session) send(conv string, env signal.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), util.SignalSendTimeout)
	defer cancel()
	if err := s.deps.Transport.Send(ctx, conv, env); err != nil {
		s.deps.Metrics.SignalSendFailed(string(env.Kind))
		log.Warnw("signal send failed", "conversation", conv, "type", string(env.Kind), "call", env.CallID, "err", err)
	}
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Session) failNegotiation(gen uint64, step string, err error) {
	if !s.isCurrent(gen) {
		return
	}
	log.Warnw("negotiation failed", "conversation", s.conv, "step", step, "err", err)
	s.deps.Metrics.NegotiationFailed(step)
	_ = s.dispatch(event{kind: EvNegotiationFailed, gen: gen, internal: true, err: err, step: step})
}

// runStart acquires media, builds the peer connection and sends the offer.
func (s *Session) runStart(ctx context.Context, gen uint64, conv, callID string, video bool, startedAt time.Time) error {
	local, eng, err := s.prepare(ctx, gen, video)
	if err != nil {
		return err
	}

	offer, err := eng.CreateOffer(local)
	if err != nil {
		if !s.isCurrent(gen) {
			return context.Canceled
		}
		s.failNegotiation(gen, "create_offer", err)
		return err
	}

	var recordID int64
	if s.deps.CallLog != nil {
		lctx, cancel := context.WithTimeout(context.Background(), logTimeout)
		id, err := s.deps.CallLog.Begin(lctx, conv, s.deps.Transport.SelfID(), video, startedAt)
		cancel()
		if err != nil {
			log.Warnw("call log begin failed", "conversation", conv, "err", err)
		} else {
			recordID = id
		}
	}
	if err := s.dispatch(event{kind: EvOfferReady, gen: gen, internal: true, recordID: recordID}); errors.Is(err, errStale) {
		if recordID != 0 {
			lctx, cancel := context.WithTimeout(context.Background(), logTimeout)
			_ = s.deps.CallLog.Finish(lctx, recordID, s.now(), 0)
			cancel()
		}
		return context.Canceled
	}

	if !s.isCurrent(gen) {
		return context.Canceled
	}
	s.send(conv, signal.Offer(callID, offer, video))
	_ = s.dispatch(event{kind: EvOfferSent, gen: gen, internal: true})
	return nil
}

// runAnswer acquires media, applies the stored offer and sends the answer.
func (s *Session) runAnswer(ctx context.Context, gen uint64, conv, callID string, video bool, offer webrtc.SessionDescription) error {
	local, eng, err := s.prepare(ctx, gen, video)
	if err != nil {
		return err
	}

	if err := eng.ApplyRemoteDescription(offer); err != nil {
		if !s.isCurrent(gen) {
			return context.Canceled
		}
		s.failNegotiation(gen, "apply_offer", err)
		return err
	}
	answer, err := eng.CreateAnswer(local)
	if err != nil {
		if !s.isCurrent(gen) {
			return context.Canceled
		}
		s.failNegotiation(gen, "create_answer", err)
		return err
	}

	if !s.isCurrent(gen) {
		return context.Canceled
	}
	s.send(conv, signal.Answer(callID, answer, video))
	_ = s.dispatch(event{kind: EvAnswerSent, gen: gen, internal: true})
	return nil
}

// prepare is the common start of both directions: local media plus a wired
// negotiator, stored on the session. A call that ended meanwhile gets
// context.Canceled and nothing leaks.
func (s *Session) prepare(ctx context.Context, gen uint64, video bool) (*media.LocalMedia, Negotiator, error) {
	local, err := s.deps.Media.Acquire(ctx, video)
	if err != nil {
		if !s.isCurrent(gen) {
			return nil, nil, context.Canceled
		}
		var de *media.DeviceError
		if errors.As(err, &de) {
			s.deps.Metrics.DeviceError(de.Reason.String())
		}
		log.Warnw("media acquisition failed", "conversation", s.conv, "err", err)
		_ = s.dispatch(event{kind: EvMediaFailed, gen: gen, internal: true, err: err})
		return nil, nil, err
	}

	eng, err := s.deps.NewNegotiator()
	if err != nil {
		s.releaseMedia(local)
		s.failNegotiation(gen, "create_peer_connection", err)
		return nil, nil, err
	}
	s.wire(eng, gen)

	if err := s.dispatch(event{kind: EvMediaReady, gen: gen, internal: true, local: local, engine: eng}); errors.Is(err, errStale) {
		s.releaseMedia(local)
		if err := eng.Teardown(); err != nil {
			log.Debugw("teardown after cancel", "conversation", s.conv, "err", err)
		}
		return nil, nil, context.Canceled
	}
	return local, eng, nil
}

func (s *Session) wire(eng Negotiator, gen uint64) {
	eng.OnLocalCandidate(func(c webrtc.ICECandidateInit) {
		_ = s.dispatch(event{kind: EvLocalCandidate, gen: gen, internal: true, candidate: c})
	})
	eng.OnRemoteTrack(func(t rtc.RemoteTrack) {
		_ = s.dispatch(event{kind: EvRemoteTrack, gen: gen, internal: true, track: t})
	})
	eng.OnConnectivityChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateConnected:
			go s.dispatch(event{kind: EvConnected, gen: gen, internal: true})
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			go s.dispatch(event{kind: EvConnectivityLost, gen: gen, internal: true, err: fmt.Errorf("peer connection %s", st)})
		}
	})
}

func (s *Session) releaseMedia(local *media.LocalMedia) {
	if err := s.deps.Media.Release(local); err != nil {
		log.Warnw("release media", "conversation", s.conv, "err", err)
	}
}

func outcomeFor(kind EventKind) string {
	switch kind {
	case EvReject:
		return outcomeRejected
	case EvRemoteHangup:
		return outcomeRemoteHangup
	case EvMediaFailed:
		return outcomeMedia
	case EvNegotiationFailed:
		return outcomeNegotiation
	case EvConnectivityLost:
		return outcomeConnLost
	default:
		return outcomeHangup
	}
}

func failureMessage(ev event) string {
	switch ev.kind {
	case EvMediaFailed:
		var de *media.DeviceError
		if errors.As(ev.err, &de) {
			return de.UserMessage()
		}
		if ev.err != nil {
			return ev.err.Error()
		}
	case EvNegotiationFailed:
		return "Call failed while setting up the connection"
	case EvConnectivityLost:
		return "Connection to the peer was lost"
	}
	return ""
}

func callType(video bool) string {
	if video {
		return "video"
	}
	return "audio"
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
