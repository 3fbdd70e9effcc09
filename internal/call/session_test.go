package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/calllog"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/rtc"
	"github.com/petervdpas/goopcall/internal/signal"
)

const testConv = "conv-1"

var (
	t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_ CallLog = (*calllog.Log)(nil)
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTransport struct {
	self string

	mu       sync.Mutex
	sent     []signal.Envelope
	handlers map[string]func(signal.Envelope)
}

func newFakeTransport(self string) *fakeTransport {
	return &fakeTransport{self: self, handlers: make(map[string]func(signal.Envelope))}
}

func (f *fakeTransport) Send(_ context.Context, _ string, env signal.Envelope) error {
	env.SenderID = f.self
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Subscribe(conv string, fn func(signal.Envelope)) (func(), error) {
	f.mu.Lock()
	f.handlers[conv] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.handlers, conv)
		f.mu.Unlock()
	}, nil
}

func (f *fakeTransport) SelfID() string { return f.self }

func (f *fakeTransport) deliver(conv string, env signal.Envelope) {
	f.mu.Lock()
	fn := f.handlers[conv]
	f.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}

func (f *fakeTransport) kinds() []signal.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signal.Kind
	for _, e := range f.sent {
		out = append(out, e.Kind)
	}
	return out
}

func (f *fakeTransport) last(k signal.Kind) (signal.Envelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Kind == k {
			return f.sent[i], true
		}
	}
	return signal.Envelope{}, false
}

func (f *fakeTransport) count(k signal.Kind) int {
	n := 0
	for _, got := range f.kinds() {
		if got == k {
			n++
		}
	}
	return n
}

type testTrack struct {
	id   string
	kind webrtc.RTPCodecType

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *testTrack) ID() string                { return t.id }
func (t *testTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *testTrack) SetEnabled(e bool) {
	t.mu.Lock()
	t.enabled = e
	t.mu.Unlock()
}

func (t *testTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *testTrack) Stop() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	return nil
}

func (t *testTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type testCapturer struct {
	mu      sync.Mutex
	err     error
	release chan struct{} // when set, capture waits for it or ctx
	calls   int
	tracks  []*testTrack
}

func (c *testCapturer) GetUserMedia(ctx context.Context, cons media.Constraints) ([]media.Track, error) {
	c.mu.Lock()
	c.calls++
	err, release := c.err, c.release
	c.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	out := []*testTrack{{id: "mic", kind: webrtc.RTPCodecTypeAudio, enabled: true}}
	if cons.Video {
		out = append(out, &testTrack{id: "cam", kind: webrtc.RTPCodecTypeVideo, enabled: true})
	}
	c.mu.Lock()
	c.tracks = append(c.tracks, out...)
	c.mu.Unlock()

	tracks := make([]media.Track, len(out))
	for i, t := range out {
		tracks[i] = t
	}
	return tracks, nil
}

func (c *testCapturer) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *testCapturer) latest(kind webrtc.RTPCodecType) *testTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.tracks) - 1; i >= 0; i-- {
		if c.tracks[i].kind == kind {
			return c.tracks[i]
		}
	}
	return nil
}

func (c *testCapturer) allStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}

type fakeNeg struct {
	mu             sync.Mutex
	offers         int
	answers        int
	remote         []webrtc.SessionDescription
	candidates     []string
	teardowns      int
	applyErr       error
	gatherOnAnswer []string

	onCand  func(webrtc.ICECandidateInit)
	onTrack func(rtc.RemoteTrack)
	onConn  func(webrtc.PeerConnectionState)
}

func (n *fakeNeg) CreateOffer(*media.LocalMedia) (webrtc.SessionDescription, error) {
	n.mu.Lock()
	n.offers++
	n.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (n *fakeNeg) CreateAnswer(*media.LocalMedia) (webrtc.SessionDescription, error) {
	n.mu.Lock()
	n.answers++
	gather, cb := n.gatherOnAnswer, n.onCand
	n.mu.Unlock()
	for _, c := range gather {
		cb(webrtc.ICECandidateInit{Candidate: c})
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (n *fakeNeg) ApplyRemoteDescription(d webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.applyErr != nil {
		return n.applyErr
	}
	n.remote = append(n.remote, d)
	return nil
}

func (n *fakeNeg) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	n.mu.Lock()
	n.candidates = append(n.candidates, c.Candidate)
	n.mu.Unlock()
	return nil
}

func (n *fakeNeg) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	n.mu.Lock()
	n.onCand = fn
	n.mu.Unlock()
}

func (n *fakeNeg) OnRemoteTrack(fn func(rtc.RemoteTrack)) {
	n.mu.Lock()
	n.onTrack = fn
	n.mu.Unlock()
}

func (n *fakeNeg) OnConnectivityChange(fn func(webrtc.PeerConnectionState)) {
	n.mu.Lock()
	n.onConn = fn
	n.mu.Unlock()
}

func (n *fakeNeg) Teardown() error {
	n.mu.Lock()
	n.teardowns++
	n.mu.Unlock()
	return nil
}

func (n *fakeNeg) fireConn(st webrtc.PeerConnectionState) {
	n.mu.Lock()
	cb := n.onConn
	n.mu.Unlock()
	cb(st)
}

func (n *fakeNeg) fireTrack(t rtc.RemoteTrack) {
	n.mu.Lock()
	cb := n.onTrack
	n.mu.Unlock()
	cb(t)
}

func (n *fakeNeg) state() (remote int, candidates []string, teardowns int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.remote), append([]string(nil), n.candidates...), n.teardowns
}

type negFactory struct {
	mu   sync.Mutex
	made []*fakeNeg
	prep func(*fakeNeg)
}

func (f *negFactory) New() (Negotiator, error) {
	n := &fakeNeg{}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prep != nil {
		f.prep(n)
	}
	f.made = append(f.made, n)
	return n, nil
}

func (f *negFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

func (f *negFactory) last() *fakeNeg {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.made) == 0 {
		return nil
	}
	return f.made[len(f.made)-1]
}

type logRow struct {
	conv     string
	caller   string
	video    bool
	status   string
	endedAt  time.Time
	duration time.Duration
	finishes int
}

type recordingLog struct {
	mu   sync.Mutex
	next int64
	rows map[int64]*logRow
}

func newRecordingLog() *recordingLog {
	return &recordingLog{rows: make(map[int64]*logRow)}
}

func (l *recordingLog) Begin(_ context.Context, conv, caller string, video bool, _ time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.rows[l.next] = &logRow{conv: conv, caller: caller, video: video, status: calllog.StatusMissed}
	return l.next, nil
}

func (l *recordingLog) Complete(_ context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows[id].status = calllog.StatusCompleted
	return nil
}

func (l *recordingLog) Finish(_ context.Context, id int64, endedAt time.Time, d time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.rows[id]
	r.finishes++
	r.endedAt = endedAt
	r.duration = d
	return nil
}

func (l *recordingLog) row(id int64) logRow {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rows[id]; ok {
		return *r
	}
	return logRow{}
}

func (l *recordingLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

// ── harness ──────────────────────────────────────────────────────────────────

type harness struct {
	tr    *fakeTransport
	cap   *testCapturer
	media *media.Manager
	negs  *negFactory
	log   *recordingLog
	clock *fakeClock
	mgr   *Manager
	sess  *Session
}

func newHarness(t *testing.T, self string) *harness {
	t.Helper()
	h := &harness{
		tr:    newFakeTransport(self),
		cap:   &testCapturer{},
		negs:  &negFactory{},
		log:   newRecordingLog(),
		clock: &fakeClock{now: t0},
	}
	h.media = media.NewManager(h.cap)
	h.mgr = NewManager(Deps{
		Transport:     h.tr,
		Media:         h.media,
		NewNegotiator: h.negs.New,
		CallLog:       h.log,
		Now:           h.clock.Now,
	})
	sess, err := h.mgr.Open(testConv, Peer{ID: "bob", Name: "Bob"})
	require.NoError(t, err)
	h.sess = sess
	t.Cleanup(func() { _ = h.mgr.Close() })
	return h
}

func (h *harness) fromBob(env signal.Envelope) {
	env.SenderID = "bob"
	env.SenderName = "Bob"
	h.tr.deliver(testConv, env)
}

func (h *harness) state() State { return h.sess.Snapshot().State }

func remoteOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote offer"}
}

func remoteAnswer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 remote answer"}
}

func candidate(c string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: c}
}

// connectOutgoing places a call and answers it from the remote side.
func (h *harness) connectOutgoing(t *testing.T, video bool) *fakeNeg {
	t.Helper()
	require.NoError(t, h.sess.StartCall(context.Background(), video))
	h.fromBob(signal.Answer(h.sess.Snapshot().CallID, remoteAnswer(), video))
	require.Equal(t, Connected, h.state())
	return h.negs.last()
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

// ── caller side ──────────────────────────────────────────────────────────────

func TestStartCallSendsOfferAndAnswerConnects(t *testing.T) {
	h := newHarness(t, "alice")

	require.NoError(t, h.sess.StartCall(context.Background(), false))
	snap := h.sess.Snapshot()
	assert.Equal(t, Outgoing, snap.State)
	assert.False(t, snap.Busy)
	assert.True(t, snap.HasLocalMedia)
	assert.Equal(t, "bob", snap.Peer.ID)
	require.NotEmpty(t, snap.CallID)

	offer, ok := h.tr.last(signal.KindOffer)
	require.True(t, ok)
	assert.False(t, offer.IsVideo)
	assert.Equal(t, snap.CallID, offer.CallID)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.SDP.Type)

	row := h.log.row(1)
	assert.Equal(t, calllog.StatusMissed, row.status)
	assert.Equal(t, "alice", row.caller)
	assert.Equal(t, testConv, row.conv)

	h.fromBob(signal.Answer(snap.CallID, remoteAnswer(), false))
	assert.Equal(t, Connected, h.state())
	assert.Equal(t, calllog.StatusCompleted, h.log.row(1).status)
	remote, _, _ := h.negs.last().state()
	assert.Equal(t, 1, remote)
}

func TestAnswerOfAnotherCallIsDropped(t *testing.T) {
	h := newHarness(t, "alice")
	require.NoError(t, h.sess.StartCall(context.Background(), false))

	h.fromBob(signal.Answer("some-old-call", remoteAnswer(), false))
	assert.Equal(t, Outgoing, h.state())
	remote, _, _ := h.negs.last().state()
	assert.Zero(t, remote)
}

func TestRemoteCandidatesReachTheEngineInOrder(t *testing.T) {
	h := newHarness(t, "alice")
	require.NoError(t, h.sess.StartCall(context.Background(), false))
	callID := h.sess.Snapshot().CallID

	// Both arrive before the answer; the engine holds them until then.
	h.fromBob(signal.Candidate(callID, candidate("c1")))
	h.fromBob(signal.Candidate(callID, candidate("c2")))
	h.fromBob(signal.Answer(callID, remoteAnswer(), false))

	_, cands, _ := h.negs.last().state()
	assert.Equal(t, []string{"c1", "c2"}, cands)
	assert.Equal(t, Connected, h.state())
}

func TestLocalCandidatesFollowTheOffer(t *testing.T) {
	h := newHarness(t, "alice")
	require.NoError(t, h.sess.StartCall(context.Background(), false))

	n := h.negs.last()
	n.onCand(candidate("local-1"))

	env, ok := h.tr.last(signal.KindCandidate)
	require.True(t, ok)
	assert.Equal(t, "local-1", env.Candidate.Candidate)
	assert.Equal(t, []signal.Kind{signal.KindOffer, signal.KindCandidate}, h.tr.kinds())
}

func TestStartCallWhileBusyIsRejected(t *testing.T) {
	h := newHarness(t, "alice")
	h.cap.release = make(chan struct{})

	errCh := make(chan error, 1)
	go func() { errCh <- h.sess.StartCall(context.Background(), false) }()
	eventually(t, func() bool { return h.sess.Snapshot().Busy })

	assert.ErrorIs(t, h.sess.StartCall(context.Background(), true), ErrBusy)

	close(h.cap.release)
	require.NoError(t, <-errCh)
	assert.Equal(t, 1, h.negs.count())
	assert.Equal(t, 1, h.cap.callCount())

	assert.ErrorIs(t, h.sess.StartCall(context.Background(), true), ErrCallActive)
	assert.Equal(t, 1, h.negs.count())
}

func TestHangUpCancelsMediaAcquisition(t *testing.T) {
	h := newHarness(t, "alice")
	h.cap.release = make(chan struct{})

	errCh := make(chan error, 1)
	go func() { errCh <- h.sess.StartCall(context.Background(), false) }()
	eventually(t, func() bool { return h.sess.Snapshot().Busy })

	require.NoError(t, h.sess.HangUp())
	assert.Equal(t, Idle, h.state())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("StartCall did not return after hangup")
	}
	assert.Zero(t, h.negs.count())
	assert.Zero(t, h.media.Outstanding())
	assert.Zero(t, h.log.len())
}

func TestPermissionDeniedEndsCall(t *testing.T) {
	h := newHarness(t, "alice")
	h.cap.err = syscall.EACCES

	err := h.sess.StartCall(context.Background(), true)
	require.ErrorIs(t, err, media.ErrPermissionDenied)

	snap := h.sess.Snapshot()
	assert.Equal(t, Idle, snap.State)
	var de *media.DeviceError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, de.UserMessage(), snap.LastError)
	assert.Zero(t, h.negs.count())
	_, sentOffer := h.tr.last(signal.KindOffer)
	assert.False(t, sentOffer)
}

func TestLastErrorClearsOnNextCall(t *testing.T) {
	h := newHarness(t, "alice")
	h.cap.err = syscall.EBUSY
	require.Error(t, h.sess.StartCall(context.Background(), false))
	require.NotEmpty(t, h.sess.Snapshot().LastError)

	h.cap.mu.Lock()
	h.cap.err = nil
	h.cap.mu.Unlock()
	require.NoError(t, h.sess.StartCall(context.Background(), false))
	assert.Empty(t, h.sess.Snapshot().LastError)
}

// ── callee side ──────────────────────────────────────────────────────────────

func TestIncomingOfferThenReject(t *testing.T) {
	h := newHarness(t, "alice")
	var rings []*IncomingCall
	h.mgr.OnIncoming(func(ic *IncomingCall) { rings = append(rings, ic) })

	h.fromBob(signal.Offer("call-1", remoteOffer(), true))

	snap := h.sess.Snapshot()
	assert.Equal(t, Incoming, snap.State)
	assert.True(t, snap.IsVideo)
	assert.False(t, snap.HasLocalMedia)
	assert.Equal(t, "Bob", snap.Peer.Name)
	require.Len(t, rings, 1)
	assert.True(t, rings[0].IsVideo)
	assert.Same(t, h.sess, rings[0].Session)

	require.NoError(t, h.sess.RejectCall())
	assert.Equal(t, Idle, h.state())
	hangup, ok := h.tr.last(signal.KindHangup)
	require.True(t, ok)
	assert.Equal(t, "call-1", hangup.CallID)
	assert.Zero(t, h.cap.callCount())
	assert.Zero(t, h.negs.count())
	assert.Zero(t, h.log.len(), "only the caller writes the call log")
}

func TestAnswerCallSendsAnswerThenCandidates(t *testing.T) {
	h := newHarness(t, "alice")
	h.negs.prep = func(n *fakeNeg) { n.gatherOnAnswer = []string{"local-1", "local-2"} }

	h.fromBob(signal.Offer("call-1", remoteOffer(), false))
	require.NoError(t, h.sess.AnswerCall(context.Background()))

	snap := h.sess.Snapshot()
	assert.Equal(t, Connected, snap.State)
	assert.True(t, snap.HasLocalMedia)
	assert.False(t, snap.ConnectedAt.IsZero())
	assert.Equal(t,
		[]signal.Kind{signal.KindAnswer, signal.KindCandidate, signal.KindCandidate},
		h.tr.kinds())
	answer, _ := h.tr.last(signal.KindAnswer)
	assert.Equal(t, "call-1", answer.CallID)

	assert.ErrorIs(t, h.sess.AnswerCall(context.Background()), ErrNoIncomingCall)
}

func TestCandidatesBeforeOfferAreKept(t *testing.T) {
	h := newHarness(t, "alice")

	h.fromBob(signal.Candidate("call-1", candidate("c1")))
	h.fromBob(signal.Candidate("call-1", candidate("c2")))
	h.fromBob(signal.Candidate("other", candidate("x")))
	h.fromBob(signal.Offer("call-1", remoteOffer(), false))
	require.NoError(t, h.sess.AnswerCall(context.Background()))

	_, cands, _ := h.negs.last().state()
	assert.Equal(t, []string{"c1", "c2"}, cands)
}

func TestCalleeMediaFailureHangsUpCaller(t *testing.T) {
	h := newHarness(t, "alice")
	h.cap.err = errors.New("no such device")

	h.fromBob(signal.Offer("call-1", remoteOffer(), false))
	err := h.sess.AnswerCall(context.Background())
	require.ErrorIs(t, err, media.ErrDeviceNotFound)

	assert.Equal(t, Idle, h.state())
	assert.Equal(t, 1, h.tr.count(signal.KindHangup))
}

func TestAnswerWithoutIncomingCall(t *testing.T) {
	h := newHarness(t, "alice")
	assert.ErrorIs(t, h.sess.AnswerCall(context.Background()), ErrNoIncomingCall)
	assert.NoError(t, h.sess.RejectCall())
	assert.Zero(t, h.cap.callCount())
}

func TestOwnEchoIsIgnored(t *testing.T) {
	h := newHarness(t, "alice")
	env := signal.Offer("call-1", remoteOffer(), false)
	env.SenderID = "alice"
	h.tr.deliver(testConv, env)
	assert.Equal(t, Idle, h.state())
}

func TestOfferWithoutSDPIsDropped(t *testing.T) {
	h := newHarness(t, "alice")
	var rings int
	h.mgr.OnIncoming(func(*IncomingCall) { rings++ })

	h.fromBob(signal.Envelope{Kind: signal.KindOffer, CallID: "call-1"})

	done := make(chan Snapshot, 1)
	go func() { done <- h.sess.Snapshot() }()
	select {
	case snap := <-done:
		assert.Equal(t, Idle, snap.State)
		assert.Empty(t, snap.CallID)
	case <-time.After(2 * time.Second):
		t.Fatal("session lock held after malformed offer")
	}
	assert.Zero(t, rings)

	// Callers that skip validation are refused by the state machine too.
	require.NoError(t, h.sess.dispatch(event{
		kind: EvRemoteOffer,
		env:  signal.Envelope{Kind: signal.KindOffer, CallID: "call-2", SenderID: "bob"},
	}))
	assert.Equal(t, Idle, h.state())

	h.fromBob(signal.Offer("call-3", remoteOffer(), false))
	assert.Equal(t, Incoming, h.state())
}

func TestHangupThenOfferOfSameCallStaysIdle(t *testing.T) {
	h := newHarness(t, "alice")
	var rings int
	h.mgr.OnIncoming(func(*IncomingCall) { rings++ })

	h.fromBob(signal.Hangup("call-1"))
	h.fromBob(signal.Offer("call-1", remoteOffer(), false))

	assert.Equal(t, Idle, h.state())
	assert.Zero(t, rings)

	h.fromBob(signal.Offer("call-2", remoteOffer(), false))
	assert.Equal(t, Incoming, h.state())
	assert.Equal(t, 1, rings)
}

func TestRedeliveredOfferAfterEndStaysIdle(t *testing.T) {
	h := newHarness(t, "alice")

	h.fromBob(signal.Offer("call-1", remoteOffer(), false))
	require.NoError(t, h.sess.AnswerCall(context.Background()))
	require.Equal(t, Connected, h.state())
	require.NoError(t, h.sess.HangUp())
	require.Equal(t, Idle, h.state())

	h.fromBob(signal.Offer("call-1", remoteOffer(), false))
	assert.Equal(t, Idle, h.state())

	h.fromBob(signal.Offer("call-2", remoteOffer(), false))
	h.fromBob(signal.Hangup("call-2"))
	require.Equal(t, Idle, h.state())
	h.fromBob(signal.Offer("call-2", remoteOffer(), false))
	assert.Equal(t, Idle, h.state(), "offer of a remotely ended call")
}

func TestEndedCallIDsAreBounded(t *testing.T) {
	h := newHarness(t, "alice")
	for i := 0; i <= endedSize; i++ {
		h.fromBob(signal.Hangup(fmt.Sprintf("old-%d", i)))
	}
	assert.Equal(t, endedSize, h.sess.ended.Len())

	h.fromBob(signal.Offer("old-0", remoteOffer(), false))
	assert.Equal(t, Incoming, h.state(), "oldest id was evicted")
}

// ── ending ───────────────────────────────────────────────────────────────────

func TestConnectivityFailureEndsCall(t *testing.T) {
	h := newHarness(t, "alice")
	n := h.connectOutgoing(t, false)

	h.clock.Advance(42 * time.Second)
	n.fireConn(webrtc.PeerConnectionStateFailed)
	eventually(t, func() bool { return h.state() == Idle })

	assert.Zero(t, h.media.Outstanding())
	assert.True(t, h.cap.allStopped())
	row := h.log.row(1)
	assert.Equal(t, 1, row.finishes)
	assert.Equal(t, 42*time.Second, row.duration)
	assert.Equal(t, t0.Add(42*time.Second), row.endedAt)
	assert.Zero(t, h.tr.count(signal.KindHangup))
	_, _, teardowns := n.state()
	assert.Equal(t, 1, teardowns)
	assert.NotEmpty(t, h.sess.Snapshot().LastError)
}

func TestHangUpTwiceFinishesOnce(t *testing.T) {
	h := newHarness(t, "alice")
	h.connectOutgoing(t, true)

	require.NoError(t, h.sess.HangUp())
	require.NoError(t, h.sess.HangUp())
	h.fromBob(signal.Hangup(""))

	assert.Equal(t, Idle, h.state())
	assert.Equal(t, 1, h.log.row(1).finishes)
	assert.Equal(t, 1, h.tr.count(signal.KindHangup))
	assert.True(t, h.cap.allStopped())
}

func TestUnansweredCallStaysMissed(t *testing.T) {
	h := newHarness(t, "alice")
	require.NoError(t, h.sess.StartCall(context.Background(), false))

	h.clock.Advance(10 * time.Second)
	require.NoError(t, h.sess.HangUp())

	row := h.log.row(1)
	assert.Equal(t, calllog.StatusMissed, row.status)
	assert.Zero(t, row.duration)
	assert.Equal(t, t0.Add(10*time.Second), row.endedAt)
}

func TestRemoteHangupEndsCall(t *testing.T) {
	h := newHarness(t, "alice")
	h.connectOutgoing(t, false)
	callID := h.sess.Snapshot().CallID

	h.fromBob(signal.Hangup(callID))
	assert.Equal(t, Idle, h.state())
	assert.Zero(t, h.tr.count(signal.KindHangup))
	assert.Zero(t, h.media.Outstanding())

	require.NoError(t, h.sess.StartCall(context.Background(), false), "session is reusable")
}

func TestCallbacksOfEndedCallAreIgnored(t *testing.T) {
	h := newHarness(t, "alice")
	old := h.connectOutgoing(t, false)
	require.NoError(t, h.sess.HangUp())

	require.NoError(t, h.sess.StartCall(context.Background(), false))
	callID := h.sess.Snapshot().CallID

	old.fireConn(webrtc.PeerConnectionStateFailed)
	old.fireTrack(rtc.RemoteTrack{TrackID: "stale"})
	time.Sleep(50 * time.Millisecond)

	snap := h.sess.Snapshot()
	assert.Equal(t, Outgoing, snap.State)
	assert.Equal(t, callID, snap.CallID)
	assert.Empty(t, snap.RemoteTracks)
}

func TestRemoteTracksClearedOnEnd(t *testing.T) {
	h := newHarness(t, "alice")
	n := h.connectOutgoing(t, true)

	n.fireTrack(rtc.RemoteTrack{TrackID: "v", Kind: webrtc.RTPCodecTypeVideo})
	assert.Len(t, h.sess.Snapshot().RemoteTracks, 1)

	require.NoError(t, h.sess.HangUp())
	assert.Empty(t, h.sess.Snapshot().RemoteTracks)
}

// ── glare ────────────────────────────────────────────────────────────────────

func TestGlareLargerIDYields(t *testing.T) {
	h := newHarness(t, "zoe")
	var rings int
	h.mgr.OnIncoming(func(*IncomingCall) { rings++ })

	require.NoError(t, h.sess.StartCall(context.Background(), false))
	ours := h.negs.last()

	h.fromBob(signal.Offer("bob-call", remoteOffer(), true))

	snap := h.sess.Snapshot()
	assert.Equal(t, Incoming, snap.State)
	assert.Equal(t, "bob-call", snap.CallID)
	assert.True(t, snap.IsVideo)
	assert.Equal(t, 1, rings)

	_, _, teardowns := ours.state()
	assert.Equal(t, 1, teardowns)
	assert.Zero(t, h.media.Outstanding())
	row := h.log.row(1)
	assert.Equal(t, 1, row.finishes)
	assert.Equal(t, calllog.StatusMissed, row.status)
	assert.Zero(t, h.tr.count(signal.KindHangup))
}

func TestGlareSmallerIDKeepsItsOffer(t *testing.T) {
	h := newHarness(t, "alice")
	require.NoError(t, h.sess.StartCall(context.Background(), false))
	callID := h.sess.Snapshot().CallID

	h.fromBob(signal.Offer("bob-call", remoteOffer(), false))

	snap := h.sess.Snapshot()
	assert.Equal(t, Outgoing, snap.State)
	assert.Equal(t, callID, snap.CallID)
}

// ── media controls ───────────────────────────────────────────────────────────

func TestTogglesWhileIdleDoNothing(t *testing.T) {
	h := newHarness(t, "alice")
	assert.False(t, h.sess.ToggleMute())
	assert.False(t, h.sess.ToggleVideo())
	assert.Equal(t, Idle, h.state())
	assert.Zero(t, h.cap.callCount())
}

func TestToggleMuteAndVideo(t *testing.T) {
	h := newHarness(t, "alice")
	h.connectOutgoing(t, true)
	mic := h.cap.latest(webrtc.RTPCodecTypeAudio)
	cam := h.cap.latest(webrtc.RTPCodecTypeVideo)

	assert.True(t, h.sess.ToggleMute())
	assert.False(t, mic.Enabled())
	assert.False(t, h.sess.ToggleMute())
	assert.True(t, mic.Enabled())

	assert.False(t, h.sess.ToggleVideo())
	assert.False(t, cam.Enabled())
	assert.False(t, cam.Stopped(), "camera stays open while hidden")
	assert.True(t, h.sess.ToggleVideo())
	assert.True(t, cam.Enabled())
}

func TestToggleVideoOnAudioCall(t *testing.T) {
	h := newHarness(t, "alice")
	h.connectOutgoing(t, false)
	assert.False(t, h.sess.ToggleVideo())
	assert.False(t, h.sess.Snapshot().VideoEnabled)
}

// ── observation ──────────────────────────────────────────────────────────────

func TestSubscribeSeesLatestSnapshot(t *testing.T) {
	h := newHarness(t, "alice")
	ch, cancel := h.sess.Subscribe()
	defer cancel()

	first := <-ch
	assert.Equal(t, Idle, first.State)

	h.connectOutgoing(t, false)
	eventually(t, func() bool {
		select {
		case s := <-ch:
			return s.State == Connected
		default:
			return false
		}
	})

	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestMediaStatsNeedAStatsEngine(t *testing.T) {
	h := newHarness(t, "alice")
	_, ok := h.sess.MediaStats()
	assert.False(t, ok, "no call")

	h.connectOutgoing(t, false)
	_, ok = h.sess.MediaStats()
	assert.False(t, ok, "negotiator without counters")
}

func TestHistoryRecordsTransitions(t *testing.T) {
	h := newHarness(t, "alice")
	h.connectOutgoing(t, false)
	require.NoError(t, h.sess.HangUp())

	var path []State
	for _, tr := range h.sess.History() {
		path = append(path, tr.To)
	}
	assert.Equal(t, []State{Outgoing, Connected, Ending, Idle}, path)
}
