package call

import (
	"errors"
	"sort"
	"sync"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/rtc"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/util"
)

// IncomingCall is handed to OnIncoming handlers when an offer rings.
type IncomingCall struct {
	ConversationID string
	Peer           Peer
	IsVideo        bool
	Session        *Session
}

type openSession struct {
	sess        *Session
	unsubscribe func()
}

// Manager owns one session per open conversation and routes the
// conversation's signaling envelopes to it.
type Manager struct {
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*openSession
	closed   bool

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)
}

func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:     deps,
		sessions: make(map[string]*openSession),
	}
}

// OnIncoming registers a callback fired for each incoming offer. Handlers run
// on the signaling goroutine and must not block.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// Open returns the session of conversationID, creating it and subscribing to
// the conversation's channel on first use. recipient is who StartCall dials.
func (m *Manager) Open(conversationID string, recipient Peer) (*Session, error) {
	conv, err := util.ValidateConversationID(conversationID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if o, ok := m.sessions[conv]; ok {
		return o.sess, nil
	}

	sess := newSession(conv, recipient, m.deps)
	sess.onIncoming = m.fireIncoming
	unsub, err := m.deps.Transport.Subscribe(conv, sess.HandleIncomingEnvelope)
	if err != nil {
		return nil, err
	}
	m.sessions[conv] = &openSession{sess: sess, unsubscribe: unsub}
	log.Infow("conversation opened", "conversation", conv, "recipient", recipient.ID)
	return sess, nil
}

// Get returns the session of an open conversation.
func (m *Manager) Get(conversationID string) (*Session, bool) {
	m.mu.RLock()
	o, ok := m.sessions[conversationID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return o.sess, true
}

// Sessions lists open sessions ordered by conversation id.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, o := range m.sessions {
		out = append(out, o.sess)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].conv < out[j].conv })
	return out
}

// CloseConversation hangs up any call of the conversation and stops
// listening on its channel.
func (m *Manager) CloseConversation(conversationID string) error {
	m.mu.Lock()
	o, ok := m.sessions[conversationID]
	delete(m.sessions, conversationID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return closeSession(o)
}

// Close hangs up every session. Further Opens fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*openSession)
	m.mu.Unlock()

	var errs []error
	for _, o := range sessions {
		errs = append(errs, closeSession(o))
	}
	return errors.Join(errs...)
}

func closeSession(o *openSession) error {
	err := o.sess.HangUp()
	o.unsubscribe()
	return err
}

func (m *Manager) fireIncoming(sess *Session, snap Snapshot) {
	ic := &IncomingCall{
		ConversationID: snap.ConversationID,
		Peer:           snap.Peer,
		IsVideo:        snap.IsVideo,
		Session:        sess,
	}
	log.Infow("incoming call", "conversation", ic.ConversationID, "from", ic.Peer.ID, "video", ic.IsVideo)

	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
}

var (
	_ Transport    = (*signal.Transport)(nil)
	_ MediaManager = (*media.Manager)(nil)
	_ Negotiator   = (*rtc.Engine)(nil)
)
