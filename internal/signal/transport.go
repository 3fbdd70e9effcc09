package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("signal")

// Channel is the realtime pub/sub collaborator. Delivery is at-least-once,
// unordered across rounds, and publishers receive their own messages.
type Channel interface {
	Publish(ctx context.Context, topic string, msg []byte) error
	Subscribe(topic string, handler func(msg []byte)) (cancel func(), err error)
}

// Identity is the local user as seen by remote peers.
type Identity struct {
	ID        string
	Name      string
	AvatarURL string
}

type IdentitySource interface {
	Identity() Identity
}

// IdentityFunc adapts a plain function to IdentitySource.
type IdentityFunc func() Identity

func (f IdentityFunc) Identity() Identity { return f() }

// Transport sends and receives envelopes on the topic of a conversation.
type Transport struct {
	ch     Channel
	prefix string
	id     IdentitySource
	now    func() time.Time
}

func NewTransport(ch Channel, topicPrefix string, id IdentitySource) *Transport {
	return &Transport{ch: ch, prefix: topicPrefix, id: id, now: time.Now}
}

// Topic returns the channel topic for a conversation.
func (t *Transport) Topic(conversationID string) string {
	return t.prefix + "chat:" + conversationID
}

// SelfID is the sender id stamped on outgoing envelopes.
func (t *Transport) SelfID() string {
	return t.id.Identity().ID
}

// Send publishes env once. There is no acknowledgment and no retry.
func (t *Transport) Send(ctx context.Context, conversationID string, env Envelope) error {
	conv, err := util.ValidateConversationID(conversationID)
	if err != nil {
		return err
	}

	self := t.id.Identity()
	env.SenderID = self.ID
	env.SenderName = self.Name
	env.SenderAvatar = self.AvatarURL
	env.SentAt = t.now().UTC()

	if err := env.Validate(); err != nil {
		return err
	}

	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Kind, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, util.SignalSendTimeout)
		defer cancel()
	}
	if err := t.ch.Publish(ctx, t.Topic(conv), b); err != nil {
		return fmt.Errorf("publish %s: %w", env.Kind, err)
	}
	log.Debugw("sent", "conversation", conv, "type", env.Kind, "call", env.CallID)
	return nil
}

// Subscribe calls fn for every valid envelope on the conversation topic,
// self-echoes included. Malformed messages are logged and dropped. After
// the returned cancel func returns, fn is not called again.
func (t *Transport) Subscribe(conversationID string, fn func(Envelope)) (func(), error) {
	conv, err := util.ValidateConversationID(conversationID)
	if err != nil {
		return nil, err
	}

	var stopped atomic.Bool
	cancel, err := t.ch.Subscribe(t.Topic(conv), func(msg []byte) {
		if stopped.Load() {
			return
		}
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			log.Warnw("undecodable envelope dropped", "conversation", conv, "err", err)
			return
		}
		if err := env.Validate(); err != nil {
			log.Warnw("invalid envelope dropped", "conversation", conv, "err", err)
			return
		}
		fn(env)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", conv, err)
	}

	return func() {
		if stopped.CompareAndSwap(false, true) {
			cancel()
		}
	}, nil
}
