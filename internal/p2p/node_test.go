package p2p

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(context.Background(), Options{
		KeyFile: filepath.Join(t.TempDir(), "identity.key"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (b *inbox) add(m []byte) {
	b.mu.Lock()
	b.msgs = append(b.msgs, string(m))
	b.mu.Unlock()
}

func (b *inbox) has(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.msgs {
		if m == s {
			return true
		}
	}
	return false
}

func TestIdentityKeyIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")

	k1, created, err := loadOrCreateKey(path)
	require.NoError(t, err)
	assert.True(t, created)

	k2, created, err := loadOrCreateKey(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, k1.Equals(k2))
}

func TestPublishEchoesToOwnSubscription(t *testing.T) {
	n := newTestNode(t)

	got := &inbox{}
	cancel, err := n.Subscribe("goopcall/chat:c1", got.add)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, n.Publish(context.Background(), "goopcall/chat:c1", []byte("hello")))
	require.Eventually(t, func() bool { return got.has("hello") }, 3*time.Second, 20*time.Millisecond)
}

func TestTwoNodesExchangeMessages(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	require.NotEmpty(t, a.Addrs())
	require.NoError(t, b.Connect(context.Background(), a.Addrs()[0]))
	assert.Equal(t, 1, b.Peers())

	got := &inbox{}
	cancel, err := b.Subscribe("goopcall/chat:c1", got.add)
	require.NoError(t, err)
	defer cancel()
	// a must know the topic for its own publishes to find b.
	cancelA, err := a.Subscribe("goopcall/chat:c1", func([]byte) {})
	require.NoError(t, err)
	defer cancelA()

	// Subscription announcements propagate asynchronously; retry until the
	// mesh carries the message.
	require.Eventually(t, func() bool {
		_ = a.Publish(context.Background(), "goopcall/chat:c1", []byte("offer"))
		return got.has("offer")
	}, 10*time.Second, 200*time.Millisecond)
}

func TestClosedNodeRejectsPublish(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.Publish(context.Background(), "t", []byte("x")), ErrClosed)
}

func TestCircuitAddrDetection(t *testing.T) {
	direct := ma.StringCast("/ip4/10.0.0.2/tcp/4001")
	circuit := ma.StringCast("/ip4/203.0.113.7/tcp/4001/p2p/QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN/p2p-circuit")
	assert.False(t, isCircuitAddr(direct))
	assert.True(t, isCircuitAddr(circuit))
}

func TestRelayOptional(t *testing.T) {
	n := newTestNode(t)
	assert.False(t, n.hasCircuitAddr())
	assert.False(t, n.WaitForRelay(context.Background(), time.Second), "no relay configured")
	n.WatchRelay(context.Background(), func(bool) { t.Error("no relay configured") })

	_, err := New(context.Background(), Options{
		KeyFile: filepath.Join(t.TempDir(), "identity.key"),
		Relay:   "/ip4/203.0.113.7/tcp/4001",
	})
	assert.Error(t, err, "relay address needs a /p2p component")
}
