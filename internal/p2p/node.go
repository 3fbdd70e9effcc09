package p2p

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("p2p")

var ErrClosed = errors.New("p2p: node closed")

func init() { QuietLogs() }

// QuietLogs lowers libp2p subsystems whose dial failures and backoff errors
// are noise at info level. Call it again after logging.SetupLogging.
func QuietLogs() {
	_ = logging.SetLogLevel("swarm2", "error")
	_ = logging.SetLogLevel("autonat", "warn")
	_ = logging.SetLogLevel("mdns", "warn")
}

type Options struct {
	ListenPort int
	KeyFile    string
	MdnsTag    string // empty disables LAN discovery
	Bootstrap  []string

	// Relay is the full multiaddr of a circuit relay v2 server. When set the
	// node reserves a /p2p-circuit address there and hole punches.
	Relay string
}

// Node is a libp2p host whose gossipsub topics serve as the realtime channel
// for call signaling. It implements signal.Channel.
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
	md   mdns.Service

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	closed bool

	relayPeer       *peer.AddrInfo
	relayRecoveryMu sync.Mutex
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugw("mdns connect failed", "peer", pi.ID.String(), "err", err)
		return
	}
	log.Infow("mdns peer connected", "peer", pi.ID.String())
}

// loadOrCreateKey loads the persistent identity key, generating an Ed25519
// key on first run. The peer ID derived from it is the caller id on call logs.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnw("corrupt identity key, generating a new one", "path", keyFile, "err", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

func New(ctx context.Context, opts Options) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	log.Infow("identity key ready", "path", opts.KeyFile, "generated", isNew)

	hostOpts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	}

	var relayPeer *peer.AddrInfo
	if opts.Relay != "" {
		relayPeer, err = peer.AddrInfoFromString(opts.Relay)
		if err != nil {
			return nil, fmt.Errorf("relay address: %w", err)
		}
		hostOpts = append(hostOpts, relayOptions(*relayPeer)...)
		log.Infow("relay enabled", "relay", relayPeer.ID.String(), "addrs", len(relayPeer.Addrs))
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, err
	}

	nctx, cancel := context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(nctx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		Host:      h,
		ps:        ps,
		ctx:       nctx,
		cancel:    cancel,
		topics:    make(map[string]*pubsub.Topic),
		relayPeer: relayPeer,
	}

	if opts.MdnsTag != "" {
		n.md = mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
		if err := n.md.Start(); err != nil {
			cancel()
			_ = h.Close()
			return nil, err
		}
	}

	for _, addr := range opts.Bootstrap {
		if err := n.Connect(ctx, addr); err != nil {
			log.Warnw("bootstrap peer unreachable", "addr", addr, "err", err)
		}
	}

	log.Infow("p2p node started", "peer", n.ID(), "addrs", n.Addrs())
	return n, nil
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Addrs returns the dialable addresses of this node including the /p2p
// component, ready to hand to another node's Connect.
func (n *Node) Addrs() []string {
	self, err := ma.NewMultiaddr("/p2p/" + n.ID())
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range n.Host.Addrs() {
		out = append(out, a.Encapsulate(self).String())
	}
	return out
}

// Connect dials a peer given as a full multiaddr with a /p2p component.
func (n *Node) Connect(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse %q: %w", addr, err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return fmt.Errorf("peer info %q: %w", addr, err)
	}
	cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()
	return n.Host.Connect(cctx, *pi)
}

// Peers counts connected peers.
func (n *Node) Peers() int {
	return len(n.Host.Network().Peers())
}

// join returns the topic handle, joining it on first use. A topic can only
// be joined once per pubsub instance, so handles are cached until Close.
func (n *Node) join(name string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.ps.Join(name)
	if err != nil {
		return nil, err
	}
	n.topics[name] = t
	return t, nil
}

func (n *Node) Publish(ctx context.Context, topic string, msg []byte) error {
	t, err := n.join(topic)
	if err != nil {
		return err
	}
	return t.Publish(ctx, msg)
}

// Subscribe runs handler for every message on topic, including messages this
// node published. Handlers run on one goroutine per subscription.
func (n *Node) Subscribe(topic string, handler func([]byte)) (func(), error) {
	t, err := n.join(topic)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(n.ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			m, err := sub.Next(ctx)
			if err != nil {
				return
			}
			handler(m.Data)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			sub.Cancel()
		})
	}, nil
}

func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.cancel()
	n.wg.Wait()
	if n.md != nil {
		_ = n.md.Close()
	}
	return n.Host.Close()
}
