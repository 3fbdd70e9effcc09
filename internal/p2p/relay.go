package p2p

// relay.go: circuit relay reservation, detection and recovery. Two peers
// behind NAT still share gossipsub topics through the relay, so call
// signaling works even when the media path needs TURN.

import (
	"context"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/host/autorelay"
	"github.com/libp2p/go-libp2p/p2p/net/swarm"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/goopcall/internal/util"
)

const (
	relayCleanupDelay = 3 * time.Second
	relayPollDeadline = 20 * time.Second
	relayRecoverGrace = 10 * time.Second
)

func relayOptions(relay peer.AddrInfo) []libp2p.Option {
	return []libp2p.Option{
		libp2p.EnableRelay(),
		libp2p.EnableHolePunching(),
		libp2p.EnableAutoRelayWithStaticRelays([]peer.AddrInfo{relay},
			autorelay.WithBootDelay(0),
			autorelay.WithBackoff(30*time.Second),
		),
	}
}

// isCircuitAddr returns true if the multiaddr contains a /p2p-circuit component.
func isCircuitAddr(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

func (n *Node) hasCircuitAddr() bool {
	for _, a := range n.Host.Addrs() {
		if isCircuitAddr(a) {
			return true
		}
	}
	return false
}

// WaitForRelay polls until the host holds a /p2p-circuit address. It returns
// false at once when no relay is configured.
func (n *Node) WaitForRelay(ctx context.Context, timeout time.Duration) bool {
	if n.relayPeer == nil {
		return false
	}
	deadline := time.After(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if n.hasCircuitAddr() {
			log.Infow("relay reservation ready", "relay", n.relayPeer.ID.String())
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			log.Warnw("no relay reservation yet", "relay", n.relayPeer.ID.String(), "waited", timeout)
			return false
		case <-ticker.C:
		}
	}
}

// WatchRelay reports circuit address gains and losses to onCircuit (may be
// nil) and tries to win the reservation back after a loss. It returns when
// ctx is done.
func (n *Node) WatchRelay(ctx context.Context, onCircuit func(bool)) {
	if n.relayPeer == nil {
		return
	}
	sub, err := n.Host.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err != nil {
		log.Warnw("relay address watch", "err", err)
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer sub.Close()

		had := n.hasCircuitAddr()
		for {
			select {
			case <-ctx.Done():
				return
			case <-n.ctx.Done():
				return
			case <-sub.Out():
				has := n.hasCircuitAddr()
				if has == had {
					continue
				}
				had = has
				if has {
					log.Infow("relay circuit address appeared")
				} else {
					log.Warnw("relay circuit address lost, recovering")
					go n.recoverRelay(ctx)
				}
				if onCircuit != nil {
					onCircuit(has)
				}
			}
		}
	}()
}

// recoverRelay gives autorelay a grace period, then reconnects by hand.
func (n *Node) recoverRelay(ctx context.Context) {
	select {
	case <-time.After(relayRecoverGrace):
	case <-ctx.Done():
		return
	}
	if n.hasCircuitAddr() {
		log.Debugw("autorelay recovered on its own")
		return
	}
	if !n.relayRecoveryMu.TryLock() {
		return
	}
	defer n.relayRecoveryMu.Unlock()
	n.refreshRelay(ctx)
}

// refreshRelay drops relay connections, clears dial backoff, reconnects and
// waits for autorelay to hold a reservation again. Caller holds
// relayRecoveryMu.
func (n *Node) refreshRelay(ctx context.Context) bool {
	start := time.Now()
	rp := *n.relayPeer

	if conns := n.Host.Network().ConnsToPeer(rp.ID); len(conns) > 0 {
		for _, c := range conns {
			_ = c.Close()
		}
		// Relay v2 allows one reservation per peer; the old slot must expire
		// on the server before a new one is accepted.
		select {
		case <-time.After(relayCleanupDelay):
		case <-ctx.Done():
			return false
		}
	}

	if sw, ok := n.Host.Network().(*swarm.Swarm); ok {
		sw.Backoff().Clear(rp.ID)
	}
	n.Host.Peerstore().AddAddrs(rp.ID, rp.Addrs, 10*time.Minute)

	cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	err := n.Host.Connect(cctx, rp)
	cancel()
	if err != nil {
		log.Warnw("relay reconnect failed", "relay", rp.ID.String(), "err", err)
		return false
	}

	deadline := time.After(relayPollDeadline)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			log.Warnw("relay recovery failed", "after", time.Since(start).Truncate(time.Millisecond))
			return false
		case <-tick.C:
			if n.hasCircuitAddr() {
				log.Infow("relay recovered", "after", time.Since(start).Truncate(time.Millisecond))
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
}
