package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/petervdpas/goopcall/internal/storage"
)

// NormalizeLocalViewer ensures the viewer only binds to localhost
// and returns the listen addr and the browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	return a, "http://" + a
}

type peerCounter interface {
	Peers() int
}

// waitPeers blocks until at least one remote peer is connected. Gossipsub
// drops messages published before the mesh has a member.
func waitPeers(ctx context.Context, n peerCounter) error {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for n.Peers() == 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for peers: %w", ctx.Err())
		case <-t.C:
		}
	}
	return nil
}

func formatRow(r storage.CallLogRow) string {
	dur := "-"
	if r.Status == "completed" {
		dur = (time.Duration(r.DurationSeconds) * time.Second).String()
	}
	return fmt.Sprintf("#%-4d %-20s %-9s %-5s %-8s %s", r.ID, r.StartedAt, r.Status, r.Type, dur, r.CallerID)
}

func logBanner(peerDir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Info("goopcall peer scope")
	log.Infof(" Peer folder : %s", peerDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Info(" This process represents ONE peer.")
	log.Info(" Different folder/config = different peer.")
	log.Info("────────────────────────────────────────")
}
