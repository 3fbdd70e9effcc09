package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/calllog"
	"github.com/petervdpas/goopcall/internal/callview"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/metrics"
	"github.com/petervdpas/goopcall/internal/p2p"
	"github.com/petervdpas/goopcall/internal/rtc"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
)

const relayWait = 10 * time.Second

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Conversations opened at startup so their incoming calls ring.
	Conversations []string
}

// Peer is one running goopcall identity: a libp2p node carrying the
// signaling topics, the call manager on top of it and the call log.
type Peer struct {
	Node    *p2p.Node
	Calls   *call.Manager
	DB      *storage.DB
	Config  *config.Watcher
	Metrics *metrics.Metrics
	Logs    *viewer.LogBuffer

	closers []func() error
}

// Start brings a peer up. The caller owns the result and must Close it.
func Start(ctx context.Context, opt Options) (p *Peer, err error) {
	logs, closeLogs, err := setupLogging(opt.Cfg.Log)
	if err != nil {
		return nil, err
	}
	p = &Peer{Logs: logs, Metrics: metrics.New()}
	p.onClose(closeLogs)
	defer func() {
		if err != nil {
			_ = p.Close()
		}
	}()

	logBanner(opt.PeerDir, opt.CfgPath)

	p.Config, err = config.Watch(opt.CfgPath, opt.Cfg)
	if err != nil {
		return nil, fmt.Errorf("watch config: %w", err)
	}
	p.onClose(p.Config.Close)
	p.Config.OnChange(func(c config.Config) {
		applyLogLevel(c.Log.Level)
		log.Infow("config reloaded", "display_name", c.Identity.DisplayName)
	})

	cfg := opt.Cfg
	p.DB, err = storage.Open(util.ResolvePath(opt.PeerDir, cfg.Storage.Dir))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	p.onClose(p.DB.Close)

	p.Node, err = p2p.New(ctx, p2p.Options{
		ListenPort: cfg.P2P.ListenPort,
		KeyFile:    util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile),
		MdnsTag:    cfg.P2P.MdnsTag,
		Bootstrap:  cfg.P2P.Bootstrap,
		Relay:      cfg.P2P.Relay,
	})
	if err != nil {
		return nil, err
	}
	p.onClose(p.Node.Close)
	if cfg.P2P.Relay != "" {
		p.Node.WaitForRelay(ctx, relayWait)
		p.Node.WatchRelay(ctx, nil)
	}

	selfID := p.Node.ID()
	transport := signal.NewTransport(p.Node, cfg.P2P.TopicPrefix, signal.IdentityFunc(func() signal.Identity {
		id := p.Config.Identity()
		return signal.Identity{ID: selfID, Name: id.DisplayName, AvatarURL: id.AvatarURL}
	}))

	capturer, err := media.NewDeviceCapturer(media.DeviceOptions{
		MaxWidth:     cfg.Media.MaxWidth,
		MaxHeight:    cfg.Media.MaxHeight,
		VideoBitRate: cfg.Media.VideoBitRate,
	})
	if err != nil {
		return nil, fmt.Errorf("media devices: %w", err)
	}

	p.Calls = call.NewManager(call.Deps{
		Transport: transport,
		Media:     media.NewManager(capturer),
		NewNegotiator: func() (call.Negotiator, error) {
			// ICE settings are read per call so a config edit applies to the next one.
			rc := rtcConfig(p.Config.Current().WebRTC)
			rc.RegisterCodecs = capturer.RegisterCodecs
			e, err := rtc.New(rc)
			if err != nil {
				return nil, err
			}
			return e, nil
		},
		CallLog: calllog.New(p.DB),
		Metrics: p.Metrics,
	})
	p.onClose(p.Calls.Close)

	log.Infow("peer ready", "peer", selfID, "db", p.DB.Path())
	return p, nil
}

// onClose registers fn to run on Close, in reverse order of registration.
func (p *Peer) onClose(fn func() error) {
	p.closers = append(p.closers, fn)
}

func (p *Peer) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

func rtcConfig(c config.WebRTC) rtc.Config {
	rc := rtc.DefaultConfig()
	if len(c.ICEServers) > 0 {
		rc.ICEServers = rc.ICEServers[:0:0]
		for _, s := range c.ICEServers {
			rc.ICEServers = append(rc.ICEServers, webrtc.ICEServer{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
	}
	if c.ICETransportPolicy == "relay" {
		rc.TransportPolicy = webrtc.ICETransportPolicyRelay
	}
	if c.DisconnectedTimeoutSec > 0 {
		rc.DisconnectedTimeout = time.Duration(c.DisconnectedTimeoutSec) * time.Second
	}
	if c.FailedTimeoutSec > 0 {
		rc.FailedTimeout = time.Duration(c.FailedTimeoutSec) * time.Second
	}
	if c.KeepAliveIntervalSec > 0 {
		rc.KeepAliveInterval = time.Duration(c.KeepAliveIntervalSec) * time.Second
	}
	return rc
}

// Run serves a peer until ctx is done: the viewer API on the configured
// address and a stdin prompt for every incoming call.
func Run(ctx context.Context, opt Options) error {
	p, err := Start(ctx, opt)
	if err != nil {
		return err
	}
	defer p.Close()

	prompt := newPrompter(stdin)
	p.Calls.OnIncoming(func(ic *call.IncomingCall) {
		go prompt.incoming(ctx, ic)
	})
	for _, conv := range opt.Conversations {
		if _, err := p.Calls.Open(conv, call.Peer{}); err != nil {
			return fmt.Errorf("open conversation %q: %w", conv, err)
		}
	}

	errCh := make(chan error, 1)
	if addr := opt.Cfg.Viewer.HTTPAddr; addr != "" {
		listen, url := NormalizeLocalViewer(addr)
		go func() {
			errCh <- viewer.Start(ctx, listen, viewer.Viewer{
				Calls:   p.Calls,
				History: p.DB,
				Logs:    p.Logs,
				Metrics: p.Metrics.Handler(),
				SelfID:  p.Node.ID,
			})
		}()
		log.Infow("viewer listening", "url", url)
	}

	select {
	case <-ctx.Done():
		log.Infow("shutting down", "peer", p.Node.ID())
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("viewer: %w", err)
		}
		return nil
	}
}

// Call places one call in conversation and returns when it is over. Cancel
// ctx to hang up.
func Call(ctx context.Context, opt Options, conversationID string, recipient call.Peer, video bool, out io.Writer) error {
	p, err := Start(ctx, opt)
	if err != nil {
		return err
	}
	defer p.Close()

	sess, err := p.Calls.Open(conversationID, recipient)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	if err := waitPeers(waitCtx, p.Node); err != nil {
		log.Warnw("no peers yet, offer may go unheard", "err", err)
	}
	cancel()

	if err := sess.StartCall(ctx, video); err != nil {
		return err
	}
	snaps, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	last := ""
	for {
		select {
		case <-ctx.Done():
			_ = sess.HangUp()
			fmt.Fprintln(out, "Hanging up")
			return nil
		case snap := <-snaps:
			m := callview.Build(snap, time.Now())
			if m.Status != last && m.Status != "" {
				fmt.Fprintln(out, m.Status)
				last = m.Status
			}
			if snap.State == call.Idle {
				if snap.LastError != "" {
					return errors.New(snap.LastError)
				}
				return nil
			}
		}
	}
}

// History prints the most recent call log rows of a conversation.
func History(ctx context.Context, opt Options, conversationID string, limit int, out io.Writer) error {
	db, err := storage.Open(util.ResolvePath(opt.PeerDir, opt.Cfg.Storage.Dir))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	rows, err := db.ListCallLogs(ctx, conversationID, limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No calls.")
		return nil
	}
	for _, r := range rows {
		fmt.Fprintln(out, formatRow(r))
	}
	return nil
}
