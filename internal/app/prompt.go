// internal/app/prompt.go
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
)

var stdin io.Reader = os.Stdin

func PromptInteractive(peerDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(stdin)

	fmt.Println("────────────────────────────────────────")
	fmt.Println("goopcall interactive setup")
	fmt.Printf(" Peer folder : %s\n", peerDir)
	fmt.Printf(" Config file : %s\n", cfgPath)
	fmt.Println("────────────────────────────────────────")
	fmt.Println()

	cfg.Identity.DisplayName = askString(in, "Display name", cfg.Identity.DisplayName)
	cfg.Identity.AvatarURL = askString(in, "Avatar URL (empty=none)", cfg.Identity.AvatarURL)
	cfg.Viewer.HTTPAddr = askString(in, "Viewer HTTP addr (empty=off)", cfg.Viewer.HTTPAddr)
	cfg.P2P.ListenPort = askInt(in, "Listen port (0=random)", cfg.P2P.ListenPort)
	cfg.P2P.MdnsTag = askString(in, "mDNS tag (empty=no LAN discovery)", cfg.P2P.MdnsTag)

	if askBool(in, "Relay-only ICE (hide local addresses)", cfg.WebRTC.ICETransportPolicy == "relay") {
		cfg.WebRTC.ICETransportPolicy = "relay"
	} else {
		cfg.WebRTC.ICETransportPolicy = "all"
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

// prompter asks about incoming calls on a shared reader, one at a time.
type prompter struct {
	mu sync.Mutex
	in *bufio.Reader
}

func newPrompter(r io.Reader) *prompter {
	return &prompter{in: bufio.NewReader(r)}
}

func (p *prompter) incoming(ctx context.Context, ic *call.IncomingCall) {
	p.mu.Lock()
	defer p.mu.Unlock()

	who := ic.Peer.Name
	if who == "" {
		who = ic.Peer.ID
	}
	kind := "audio"
	if ic.IsVideo {
		kind = "video"
	}
	fmt.Printf("\nIncoming %s call from %s (%s)\n", kind, who, ic.ConversationID)

	if !askBool(p.in, "Answer", true) {
		if err := ic.Session.RejectCall(); err != nil {
			log.Warnw("reject", "conversation", ic.ConversationID, "err", err)
		}
		return
	}
	err := ic.Session.AnswerCall(ctx)
	switch {
	case err == nil:
		fmt.Println("Connected. Hang up from the viewer or with Ctrl-C.")
	case errors.Is(err, call.ErrNoIncomingCall):
		fmt.Println("The caller hung up.")
	default:
		log.Warnw("answer", "conversation", ic.ConversationID, "err", err)
	}
}

func askString(in *bufio.Reader, label, def string) string {
	fmt.Printf("%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, label string, def int) int {
	for {
		fmt.Printf("%s [%d]: ", label, def)
		s, _ := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		fmt.Println("Please enter a number.")
	}
}

func askBool(in *bufio.Reader, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Printf("%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			if err != nil {
				return false
			}
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		default:
			fmt.Println("Please enter y or n.")
		}
	}
}
