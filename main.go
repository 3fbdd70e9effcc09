// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const configName = "goopcall.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goopcall v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	command := args[0]

	switch command {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: goopcall peer <peer-directory> [-setup] [-join conv,...]")
			os.Exit(1)
		}
		runCLIPeer(args[1], args[2:])

	case "call":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: call command requires directory path and conversation")
			fmt.Fprintln(os.Stderr, "Usage: goopcall call <peer-directory> <conversation> [-peer id] [-video]")
			os.Exit(1)
		}
		runCLICall(args[1], args[2], args[3:])

	case "history":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: history command requires directory path and conversation")
			fmt.Fprintln(os.Stderr, "Usage: goopcall history <peer-directory> <conversation> [-limit n]")
			os.Exit(1)
		}
		runCLIHistory(args[1], args[2], args[3:])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// loadPeer resolves the peer directory and loads (or creates) its config.
func loadPeer(peerDirArg string) app.Options {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		log.Fatalf("Cannot create peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, configName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config: %s\n", cfgPath)
	}
	return app.Options{PeerDir: absDir, CfgPath: cfgPath, Cfg: cfg}
}

// signalContext is cancelled on the first Ctrl-C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func runCLIPeer(peerDirArg string, rest []string) {
	fs := flag.NewFlagSet("peer", flag.ExitOnError)
	setup := fs.Bool("setup", false, "Edit the config interactively before starting")
	join := fs.String("join", "", "Comma-separated conversations to listen on")
	_ = fs.Parse(rest)

	opt := loadPeer(peerDirArg)
	for _, c := range strings.Split(*join, ",") {
		if c = strings.TrimSpace(c); c != "" {
			opt.Conversations = append(opt.Conversations, c)
		}
	}
	if *setup {
		opt.Cfg = app.PromptInteractive(opt.PeerDir, opt.CfgPath, opt.Cfg)
		if err := config.Save(opt.CfgPath, opt.Cfg); err != nil {
			log.Fatalf("Failed to save config: %v", err)
		}
	}

	printPeerBanner(opt)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, opt); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runCLICall(peerDirArg, conversationID string, rest []string) {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	peerID := fs.String("peer", "", "Peer ID of the callee (informational)")
	peerName := fs.String("name", "", "Display name of the callee")
	video := fs.Bool("video", false, "Place a video call")
	_ = fs.Parse(rest)

	opt := loadPeer(peerDirArg)
	printPeerBanner(opt)

	ctx, cancel := signalContext()
	defer cancel()

	recipient := call.Peer{ID: *peerID, Name: *peerName}
	if err := app.Call(ctx, opt, conversationID, recipient, *video, os.Stdout); err != nil {
		log.Fatalf("Call failed: %v", err)
	}
}

func runCLIHistory(peerDirArg, conversationID string, rest []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 20, "Number of calls to show")
	_ = fs.Parse(rest)

	opt := loadPeer(peerDirArg)
	if err := app.History(context.Background(), opt, conversationID, *limit, os.Stdout); err != nil {
		log.Fatalf("History failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("goopcall - peer-to-peer audio/video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopcall peer <directory> [-setup] [-join conv,...]")
	fmt.Println("  goopcall call <directory> <conversation> [-peer id] [-name name] [-video]")
	fmt.Println("  goopcall history <directory> <conversation> [-limit n]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Run a peer: answer incoming calls on stdin and serve the viewer API")
	fmt.Println("        A goopcall.json is created in the directory if missing")
	fmt.Println()
	fmt.Println("  call <directory> <conversation>")
	fmt.Println("        Place one call in a conversation and wait until it ends")
	fmt.Println("        Press Ctrl+C to hang up")
	fmt.Println()
	fmt.Println("  history <directory> <conversation>")
	fmt.Println("        Print the call log of a conversation, newest first")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  goopcall peer ./peers/alice -join team-standup")
	fmt.Println("  goopcall call ./peers/bob team-standup -video")
}

func printPeerBanner(opt app.Options) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    goopcall peer                       ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", opt.PeerDir)
	fmt.Printf("Config File:    %s\n", opt.CfgPath)
	if opt.Cfg.Identity.DisplayName != "" {
		fmt.Printf("Display Name:   %s\n", opt.Cfg.Identity.DisplayName)
	}
	if opt.Cfg.Viewer.HTTPAddr != "" {
		_, url := app.NormalizeLocalViewer(opt.Cfg.Viewer.HTTPAddr)
		fmt.Printf("Call Viewer:    %s\n", url)
	}
	fmt.Println()
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
