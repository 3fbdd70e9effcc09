package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/petervdpas/goopcall/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	WebRTC   WebRTC   `json:"webrtc"`
	Media    Media    `json:"media"`
	Storage  Storage  `json:"storage"`
	Viewer   Viewer   `json:"viewer"`
	Log      Log      `json:"log"`
}

// Identity is the local profile attached to every outgoing envelope.
// DisplayName and AvatarURL are re-read on each send, so edits to the config
// file show up on the remote side without restarting.
type Identity struct {
	KeyFile     string `json:"key_file"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

type P2P struct {
	ListenPort  int    `json:"listen_port"`
	MdnsTag     string `json:"mdns_tag"`
	TopicPrefix string `json:"topic_prefix"`

	// Full multiaddrs (with /p2p/<id>) dialed at startup, for peers that
	// mDNS cannot see.
	Bootstrap []string `json:"bootstrap,omitempty"`

	// Circuit relay v2 server (full multiaddr) for peers behind NAT.
	Relay string `json:"relay,omitempty"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type WebRTC struct {
	ICEServers         []ICEServer `json:"ice_servers"`
	ICETransportPolicy string      `json:"ice_transport_policy"` // "all" or "relay"

	// ICE timeouts (seconds). A disconnected or failed peer connection ends
	// the call, so these bound how long a silent peer keeps the session open.
	DisconnectedTimeoutSec int `json:"disconnected_timeout_sec"`
	FailedTimeoutSec       int `json:"failed_timeout_sec"`
	KeepAliveIntervalSec   int `json:"keepalive_interval_sec"`
}

type Media struct {
	MaxWidth     int `json:"max_width"`
	MaxHeight    int `json:"max_height"`
	VideoBitRate int `json:"video_bitrate"`
}

type Storage struct {
	Dir string `json:"dir"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"` // empty = disabled
}

type Log struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // color, plaintext, json
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile:     "data/identity.key",
			DisplayName: "User",
		},
		P2P: P2P{
			ListenPort:  0,
			MdnsTag:     "goopcall-mdns",
			TopicPrefix: "goopcall/",
		},
		WebRTC: WebRTC{
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
				{URLs: []string{"stun:global.stun.twilio.com:3478"}},
			},
			ICETransportPolicy:     "all",
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepAliveIntervalSec:   2,
		},
		Media: Media{
			MaxWidth:     640,
			MaxHeight:    480,
			VideoBitRate: 1_500_000,
		},
		Storage: Storage{
			Dir: "data",
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
		Log: Log{
			Level:  "info",
			Format: "color",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if strings.TrimSpace(c.Identity.DisplayName) == "" {
		return errors.New("identity.display_name is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	// WebRTC
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls is empty", i)
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("webrtc.ice_servers[%d]: unsupported url %q", i, u)
			}
		}
	}
	switch c.WebRTC.ICETransportPolicy {
	case "all", "relay":
	default:
		return errors.New("webrtc.ice_transport_policy must be all or relay")
	}
	if c.WebRTC.DisconnectedTimeoutSec <= 0 {
		return errors.New("webrtc.disconnected_timeout_sec must be > 0")
	}
	if c.WebRTC.FailedTimeoutSec < c.WebRTC.DisconnectedTimeoutSec {
		return errors.New("webrtc.failed_timeout_sec must be >= disconnected_timeout_sec")
	}
	if c.WebRTC.KeepAliveIntervalSec <= 0 || c.WebRTC.KeepAliveIntervalSec >= c.WebRTC.DisconnectedTimeoutSec {
		return errors.New("webrtc.keepalive_interval_sec must be > 0 and < disconnected_timeout_sec")
	}

	// Media
	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return errors.New("media.max_width and media.max_height must be > 0")
	}
	if c.Media.VideoBitRate <= 0 {
		return errors.New("media.video_bitrate must be > 0")
	}

	// Storage
	if strings.TrimSpace(c.Storage.Dir) == "" {
		return errors.New("storage.dir is required")
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be debug, info, warn or error")
	}
	switch c.Log.Format {
	case "color", "plaintext", "json":
	default:
		return errors.New("log.format must be color, plaintext or json")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
