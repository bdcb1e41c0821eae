package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/mfeldt/huddle/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Presence Presence `json:"presence"`
	Profile  Profile  `json:"profile"`
	Media    Media    `json:"media"`
	ICE      []ICE    `json:"ice_servers"`
	Gateway  Gateway  `json:"gateway"`
	Backend  Backend  `json:"backend"`
	Control  Control  `json:"control"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	// Disabled turns the libp2p transport off entirely; signaling then
	// requires a gateway.
	Disabled bool `json:"disabled"`

	// 0 picks an ephemeral port.
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// Optional static circuit relay, as full multiaddrs including /p2p/<id>.
	RelayAddrs []string `json:"relay_addrs"`
}

type Presence struct {
	Topic        string `json:"topic"`
	TTLSec       int    `json:"ttl_seconds"`
	HeartbeatSec int    `json:"heartbeat_seconds"`
}

type Profile struct {
	// Account is this user's identity in signaling, e.g. "alice".
	Account     string `json:"account"`
	DisplayName string `json:"display_name"`
}

type Media struct {
	// "user" or "environment"; which camera a video call starts with.
	PreferredFacing string `json:"preferred_facing"`

	// Disables camera and screen capture; calls stay voice-only.
	VideoDisabled bool `json:"video_disabled"`
}

// ICE is one STUN or TURN server handed to the peer connections.
type ICE struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Gateway configures the websocket signaling fallback. Empty URL = disabled.
type Gateway struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// Backend configures the hosted conversation service. Empty URL = standalone
// peer-to-peer operation; group rosters and join links are then unavailable.
type Backend struct {
	URL      string `json:"url"`
	APIToken string `json:"api_token"`

	// Secret for minting and verifying guest join tokens.
	JoinSecret string `json:"join_secret"`

	// Lifetime of a minted join link in minutes.
	JoinLinkTTLMin int `json:"join_link_ttl_minutes"`
}

type Control struct {
	// Local HTTP control API bind address. Empty picks 127.0.0.1:0.
	HTTPAddr string `json:"http_addr"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "huddle-mdns",
		},
		Presence: Presence{
			Topic:        "huddle.presence.v1",
			TTLSec:       20,
			HeartbeatSec: 5,
		},
		Media: Media{
			PreferredFacing: "user",
		},
		ICE: []ICE{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		Backend: Backend{
			JoinLinkTTLMin: 60,
		},
		Control: Control{
			HTTPAddr: "127.0.0.1:8760",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// Profile
	if strings.TrimSpace(c.Profile.Account) == "" {
		return errors.New("profile.account is required")
	}
	if strings.ContainsAny(c.Profile.Account, ": /\\") {
		return errors.New("profile.account must not contain ':', '/', '\\' or spaces")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	// Presence
	if strings.TrimSpace(c.Presence.Topic) == "" {
		return errors.New("presence.topic is required")
	}
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}

	// Media
	if f := c.Media.PreferredFacing; f != "user" && f != "environment" {
		return errors.New(`media.preferred_facing must be "user" or "environment"`)
	}

	// ICE
	if len(c.ICE) == 0 {
		return errors.New("at least one ice_servers entry is required")
	}
	for i, srv := range c.ICE {
		if len(srv.URLs) == 0 {
			return fmt.Errorf("ice_servers[%d].urls is empty", i)
		}
		for _, u := range srv.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") &&
				!strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("ice_servers[%d]: unsupported url %q", i, u)
			}
		}
	}

	// Gateway
	if gw := strings.TrimSpace(c.Gateway.URL); gw != "" {
		if err := validateURL(gw, "ws", "wss"); err != nil {
			return fmt.Errorf("gateway.url: %w", err)
		}
	}

	// Backend
	if be := strings.TrimSpace(c.Backend.URL); be != "" {
		if err := validateURL(be, "http", "https"); err != nil {
			return fmt.Errorf("backend.url: %w", err)
		}
		if c.Backend.JoinLinkTTLMin <= 0 {
			return errors.New("backend.join_link_ttl_minutes must be > 0")
		}
	}

	// At least one signaling path must exist.
	if c.P2P.Disabled && strings.TrimSpace(c.Gateway.URL) == "" {
		return errors.New("gateway.url is required when p2p is disabled")
	}

	// Control
	if addr := strings.TrimSpace(c.Control.HTTPAddr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("control.http_addr: %v", err)
		}
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	okScheme := false
	for _, s := range schemes {
		if u.Scheme == s {
			okScheme = true
			break
		}
	}
	if !okScheme {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}
	if u.Host == "" {
		return errors.New("missing host")
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

// Ensure loads config if it exists; otherwise creates a default config file
// with the given account filled in. Returns (cfg, createdNew, err).
func Ensure(path, account string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Profile.Account = account
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
