package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Default()
	cfg.Profile.Account = "alice"
	return cfg
}

func TestEnsureCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path, "alice")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Error("expected created=true on first call")
	}
	if cfg.Profile.Account != "alice" {
		t.Errorf("account = %q", cfg.Profile.Account)
	}

	cfg2, created, err := Ensure(path, "ignored")
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if created {
		t.Error("expected created=false on second call")
	}
	if cfg2.Profile.Account != "alice" {
		t.Errorf("reloaded account = %q", cfg2.Profile.Account)
	}
}

func TestLoadStripsBOMAndAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := "\xEF\xBB\xBF" + `{"profile":{"account":"alice"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Profile.Account != "alice" {
		t.Errorf("account = %q", cfg.Profile.Account)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Presence.Topic != "huddle.presence.v1" {
		t.Errorf("presence topic = %q", cfg.Presence.Topic)
	}
	if len(cfg.ICE) != 1 || cfg.ICE[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("ice servers = %v", cfg.ICE)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"default with account", func(c *Config) {}, ""},
		{"empty account", func(c *Config) { c.Profile.Account = "" }, "profile.account"},
		{"account with colon", func(c *Config) { c.Profile.Account = "a:b" }, "profile.account"},
		{"account with space", func(c *Config) { c.Profile.Account = "a b" }, "profile.account"},
		{"bad port", func(c *Config) { c.P2P.ListenPort = 70000 }, "p2p.listen_port"},
		{"no mdns tag", func(c *Config) { c.P2P.MdnsTag = "" }, "p2p.mdns_tag"},
		{"heartbeat too slow", func(c *Config) { c.Presence.HeartbeatSec = 30 }, "heartbeat_seconds"},
		{"bad facing", func(c *Config) { c.Media.PreferredFacing = "rear" }, "preferred_facing"},
		{"no ice servers", func(c *Config) { c.ICE = nil }, "ice_servers"},
		{"http ice url", func(c *Config) {
			c.ICE = []ICE{{URLs: []string{"http://stun.example.com"}}}
		}, "unsupported url"},
		{"turn url ok", func(c *Config) {
			c.ICE = append(c.ICE, ICE{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"})
		}, ""},
		{"gateway scheme", func(c *Config) { c.Gateway.URL = "http://gw.example.com" }, "gateway.url"},
		{"gateway ok", func(c *Config) { c.Gateway.URL = "wss://gw.example.com/ws" }, ""},
		{"backend scheme", func(c *Config) { c.Backend.URL = "ftp://api.example.com" }, "backend.url"},
		{"backend zero ttl", func(c *Config) {
			c.Backend.URL = "https://api.example.com"
			c.Backend.JoinLinkTTLMin = 0
		}, "join_link_ttl_minutes"},
		{"p2p off needs gateway", func(c *Config) { c.P2P.Disabled = true }, "gateway.url is required"},
		{"p2p off with gateway", func(c *Config) {
			c.P2P.Disabled = true
			c.Gateway.URL = "wss://gw.example.com/ws"
		}, ""},
		{"bad control addr", func(c *Config) { c.Control.HTTPAddr = "not-an-addr" }, "control.http_addr"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() = %v, want contains %q", err, tc.wantErr)
			}
		})
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := validConfig()
	cfg.Profile.Account = ""
	if err := Save(filepath.Join(t.TempDir(), "config.json"), cfg); err == nil {
		t.Error("Save of invalid config should fail")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := Save(path, validConfig()); err != nil {
		t.Fatal(err)
	}

	loaded := make(chan Config, 4)
	w, err := Watch(path, func(cfg Config) { loaded <- cfg })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	cfg := validConfig()
	cfg.Profile.DisplayName = "Alice A."
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-loaded:
		if got.Profile.DisplayName != "Alice A." {
			t.Errorf("reloaded display name = %q", got.Profile.DisplayName)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatchSkipsInvalidRevision(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := Save(path, validConfig()); err != nil {
		t.Fatal(err)
	}

	loaded := make(chan Config, 4)
	w, err := Watch(path, func(cfg Config) { loaded <- cfg })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	// Broken JSON must not reach the callback.
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-loaded:
		t.Fatalf("invalid revision surfaced: %+v", got.Profile)
	case <-time.After(1 * time.Second):
	}

	// A valid revision afterwards still comes through.
	cfg := validConfig()
	cfg.Profile.DisplayName = "recovered"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-loaded:
		if got.Profile.DisplayName != "recovered" {
			t.Errorf("display name = %q", got.Profile.DisplayName)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for recovery reload")
	}
}
