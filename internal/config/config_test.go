package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/collabctl/internal/collab/state"
	"github.com/danmuck/collabctl/internal/protocol/session"
	"github.com/danmuck/collabctl/internal/testutil/testlog"
	"github.com/danmuck/collabctl/internal/tools"
	"github.com/danmuck/collabctl/internal/transport"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collab.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverlaysDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
device_id = "tablet-7f"
channel = "TCP"
tcp_addr = "0.0.0.0:7410"
collab_timeout = "45s"
max_frame_bytes = 4096
admin_token = " s3cret "
ability_command = ["/usr/local/bin/launch", " ", "--quiet"]

[peers]
"phone-01" = " 10.0.0.2:7410 "

[peer_versions]
"phone-01" = "5.2.0"

[security]
mode = "development"

[backoff]
initial_delay = "100ms"
max_attempts = 9
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DeviceID != "tablet-7f" || cfg.Channel != ChannelTCP || cfg.TCPAddr != "0.0.0.0:7410" {
		t.Fatalf("unexpected identity/channel: %+v", cfg)
	}
	if cfg.CollabTimeout != 45*time.Second || cfg.Session.MaxFrameBytes != 4096 {
		t.Fatalf("unexpected overrides: timeout=%v frame=%d", cfg.CollabTimeout, cfg.Session.MaxFrameBytes)
	}
	if cfg.Peers["phone-01"] != "10.0.0.2:7410" || cfg.PeerVersions["phone-01"] != "5.2.0" {
		t.Fatalf("unexpected peers: %+v %+v", cfg.Peers, cfg.PeerVersions)
	}
	if cfg.Session.Backoff.InitialDelay != 100*time.Millisecond || cfg.Session.Backoff.MaxAttempts != 9 {
		t.Fatalf("unexpected backoff: %+v", cfg.Session.Backoff)
	}

	def := DefaultNodeConfig()
	if cfg.ReadyTimeout != def.ReadyTimeout || cfg.ListenAddr != def.ListenAddr || cfg.MinPeerVersion != def.MinPeerVersion {
		t.Fatalf("undefined keys must keep defaults: %+v", cfg)
	}
	if cfg.Session.Backoff.Multiplier != def.Session.Backoff.Multiplier {
		t.Fatalf("undefined backoff keys must keep defaults: %+v", cfg.Session.Backoff)
	}

	if _, ok := cfg.Dialer().(transport.TCPDialer); !ok {
		t.Fatalf("expected tcp dialer, got %T", cfg.Dialer())
	}
	if v, _ := cfg.PeerResolver().ResolvePeerVersion(context.Background(), "phone-01"); v != "5.2.0" {
		t.Fatalf("unexpected resolved version %q", v)
	}
	if cfg.AdminToken != "s3cret" {
		t.Fatalf("unexpected admin token %q", cfg.AdminToken)
	}
	starter, ok := cfg.AbilityStarter().(tools.CommandAbilityStarter)
	if !ok || len(starter.Command) != 2 || starter.Command[1] != "--quiet" {
		t.Fatalf("expected trimmed ability command, got %#v", cfg.AbilityStarter())
	}
	if def.AbilityStarter() != nil {
		t.Fatalf("expected no starter without an ability command")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	if _, err := Load(writeConfig(t, `collab_timeout = "soon"`)); err == nil || !strings.Contains(err.Error(), "collab_timeout") {
		t.Fatalf("expected collab_timeout parse error, got %v", err)
	}
	if _, err := Load(writeConfig(t, `channel = "carrier-pigeon"`)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestValidateRejects(t *testing.T) {
	testlog.Start(t)
	cases := map[string]func(*NodeConfig){
		"empty device":      func(c *NodeConfig) { c.DeviceID = " " },
		"empty listen":      func(c *NodeConfig) { c.ListenAddr = "" },
		"tcp without addr":  func(c *NodeConfig) { c.Channel = ChannelTCP; c.TCPAddr = "" },
		"tiny frame":        func(c *NodeConfig) { c.Session.MaxFrameBytes = 4 },
		"bad min version":   func(c *NodeConfig) { c.MinPeerVersion = "5.x" },
		"bad default ver":   func(c *NodeConfig) { c.DefaultPeerVersion = "five" },
		"zero timeout":      func(c *NodeConfig) { c.CollabTimeout = 0 },
		"zero queue":        func(c *NodeConfig) { c.EventQueueSize = 0 },
		"zero pool":         func(c *NodeConfig) { c.ListenerPoolSize = 0 },
		"peer without addr": func(c *NodeConfig) { c.Peers = map[string]string{"phone": ""} },
		"self as peer":      func(c *NodeConfig) { c.Peers = map[string]string{c.DeviceID: "x:1"} },
		"production no tls": func(c *NodeConfig) { c.Session.SecurityMode = session.SecurityModeProduction },
		"mtls without tls":  func(c *NodeConfig) { c.Session.TLS.Mutual = true },
		"unknown sec mode":  func(c *NodeConfig) { c.Session.SecurityMode = "paranoid" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultNodeConfig()
			mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
	if err := DefaultNodeConfig().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestTemplatesLoadAndValidate(t *testing.T) {
	testlog.Start(t)
	for kind, device := range map[string]string{
		"node":   "collab-device-local",
		"source": "collab-source-01",
		"sink":   "collab-sink-01",
	} {
		t.Run(kind, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), kind+".toml")
			if err := WriteTemplate(path, kind, false); err != nil {
				t.Fatalf("write template: %v", err)
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("load rendered template: %v", err)
			}
			if cfg.DeviceID != device {
				t.Fatalf("expected device %q, got %q", device, cfg.DeviceID)
			}
			def := DefaultNodeConfig()
			if cfg.CollabTimeout != def.CollabTimeout || cfg.Session.Backoff != def.Session.Backoff {
				t.Fatalf("template must round-trip defaults: %+v", cfg)
			}
		})
	}
	if _, err := Template("mirror"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "device_id = \"keep-me\"\n")
	if err := WriteTemplate(path, "node", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := WriteTemplate(path, "node", true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	cfg, err := Load(path)
	if err != nil || cfg.DeviceID != "collab-device-local" {
		t.Fatalf("expected overwritten template, got %+v err=%v", cfg, err)
	}
}

func TestManagerConfigCarriesLimits(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultNodeConfig()
	cfg.MinPeerVersion = "5.1.2"
	cfg.ReleaseOnBackground = true
	mc, err := cfg.ManagerConfig()
	if err != nil {
		t.Fatalf("manager config: %v", err)
	}
	if mc.MinPeerVersion != (state.Version{Major: 5, Minor: 1, Feature: 2}) || !mc.ReleaseOnBackground {
		t.Fatalf("unexpected manager config: %+v", mc)
	}
	tc := cfg.TransportConfig()
	if tc.LocalDevice != cfg.DeviceID || tc.ListenerPoolSize != cfg.ListenerPoolSize {
		t.Fatalf("unexpected transport config: %+v", tc)
	}
	if _, ok := cfg.Dialer().(transport.WebSocketDialer); !ok {
		t.Fatalf("expected websocket dialer, got %T", cfg.Dialer())
	}
}
