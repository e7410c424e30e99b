package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/collabctl/internal/collab"
	"github.com/danmuck/collabctl/internal/collab/state"
	"github.com/danmuck/collabctl/internal/protocol/frame"
	"github.com/danmuck/collabctl/internal/protocol/session"
	"github.com/danmuck/collabctl/internal/tools"
	"github.com/danmuck/collabctl/internal/transport"
)

var ErrInvalidConfig = errors.New("config: invalid node config")

const (
	ChannelWebSocket = "websocket"
	ChannelTCP       = "tcp"
)

// NodeConfig is the runtime configuration of one collaborating device.
type NodeConfig struct {
	DeviceID            string
	ListenAddr          string
	TCPAddr             string
	Channel             string
	Peers               map[string]string
	PeerVersions        map[string]string
	DefaultPeerVersion  string
	MinPeerVersion      string
	CollabTimeout       time.Duration
	ReadyTimeout        time.Duration
	EventQueueSize      int
	ListenerPoolSize    int
	ReleaseOnBackground bool
	ReleaseDelay        time.Duration
	// AdminToken guards the admin routes when set.
	AdminToken string
	// AbilityCommand, when set, is run to start a local ability for a remote source.
	AbilityCommand []string
	Session        session.Config
}

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		DeviceID:           "collab-device-local",
		ListenAddr:         ":7400",
		TCPAddr:            ":7410",
		Channel:            ChannelWebSocket,
		Peers:              map[string]string{},
		PeerVersions:       map[string]string{},
		DefaultPeerVersion: "5.1.0",
		MinPeerVersion:     "5.0.0",
		CollabTimeout:      collab.DefaultCollabTimeout,
		ReadyTimeout:       collab.DefaultReadyTimeout,
		EventQueueSize:     collab.DefaultEventQueueSize,
		ListenerPoolSize:   8,
		ReleaseDelay:       collab.DefaultReleaseDelay,
		Session:            session.DefaultConfig(),
	}
}

type fileConfig struct {
	DeviceID            string            `toml:"device_id"`
	ListenAddr          string            `toml:"listen_addr"`
	TCPAddr             string            `toml:"tcp_addr"`
	Channel             string            `toml:"channel"`
	MaxFrameBytes       int               `toml:"max_frame_bytes"`
	MinPeerVersion      string            `toml:"min_peer_version"`
	DefaultPeerVersion  string            `toml:"default_peer_version"`
	CollabTimeout       string            `toml:"collab_timeout"`
	ReadyTimeout        string            `toml:"ready_timeout"`
	EventQueueSize      int               `toml:"event_queue_size"`
	ListenerPoolSize    int               `toml:"listener_pool_size"`
	ReleaseOnBackground bool              `toml:"release_on_background"`
	ReleaseDelay        string            `toml:"release_delay"`
	Peers               map[string]string `toml:"peers"`
	PeerVersions        map[string]string `toml:"peer_versions"`
	AdminToken          string            `toml:"admin_token,omitempty"`
	AbilityCommand      []string          `toml:"ability_command,omitempty"`
	Security            securityFile      `toml:"security"`
	Backoff             backoffFile       `toml:"backoff"`
}

type securityFile struct {
	Mode               string `toml:"mode"`
	TLSEnabled         bool   `toml:"tls_enabled"`
	MTLS               bool   `toml:"mtls"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type backoffFile struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
	MaxAttempts  int     `toml:"max_attempts"`
}

// Load overlays the keys present in path onto DefaultNodeConfig and validates
// the result.
func Load(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := apply(&cfg, raw, meta); err != nil {
		return NodeConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func apply(cfg *NodeConfig, raw fileConfig, meta toml.MetaData) error {
	str := func(key, v string, dst *string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	str("device_id", raw.DeviceID, &cfg.DeviceID)
	str("listen_addr", raw.ListenAddr, &cfg.ListenAddr)
	str("tcp_addr", raw.TCPAddr, &cfg.TCPAddr)
	str("min_peer_version", raw.MinPeerVersion, &cfg.MinPeerVersion)
	str("default_peer_version", raw.DefaultPeerVersion, &cfg.DefaultPeerVersion)
	if meta.IsDefined("channel") {
		cfg.Channel = strings.ToLower(strings.TrimSpace(raw.Channel))
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.Session.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("event_queue_size") {
		cfg.EventQueueSize = raw.EventQueueSize
	}
	if meta.IsDefined("listener_pool_size") {
		cfg.ListenerPoolSize = raw.ListenerPoolSize
	}
	if meta.IsDefined("release_on_background") {
		cfg.ReleaseOnBackground = raw.ReleaseOnBackground
	}
	if meta.IsDefined("peers") {
		cfg.Peers = normalizeTable(raw.Peers)
	}
	if meta.IsDefined("peer_versions") {
		cfg.PeerVersions = normalizeTable(raw.PeerVersions)
	}
	str("admin_token", raw.AdminToken, &cfg.AdminToken)
	if meta.IsDefined("ability_command") {
		cfg.AbilityCommand = nil
		for _, arg := range raw.AbilityCommand {
			if arg = strings.TrimSpace(arg); arg != "" {
				cfg.AbilityCommand = append(cfg.AbilityCommand, arg)
			}
		}
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"collab_timeout", raw.CollabTimeout, &cfg.CollabTimeout},
		{"ready_timeout", raw.ReadyTimeout, &cfg.ReadyTimeout},
		{"release_delay", raw.ReleaseDelay, &cfg.ReleaseDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	sec := &cfg.Session
	if meta.IsDefined("security", "mode") {
		sec.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(raw.Security.Mode))
	}
	if meta.IsDefined("security", "tls_enabled") {
		sec.TLS.Enabled = raw.Security.TLSEnabled
	}
	if meta.IsDefined("security", "mtls") {
		sec.TLS.Mutual = raw.Security.MTLS
	}
	if meta.IsDefined("security", "cert_file") {
		sec.TLS.CertFile = strings.TrimSpace(raw.Security.CertFile)
	}
	if meta.IsDefined("security", "key_file") {
		sec.TLS.KeyFile = strings.TrimSpace(raw.Security.KeyFile)
	}
	if meta.IsDefined("security", "ca_file") {
		sec.TLS.CAFile = strings.TrimSpace(raw.Security.CAFile)
	}
	if meta.IsDefined("security", "server_name") {
		sec.TLS.ServerName = strings.TrimSpace(raw.Security.ServerName)
	}
	if meta.IsDefined("security", "insecure_skip_verify") {
		sec.TLS.InsecureSkipVerify = raw.Security.InsecureSkipVerify
	}

	bo := &cfg.Session.Backoff
	if meta.IsDefined("backoff", "initial_delay") {
		v, err := time.ParseDuration(strings.TrimSpace(raw.Backoff.InitialDelay))
		if err != nil {
			return fmt.Errorf("parse backoff.initial_delay: %w", err)
		}
		bo.InitialDelay = v
	}
	if meta.IsDefined("backoff", "max_delay") {
		v, err := time.ParseDuration(strings.TrimSpace(raw.Backoff.MaxDelay))
		if err != nil {
			return fmt.Errorf("parse backoff.max_delay: %w", err)
		}
		bo.MaxDelay = v
	}
	if meta.IsDefined("backoff", "multiplier") {
		bo.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "jitter") {
		bo.Jitter = raw.Backoff.Jitter
	}
	if meta.IsDefined("backoff", "max_attempts") {
		bo.MaxAttempts = raw.Backoff.MaxAttempts
	}
	return nil
}

func normalizeTable(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func (c NodeConfig) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(c.DeviceID) == "" {
		return invalid("device_id is required")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return invalid("listen_addr is required")
	}
	switch c.Channel {
	case ChannelWebSocket:
	case ChannelTCP:
		if strings.TrimSpace(c.TCPAddr) == "" {
			return invalid("tcp_addr is required for channel %q", c.Channel)
		}
	default:
		return invalid("channel must be %q or %q, got %q", ChannelWebSocket, ChannelTCP, c.Channel)
	}
	if c.Session.MaxFrameBytes <= frame.HeaderLen {
		return invalid("max_frame_bytes must exceed the %d byte frame header", frame.HeaderLen)
	}
	if _, err := state.ParseVersion(c.MinPeerVersion); err != nil {
		return invalid("min_peer_version: %v", err)
	}
	if c.DefaultPeerVersion != "" {
		if _, err := state.ParseVersion(c.DefaultPeerVersion); err != nil {
			return invalid("default_peer_version: %v", err)
		}
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"collab_timeout", c.CollabTimeout},
		{"ready_timeout", c.ReadyTimeout},
		{"release_delay", c.ReleaseDelay},
	} {
		if d.v <= 0 {
			return invalid("%s must be positive", d.name)
		}
	}
	if c.EventQueueSize <= 0 {
		return invalid("event_queue_size must be positive")
	}
	if c.ListenerPoolSize <= 0 {
		return invalid("listener_pool_size must be positive")
	}
	for _, id := range sortedKeys(c.Peers) {
		if c.Peers[id] == "" {
			return invalid("peers.%s has no address", id)
		}
		if id == c.DeviceID {
			return invalid("peers.%s is the local device", id)
		}
	}
	if err := c.Session.ValidateServerTransport(); err != nil {
		return invalid("security: %v", err)
	}
	if err := c.Session.ValidateClientTransport(); err != nil {
		return invalid("security: %v", err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c NodeConfig) TransportConfig() transport.Config {
	return transport.Config{
		LocalDevice:      c.DeviceID,
		Peers:            c.Peers,
		Session:          c.Session,
		ListenerPoolSize: c.ListenerPoolSize,
	}
}

// Dialer returns the outbound channel dialer for the configured channel.
func (c NodeConfig) Dialer() transport.Dialer {
	if c.Channel == ChannelTCP {
		return transport.TCPDialer{LocalDevice: c.DeviceID, Config: c.Session}
	}
	return transport.WebSocketDialer{LocalDevice: c.DeviceID, Config: c.Session}
}

func (c NodeConfig) ManagerConfig() (collab.Config, error) {
	floor, err := state.ParseVersion(c.MinPeerVersion)
	if err != nil {
		return collab.Config{}, err
	}
	return collab.Config{
		MinPeerVersion:      floor,
		CollabTimeout:       c.CollabTimeout,
		ReadyTimeout:        c.ReadyTimeout,
		EventQueueSize:      c.EventQueueSize,
		ReleaseDelay:        c.ReleaseDelay,
		ReleaseOnBackground: c.ReleaseOnBackground,
	}, nil
}

func (c NodeConfig) PeerResolver() collab.StaticPeerResolver {
	return collab.StaticPeerResolver{Versions: c.PeerVersions, Default: c.DefaultPeerVersion}
}

// AbilityStarter returns the configured launcher, or nil to keep the logging default.
func (c NodeConfig) AbilityStarter() collab.AbilityStarter {
	if len(c.AbilityCommand) == 0 {
		return nil
	}
	return tools.CommandAbilityStarter{Command: c.AbilityCommand}
}
