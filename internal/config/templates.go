package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/collabctl/internal/protocol/session"
	"github.com/pelletier/go-toml/v2"
)

// Template renders an example node config. "node" is a standalone device;
// "source" and "sink" are the two halves of a local pair.
func Template(kind string) (string, error) {
	var f fileConfig
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "node":
		f = templateFile(DefaultNodeConfig())
	case "source":
		cfg := DefaultNodeConfig()
		cfg.DeviceID = "collab-source-01"
		cfg.ListenAddr = "127.0.0.1:7400"
		cfg.Peers = map[string]string{"collab-sink-01": "127.0.0.1:7500"}
		cfg.PeerVersions = map[string]string{"collab-sink-01": "5.1.0"}
		f = templateFile(cfg)
	case "sink":
		cfg := DefaultNodeConfig()
		cfg.DeviceID = "collab-sink-01"
		cfg.ListenAddr = "127.0.0.1:7500"
		cfg.TCPAddr = "127.0.0.1:7510"
		f = templateFile(cfg)
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	out, err := toml.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return string(out), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func templateFile(c NodeConfig) fileConfig {
	s := c.Session
	return fileConfig{
		DeviceID:            c.DeviceID,
		ListenAddr:          c.ListenAddr,
		TCPAddr:             c.TCPAddr,
		Channel:             c.Channel,
		MaxFrameBytes:       s.MaxFrameBytes,
		MinPeerVersion:      c.MinPeerVersion,
		DefaultPeerVersion:  c.DefaultPeerVersion,
		CollabTimeout:       c.CollabTimeout.String(),
		ReadyTimeout:        c.ReadyTimeout.String(),
		EventQueueSize:      c.EventQueueSize,
		ListenerPoolSize:    c.ListenerPoolSize,
		ReleaseOnBackground: c.ReleaseOnBackground,
		ReleaseDelay:        c.ReleaseDelay.String(),
		Peers:               c.Peers,
		PeerVersions:        c.PeerVersions,
		AdminToken:          c.AdminToken,
		AbilityCommand:      c.AbilityCommand,
		Security: securityFile{
			Mode:               string(session.NormalizeSecurityMode(s.SecurityMode)),
			TLSEnabled:         s.TLS.Enabled,
			MTLS:               s.TLS.Mutual,
			CertFile:           s.TLS.CertFile,
			KeyFile:            s.TLS.KeyFile,
			CAFile:             s.TLS.CAFile,
			ServerName:         s.TLS.ServerName,
			InsecureSkipVerify: s.TLS.InsecureSkipVerify,
		},
		Backoff: backoffFile{
			InitialDelay: s.Backoff.InitialDelay.String(),
			Multiplier:   s.Backoff.Multiplier,
			MaxDelay:     s.Backoff.MaxDelay.String(),
			Jitter:       s.Backoff.Jitter,
			MaxAttempts:  s.Backoff.MaxAttempts,
		},
	}
}
