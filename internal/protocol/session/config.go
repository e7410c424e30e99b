package session

import (
	"time"

	"github.com/danmuck/collabctl/internal/protocol/frame"
)

// DefaultMaxFrameBytes bounds one on-wire frame, header included.
const DefaultMaxFrameBytes = 64 * 1024

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
	MaxAttempts  int
}

// SecurityMode selects how strictly channel TLS settings are enforced.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig describes channel TLS material.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	InsecureSkipVerify bool
	ServerName         string
}

// Config defines framing limits, timeouts and channel security for sessions.
type Config struct {
	MaxFrameBytes  int
	Limits         frame.Limits
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	Backoff        BackoffConfig
	SecurityMode   SecurityMode
	TLS            TLSConfig
}

func DefaultConfig() Config {
	return Config{
		MaxFrameBytes:  DefaultMaxFrameBytes,
		Limits:         frame.DefaultLimits(),
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   15 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
			MaxAttempts:  5,
		},
		SecurityMode: SecurityModeDevelopment,
	}
}

// MaxPayload is the payload budget of one frame after the header.
func (c Config) MaxPayload() int {
	n := c.MaxFrameBytes - frame.HeaderLen
	if limit := int(c.Limits.MaxPayloadBytes); limit > 0 && n > limit {
		n = limit
	}
	if n < 1 {
		n = 1
	}
	return n
}
