package session

import (
	"time"

	"github.com/danmuck/chanctl/internal/protocol/frame"
)

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig carries client-side TLS material for wss endpoints.
type TLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// Config defines transport/session timing defaults.
type Config struct {
	ConnectTimeout    time.Duration
	JoinTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	EventTimeout      time.Duration
	CollectWindow     time.Duration
	Limits            frame.Limits
	SecurityMode      SecurityMode
	TLS               TLSConfig
}

// DefaultConfig returns the protocol-aligned defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		JoinTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		EventTimeout:      10 * time.Second,
		CollectWindow:     5 * time.Second,
		Limits:            frame.DefaultLimits(),
		SecurityMode:      SecurityModeDevelopment,
	}
}

// WithDefaults fills every zero field from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = def.JoinTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = def.EventTimeout
	}
	if c.CollectWindow <= 0 {
		c.CollectWindow = def.CollectWindow
	}
	if c.Limits.MaxMessageBytes <= 0 {
		c.Limits = def.Limits
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}
