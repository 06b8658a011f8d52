package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/chanctl/internal/protocol/session"
	"github.com/danmuck/chanctl/internal/scenario"
)

const (
	defaultURL    = "ws://127.0.0.1:8090/socket/websocket"
	envWSURL      = "CHANCTL_WS_URL"
	envLegacyURL  = "ENVOY_WS_URL"
	defaultTokens = ".tokens.json"
)

// runConfig is the resolved configuration for one `chanctl run`.
type runConfig struct {
	URL         string
	TokensPath  string
	ResultDir   string
	ConvID      string
	Parallel    int
	WaitTimeout time.Duration
	MetricsOut  string
	Session     session.Config
}

func defaultRunConfig() runConfig {
	return runConfig{
		URL:         defaultURL,
		TokensPath:  defaultTokens,
		ResultDir:   ".",
		Parallel:    4,
		WaitTimeout: scenario.DefaultWaitTimeout,
		Session:     session.DefaultConfig(),
	}
}

type fileConfig struct {
	WSURL                 string `toml:"ws_url"`
	Tokens                string `toml:"tokens"`
	ResultDir             string `toml:"result_dir"`
	Parallel              int    `toml:"parallel"`
	ConnectTimeout        string `toml:"connect_timeout"`
	JoinTimeout           string `toml:"join_timeout"`
	HeartbeatInterval     string `toml:"heartbeat_interval"`
	EventTimeout          string `toml:"event_timeout"`
	CollectWindow         string `toml:"collect_window"`
	WaitTimeout           string `toml:"wait_timeout"`
	SecurityMode          string `toml:"security_mode"`
	TLSCAFile             string `toml:"tls_ca_file"`
	TLSCertFile           string `toml:"tls_cert_file"`
	TLSKeyFile            string `toml:"tls_key_file"`
	TLSServerName         string `toml:"tls_server_name"`
	TLSInsecureSkipVerify bool   `toml:"tls_insecure_skip_verify"`
}

// loadRunConfig overlays keys present in the TOML file at path onto cfg.
func loadRunConfig(path string, cfg runConfig) (runConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runConfig{}, fmt.Errorf("load chanctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return runConfig{}, fmt.Errorf("load chanctl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("ws_url") {
		cfg.URL = strings.TrimSpace(raw.WSURL)
	}
	if meta.IsDefined("tokens") {
		cfg.TokensPath = strings.TrimSpace(raw.Tokens)
	}
	if meta.IsDefined("result_dir") {
		cfg.ResultDir = strings.TrimSpace(raw.ResultDir)
	}
	if meta.IsDefined("parallel") {
		cfg.Parallel = raw.Parallel
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"join_timeout", raw.JoinTimeout, &cfg.Session.JoinTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.Session.HeartbeatInterval},
		{"event_timeout", raw.EventTimeout, &cfg.Session.EventTimeout},
		{"collect_window", raw.CollectWindow, &cfg.Session.CollectWindow},
		{"wait_timeout", raw.WaitTimeout, &cfg.WaitTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return runConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("security_mode") {
		cfg.Session.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(raw.SecurityMode))
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.Session.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.Session.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.Session.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_server_name") {
		cfg.Session.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}
	if meta.IsDefined("tls_insecure_skip_verify") {
		cfg.Session.TLS.InsecureSkipVerify = raw.TLSInsecureSkipVerify
	}
	return cfg, nil
}

// applyEnv lets the socket URL come from the environment the e2e harness exports.
func applyEnv(cfg runConfig, getenv func(string) string) runConfig {
	for _, key := range []string{envLegacyURL, envWSURL} {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			cfg.URL = v
		}
	}
	return cfg
}

func (c runConfig) validate() error {
	if c.URL == "" {
		return fmt.Errorf("ws url required")
	}
	if c.Parallel < 1 {
		return fmt.Errorf("parallel must be >= 1, got %d", c.Parallel)
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("wait_timeout must be positive")
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
