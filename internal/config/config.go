// Package config loads the YAML configuration for the CLI and maps it onto
// client settings. Credentials can be supplied via environment variables so
// they stay out of config files.
package config

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath     = "KUMA_CLIENT_CONFIG"
	DefaultConfigPath = "/etc/kuma-client/config.yaml"

	envEntrypoint = "KUMA_ENTRYPOINT"
	envUsername   = "KUMA_USERNAME"
	envPassword   = "KUMA_PASSWORD"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Entrypoint string     `yaml:"entrypoint"`
	Username   string     `yaml:"username"`
	Password   string     `yaml:"password"`
	TLS        *TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type ClientConfig struct {
	SettleDelayMS     int     `yaml:"settle_delay_ms"`
	LoginTimeoutMS    int     `yaml:"login_timeout_ms"`
	ListTimeoutMS     int     `yaml:"list_timeout_ms"`
	AckPollIntervalMS int     `yaml:"ack_poll_interval_ms"`
	AckMaxPolls       int     `yaml:"ack_max_polls"`
	EmitRate          float64 `yaml:"emit_rate"`
	EmitBurst         int     `yaml:"emit_burst"`
	ReconnectWaitMS   int     `yaml:"reconnect_wait_ms"`
}

type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	return Load(ctx, path)
}

// applyEnv overlays environment variables onto the loaded file. Environment
// values win so credentials never need to live on disk.
func (c *Config) applyEnv() {
	if v := os.Getenv(envEntrypoint); v != "" {
		c.Server.Entrypoint = v
	}
	if v := os.Getenv(envUsername); v != "" {
		c.Server.Username = v
	}
	if v := os.Getenv(envPassword); v != "" {
		c.Server.Password = v
	}
}

// Duration converts a millisecond field to a time.Duration, zero when unset.
func Duration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Build constructs the tls.Config described by the section, nil when the
// section is absent.
func (t *TLSConfig) Build() (*tls.Config, error) {
	if t == nil {
		return nil, nil
	}
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
	if t.CAFile != "" {
		pem, err := os.ReadFile(filepath.Clean(t.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read ca file %q: %w", t.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca file %q contains no certificates", t.CAFile)
		}
		out.RootCAs = pool
	}
	return out, nil
}
