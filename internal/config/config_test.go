package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  entrypoint: https://kuma.example.org:3001
  username: admin
  password: secret
  tls:
    insecure_skip_verify: true
client:
  settle_delay_ms: 250
  login_timeout_ms: 3000
  list_timeout_ms: 20000
  ack_poll_interval_ms: 100
  ack_max_polls: 20
  emit_rate: 10
  emit_burst: 5
  reconnect_wait_ms: 2000
logging:
  file: /var/log/kuma-client.log
  max_size_mb: 32
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Entrypoint != "https://kuma.example.org:3001" {
		t.Fatalf("unexpected entrypoint: %s", cfg.Server.Entrypoint)
	}
	if cfg.Server.Username != "admin" || cfg.Server.Password != "secret" {
		t.Fatalf("credentials not loaded")
	}
	if cfg.Client.AckMaxPolls != 20 || cfg.Client.EmitRate != 10 {
		t.Fatalf("client section not loaded: %+v", cfg.Client)
	}
	if Duration(cfg.Client.LoginTimeoutMS) != 3*time.Second {
		t.Fatalf("unexpected login timeout: %v", Duration(cfg.Client.LoginTimeoutMS))
	}
	if cfg.Logging.File != "/var/log/kuma-client.log" || cfg.Logging.MaxSizeMB != 32 {
		t.Fatalf("logging section not loaded: %+v", cfg.Logging)
	}

	tlsCfg, err := cfg.Server.TLS.Build()
	if err != nil {
		t.Fatalf("Build TLS: %v", err)
	}
	if tlsCfg == nil || !tlsCfg.InsecureSkipVerify {
		t.Fatalf("tls section not applied: %+v", tlsCfg)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  entrypoint: https://file.example.org
  username: file-user
`)
	t.Setenv(envEntrypoint, "https://env.example.org")
	t.Setenv(envUsername, "env-user")
	t.Setenv(envPassword, "env-pass")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Entrypoint != "https://env.example.org" {
		t.Fatalf("entrypoint not overridden: %s", cfg.Server.Entrypoint)
	}
	if cfg.Server.Username != "env-user" || cfg.Server.Password != "env-pass" {
		t.Fatalf("credentials not overridden: %+v", cfg.Server)
	}
}

func TestLoadFromEnvUsesConfiguredPath(t *testing.T) {
	path := writeConfig(t, `
server:
  entrypoint: https://kuma.example.org
`)
	t.Setenv(envConfigPath, path)

	cfg, err := LoadFromEnv(context.Background())
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Server.Entrypoint != "https://kuma.example.org" {
		t.Fatalf("unexpected entrypoint: %s", cfg.Server.Entrypoint)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(context.Background(), filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")
	if _, err := Load(context.Background(), path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestNilTLSBuildsNil(t *testing.T) {
	var section *TLSConfig
	cfg, err := section.Build()
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config for absent tls section, got %+v err=%v", cfg, err)
	}
}

func TestTLSBuildWithCAFile(t *testing.T) {
	caPath := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caPath, []byte(testCAPEM), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}

	section := &TLSConfig{CAFile: caPath}
	cfg, err := section.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Fatalf("root pool not populated")
	}

	section = &TLSConfig{CAFile: filepath.Join(t.TempDir(), "missing.pem")}
	if _, err := section.Build(); err == nil {
		t.Fatalf("expected error for missing ca file")
	}
}

// A self-signed certificate generated for tests; it carries no key material.
const testCAPEM = `-----BEGIN CERTIFICATE-----
MIIBhTCCASugAwIBAgIQIRi6zePL6mKjOipn+dNuaTAKBggqhkjOPQQDAjASMRAw
DgYDVQQKEwdBY21lIENvMB4XDTE3MTAyMDE5NDMwNloXDTE4MTAyMDE5NDMwNlow
EjEQMA4GA1UEChMHQWNtZSBDbzBZMBMGByqGSM49AgEGCCqGSM49AwEHA0IABD0d
7VNhbWvZLWPuj/RtHFjvtJBEwOkhbN/BnnE8rnZR8+sbwnc/KhCk3FhnpHZnQz7B
5aETbbIgmuvewdjvSBSjYzBhMA4GA1UdDwEB/wQEAwICpDATBgNVHSUEDDAKBggr
BgEFBQcDATAPBgNVHRMBAf8EBTADAQH/MCkGA1UdEQQiMCCCDmxvY2FsaG9zdDo1
NDUzgg4xMjcuMC4wLjE6NTQ1MzAKBggqhkjOPQQDAgNIADBFAiEA2zpJEPQyz6/l
Wf86aX6PepsntZv2GYlA5UpabfT2EZICICpJ5h/iI+i341gBmLiAFQOyTDT+/wQc
6MF9+Yw1Yy0t
-----END CERTIFICATE-----
`
