package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/postalsys/rusty-proxy/internal/config"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func effectiveConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()

	out, err := runCLI(t, append([]string{"config"}, args...)...)
	if err != nil {
		t.Fatalf("config command error = %v", err)
	}
	cfg, err := config.Parse([]byte(out))
	if err != nil {
		t.Fatalf("config output does not parse: %v\n%s", err, out)
	}
	return cfg
}

func TestConfigCommand_Defaults(t *testing.T) {
	cfg := effectiveConfig(t)

	if cfg.Listen.Port != 80 {
		t.Errorf("Port = %d, want 80", cfg.Listen.Port)
	}
	if cfg.Handshake.Status != "@RustyManager" {
		t.Errorf("Status = %q", cfg.Handshake.Status)
	}
	if cfg.Backends.UDPGW != "127.0.0.1:7300" {
		t.Errorf("UDPGW = %q", cfg.Backends.UDPGW)
	}
}

func TestConfigCommand_FlagsOverride(t *testing.T) {
	cfg := effectiveConfig(t, "--port", "8080", "--udpgw", "10.0.0.5:9000", "--ipv4-only")

	if cfg.Listen.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Backends.UDPGW != "10.0.0.5:9000" {
		t.Errorf("UDPGW = %q", cfg.Backends.UDPGW)
	}
	if !cfg.Listen.IPv4Only {
		t.Error("expected IPv4Only")
	}
}

func TestConfigCommand_FilePrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
listen:
  port: 8443
handshake:
  status: "from-file"
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	// Unset flags keep the file's values; set flags win.
	cfg := effectiveConfig(t, "-c", path, "--status", "from-flag")
	if cfg.Listen.Port != 8443 {
		t.Errorf("Port = %d, want 8443 from file", cfg.Listen.Port)
	}
	if cfg.Handshake.Status != "from-flag" {
		t.Errorf("Status = %q, want from-flag", cfg.Handshake.Status)
	}
}

func TestConfigCommand_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"port out of range", []string{"config", "--port", "70000"}},
		{"bad udpgw", []string{"config", "--udpgw", "nohost"}},
		{"missing file", []string{"config", "-c", filepath.Join(t.TempDir(), "missing.yaml")}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := runCLI(t, tc.args...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version command error = %v", err)
	}
	if strings.TrimSpace(out) != "rusty-proxy "+Version {
		t.Errorf("version output = %q", out)
	}
}
