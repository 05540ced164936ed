package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wirechat.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Listen.Host != "127.0.0.1" {
		t.Errorf("listen.host = %q, want 127.0.0.1", cfg.Listen.Host)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging defaults = %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
	if cfg.Gateway.Enabled || cfg.Status.Enabled {
		t.Error("optional listeners enabled by default")
	}
	if d, err := cfg.Federation.DialTimeoutParsed(); err != nil || d.Seconds() != 10 {
		t.Errorf("dial_timeout default = %v, %v", d, err)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
[listen]
host = "0.0.0.0"

[federation]
dial_timeout = "3s"

[gateway]
enabled = true
listen = "0.0.0.0:9081"

[logging]
level = "debug"
format = "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Listen.Host != "0.0.0.0" {
		t.Errorf("listen.host = %q", cfg.Listen.Host)
	}
	if d, _ := cfg.Federation.DialTimeoutParsed(); d.Seconds() != 3 {
		t.Errorf("dial_timeout = %v", d)
	}
	if !cfg.Gateway.Enabled || cfg.Gateway.Listen != "0.0.0.0:9081" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	// Untouched sections keep their defaults.
	if cfg.Status.Enabled || cfg.Status.Listen != "127.0.0.1:8080" {
		t.Errorf("status = %+v", cfg.Status)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad log level",
			content: "[logging]\nlevel = \"verbose\"\n",
			wantErr: "logging.level",
		},
		{
			name:    "bad log format",
			content: "[logging]\nformat = \"xml\"\n",
			wantErr: "logging.format",
		},
		{
			name:    "bad dial timeout",
			content: "[federation]\ndial_timeout = \"soon\"\n",
			wantErr: "dial_timeout",
		},
		{
			name:    "gateway enabled without listen",
			content: "[gateway]\nenabled = true\nlisten = \"\"\n",
			wantErr: "gateway.listen",
		},
		{
			name:    "not toml",
			content: "{]",
			wantErr: "parsing config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load accepted invalid config")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
