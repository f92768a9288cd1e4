package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/metamatt/stargate/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Database.Datafile != "stargate.db" {
		t.Errorf("Database.Datafile = %q, want %q", cfg.Database.Datafile, "stargate.db")
	}
	if cfg.Database.CheckpointInterval != 15*time.Minute {
		t.Errorf("Database.CheckpointInterval = %v, want %v", cfg.Database.CheckpointInterval, 15*time.Minute)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
working_dir: /var/lib/stargate
database:
  datafile: /var/lib/stargate/stargate.db
  checkpoint_interval: 5m
server:
  port: 9090
notifications:
  email:
    smtp_host: smtp.example.com
    sender: stargate@example.com
  recipients:
    ops:
      - [email, ops@example.com]
reporting:
  startup: ops
  exception: ops
gateways:
  radiora2:
    repeater:
      hostname: 10.0.0.5
      username: admin
      password: secret
  powerseries:
    disabled: true
    gateway:
      hostname: 10.0.0.6
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.WorkingDir != "/var/lib/stargate" {
		t.Errorf("WorkingDir = %q", cfg.WorkingDir)
	}
	if cfg.Database.CheckpointInterval != 5*time.Minute {
		t.Errorf("Database.CheckpointInterval = %v, want 5m", cfg.Database.CheckpointInterval)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}

	recips := cfg.Notifications.Recipients["ops"]
	if len(recips) != 1 || recips[0].Method() != "email" || recips[0].Address() != "ops@example.com" {
		t.Errorf("Recipients[ops] = %+v, want one email recipient", recips)
	}

	gw, ok := cfg.Gateways["powerseries"]
	if !ok || !gw.Disabled {
		t.Errorf("Gateways[powerseries].Disabled = %v, want true", gw.Disabled)
	}

	radiora2 := cfg.Gateways["radiora2"]
	if radiora2.Disabled {
		t.Errorf("Gateways[radiora2].Disabled = true, want false")
	}
}

func TestValidateRejectsEmptyDatafile(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Database.Datafile = ""

	if err := config.Validate(cfg); err == nil {
		t.Error("Validate() with empty datafile = nil error, want error")
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"debug":   "DEBUG",
		"DEBUG":   "DEBUG",
		"warn":    "WARN",
		"warning": "WARN",
		"error":   "ERROR",
		"info":    "INFO",
		"bogus":   "INFO",
	}
	for in, want := range cases {
		if got := config.ParseLogLevel(in).String(); got != want {
			t.Errorf("ParseLogLevel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExpandLogfile(t *testing.T) {
	t.Parallel()

	got := config.ExpandLogfile("/var/log/stargate-%(pid)s.log", 4242)
	want := "/var/log/stargate-4242.log"
	if got != want {
		t.Errorf("ExpandLogfile() = %q, want %q", got, want)
	}
}
