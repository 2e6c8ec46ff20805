package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "router:\n  host: 192.168.1.1\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("router:\n  host: r\n"), 0600)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "router:\n  host: 192.168.1.1\n  password: pw\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Router.Username != "admin" {
		t.Errorf("username = %q, want admin", cfg.Router.Username)
	}
	if cfg.Router.Detection() != 300*time.Second {
		t.Errorf("detection = %v, want 300s", cfg.Router.Detection())
	}
	if cfg.Router.Interval() != 10*time.Second || cfg.Router.RequestTimeout() != 10*time.Second {
		t.Errorf("interval/timeout = %v/%v", cfg.Router.Interval(), cfg.Router.RequestTimeout())
	}
	if cfg.Router.SelfPolicy != "online" || cfg.Router.EvictAfter != 0 {
		t.Errorf("self_policy/evict_after = %q/%v", cfg.Router.SelfPolicy, cfg.Router.EvictAfter)
	}
	if cfg.Listen.Port != 8086 {
		t.Errorf("listen.port = %d, want 8086", cfg.Listen.Port)
	}
	if cfg.MQTT.Configured() {
		t.Error("mqtt should be disabled without a broker")
	}
	if cfg.MQTT.DiscoveryPrefix != "homeassistant" {
		t.Errorf("discovery_prefix = %q", cfg.MQTT.DiscoveryPrefix)
	}
}

func TestLoad_FullFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
router:
  host: router.lan
  username: root
  password: pw
  detection_time: 120
  poll_interval: 30
  use_https: true
  self_policy: exclude
  evict_after: 720h
mqtt:
  broker: mqtts://broker.lan:8883
  device_name: linksys
listen:
  port: 0
log_level: debug
log_format: json
`))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Router.Detection() != 2*time.Minute || cfg.Router.Interval() != 30*time.Second {
		t.Errorf("unexpected durations: %+v", cfg.Router)
	}
	if !cfg.Router.UseHTTPS || cfg.Router.SelfPolicy != "exclude" {
		t.Errorf("unexpected router config: %+v", cfg.Router)
	}
	if cfg.Router.EvictAfter != 720*time.Hour {
		t.Errorf("evict_after = %v, want 720h", cfg.Router.EvictAfter)
	}
	if !cfg.MQTT.Configured() || cfg.MQTT.DeviceName != "linksys" {
		t.Errorf("unexpected mqtt config: %+v", cfg.MQTT)
	}
	if cfg.Listen.Port != 0 {
		t.Errorf("listen.port = %d, want 0 (disabled)", cfg.Listen.Port)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("JNAP_TEST_PASSWORD", "secret123")
	cfg, err := Load(writeConfig(t, "router:\n  host: 192.168.1.1\n  password: ${JNAP_TEST_PASSWORD}\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Router.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.Router.Password, "secret123")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing host", "router:\n  password: pw\n", "router.host"},
		{"bad policy", "router:\n  host: r\n  self_policy: ignore\n", "self_policy"},
		{"negative detection", "router:\n  host: r\n  detection_time: -1\n", "detection_time"},
		{"zero interval", "router:\n  host: r\n  poll_interval: 0\n", "poll_interval"},
		{"broker without name", "router:\n  host: r\nmqtt:\n  broker: mqtt://b:1883\n", "device_name"},
		{"bad broker scheme", "router:\n  host: r\nmqtt:\n  broker: http://b\n  device_name: x\n", "scheme"},
		{"bad level", "router:\n  host: r\nlog_level: loud\n", "log_level"},
		{"bad format", "router:\n  host: r\nlog_format: xml\n", "log_format"},
		{"bad yaml", "router: [\n", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Router.SelfPolicy = "nope"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"router.host", "self_policy"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestNewLogger_TraceNameAndJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "trace", "json")
	logger.Log(t.Context(), LevelTrace, "jnap response", "action", "core/GetDeviceInfo")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if line["level"] != "TRACE" {
		t.Errorf("level = %v, want TRACE", line["level"])
	}

	buf.Reset()
	NewLogger(&buf, "info", "text").Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug line written at info level: %s", buf.String())
	}
}
