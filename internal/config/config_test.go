package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"tracklift/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantState := filepath.Join(tempHome, ".local", "share", "tracklift")
	if cfg.Paths.StateDir != wantState {
		t.Fatalf("unexpected state dir: got %q want %q", cfg.Paths.StateDir, wantState)
	}
	if cfg.HistoryPath() != filepath.Join(wantState, "history.db") {
		t.Fatalf("unexpected history path: %q", cfg.HistoryPath())
	}
	if !cfg.Disc.Verify {
		t.Fatal("expected verification enabled by default")
	}
	if cfg.Device.AckMode != config.AckModeFrame {
		t.Fatalf("unexpected ack mode: %q", cfg.Device.AckMode)
	}
	if cfg.Encoding.Profile != "sp" {
		t.Fatalf("unexpected profile: %q", cfg.Encoding.Profile)
	}
	if cfg.Disc.ReadTimeout() != 10*time.Second {
		t.Fatalf("unexpected read timeout: %s", cfg.Disc.ReadTimeout())
	}
}

func TestLoadCustomConfigOverrides(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	configPath := filepath.Join(t.TempDir(), "tracklift.toml")
	payload := map[string]any{
		"disc": map[string]any{
			"device":       "/dev/sr1",
			"read_retries": 3,
		},
		"device": map[string]any{
			"vendor_id": "0x054C",
			"ack_mode":  " BATCH ",
			"ack_batch": 4,
		},
		"encoding": map[string]any{"profile": "LP4"},
		"logging":  map[string]any{"format": "JSON"},
	}
	data, err := toml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("unexpected resolution: %q exists=%v", resolved, exists)
	}
	if cfg.Disc.Device != "/dev/sr1" || cfg.Disc.ReadRetries != 3 {
		t.Fatalf("disc overrides not applied: %+v", cfg.Disc)
	}
	if cfg.Device.VendorID != "054c" {
		t.Fatalf("vendor id not normalized: %q", cfg.Device.VendorID)
	}
	if cfg.Device.AckMode != config.AckModeBatch || cfg.Device.AckBatch != 4 {
		t.Fatalf("ack overrides not applied: %+v", cfg.Device)
	}
	if cfg.Encoding.Profile != "lp4" {
		t.Fatalf("profile not normalized: %q", cfg.Encoding.Profile)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("log format not normalized: %q", cfg.Logging.Format)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "tracklift.toml")
	if err := os.WriteFile(configPath, []byte("[disc]\nspeed = 4\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(configPath); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestEnvOverridesDiscDevice(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TRACKLIFT_DISC_DEVICE", "/dev/sr9")
	cfg, _, _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Disc.Device != "/dev/sr9" {
		t.Fatalf("expected env device, got %q", cfg.Disc.Device)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"ack mode", func(c *config.Config) { c.Device.AckMode = "sometimes" }, "device.ack_mode"},
		{"batch size", func(c *config.Config) { c.Device.AckMode = config.AckModeBatch; c.Device.AckBatch = 0 }, "device.ack_batch"},
		{"profile", func(c *config.Config) { c.Encoding.Profile = "flac" }, "encoding.profile"},
		{"queue depth", func(c *config.Config) { c.Pipeline.QueueDepth = 0 }, "pipeline.queue_depth"},
		{"handoff timeout", func(c *config.Config) { c.Pipeline.HandoffTimeoutSeconds = -1 }, "pipeline.handoff_timeout"},
		{"backoff", func(c *config.Config) { c.Disc.MaxBackoffMillis = 1 }, "disc.max_backoff_ms"},
		{"vendor", func(c *config.Config) { c.Device.VendorID = "sony" }, "device.vendor_id"},
		{"frame timeout", func(c *config.Config) { c.Device.FrameTimeoutMillis = 0 }, "device.frame_timeout_ms"},
		{"bind", func(c *config.Config) { c.API.Bind = "localhost" }, "api.bind"},
		{"ntfy topic", func(c *config.Config) { c.Notify.NtfyTopic = "my-topic" }, "notify.ntfy_topic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("sample config should load: %v", err)
	}
	if !exists {
		t.Fatal("expected sample to exist")
	}
	if cfg.Pipeline.QueueDepth != config.Default().Pipeline.QueueDepth {
		t.Fatalf("unexpected queue depth %d", cfg.Pipeline.QueueDepth)
	}
}

func TestEncodeProducesLoadableTOML(t *testing.T) {
	cfg := config.Default()
	data, err := config.Encode(&cfg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(data), "[device]") {
		t.Fatalf("expected device section in %s", data)
	}
}
