package testsupport

import (
	"path/filepath"
	"testing"

	"tracklift/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.LockPath = filepath.Join(base, "state", "recorder.lock")
	cfgVal.API.Bind = "127.0.0.1:0"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithDiscDevice overrides the optical drive path on the test config.
func WithDiscDevice(path string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Disc.Device = path
	}
}

// WithAckMode sets the recorder acknowledgement policy.
func WithAckMode(mode string, batch int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Device.AckMode = mode
		b.cfg.Device.AckBatch = batch
	}
}

// WithProfile sets the default recorder mode.
func WithProfile(profile string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Encoding.Profile = profile
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
