package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains state, log, and lock locations plus the status API bind address.
type Paths struct {
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
	LockPath string `toml:"lock_path"`
}

// Disc contains configuration for reading audio from the optical drive.
type Disc struct {
	Device              string `toml:"device"`
	Verify              bool   `toml:"verify"`
	ReadRetries         int    `toml:"read_retries"`
	RetryBackoffMillis  int    `toml:"retry_backoff_ms"`
	MaxBackoffMillis    int    `toml:"max_backoff_ms"`
	ReadTimeoutMillis   int    `toml:"read_timeout_ms"`
	SectorsPerBlock     int    `toml:"sectors_per_block"`
	FatalLeadSectors    int    `toml:"fatal_lead_sectors"`
	ReadyTimeoutSeconds int    `toml:"ready_timeout"`
}

// Device contains configuration for the USB recorder and its protocol.
type Device struct {
	VendorID               string `toml:"vendor_id"`
	ProductID              string `toml:"product_id"`
	HandshakeTimeoutMillis int    `toml:"handshake_timeout_ms"`
	CommandTimeoutMillis   int    `toml:"command_timeout_ms"`
	FrameTimeoutMillis     int    `toml:"frame_timeout_ms"`
	FrameRetries           int    `toml:"frame_retries"`
	AckMode                string `toml:"ack_mode"`
	AckBatch               int    `toml:"ack_batch"`
	FramesPerSecond        int    `toml:"frames_per_second"`
	WaitTimeoutSeconds     int    `toml:"wait_timeout"`
}

// Encoding contains the default encoding profile applied when a request
// does not name one.
type Encoding struct {
	Profile string `toml:"profile"`
}

// Pipeline contains configuration for the staged transfer pipeline.
type Pipeline struct {
	QueueDepth            int     `toml:"queue_depth"`
	ProgressBucket        float64 `toml:"progress_bucket"`
	HandoffTimeoutSeconds int     `toml:"handoff_timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// API contains configuration for the status HTTP endpoint.
type API struct {
	Bind string `toml:"bind"`
}

// Notify contains ntfy settings for job completion notifications. An empty
// topic disables them.
type Notify struct {
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout"`
}

// Config encapsulates all configuration values for tracklift.
//
// Configuration sections by subsystem:
//   - Paths: state database, logs, and the recorder lock file
//   - Disc: optical drive path and read/verify/retry policy
//   - Device: recorder USB identity, protocol timeouts, and ack policy
//   - Encoding: default recorder mode
//   - Pipeline: channel depths and progress sampling
//   - Logging: log format and level
//   - API: status endpoint bind address
//   - Notify: ntfy topic for finished jobs
type Config struct {
	Paths    Paths    `toml:"paths"`
	Disc     Disc     `toml:"disc"`
	Device   Device   `toml:"device"`
	Encoding Encoding `toml:"encoding"`
	Pipeline Pipeline `toml:"pipeline"`
	Logging  Logging  `toml:"logging"`
	API      API      `toml:"api"`
	Notify   Notify   `toml:"notify"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("tracklift.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the state and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir, filepath.Dir(c.Paths.LockPath)} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// HistoryPath returns the transfer history database location.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.Paths.StateDir, "history.db")
}

// ReadTimeout bounds a single drive read call.
func (d Disc) ReadTimeout() time.Duration {
	return time.Duration(d.ReadTimeoutMillis) * time.Millisecond
}

// RetryBackoff is the delay before the first re-read of a failed range.
func (d Disc) RetryBackoff() time.Duration {
	return time.Duration(d.RetryBackoffMillis) * time.Millisecond
}

// MaxBackoff caps the exponential re-read delay.
func (d Disc) MaxBackoff() time.Duration {
	return time.Duration(d.MaxBackoffMillis) * time.Millisecond
}

// ReadyTimeout bounds how long the CLI waits for the drive to report a disc.
func (d Disc) ReadyTimeout() time.Duration {
	return time.Duration(d.ReadyTimeoutSeconds) * time.Second
}

// HandshakeTimeout bounds dialing plus the HELLO/IDENTIFY/READ_TOC exchange.
func (d Device) HandshakeTimeout() time.Duration {
	return time.Duration(d.HandshakeTimeoutMillis) * time.Millisecond
}

// CommandTimeout bounds a single non-data command exchange.
func (d Device) CommandTimeout() time.Duration {
	return time.Duration(d.CommandTimeoutMillis) * time.Millisecond
}

// FrameTimeout bounds the wait for a data frame acknowledgement.
func (d Device) FrameTimeout() time.Duration {
	return time.Duration(d.FrameTimeoutMillis) * time.Millisecond
}

// RequestTimeout bounds a single ntfy POST.
func (n Notify) RequestTimeout() time.Duration {
	return time.Duration(n.RequestTimeoutSeconds) * time.Second
}

// WaitTimeout bounds how long `device wait` blocks for a hotplug event.
// HandoffTimeout bounds how long a stage waits on the stage before it. Zero
// disables the bound.
func (p Pipeline) HandoffTimeout() time.Duration {
	return time.Duration(p.HandoffTimeoutSeconds) * time.Second
}

func (d Device) WaitTimeout() time.Duration {
	return time.Duration(d.WaitTimeoutSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// SampleConfig returns the embedded sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes a sample configuration file to the specified location.
// The write is atomic; a reader never observes a partially written file.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := renameio.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders cfg as TOML.
func Encode(cfg *Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	return toml.Marshal(cfg)
}
