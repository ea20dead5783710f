package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDisc(); err != nil {
		return err
	}
	if err := c.validateDevice(); err != nil {
		return err
	}
	if err := c.validateEncoding(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if c.API.Bind != "" {
		if _, _, err := net.SplitHostPort(c.API.Bind); err != nil {
			return fmt.Errorf("api.bind: %w", err)
		}
	}
	if topic := c.Notify.NtfyTopic; topic != "" {
		u, err := url.Parse(topic)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("notify.ntfy_topic must be an http(s) URL, got %q", topic)
		}
	}
	return nil
}

func (c *Config) validateDisc() error {
	if err := ensurePositiveMap(map[string]int{
		"disc.read_timeout_ms":   c.Disc.ReadTimeoutMillis,
		"disc.sectors_per_block": c.Disc.SectorsPerBlock,
		"disc.ready_timeout":     c.Disc.ReadyTimeoutSeconds,
	}); err != nil {
		return err
	}
	if c.Disc.ReadRetries < 0 {
		return errors.New("disc.read_retries must not be negative")
	}
	if c.Disc.RetryBackoffMillis < 0 {
		return errors.New("disc.retry_backoff_ms must not be negative")
	}
	if c.Disc.MaxBackoffMillis < c.Disc.RetryBackoffMillis {
		return errors.New("disc.max_backoff_ms must be at least disc.retry_backoff_ms")
	}
	if c.Disc.FatalLeadSectors < 0 {
		return errors.New("disc.fatal_lead_sectors must not be negative")
	}
	return nil
}

func (c *Config) validateDevice() error {
	if err := ensurePositiveMap(map[string]int{
		"device.handshake_timeout_ms": c.Device.HandshakeTimeoutMillis,
		"device.command_timeout_ms":   c.Device.CommandTimeoutMillis,
		"device.frame_timeout_ms":     c.Device.FrameTimeoutMillis,
		"device.wait_timeout":         c.Device.WaitTimeoutSeconds,
	}); err != nil {
		return err
	}
	if err := validateUSBID("device.vendor_id", c.Device.VendorID); err != nil {
		return err
	}
	if err := validateUSBID("device.product_id", c.Device.ProductID); err != nil {
		return err
	}
	if c.Device.FrameRetries < 0 {
		return errors.New("device.frame_retries must not be negative")
	}
	switch c.Device.AckMode {
	case AckModeFrame:
	case AckModeBatch:
		if c.Device.AckBatch <= 0 {
			return errors.New("device.ack_batch must be positive when device.ack_mode is batch")
		}
	default:
		return fmt.Errorf("device.ack_mode: unsupported value %q (want frame or batch)", c.Device.AckMode)
	}
	if c.Device.FramesPerSecond < 0 {
		return errors.New("device.frames_per_second must not be negative")
	}
	return nil
}

func (c *Config) validateEncoding() error {
	switch c.Encoding.Profile {
	case "pcm", "sp", "lp2", "lp4":
		return nil
	default:
		return fmt.Errorf("encoding.profile: unsupported value %q (want pcm, sp, lp2 or lp4)", c.Encoding.Profile)
	}
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.QueueDepth <= 0 {
		return errors.New("pipeline.queue_depth must be positive")
	}
	if c.Pipeline.ProgressBucket < 0 || c.Pipeline.ProgressBucket > 100 {
		return errors.New("pipeline.progress_bucket must be between 0 and 100")
	}
	if c.Pipeline.HandoffTimeoutSeconds < 0 {
		return errors.New("pipeline.handoff_timeout must not be negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func validateUSBID(key, value string) error {
	if len(value) != 4 {
		return fmt.Errorf("%s must be four hex digits, got %q", key, value)
	}
	if _, err := strconv.ParseUint(value, 16, 16); err != nil {
		return fmt.Errorf("%s must be four hex digits, got %q", key, value)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
