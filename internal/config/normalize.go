package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDisc()
	c.normalizeDevice()
	c.normalizeEncoding()
	c.normalizeLogging()
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	c.Notify.NtfyTopic = strings.TrimSpace(c.Notify.NtfyTopic)
	if c.Notify.RequestTimeoutSeconds <= 0 {
		c.Notify.RequestTimeoutSeconds = defaultNotifyTimeout
	}
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LockPath) == "" {
		c.Paths.LockPath = defaultLockPath
	}
	if c.Paths.LockPath, err = expandPath(c.Paths.LockPath); err != nil {
		return fmt.Errorf("paths.lock_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeDisc() {
	if value, ok := os.LookupEnv("TRACKLIFT_DISC_DEVICE"); ok && strings.TrimSpace(value) != "" {
		c.Disc.Device = value
	}
	c.Disc.Device = strings.TrimSpace(c.Disc.Device)
	if c.Disc.Device == "" {
		c.Disc.Device = defaultDiscDevice
	}
	if c.Disc.SectorsPerBlock <= 0 {
		c.Disc.SectorsPerBlock = defaultSectorsPerBlock
	}
}

func (c *Config) normalizeDevice() {
	c.Device.VendorID = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.Device.VendorID), "0x"))
	c.Device.ProductID = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.Device.ProductID), "0x"))
	c.Device.AckMode = strings.ToLower(strings.TrimSpace(c.Device.AckMode))
	if c.Device.AckMode == "" {
		c.Device.AckMode = defaultAckMode
	}
}

func (c *Config) normalizeEncoding() {
	c.Encoding.Profile = strings.ToLower(strings.TrimSpace(c.Encoding.Profile))
	if c.Encoding.Profile == "" {
		c.Encoding.Profile = defaultProfile
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
