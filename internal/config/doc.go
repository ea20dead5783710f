// Package config loads, normalizes, and validates tracklift configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// TRACKLIFT_DISC_DEVICE. The Config type centralizes every knob the pipeline
// and CLI need: disc retry policy, recorder timeouts, encoding defaults, and
// channel depths are all discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
