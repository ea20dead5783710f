// Package faults defines the error taxonomy shared by the transfer pipeline.
//
// Key responsibilities:
//   - Sentinel markers (ErrRead, ErrEncoding, ErrDeviceUnavailable, ...) that
//     stage code wraps with Wrap so callers can classify failures with
//     errors.Is regardless of how deep the cause sits.
//   - Details, which turns a wrapped error into the kind/operation/message
//     triple shown as a job's terminal cause.
//   - Context helpers that stamp job IDs, stage names, and correlation
//     identifiers for logging.
//
// Use these helpers in new stage code so terminal causes stay uniform across
// the pipeline.
package faults
