// Package preflight provides readiness checks for the drive, the recorder,
// the state directories and the ntfy endpoint that tracklift depends on.
//
// These checks run in two contexts:
//   - The transfer command calls CheckDirectoryAccess on the state directory
//     before touching the disc, so a run never rips tracks it cannot record.
//   - The CLI "tracklift status" command calls RunAll to display overall
//     health.
//
// Checks for optional features are skipped when the feature is disabled.
package preflight
