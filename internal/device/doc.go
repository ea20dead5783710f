// Package device drives the USB recorder: it owns the transport, runs the
// framed command protocol from package wire and tracks the session state
// machine (disconnected, connected, ready, allocating, streaming, committing,
// aborting).
//
// A Session is safe for concurrent use, but transfer operations serialize on
// a single lock; the transfer orchestrator's device stage is expected to be
// the only caller of Allocate, Upload, Commit and Abort. The package also
// carries the gousb transport, the single-owner process lock, the udev
// hotplug monitor and the title re-encoding applied at commit.
package device
