// Package notifications delivers transfer outcomes via ntfy.
//
// NewService publishes to the topic configured under [notify] and degrades to
// a no-op when no topic is set. Sink adapts a Service to transfer.ProgressSink:
// it forwards only terminal job events and sends them from its own goroutine,
// so a slow ntfy server never stalls the pipeline.
package notifications
