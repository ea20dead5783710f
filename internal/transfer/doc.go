// Package transfer runs per-track transfer jobs through a three-stage
// pipeline: rip (disc.Reader), encode (audio.Transcoder) and device
// (device.Session). Stages run concurrently and hand blocks and payloads over
// bounded channels, so a slow recorder applies backpressure all the way to
// the drive while the next job can rip during the current upload. Only the
// device stage talks to the recorder, so allocate/upload/commit sequences
// never overlap.
//
// Each job has its own cancellation. Cancelling before the upload begins
// finishes the job at once without any device command; cancelling during the
// upload aborts the reservation first.
package transfer
