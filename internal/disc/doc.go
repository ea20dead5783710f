// Package disc reads digital audio from compact discs.
//
// It models the disc table of contents, exposes the Drive capability that
// hardware and simulated drives implement, and provides Reader, which turns a
// track into a lazy sequence of PCM blocks. Reader re-reads ranges that fail
// or disagree with exponential back-off, verifies reads against each other
// when configured, and degrades unreadable ranges in the body of a track to
// silence while failing tracks whose opening sectors cannot be recovered.
//
// LinuxDrive talks to /dev/sr* through the kernel's CD-ROM ioctls; SimDrive
// produces deterministic audio with injectable faults for tests and dry runs.
package disc
