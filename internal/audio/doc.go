// Package audio transcodes CD audio into the recorder's native modes.
//
// Profile names a recorder mode and the PCM format it expects as input.
// Transcoder consumes disc blocks and emits payloads: PCM mode only reframes
// samples as big-endian, while the compressed modes run a streaming IMA ADPCM
// encoder that buffers partial codec frames across blocks. The last payload of
// a track always carries the final marker, and identical input always yields
// byte-identical output.
package audio
