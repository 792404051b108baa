// Package gateway is the device-facing TCP listener.
//
// Every accepted connection gets one session goroutine that owns its
// reassembly buffer. Frames are extracted and decoded in stream order, the
// resulting records are persisted, checked against alert thresholds and
// published, and allow-listed commands are acknowledged with the static ack.
package gateway
