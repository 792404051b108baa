// Package protocol groups the NR-B80 device protocol.
//
// Ownership boundary:
// - frame: stream synchronization, escaping, checksum, static ack
// - command: per-command payload decoding into telemetry records
// - session: per-connection timing, buffer limits and reconnect backoff
package protocol
