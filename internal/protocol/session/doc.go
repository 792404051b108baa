// Package session owns per-connection transport settings shared by the
// gateway listener and device clients.
//
// Ownership boundary:
// - read/write/heartbeat timing
// - reassembly buffer limits
// - reconnect backoff for simulated devices
package session
