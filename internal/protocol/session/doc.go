// Package session is the fragmenting transport session between two devices.
//
// Ownership boundary:
// - outbound fragmentation into bounded frames (single writer per session)
// - inbound stream splitting and frame decode
// - reassembly with sequence/sub-sequence tracking
// - channel abstraction, channel security validation, dial backoff
//
// A Session never interprets payload bytes; reassembled buffers are handed to
// the registered handler, which takes ownership.
package session
