// Package protocol owns the Phoenix v2 channel wire contract.
//
// Ownership boundary:
// - reserved topic/event names and reply statuses
// - frame encode/decode primitives (protocol/frame)
// - transport/session defaults and security rules (protocol/session)
package protocol
