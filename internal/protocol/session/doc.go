// Package session owns channel transport/session helpers.
//
// Ownership boundary:
// - connect/join/heartbeat/wait timing defaults
// - endpoint construction (credential + serializer version)
// - transport security rules and client TLS material
package session
