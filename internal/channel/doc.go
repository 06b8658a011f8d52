// Package channel is a Phoenix v2 channel protocol client.
//
// One control-loop goroutine per Client owns every piece of protocol state: ref
// counters, pending requests, topic membership, event waiters, the event log and the
// keepalive ticker. Public operations hand closures to the loop and block on per-call
// channels, so frames are dispatched strictly in transport order while any number of
// joins, waits and collections are outstanding.
package channel
