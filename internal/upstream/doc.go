// Package upstream manages connections to the single upstream proxy relayd
// forwards to.
//
// A [Link] is the persistent connection a worker reuses for plain HTTP
// relays. It is an explicit three-state value (Disconnected, Connected,
// Broken) owned by exactly one goroutine; EnsureConnected and MarkBroken are
// the only transitions into and out of Connected.
//
// [DialTunnel] opens a separate, dedicated connection and performs the
// CONNECT handshake for tunnels, since a tunneled connection carries raw
// bytes for the rest of its life and cannot go back to the pool.
package upstream
