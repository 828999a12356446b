// Package socks5 is the SOCKS5 side of relayd's inbound listener: the
// server handshake that turns a client's CONNECT request into a target
// address, and the replies sent once the upstream tunnel is (or is not)
// open.
//
// The wire types come from github.com/txthinking/socks5. A small client is
// included for tests and tooling.
package socks5
