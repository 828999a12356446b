// Package tproxy accepts transparently redirected TCP connections and
// queues them as tunnels to their original destination.
//
// On Linux the listener sets IP_TRANSPARENT, for iptables/nftables TPROXY
// rules, and the destination comes from SO_ORIGINAL_DST when the connection
// was REDIRECTed, else from the socket's local address. On FreeBSD
// (IP_BINDANY) and OpenBSD (SO_BINDANY) the firewall preserves the
// destination as the local address. Other platforms return errors.
package tproxy
