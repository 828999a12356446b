// Package proxy implements relayd's client-facing side: the acceptors that
// turn inbound connections into queued jobs, and the dispatcher whose
// workers relay each job to the upstream proxy.
//
// Plain HTTP requests are relayed over the worker's persistent upstream
// link, with the response body framed by Content-Length, chunked encoding,
// or upstream close. CONNECT requests, SOCKS5 connections and transparently
// redirected connections become tunnels over a dedicated upstream
// connection.
package proxy
