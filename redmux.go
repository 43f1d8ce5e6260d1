// Package redmux implements a multiplexed full-duplex connection to a redis
// server speaking RESP3.
//
// A single Conn carries the traffic of any number of goroutines: requests
// submitted concurrently through Exec are pipelined onto one byte stream,
// their bytes coalesced into shared socket writes, and the interleaved reply
// and server-push stream is parsed and dispatched back to each submitter.
// Server pushes (pubsub messages, invalidation events) are routed to a
// separate channel consumed through Receive, so subscriptions do not disturb
// ordinary request/reply traffic.
//
// The Conn outlives any one TCP session. Run dials, performs I/O and
// reconnects until its context is cancelled; the request queue survives
// reconnects except for requests which opt out via their RequestConfig.
package redmux

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
)

// DialFunc establishes the network connection for a session. Custom
// DialFuncs can layer in TLS, unix sockets or test stubs.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// AddrFunc resolves the endpoint to connect to. It is consulted before every
// connection attempt, so implementations backed by a sentinel or a service
// registry can re-target the Conn on reconnect.
type AddrFunc func(ctx context.Context) (network, addr string, err error)

// DefaultDialFunc dials TCP with keepalive enabled.
var DefaultDialFunc DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: 10 * time.Second}
	return d.DialContext(ctx, network, addr)
}

// Opt is an optional behavior which can be applied to NewConn.
type Opt func(*Conn)

// ConnConfig sets the connection's Config. Without it DefaultConfig is used.
func ConnConfig(cfg Config) Opt {
	return func(c *Conn) {
		c.cfg = cfg
	}
}

// ConnLogger sets the zap logger used for session lifecycle events. Without
// it the Conn is silent.
func ConnLogger(log *zap.Logger) Opt {
	return func(c *Conn) {
		c.log = log
	}
}

// ConnDialFunc overrides how sessions are dialed.
func ConnDialFunc(fn DialFunc) Opt {
	return func(c *Conn) {
		c.dialFn = fn
	}
}

// ConnAddr sets a fixed endpoint.
func ConnAddr(network, addr string) Opt {
	return ConnAddrFunc(func(context.Context) (string, string, error) {
		return network, addr, nil
	})
}

// ConnAddrFunc sets a dynamic endpoint resolver, consulted on every
// connection attempt.
func ConnAddrFunc(fn AddrFunc) Opt {
	return func(c *Conn) {
		c.addrFn = fn
	}
}
