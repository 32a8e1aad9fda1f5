// SPDX-License-Identifier: Apache-2.0

// Package tlscontext owns the one-time, ALPN="h3" TLS contexts shared by
// every session of a given role in the process. Contexts are read-only
// after construction, so no locking is needed once Init has returned.
package tlscontext

import (
	"crypto/tls"
	"sync"
)

type (
	// Role distinguishes the client-side and server-side TLS context,
	// each configured independently: one context per role per process.
	Role int

	// ClientOptions configures the client-side context. The zero value
	// of SkipVerify (false) verifies the peer; h3session.Connect always
	// sets it to true, since the client talks to a proxy under test, not a
	// publicly trusted peer.
	ClientOptions struct {
		ServerName string
		SkipVerify bool
	}

	// ServerOptions configures the server-side context.
	ServerOptions struct {
		CertFile string
		KeyFile  string
	}
)

const (
	Client Role = iota
	Server
)

// alpnH3 is the sole ALPN token either context advertises — no h2 or
// http/1.1 fallback.
const alpnH3 = "h3"

var (
	clientOnce sync.Once
	clientCfg  *tls.Config
	clientErr  error

	serverOnce sync.Once
	serverCfg  *tls.Config
	serverErr  error
)
