// SPDX-License-Identifier: Apache-2.0

package tlscontext

import (
	"crypto/tls"
	"sync"

	"github.com/cockroachdb/errors"
)

// InitClient builds (once per process) the client TLS context, ALPN="h3",
// with verification mode from opts. Subsequent calls return the same
// *tls.Config regardless of opts — matching the "one context per role per
// process" model; callers needing distinct verify modes within one process
// construct their own *tls.Config directly instead of going through this
// package.
func InitClient(opts ClientOptions) (*tls.Config, error) {
	clientOnce.Do(func() {
		clientCfg = &tls.Config{ //nolint:gosec // InsecureSkipVerify is opt-in via ClientOptions.
			ServerName:         opts.ServerName,
			NextProtos:         []string{alpnH3},
			InsecureSkipVerify: opts.SkipVerify,
		}
	})

	return clientCfg, clientErr
}

// InitServer builds (once per process) the server TLS context, ALPN="h3"
// only — any peer offering only h2/http1.1 fails ALPN negotiation.
func InitServer(opts ServerOptions) (*tls.Config, error) {
	serverOnce.Do(func() {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			serverErr = errors.Wrapf(err, "could not load TLS certificate %q / key %q", opts.CertFile, opts.KeyFile)

			return
		}
		serverCfg = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpnH3},
		}
	})

	return serverCfg, serverErr
}

// Terminate drops the process-wide contexts and resets the one-shot
// guards, allowing a fresh Init* call — used by h3session.Terminate to
// bracket the TLS context lifetime alongside process init/teardown.
func Terminate() {
	clientOnce = sync.Once{}
	clientCfg = nil
	clientErr = nil
	serverOnce = sync.Once{}
	serverCfg = nil
	serverErr = nil
}
