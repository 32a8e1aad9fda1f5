// SPDX-License-Identifier: Apache-2.0

// Package qlog is the process-wide, serialized JSON-line qlog writer keyed
// by SCID. It wraps quic-go/qlog's ConnectionTracer, which already emits
// one JSON event per line in the standard qlog wire format; this
// package's job is purely the one-shot directory configuration and the
// cross-endpoint mutex around the underlying file descriptors, since
// multiple QuicEndpoints in the same process may share a qlog directory.
package qlog

import (
	"io"
	"sync"
)

type (
	// Sink is the process-wide qlog configuration. The zero value is
	// inert (Configure was never called, or was called with an empty
	// dir): NewConnectionTracer then returns nil, and endpoints skip qlog
	// entirely.
	Sink struct {
		once sync.Once
		dir  string

		// mu serializes writes to qlog file descriptors across all
		// endpoints in the process.
		mu sync.Mutex
	}

	// guardedFile is an io.WriteCloser that serializes Write and Close
	// under the Sink's process-wide mutex.
	guardedFile struct {
		sink *Sink
		f    io.WriteCloser
	}
)

func (g *guardedFile) Write(p []byte) (int, error) {
	g.sink.mu.Lock()
	defer g.sink.mu.Unlock()

	return g.f.Write(p)
}

func (g *guardedFile) Close() error {
	g.sink.mu.Lock()
	defer g.sink.mu.Unlock()

	return g.f.Close()
}
