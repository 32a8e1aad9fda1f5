// SPDX-License-Identifier: Apache-2.0

package qlog

import (
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/logging"
	qlogpkg "github.com/quic-go/quic-go/qlog"
)

// Default is the process-wide sink. QuicEndpoint.Open uses it unless a
// caller supplies a different *Sink explicitly (tests construct their own
// to avoid cross-test interference, since Configure is one-shot).
var Default = &Sink{} //nolint:gochecknoglobals // single process-wide instance by design.

// Configure is a one-shot: the first call wins for the lifetime of the
// process (or of this *Sink, for a test-local instance). A subsequent
// call is a no-op. An empty dir leaves the sink inert.
func (s *Sink) Configure(dir string) {
	s.once.Do(func() { s.dir = dir })
}

// NewConnectionTracer opens <dir>/<scid_hex>.sqlog and returns a
// logging.ConnectionTracer that appends qlog JSON-line events to it under
// the sink's process-wide mutex. It returns nil if the sink is inert.
func (s *Sink) NewConnectionTracer(perspective logging.Perspective, connID quic.ConnectionID) (*logging.ConnectionTracer, error) {
	if s.dir == "" {
		return nil, nil
	}
	path := filepath.Join(s.dir, hex.EncodeToString(connID.Bytes())+".sqlog")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open qlog file %q", path)
	}
	guarded := &guardedFile{sink: s, f: f}

	return qlogpkg.NewConnectionTracer(guarded, perspective, connID), nil
}
