// SPDX-License-Identifier: Apache-2.0

package h3session

import (
	"sync/atomic"

	"github.com/replayverify/h3core/internal/qlog"
	"github.com/replayverify/h3core/internal/tlscontext"
)

// processExitCode is a process-wide atomic flag, set to non-zero through
// SetNonZeroExit. In this module only cmd/h3replay sets it, and only its
// main reads it back (via ExitCode) after the command has run; the
// connection tracer callbacks do not set it and Session does not poll it.
var processExitCode atomic.Uint32 //nolint:gochecknoglobals // process-wide by design.

// Init resets the process exit code and configures the process-wide qlog
// sink with qlogDir. The TLS contexts are built on first use by
// Connect/Accept and dropped by Terminate; connection IDs are drawn from
// crypto/rand and need no setup here.
func Init(qlogDir string) {
	processExitCode.Store(0)
	qlog.Default.Configure(qlogDir)
}

// Terminate deletes the global TLS context instances, mirroring
// H3Session::terminate.
func Terminate() {
	tlscontext.Terminate()
}

// SetNonZeroExit is called from contexts that cannot return an error to
// their caller — the original's rationale for a process-wide flag rather
// than a return value.
func SetNonZeroExit() {
	processExitCode.Store(1)
}

// ExitCode reports the current process exit status.
func ExitCode() uint32 {
	return processExitCode.Load()
}
