// SPDX-License-Identifier: Apache-2.0

// Package h3session binds one quicendpoint.Endpoint to many h3stream.Streams
// and drives a scripted transaction list against a peer. It is the direct
// analogue of the original's H3Session, and the outermost component the
// rest of the verifier (YAML trace loading, rule checks, the CLI) talks to
// through the Session interface.
package h3session

import (
	"net/http"
	"sync"

	"github.com/quic-go/quic-go/http3"

	"github.com/replayverify/h3core/internal/h3stream"
	"github.com/replayverify/h3core/internal/quicendpoint"
)

type (
	// ErrKind enumerates the session-local error taxonomy not already
	// owned by a lower package (quicendpoint owns HandshakeFailed;
	// h3stream owns StreamError).
	ErrKind int

	// Error is a session-local error: ConfigError, NetworkError,
	// ProtocolError, or InternalInvariant. It is always session-fatal.
	Error struct {
		Kind   ErrKind
		Which  string
		Detail string
	}

	// MismatchError is a recorded, non-fatal semantic diff between a
	// received message and its scripted expectation.
	MismatchError struct {
		Key    string
		Detail string
	}

	// Result is the outcome of one scripted transaction: nil Err means
	// the transaction matched its scripted expectation.
	Result struct {
		Key string
		Err error
	}

	// serverDispatch is one accepted server-side stream handed from the
	// dispatch loop to whichever runServerTransaction call registered
	// interest in its request's canonical key (or a terminal error, for a
	// stream the loop could not attribute to any key).
	serverDispatch struct {
		reqStream *http3.RequestStream
		req       *http.Request
		err       error
	}

	// Session binds one quicendpoint.Endpoint to the H3Stream set for one
	// connection and runs scripted transactions against it.
	Session struct {
		role quicendpoint.Role
		conf *quicendpoint.Config

		endpoint *quicendpoint.Endpoint

		// clientConn/serverConn: exactly one is set, depending on role.
		// Built once, after handshake and the HTTP/3 SETTINGS exchange
		// complete, in clientSessionInit/serverSessionInit.
		clientConn *http3.ClientConn
		serverConn *http3.Conn

		// streamMap, streamOrder: mapping stream_id -> H3Stream, keys
		// unique, insertion order preserved.
		streamMap   map[int64]*h3stream.Stream
		streamOrder []int64

		// endedStreams: the FIFO queue of stream IDs whose END_STREAM has
		// been observed.
		endedStreams []int64

		// finishedKeys: set of txn keys already completed, deduping
		// duplicate END_STREAM signals.
		finishedKeys map[string]struct{}

		nextClientStreamSeq int64

		// dispatchOnce/dispatchMu/dispatchWaiters/dispatchUnclaimed/
		// dispatchFatal demux server-side accepted streams to the
		// runServerTransaction call whose scripted request actually
		// matches, since RunTransactions races one goroutine per
		// transaction directly against AcceptRequestStream otherwise. See
		// dispatch.go.
		dispatchOnce      sync.Once
		dispatchMu        sync.Mutex
		dispatchWaiters   map[string]chan serverDispatch
		dispatchUnclaimed map[string][]serverDispatch
		dispatchFatal     error

		// mu guards streamMap/streamOrder/endedStreams/finishedKeys. The
		// original implementation runs a single-threaded cooperative
		// event loop; RunTransactions instead runs one goroutine per
		// transaction (Go's idiomatic answer to "wait for dependency
		// keys without a manual poll loop"), so these fields need a real
		// mutex rather than the original's implicit single-thread
		// safety. The documented invariants are unaffected — they
		// describe the data's shape, not which thread touches it.
		mu sync.Mutex
	}
)

const (
	ConfigError ErrKind = iota
	NetworkError
	ProtocolError
	InternalInvariant
)

func (k ErrKind) String() string {
	switch k {
	case ConfigError:
		return "ConfigError"
	case NetworkError:
		return "NetworkError"
	case ProtocolError:
		return "ProtocolError"
	case InternalInvariant:
		return "InternalInvariant"
	default:
		return "Unknown"
	}
}

func (e *Error) Error() string {
	if e.Which != "" {
		return "h3session: " + e.Kind.String() + "(" + e.Which + "): " + e.Detail
	}

	return "h3session: " + e.Kind.String() + ": " + e.Detail
}

func (e *MismatchError) Error() string {
	return "h3session: expectation mismatch for " + e.Key + ": " + e.Detail
}

// reservedHeaders are stripped from every packed header set: connection,
// transfer-encoding, keep-alive, proxy-connection, and upgrade are all
// meaningless or actively wrong on an HTTP/3 stream.
var reservedHeaders = map[string]struct{}{
	"connection":        {},
	"transfer-encoding": {},
	"keep-alive":        {},
	"proxy-connection":  {},
	"upgrade":           {},
}

// Deterministic HTTP/3 SETTINGS values, fixed to keep replay reproducible
// rather than auto-negotiated from local resource limits. qpackSettingID*
// are the SETTINGS parameter identifiers assigned by RFC 9204 §7.2; they
// are advertised via AdditionalSettings since quic-go/http3 has no
// dedicated field for either of them.
const (
	qpackSettingIDMaxTableCapacity = 0x01
	qpackSettingIDBlockedStreams   = 0x07

	qpackMaxTableCapacity = 0
	qpackBlockedStreams   = 0
	maxFieldSectionSize   = 65536
)

// additionalSettings builds the AdditionalSettings map shared by the
// client Transport and server Server construction, so both sides of a
// session advertise the same deterministic QPACK SETTINGS regardless of
// role.
func additionalSettings() map[uint64]uint64 {
	return map[uint64]uint64{
		qpackSettingIDMaxTableCapacity: qpackMaxTableCapacity,
		qpackSettingIDBlockedStreams:   qpackBlockedStreams,
	}
}
