// SPDX-License-Identifier: Apache-2.0

// Package quicendpoint owns the UDP socket, the QUIC connection object,
// per-encryption-level CryptoBuffers, and the qlog hookup for one QUIC
// connection. It wraps github.com/quic-go/quic-go, the QUIC/TLS library
// that provides frame-level primitives rather than requiring they be
// written from scratch.
package quicendpoint

import (
	"strconv"
	stdlibtime "time"

	"github.com/quic-go/quic-go"
)

type (
	// Role is which side of the handshake this endpoint plays.
	Role int

	// HandshakeFailedKind enumerates the handshake-fatal subkinds of
	// HandshakeFailed.
	HandshakeFailedKind int

	// HandshakeFailed wraps a failed handshake attempt.
	HandshakeFailed struct {
		Kind    HandshakeFailedKind
		Alert   uint8
		Wrapped error
	}

	// EventKind tags what kind of lifecycle event Drive surfaced.
	EventKind int

	// Event is what one Drive call surfaces: a newly accepted
	// bidirectional stream, connection closure, or nothing (a timeout on
	// the poll_for(timeout) boundary).
	Event struct {
		Kind   EventKind
		Stream quic.Stream
		Err    error
	}

	// Config holds the deterministic transport parameters: values left
	// to the implementer but fixed and documented, for reproducible
	// replay.
	Config struct {
		QlogDir string `yaml:"qlogDir"`
		// Port is the local UDP port to bind, for a server replay that
		// needs a deterministic, reproducible listen address instead of
		// an OS-assigned ephemeral one. Zero means "any free port," the
		// same as leaving it unset.
		Port                        int                 `yaml:"port"`
		MaxIdleTimeout              stdlibtime.Duration `yaml:"maxIdleTimeout"`
		HandshakeIdleTimeout        stdlibtime.Duration `yaml:"handshakeIdleTimeout"`
		MaxIncomingStreams          int64               `yaml:"maxIncomingStreams"`
		InitialMaxData              uint64              `yaml:"initialMaxData"`
		InitialStreamDataBidiLocal  uint64              `yaml:"initialStreamDataBidiLocal"`
		InitialStreamDataBidiRemote uint64              `yaml:"initialStreamDataBidiRemote"`
	}

	// Endpoint is one QUIC connection: the UDP socket it was dialed or
	// accepted on, the quic-go connection object, and the per-level
	// CryptoBuffers and qlog sink wired into it.
	Endpoint struct {
		role      Role
		conn      quic.Connection
		transport *quic.Transport
		conf      *Config
		scid      []byte
		dcid      []byte
		tracer    *cryptoTracer
	}
)

const (
	RoleClient Role = iota
	RoleServer
)

const (
	Timeout HandshakeFailedKind = iota
	TLSAlert
	VersionNegotiationFailed
	TransportParamInvalid
)

const (
	EventStreamOpened EventKind = iota
	EventConnectionClosed
	EventTimeout
	EventCryptoOverflow
)

// DefaultDeadlineMultiplier is how many PTOs Close waits for the
// connection to report terminal before giving up: a default of 3x PTO.
// quic-go doesn't expose the current PTO estimate to callers, so
// this package applies it as a multiplier on MaxIdleTimeout instead, which
// is the closest analogue available from the public API.
const DefaultDeadlineMultiplier = 3

func (k HandshakeFailedKind) String() string {
	switch k {
	case Timeout:
		return "Timeout"
	case TLSAlert:
		return "TLSAlert"
	case VersionNegotiationFailed:
		return "VersionNegotiationFailed"
	case TransportParamInvalid:
		return "TransportParamInvalid"
	default:
		return "Unknown"
	}
}

func (h *HandshakeFailed) Error() string {
	if h.Kind == TLSAlert {
		return "quicendpoint: handshake failed: TLSAlert(" + strconv.FormatUint(uint64(h.Alert), 10) + ")"
	}

	return "quicendpoint: handshake failed: " + h.Kind.String()
}

func (h *HandshakeFailed) Unwrap() error { return h.Wrapped }

