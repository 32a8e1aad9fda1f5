// SPDX-License-Identifier: Apache-2.0

// Package proxyprotocol parses and serializes the HAProxy PROXY protocol
// preamble (v1 ASCII and v2 binary) on the head of a transport connection,
// before TLS/QUIC begins.
package proxyprotocol

import (
	"net"
)

type (
	// Version identifies which PROXY protocol wire format a Header carries,
	// or that no PROXY preamble was present at all.
	Version int

	// Endpoint is one half (source or destination) of a PROXY header's
	// address pair.
	Endpoint struct {
		IP   net.IP
		Port uint16
	}

	// Header is the parsed result of a PROXY preamble: either None (no
	// preamble detected), or a V1/V2 header carrying a source/destination
	// endpoint pair. A V2 LOCAL command parses to None while Parse still
	// returns a non-zero consumed count, since LOCAL explicitly means
	// "keep the observed transport peer."
	Header struct {
		Version Version
		Src     Endpoint
		Dst     Endpoint
	}

	// ErrKind enumerates the non-fatal-to-fatal failure modes of Parse.
	ErrKind int

	// Error is returned by Parse when the input could not be interpreted,
	// or names an address family Parse chose not to fail on.
	Error struct {
		Kind ErrKind
	}
)

const (
	// VersionNone means no PROXY preamble was present; the caller should
	// treat the bytes as ordinary transport payload.
	VersionNone Version = iota
	VersionV1
	VersionV2
)

const (
	// Truncated means a v2 header advertised more address bytes than were
	// available in the input.
	Truncated ErrKind = iota
	// Invalid means the input begins with a recognizable PROXY signature
	// but is malformed beyond that point (e.g. no CRLF found for v1).
	Invalid
	// UnsupportedFamily means a v2 header's fam byte names a family this
	// package doesn't parse addresses for (not IPv4/IPv6 TCP). This is
	// non-fatal: the caller proceeds without any address rewrite.
	UnsupportedFamily
)

func (e *Error) Error() string {
	switch e.Kind {
	case Truncated:
		return "proxyprotocol: truncated header"
	case Invalid:
		return "proxyprotocol: invalid header"
	case UnsupportedFamily:
		return "proxyprotocol: unsupported address family"
	default:
		return "proxyprotocol: error"
	}
}

// v2Signature is the 12-byte fixed prefix that opens every PROXY protocol
// v2 header, per the HAProxy PROXY protocol specification.
var v2Signature = [12]byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

const (
	v2HeaderFixedLen = 16
	v1MaxLineLen     = 108

	cmdLocal = 0x0
	cmdProxy = 0x1

	famTCP4 = 0x11
	famTCP6 = 0x21

	verCmdV2 = 0x20
)
