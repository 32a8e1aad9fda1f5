// SPDX-License-Identifier: Apache-2.0

package proxyprotocol

import (
	"encoding/binary"
	"net"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Parse detects and parses a PROXY protocol preamble at the start of buf.
// It returns the number of bytes consumed by the preamble (0 if none was
// present, in which case hdr.Version is VersionNone and the caller treats
// buf as ordinary transport payload) and the parsed header.
//
// A v2 LOCAL command and a v2 PROXY command with an unsupported address
// family both consume the full v2 header length but return VersionNone:
// both cases mean "keep the observed transport peer," the latter reported
// as an UnsupportedFamily error the caller may log and ignore.
func Parse(buf []byte) (consumed int, hdr Header, err error) {
	if isV2(buf) {
		return parseV2(buf)
	}
	if isV1(buf) {
		return parseV1(buf)
	}

	return 0, Header{Version: VersionNone}, nil
}

func isV2(buf []byte) bool {
	if len(buf) < v2HeaderFixedLen {
		return false
	}
	if string(buf[:12]) != string(v2Signature[:]) {
		return false
	}

	return buf[12]&0xF0 == verCmdV2
}

func isV1(buf []byte) bool {
	return len(buf) >= 8 && string(buf[:5]) == "PROXY"
}

func parseV2(buf []byte) (int, Header, error) {
	length := v2HeaderFixedLen + int(binary.BigEndian.Uint16(buf[14:16]))
	if len(buf) < length {
		return 0, Header{}, errors.WithStack(&Error{Kind: Truncated})
	}

	verCmd := buf[12]
	fam := buf[13]
	cmd := verCmd & 0x0F

	switch cmd {
	case cmdLocal:
		return length, Header{Version: VersionNone}, nil
	case cmdProxy:
		// fall through to address parsing below.
	default:
		return 0, Header{}, errors.WithStack(&Error{Kind: Invalid})
	}

	addr := buf[v2HeaderFixedLen:length]
	switch fam {
	case famTCP4:
		if len(addr) < 12 {
			return 0, Header{}, errors.WithStack(&Error{Kind: Truncated})
		}
		src := Endpoint{IP: net.IP(addr[0:4]).To4(), Port: binary.BigEndian.Uint16(addr[8:10])}
		dst := Endpoint{IP: net.IP(addr[4:8]).To4(), Port: binary.BigEndian.Uint16(addr[10:12])}

		return length, Header{Version: VersionV2, Src: src, Dst: dst}, nil
	case famTCP6:
		if len(addr) < 36 {
			return 0, Header{}, errors.WithStack(&Error{Kind: Truncated})
		}
		src := Endpoint{IP: net.IP(append([]byte{}, addr[0:16]...)), Port: binary.BigEndian.Uint16(addr[32:34])}
		dst := Endpoint{IP: net.IP(append([]byte{}, addr[16:32]...)), Port: binary.BigEndian.Uint16(addr[34:36])}

		return length, Header{Version: VersionV2, Src: src, Dst: dst}, nil
	default:
		// Unsupported family: non-fatal, caller falls back to the
		// observed transport peer but the bytes are still consumed.
		return length, Header{Version: VersionNone}, errors.WithStack(&Error{Kind: UnsupportedFamily})
	}
}

func parseV1(buf []byte) (int, Header, error) {
	limit := v1MaxLineLen - 1
	if limit > len(buf) {
		limit = len(buf)
	}
	crIdx := -1
	for i := 0; i < limit; i++ {
		if buf[i] == '\r' {
			crIdx = i
			break
		}
	}
	if crIdx < 0 || crIdx+1 >= len(buf) || buf[crIdx+1] != '\n' {
		return 0, Header{}, errors.WithStack(&Error{Kind: Invalid})
	}

	line := string(buf[:crIdx])
	fields := strings.Split(line, " ")
	if len(fields) != 6 || fields[0] != "PROXY" {
		return 0, Header{}, errors.WithStack(&Error{Kind: Invalid})
	}

	consumed := crIdx + 2
	tag := fields[1]
	if tag == "UNKNOWN" {
		return consumed, Header{Version: VersionNone}, nil
	}
	if tag != "TCP4" && tag != "TCP6" {
		return 0, Header{}, errors.WithStack(&Error{Kind: Invalid})
	}

	srcIP := net.ParseIP(fields[2])
	dstIP := net.ParseIP(fields[3])
	if srcIP == nil || dstIP == nil {
		return 0, Header{}, errors.WithStack(&Error{Kind: Invalid})
	}
	srcPort, err := parsePort(fields[4])
	if err != nil {
		return 0, Header{}, errors.WithStack(&Error{Kind: Invalid})
	}
	dstPort, err := parsePort(fields[5])
	if err != nil {
		return 0, Header{}, errors.WithStack(&Error{Kind: Invalid})
	}

	hdr := Header{
		Version: VersionV1,
		Src:     Endpoint{IP: srcIP, Port: srcPort},
		Dst:     Endpoint{IP: dstIP, Port: dstPort},
	}

	return consumed, hdr, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "not a decimal port: %q", s)
	}
	if n > 65535 {
		return 0, errors.Newf("port out of range: %d", n)
	}

	return uint16(n), nil
}
