// SPDX-License-Identifier: Apache-2.0

package proxyprotocol

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Serialize emits the wire form of a PROXY header for the given version and
// endpoint pair. V1 produces the ASCII line; V2 produces the 16-byte fixed
// prefix plus address block. The returned bytes are self-contained and may
// be written directly to the head of a fresh connection.
//
// Both the src and dst IPs must be of the same family (both v4 or both
// v6); Serialize returns an Invalid error otherwise.
func Serialize(version Version, src, dst Endpoint) ([]byte, error) {
	srcV4, dstV4 := src.IP.To4(), dst.IP.To4()
	isV4 := srcV4 != nil && dstV4 != nil
	isV6 := srcV4 == nil && dstV4 == nil && src.IP.To16() != nil && dst.IP.To16() != nil
	if !isV4 && !isV6 {
		return nil, errors.WithStack(&Error{Kind: Invalid})
	}

	switch version {
	case VersionV1:
		return serializeV1(isV4, src, dst), nil
	case VersionV2:
		return serializeV2(isV4, src, dst), nil
	default:
		return nil, errors.WithStack(&Error{Kind: Invalid})
	}
}

func serializeV1(isV4 bool, src, dst Endpoint) []byte {
	tag := "TCP6"
	if isV4 {
		tag = "TCP4"
	}

	return []byte(fmt.Sprintf("PROXY %s %s %s %d %d\r\n", tag, src.IP.String(), dst.IP.String(), src.Port, dst.Port))
}

func serializeV2(isV4 bool, src, dst Endpoint) []byte {
	var addr []byte
	fam := byte(famTCP6)
	if isV4 {
		fam = famTCP4
		addr = make([]byte, 12)
		copy(addr[0:4], src.IP.To4())
		// dst is taken from the dst endpoint, not re-copied from src: the
		// original draft this is replacing had a bug here for IPv6 where
		// both address fields were written from src_addr.
		copy(addr[4:8], dst.IP.To4())
		binary.BigEndian.PutUint16(addr[8:10], src.Port)
		binary.BigEndian.PutUint16(addr[10:12], dst.Port)
	} else {
		addr = make([]byte, 36)
		copy(addr[0:16], src.IP.To16())
		copy(addr[16:32], dst.IP.To16())
		binary.BigEndian.PutUint16(addr[32:34], src.Port)
		binary.BigEndian.PutUint16(addr[34:36], dst.Port)
	}

	out := make([]byte, v2HeaderFixedLen+len(addr))
	copy(out[0:12], v2Signature[:])
	out[12] = 0x21 // version 2, PROXY command
	out[13] = fam
	binary.BigEndian.PutUint16(out[14:16], uint16(len(addr)))
	copy(out[16:], addr)

	return out
}
