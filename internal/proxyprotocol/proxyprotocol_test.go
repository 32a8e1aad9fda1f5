// SPDX-License-Identifier: Apache-2.0

package proxyprotocol_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/replayverify/h3core/internal/proxyprotocol"
)

func TestParseV1(t *testing.T) {
	t.Parallel()
	input := "PROXY TCP4 1.2.3.4 5.6.7.8 1111 2222\r\n<rest>"
	consumed, hdr, err := proxyprotocol.Parse([]byte(input))
	require.NoError(t, err)
	require.Equal(t, 38, consumed)
	require.Equal(t, proxyprotocol.VersionV1, hdr.Version)
	require.Equal(t, "1.2.3.4", hdr.Src.IP.String())
	require.EqualValues(t, 1111, hdr.Src.Port)
	require.Equal(t, "5.6.7.8", hdr.Dst.IP.String())
	require.EqualValues(t, 2222, hdr.Dst.Port)
}

func TestParseV2V4(t *testing.T) {
	t.Parallel()
	buf := []byte{
		0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A,
		0x21, 0x11, 0x00, 0x0C,
		0x0A, 0x00, 0x00, 0x01, 0x0A, 0x00, 0x00, 0x02,
		0x1F, 0x90, 0x00, 0x50,
	}
	consumed, hdr, err := proxyprotocol.Parse(buf)
	require.NoError(t, err)
	require.Equal(t, 28, consumed)
	require.Equal(t, proxyprotocol.VersionV2, hdr.Version)
	require.Equal(t, "10.0.0.1", hdr.Src.IP.String())
	require.EqualValues(t, 8080, hdr.Src.Port)
	require.Equal(t, "10.0.0.2", hdr.Dst.IP.String())
	require.EqualValues(t, 80, hdr.Dst.Port)
}

func TestParseV2Local(t *testing.T) {
	t.Parallel()
	buf := []byte{
		0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A,
		0x20, 0x00, 0x00, 0x00,
	}
	consumed, hdr, err := proxyprotocol.Parse(buf)
	require.NoError(t, err)
	require.Equal(t, 16, consumed)
	require.Equal(t, proxyprotocol.VersionNone, hdr.Version)
	require.Nil(t, hdr.Src.IP)
	require.Nil(t, hdr.Dst.IP)
}

func TestParseV2UnsupportedFamily(t *testing.T) {
	t.Parallel()
	buf := []byte{
		0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A,
		0x21, 0x00, 0x00, 0x00,
	}
	consumed, hdr, err := proxyprotocol.Parse(buf)
	require.Error(t, err)
	var ppErr *proxyprotocol.Error
	require.ErrorAs(t, err, &ppErr)
	require.Equal(t, proxyprotocol.UnsupportedFamily, ppErr.Kind)
	require.Equal(t, 16, consumed)
	require.Equal(t, proxyprotocol.VersionNone, hdr.Version)
}

func TestParseNonProxyPassthrough(t *testing.T) {
	t.Parallel()
	consumed, hdr, err := proxyprotocol.Parse([]byte("GET / HTTP/1.1\r\n"))
	require.NoError(t, err)
	require.Equal(t, 0, consumed)
	require.Equal(t, proxyprotocol.VersionNone, hdr.Version)
}

func TestParseV1Truncated(t *testing.T) {
	t.Parallel()
	_, _, err := proxyprotocol.Parse([]byte("PROXY TCP4 1.2.3.4"))
	require.Error(t, err)
	var ppErr *proxyprotocol.Error
	require.ErrorAs(t, err, &ppErr)
	require.Equal(t, proxyprotocol.Invalid, ppErr.Kind)
}

func TestRoundTripV1(t *testing.T) {
	t.Parallel()
	src := proxyprotocol.Endpoint{IP: net.ParseIP("192.168.1.1"), Port: 4321}
	dst := proxyprotocol.Endpoint{IP: net.ParseIP("192.168.1.2"), Port: 80}

	wire, err := proxyprotocol.Serialize(proxyprotocol.VersionV1, src, dst)
	require.NoError(t, err)

	consumed, hdr, err := proxyprotocol.Parse(wire)
	require.NoError(t, err)
	require.Equal(t, len(wire), consumed)
	require.Equal(t, proxyprotocol.VersionV1, hdr.Version)
	require.True(t, src.IP.Equal(hdr.Src.IP))
	require.Equal(t, src.Port, hdr.Src.Port)
	require.True(t, dst.IP.Equal(hdr.Dst.IP))
	require.Equal(t, dst.Port, hdr.Dst.Port)
}

func TestRoundTripV2V4(t *testing.T) {
	t.Parallel()
	src := proxyprotocol.Endpoint{IP: net.ParseIP("10.1.2.3"), Port: 111}
	dst := proxyprotocol.Endpoint{IP: net.ParseIP("10.4.5.6"), Port: 222}

	wire, err := proxyprotocol.Serialize(proxyprotocol.VersionV2, src, dst)
	require.NoError(t, err)

	consumed, hdr, err := proxyprotocol.Parse(wire)
	require.NoError(t, err)
	require.Equal(t, len(wire), consumed)
	require.Equal(t, proxyprotocol.VersionV2, hdr.Version)
	require.True(t, src.IP.Equal(hdr.Src.IP))
	require.True(t, dst.IP.Equal(hdr.Dst.IP))
}

func TestRoundTripV2V6DstNotClobberedBySrc(t *testing.T) {
	t.Parallel()
	src := proxyprotocol.Endpoint{IP: net.ParseIP("2001:db8::1"), Port: 111}
	dst := proxyprotocol.Endpoint{IP: net.ParseIP("2001:db8::2"), Port: 222}

	wire, err := proxyprotocol.Serialize(proxyprotocol.VersionV2, src, dst)
	require.NoError(t, err)

	_, hdr, err := proxyprotocol.Parse(wire)
	require.NoError(t, err)
	require.True(t, src.IP.Equal(hdr.Src.IP))
	require.True(t, dst.IP.Equal(hdr.Dst.IP))
	require.False(t, hdr.Dst.IP.Equal(hdr.Src.IP))
}
