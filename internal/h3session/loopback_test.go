// SPDX-License-Identifier: Apache-2.0

package h3session

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"testing"
	stdlibtime "time"

	"github.com/stretchr/testify/require"

	"github.com/replayverify/h3core/internal/quicendpoint"
	"github.com/replayverify/h3core/internal/tlscontext"
	"github.com/replayverify/h3core/internal/txn"
)

// generateLoopbackCert writes a fresh self-signed ECDSA certificate for
// 127.0.0.1 to two temp PEM files, for tlscontext.InitServer to load.
func generateLoopbackCert(t *testing.T) (certFile, keyFile string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:             stdlibtime.Now().Add(-stdlibtime.Minute),
		NotAfter:              stdlibtime.Now().Add(stdlibtime.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	require.NoError(t, err)

	certOut, err := os.CreateTemp(t.TempDir(), "loopback-cert-*.pem")
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyOut, err := os.CreateTemp(t.TempDir(), "loopback-key-*.pem")
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}))
	require.NoError(t, keyOut.Close())

	return certOut.Name(), keyOut.Name()
}

// freePort binds a loopback UDP socket, reads the port the OS assigned, and
// releases it immediately, so the server side below can bind that exact
// port (via quicendpoint.Config.Port) before the client needs to know it —
// Session.Accept blocks until a connection arrives, so there is no other
// point at which the server's bound address could be recovered.
func freePort(t *testing.T) int {
	t.Helper()
	probe, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := probe.LocalAddr().(*net.UDPAddr).Port //nolint:forcetypeassert // net.ListenPacket("udp", ...) always returns a *net.UDPAddr.
	require.NoError(t, probe.Close())

	return port
}

// TestLoopbackConnectAcceptRunTransaction drives one scripted transaction
// through a real quic.Transport pair on loopback: a server session accepts
// a self-signed TLS handshake, a client session dials it, each runs one
// matching half of the transaction, and both sides report no mismatch —
// the end-to-end path Connect/Accept/RunTransaction serve in production,
// exercised without an actual peer under test.
func TestLoopbackConnectAcceptRunTransaction(t *testing.T) {
	tlscontext.Terminate()
	t.Cleanup(tlscontext.Terminate)

	certFile, keyFile := generateLoopbackCert(t)
	port := freePort(t)

	serverConf := quicendpoint.DefaultConfig()
	serverConf.Port = port
	serverConf.MaxIdleTimeout = 5 * stdlibtime.Second
	serverConf.HandshakeIdleTimeout = 5 * stdlibtime.Second

	clientConf := quicendpoint.DefaultConfig()
	clientConf.MaxIdleTimeout = 5 * stdlibtime.Second
	clientConf.HandshakeIdleTimeout = 5 * stdlibtime.Second

	serverSess := NewServerSession(serverConf)
	clientSess := NewClientSession(clientConf)

	ctx, cancel := context.WithTimeout(context.Background(), 10*stdlibtime.Second)
	defer cancel()

	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- serverSess.Accept(ctx, "127.0.0.1", nil, certFile, keyFile)
	}()

	target := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
	require.NoError(t, clientSess.Connect(ctx, "", target, nil))
	require.NoError(t, <-acceptErr)

	t.Cleanup(func() { _ = clientSess.Close() })
	t.Cleanup(func() { _ = serverSess.Close() })

	scripted := txn.Txn{
		Key: "t1",
		Request: txn.Message{
			Pseudo: map[string]string{":method": "GET", ":scheme": "https", ":authority": "example.test", ":path": "/a"},
		},
		Response: txn.Message{
			Pseudo: map[string]string{":status": "200"},
			Fields: []txn.Field{{Name: "content-type", Value: "text/plain"}},
			Body:   []byte("hello"),
		},
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- serverSess.RunTransaction(ctx, scripted)
	}()

	require.NoError(t, clientSess.RunTransaction(ctx, scripted))
	require.NoError(t, <-serverDone)

	require.True(t, clientSess.GetAStreamHasEnded())
	require.True(t, serverSess.GetAStreamHasEnded())
}
