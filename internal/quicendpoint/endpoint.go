// SPDX-License-Identifier: Apache-2.0

package quicendpoint

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"net"
	"strconv"
	stdlibtime "time"

	"github.com/cockroachdb/errors"
	"github.com/gookit/goutil/errorx"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/logging"

	"github.com/replayverify/h3core/internal/cryptobuffer"
	"github.com/replayverify/h3core/internal/proxyprotocol"
	"github.com/replayverify/h3core/internal/qlog"
)

const connectionIDLen = 8

// Open creates the UDP socket, generates a random 8-byte SCID, and
// performs the QUIC handshake for role against peer. No DCID is generated
// here: quic-go picks the connection IDs it puts on the wire itself. If preamble is
// non-nil, its wire bytes are written to the socket, addressed to peer,
// before any QUIC packet is sent or accepted — this is how a PROXY
// protocol header is attached ahead of a QUIC (UDP) flow, since unlike TCP
// there is no shared byte stream to prepend it to; the preamble becomes
// the first datagram of the flow instead.
//
// sink may be nil, in which case qlog.Default is used.
func Open(ctx context.Context, localIface string, peer *net.UDPAddr, role Role, tlsConf *tls.Config, conf *Config, preamble *proxyprotocol.Header, sink *qlog.Sink) (*Endpoint, error) {
	if sink == nil {
		sink = qlog.Default
	}
	pconn, err := bindSocket(localIface, conf.Port)
	if err != nil {
		return nil, errors.Wrap(err, "quicendpoint: could not bind UDP socket")
	}

	if preamble != nil {
		wire, ppErr := proxyprotocol.Serialize(preamble.Version, preamble.Src, preamble.Dst)
		if ppErr != nil {
			_ = pconn.Close()

			return nil, errors.Wrap(ppErr, "quicendpoint: could not serialize PROXY preamble")
		}
		if _, err = pconn.WriteTo(wire, peer); err != nil {
			_ = pconn.Close()

			return nil, errorx.Withf(err, "quicendpoint: could not write PROXY preamble")
		}
	}

	scid, err := randomConnID()
	if err != nil {
		_ = pconn.Close()

		return nil, errors.Wrap(err, "quicendpoint: could not generate SCID")
	}

	tracer := newCryptoTracer()
	quicConf := buildQUICConfig(conf, sink, tracer)

	transport := &quic.Transport{
		Conn:               pconn,
		ConnectionIDLength: connectionIDLen,
	}

	var qconn quic.Connection
	switch role {
	case RoleClient:
		qconn, err = transport.Dial(ctx, peer, tlsConf, quicConf)
	case RoleServer:
		var listener *quic.Listener
		listener, err = transport.Listen(tlsConf, quicConf)
		if err == nil {
			qconn, err = listener.Accept(ctx)
		}
	}
	if err != nil {
		_ = transport.Close()

		return nil, classifyHandshakeError(err)
	}

	// The DCID is negotiated by quic-go internally and not exposed on the
	// public quic.Connection surface; we only generate and own the SCID,
	// so dcid stays nil here.
	ep := &Endpoint{
		role:      role,
		conn:      qconn,
		transport: transport,
		conf:      conf,
		scid:      scid,
		tracer:    tracer,
	}

	return ep, nil
}

func bindSocket(localIface string, port int) (net.PacketConn, error) {
	return net.ListenPacket("udp", net.JoinHostPort(localIface, strconv.Itoa(port)))
}

func randomConnID() ([]byte, error) {
	b := make([]byte, connectionIDLen)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}

	return b, nil
}

func buildQUICConfig(conf *Config, sink *qlog.Sink, tracer *cryptoTracer) *quic.Config {
	qc := &quic.Config{
		MaxIdleTimeout:                 conf.MaxIdleTimeout,
		HandshakeIdleTimeout:           conf.HandshakeIdleTimeout,
		MaxIncomingStreams:             conf.MaxIncomingStreams,
		MaxIncomingUniStreams:          conf.MaxIncomingStreams,
		InitialStreamReceiveWindow:     conf.InitialStreamDataBidiLocal,
		InitialConnectionReceiveWindow: conf.InitialMaxData,
		EnableDatagrams:                false,
	}
	qc.Tracer = func(_ context.Context, perspective logging.Perspective, connID quic.ConnectionID) *logging.ConnectionTracer {
		qlogTracer, err := sink.NewConnectionTracer(perspective, connID)
		if err != nil {
			qlogTracer = nil
		}
		cryptoConnTracer := tracer.connectionTracer()
		if qlogTracer == nil {
			return cryptoConnTracer
		}

		return logging.NewMultiplexedConnectionTracer(cryptoConnTracer, qlogTracer)
	}

	return qc
}

func classifyHandshakeError(err error) error {
	var versionNegErr *quic.VersionNegotiationError
	if errors.As(err, &versionNegErr) {
		return &HandshakeFailed{Kind: VersionNegotiationFailed, Wrapped: err}
	}
	var transportErr *quic.TransportError
	if errors.As(err, &transportErr) {
		switch {
		case transportErr.ErrorCode == quic.TransportParameterError:
			return &HandshakeFailed{Kind: TransportParamInvalid, Wrapped: err}
		case transportErr.ErrorCode.IsCryptoError():
			return &HandshakeFailed{Kind: TLSAlert, Alert: uint8(transportErr.ErrorCode - 0x100), Wrapped: err}
		}
	}
	var idleErr *quic.IdleTimeoutError
	if errors.As(err, &idleErr) {
		return &HandshakeFailed{Kind: Timeout, Wrapped: err}
	}
	var handshakeErr *quic.HandshakeTimeoutError
	if errors.As(err, &handshakeErr) {
		return &HandshakeFailed{Kind: Timeout, Wrapped: err}
	}

	return &HandshakeFailed{Kind: Timeout, Wrapped: err}
}

// Drive blocks for up to timeout waiting for the next connection-level
// event: a freshly opened bidirectional stream, connection closure, or a
// latched CryptoBuffer overflow. This is the single explicit suspension
// point the original's poll_for(timeout) describes — quic-go runs its own
// packet pump internally, so unlike the original ngtcp2-backed
// implementation there is no separate read/write tick to drive; Drive's
// job is purely to surface the next application-visible event within the
// deadline. A CryptoBuffer overflow is raised as a panic inside quic-go's
// own connection goroutine (see cryptotracer.go), not this one, so it
// can't be caught by a recover() here — it is instead latched by the
// tracer and picked up by checking CryptoOverflow on every call.
func (e *Endpoint) Drive(ctx context.Context, timeout stdlibtime.Duration) (Event, error) {
	if o := e.CryptoOverflow(); o != nil {
		return Event{Kind: EventCryptoOverflow, Err: o}, nil
	}

	driveCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, acceptErr := e.conn.AcceptStream(driveCtx)
	if acceptErr == nil {
		return Event{Kind: EventStreamOpened, Stream: stream}, nil
	}
	if o := e.CryptoOverflow(); o != nil {
		return Event{Kind: EventCryptoOverflow, Err: o}, nil
	}
	if errors.Is(acceptErr, context.DeadlineExceeded) {
		return Event{Kind: EventTimeout}, nil
	}
	if e.conn.Context().Err() != nil {
		return Event{Kind: EventConnectionClosed, Err: e.conn.Context().Err()}, nil
	}

	return Event{}, errorx.Withf(acceptErr, "quicendpoint: accept stream failed")
}

// CryptoOverflow reports and clears any CryptoBuffer overflow latched by
// the connection tracer since the last call. A non-nil return is a
// session-fatal internal invariant violation.
func (e *Endpoint) CryptoOverflow() *cryptobuffer.Overflow {
	return e.tracer.TakeOverflow()
}

// OpenStream opens a new outgoing bidirectional stream, for the client
// side of run_transaction.
func (e *Endpoint) OpenStream(ctx context.Context) (quic.Stream, error) {
	stream, err := e.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, errorx.Withf(err, "quicendpoint: open stream failed")
	}

	return stream, nil
}

// Close initiates a CONNECTION_CLOSE with appErrorCode/reason and waits
// for quic-go to report the connection terminal, or for 3×MaxIdleTimeout
// to elapse, whichever comes first.
func (e *Endpoint) Close(appErrorCode quic.ApplicationErrorCode, reason string) error {
	closeErr := e.conn.CloseWithError(appErrorCode, reason)

	deadline := DefaultDeadlineMultiplier * e.conf.MaxIdleTimeout
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	select {
	case <-e.conn.Context().Done():
	case <-ctx.Done():
	}

	if err := e.transport.Close(); err != nil {
		return errorx.Withf(err, "quicendpoint: could not close transport")
	}

	return closeErr
}

// SCID returns the random source connection ID Open generated for this
// endpoint. It is not handed to quic-go, so it is neither a connection ID
// seen on the wire nor the qlog filename stem: the qlog file is named
// after the connection ID quic-go passes to the tracer.
func (e *Endpoint) SCID() []byte { return e.scid }

// Connection exposes the underlying quic-go connection for the HTTP/3
// layer (h3session, h3stream) to build a ClientConn/Conn on top of.
func (e *Endpoint) Connection() quic.Connection { return e.conn }
