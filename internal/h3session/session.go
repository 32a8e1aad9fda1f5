// SPDX-License-Identifier: Apache-2.0

package h3session

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go/http3"

	"github.com/replayverify/h3core/internal/h3stream"
	"github.com/replayverify/h3core/internal/proxyprotocol"
	"github.com/replayverify/h3core/internal/quicendpoint"
	"github.com/replayverify/h3core/internal/tlscontext"
	"github.com/replayverify/h3core/internal/txn"
)

// NewClientSession constructs a Session that will dial a peer.
func NewClientSession(conf *quicendpoint.Config) *Session {
	return &Session{
		role:         quicendpoint.RoleClient,
		conf:         conf,
		streamMap:    make(map[int64]*h3stream.Stream),
		finishedKeys: make(map[string]struct{}),
	}
}

// NewServerSession constructs a Session that will accept a peer.
func NewServerSession(conf *quicendpoint.Config) *Session {
	return &Session{
		role:         quicendpoint.RoleServer,
		conf:         conf,
		streamMap:    make(map[int64]*h3stream.Stream),
		finishedKeys: make(map[string]struct{}),
	}
}

// Connect sends the optional PROXY preamble, performs the QUIC handshake,
// and settles the HTTP/3 SETTINGS exchange for the client side.
func (s *Session) Connect(ctx context.Context, iface string, target *net.UDPAddr, preamble *proxyprotocol.Header) error {
	tlsConf, err := tlscontext.InitClient(tlscontext.ClientOptions{SkipVerify: true})
	if err != nil {
		return errors.Wrap(err, "h3session: could not build client TLS context")
	}
	ep, err := s.handshake(ctx, iface, target, quicendpoint.RoleClient, tlsConf, preamble)
	if err != nil {
		return errors.Wrap(err, "h3session: connect failed")
	}
	s.clientSessionInit(ep)

	return nil
}

// Accept is the server-side mirror of Connect: it waits for an inbound
// QUIC connection and settles HTTP/3 SETTINGS. Accept does not read or
// parse a PROXY preamble: the socket it binds goes straight to quic-go.
func (s *Session) Accept(ctx context.Context, iface string, peer *net.UDPAddr, certFile, keyFile string) error {
	tlsConf, err := tlscontext.InitServer(tlscontext.ServerOptions{CertFile: certFile, KeyFile: keyFile})
	if err != nil {
		return errors.Wrap(err, "h3session: could not build server TLS context")
	}
	ep, err := s.handshake(ctx, iface, peer, quicendpoint.RoleServer, tlsConf, nil)
	if err != nil {
		return errors.Wrap(err, "h3session: accept failed")
	}
	s.serverSessionInit(ep)

	return nil
}

// handshake is the role-agnostic glue shared by Connect and Accept: it owns
// the QUIC dial/listen-and-accept and stores the resulting endpoint on s.
// clientSessionInit/serverSessionInit pick up from here to build the
// role-specific HTTP/3 SETTINGS layer on top.
func (s *Session) handshake(ctx context.Context, iface string, peer *net.UDPAddr, role quicendpoint.Role, tlsConf *tls.Config, preamble *proxyprotocol.Header) (*quicendpoint.Endpoint, error) {
	ep, err := quicendpoint.Open(ctx, iface, peer, role, tlsConf, s.conf, preamble, nil)
	if err != nil {
		return nil, err
	}
	s.endpoint = ep

	return ep, nil
}

// clientSessionInit builds the HTTP/3 client layer on top of a handshaked
// endpoint, advertising the deterministic QPACK SETTINGS shared by both
// roles.
func (s *Session) clientSessionInit(ep *quicendpoint.Endpoint) {
	s.clientConn = (&http3.Transport{
		AdditionalSettings:     additionalSettings(),
		MaxResponseHeaderBytes: maxFieldSectionSize,
	}).NewClientConn(ep.Connection())
}

// serverSessionInit is clientSessionInit's server-side mirror.
func (s *Session) serverSessionInit(ep *quicendpoint.Endpoint) {
	s.serverConn = (&http3.Server{
		AdditionalSettings: additionalSettings(),
		MaxHeaderBytes:     maxFieldSectionSize,
	}).NewConn(ep.Connection())
}

// RunTransactions runs txns against the connected peer, respecting
// DependsOn gating and StartOffset scheduling scaled by rateMultiplier.
// It returns one Result per transaction plus an accumulated session-fatal
// error, if any occurred. A mismatch against a scripted expectation is
// recorded in the matching Result but never short-circuits the others.
func (s *Session) RunTransactions(ctx context.Context, txns []txn.Txn, rateMultiplier float64) ([]Result, error) {
	if rateMultiplier <= 0 {
		rateMultiplier = 1
	}

	results := make([]Result, len(txns))
	var wg sync.WaitGroup
	var merrMu sync.Mutex
	var merr *multierror.Error

	for i := range txns {
		i := i
		t := txns[i]
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := s.waitForDependencies(ctx, t.DependsOn); err != nil {
				results[i] = Result{Key: t.Key, Err: err}

				return
			}
			if err := waitScaledOffset(ctx, t.StartOffset, rateMultiplier); err != nil {
				results[i] = Result{Key: t.Key, Err: err}

				return
			}
			err := s.RunTransaction(ctx, t)
			results[i] = Result{Key: t.Key, Err: err}
			if err != nil && isSessionFatal(err) {
				merrMu.Lock()
				merr = multierror.Append(merr, err)
				merrMu.Unlock()
			}
		}()
	}
	wg.Wait()

	return results, merr.ErrorOrNil()
}

func isSessionFatal(err error) bool {
	var sessErr *Error

	return errors.As(err, &sessErr)
}

// RunTransaction opens a stream, packs headers, writes the optional
// request body, and checks the scripted expectation. For a client session
// it sends the request and waits for the matched response; for a server
// session it waits for the matched inbound request and sends the
// scripted response.
func (s *Session) RunTransaction(ctx context.Context, t txn.Txn) error {
	if s.endpoint != nil {
		if o := s.endpoint.CryptoOverflow(); o != nil {
			return &Error{Kind: InternalInvariant, Detail: o.Error()}
		}
	}

	var err error
	switch s.role {
	case quicendpoint.RoleClient:
		err = s.runClientTransaction(ctx, t)
	case quicendpoint.RoleServer:
		err = s.runServerTransaction(ctx, t)
	default:
		return &Error{Kind: InternalInvariant, Detail: "unknown session role"}
	}

	if s.endpoint != nil {
		if o := s.endpoint.CryptoOverflow(); o != nil {
			return &Error{Kind: InternalInvariant, Detail: o.Error()}
		}
	}

	return err
}

func (s *Session) runClientTransaction(ctx context.Context, t txn.Txn) error {
	stream := h3stream.NewClientStream(t.Key, &t.Response, t.Request.Body)
	defer stream.Close()

	reqStream, err := s.clientConn.OpenRequestStream(ctx)
	if err != nil {
		return errorAsNetwork(err)
	}

	url := stream.ComposeURLFromPseudos(t.Request.Pseudo)
	req, err := packRequest(t, url)
	if err != nil {
		return &Error{Kind: ProtocolError, Which: "headers", Detail: err.Error()}
	}

	if err = reqStream.SendRequestHeader(req); err != nil {
		return errorAsProtocol(err, "request-headers")
	}
	stream.AssignStreamID(int64(reqStream.StreamID()))
	s.recordStream(stream)

	if len(stream.BodyToSend()) > 0 {
		if _, err = reqStream.Write(stream.BodyToSend()); err != nil {
			return errorAsProtocol(err, "request-body")
		}
		stream.AddDataBytesWritten(len(stream.BodyToSend()))
	}
	if err = reqStream.Close(); err != nil {
		return errorAsProtocol(err, "end-stream")
	}

	resp, err := reqStream.ReadResponse()
	if err != nil {
		return &h3stream.Error{StreamID: stream.StreamID(), Key: t.Key, Kind: h3stream.Timeout}
	}
	stream.Retain(func() { _ = resp.Body.Close() })
	stream.MarkHeadersReceived()
	respMsg := responseToMessage(resp)
	stream.SetResponseFromServer(respMsg)

	body, err := readAll(resp.Body)
	if err != nil {
		return errorAsProtocol(err, "response-body")
	}
	stream.AppendBody(body)
	if len(resp.Trailer) > 0 {
		stream.SetTrailers(headerToMessage(resp.Trailer))
	}
	if cl, ok := respMsg.Get("content-length"); ok {
		n, convErr := strconv.Atoi(cl)
		stream.CheckContentLength(n, convErr == nil)
	}

	s.SetStreamHasEnded(stream.StreamID(), t.Key)

	if stream.ContentLengthMismatch() {
		return &h3stream.Error{StreamID: stream.StreamID(), Key: t.Key, Kind: h3stream.ContentLengthMismatch}
	}

	return matchMessage(t.Response, respMsg, stream.BodyReceived(), t.Key)
}

func (s *Session) runServerTransaction(ctx context.Context, t txn.Txn) error {
	stream := h3stream.NewServerStream()
	stream.SetSpecifiedRequest(&t.Request)
	defer stream.Close()

	s.startDispatchLoop(ctx)

	disp, err := s.awaitDispatch(ctx, scriptedDispatchKey(t.Request))
	if err != nil {
		return err
	}
	reqStream, req := disp.reqStream, disp.req

	stream.AssignStreamID(int64(reqStream.StreamID()))
	stream.Retain(func() { _ = req.Body.Close() })
	stream.MarkHeadersReceived()
	reqMsg := requestToMessage(req)
	stream.SetRequestFromClient(reqMsg)
	stream.SetKey(t.Key)
	stream.ComposeURLFromPseudos(reqMsg.Pseudo)
	s.recordStream(stream)

	body, err := readAll(req.Body)
	if err != nil {
		return errorAsProtocol(err, "request-body")
	}
	stream.AppendBody(body)
	if len(req.Trailer) > 0 {
		stream.SetTrailers(headerToMessage(req.Trailer))
	}
	if cl, ok := reqMsg.Get("content-length"); ok {
		n, convErr := strconv.Atoi(cl)
		stream.CheckContentLength(n, convErr == nil)
	}

	resp := packResponse(t)
	if err = reqStream.SendResponseHeader(resp); err != nil {
		return errorAsProtocol(err, "response-headers")
	}
	if len(t.Response.Body) > 0 {
		if _, err = reqStream.Write(t.Response.Body); err != nil {
			return errorAsProtocol(err, "response-body")
		}
		stream.AddDataBytesWritten(len(t.Response.Body))
	}
	if err = reqStream.Close(); err != nil {
		return errorAsProtocol(err, "end-stream")
	}

	s.SetStreamHasEnded(stream.StreamID(), t.Key)

	if stream.ContentLengthMismatch() {
		return &h3stream.Error{StreamID: stream.StreamID(), Key: t.Key, Kind: h3stream.ContentLengthMismatch}
	}

	return matchMessage(t.Request, reqMsg, stream.BodyReceived(), t.Key)
}

// recordStream inserts a newly-opened stream into the stream map,
// preserving insertion order.
func (s *Session) recordStream(stream *h3stream.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamMap[stream.StreamID()] = stream
	s.streamOrder = append(s.streamOrder, stream.StreamID())
}

// SetStreamHasEnded is called once a stream's END_STREAM has been
// observed: it appends to the ended-stream queue and inserts key into the
// finished set exactly once. A duplicate call for an already-finished
// key is idempotent.
func (s *Session) SetStreamHasEnded(streamID int64, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, already := s.finishedKeys[key]; already {
		return
	}
	s.endedStreams = append(s.endedStreams, streamID)
	s.finishedKeys[key] = struct{}{}
}

// GetAStreamHasEnded reports whether any stream has finished.
func (s *Session) GetAStreamHasEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.endedStreams) > 0
}

// requestHasOutstandingStreamDependencies reports whether any of deps is
// not yet finished. Named after original_source/http3.h's
// request_has_outstanding_stream_dependencies.
func (s *Session) requestHasOutstandingStreamDependencies(deps []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dep := range deps {
		if _, done := s.finishedKeys[dep]; !done {
			return true
		}
	}

	return false
}

// Close initiates connection teardown and drops outstanding streams.
func (s *Session) Close() error {
	if s.endpoint == nil {
		return nil
	}

	return s.endpoint.Close(0, "")
}
