// SPDX-License-Identifier: Apache-2.0

package h3stream

import (
	stdlibtime "time"

	"github.com/replayverify/h3core/internal/txn"
)

// NewClientStream constructs a stream that will send a request and
// receive a response, correlating it to key and the scripted response
// expectation up front — role and specifiedResponse are both known before
// the stream is even opened, since the client composes the request from
// the scripted Txn itself.
func NewClientStream(key string, specifiedResponse *txn.Message, bodyToSend []byte) *Stream {
	return &Stream{
		role:              ReceivesResponse,
		key:               key,
		specifiedResponse: specifiedResponse,
		bodyToSend:        bodyToSend,
	}
}

// NewServerStream constructs a stream that will receive a request and
// send a response. Unlike the client side, key and specifiedRequest are
// not known until the request's pseudo-headers arrive and are matched
// against the scripted transaction list.
func NewServerStream() *Stream {
	return &Stream{role: ReceivesRequest}
}

func (s *Stream) Role() Role { return s.role }

// AssignStreamID is one-time: it also primes the stream's start timestamp
// for timing calculations.
func (s *Stream) AssignStreamID(id int64) {
	if s.haveStream {
		return
	}
	s.streamID = id
	s.haveStream = true
	s.startTime = stdlibtime.Now()
}

func (s *Stream) StreamID() int64 { return s.streamID }

func (s *Stream) Key() string { return s.key }

// SetKey assigns the transaction key once headers arrive (server side) or
// once the outgoing request is composed (client side, at construction).
func (s *Stream) SetKey(key string) { s.key = key }

func (s *Stream) SetSpecifiedRequest(req *txn.Message) { s.specifiedRequest = req }

func (s *Stream) SpecifiedRequest() *txn.Message { return s.specifiedRequest }

func (s *Stream) SpecifiedResponse() *txn.Message { return s.specifiedResponse }

// ComposeURLFromPseudos builds "<scheme>://<authority><path>" from the
// message's pseudo-headers into composedURL, used as the input to
// whatever HTTP header layer cross-checks the scripted expectation. The
// pseudo map comes from whichever side of the transaction this stream
// received headers on.
func (s *Stream) ComposeURLFromPseudos(pseudo map[string]string) string {
	s.composedURL = pseudo[":scheme"] + "://" + pseudo[":authority"] + pseudo[":path"]

	return s.composedURL
}

func (s *Stream) ComposedURL() string { return s.composedURL }

// HaveReceivedHeaders reports the once-true latch; MarkHeadersReceived
// sets it.
func (s *Stream) HaveReceivedHeaders() bool { return s.haveReceivedHeaders }

func (s *Stream) MarkHeadersReceived() { s.haveReceivedHeaders = true }

func (s *Stream) SetRequestFromClient(m txn.Message) { s.requestFromClient = m }

func (s *Stream) RequestFromClient() txn.Message { return s.requestFromClient }

func (s *Stream) SetResponseFromServer(m txn.Message) { s.responseFromServer = m }

func (s *Stream) ResponseFromServer() txn.Message { return s.responseFromServer }

// SetTrailers stores a HEADERS frame that arrived after DATA frames
// separately from the leading headers.
func (s *Stream) SetTrailers(m txn.Message) {
	s.trailers = m
	s.haveTrailers = true
}

func (s *Stream) Trailers() (txn.Message, bool) { return s.trailers, s.haveTrailers }

// AppendBody appends to the accumulated received body. It does not check
// the size against a content-length; CheckContentLength does that once
// the body is complete.
func (s *Stream) AppendBody(b []byte) {
	s.bodyReceived = append(s.bodyReceived, b...)
}

func (s *Stream) BodyReceived() []byte { return s.bodyReceived }

func (s *Stream) BodyToSend() []byte { return s.bodyToSend }

// CheckContentLength compares the accumulated body length against an
// expected size once END_STREAM has been seen, latching
// ContentLengthMismatch for the caller to read back via
// ContentLengthMismatch. The mismatch is reported, not fatal.
func (s *Stream) CheckContentLength(expected int, expectedPresent bool) {
	if expectedPresent && len(s.bodyReceived) != expected {
		s.contentLengthMismatch = true
	}
}

func (s *Stream) ContentLengthMismatch() bool { return s.contentLengthMismatch }

// AddDataBytesWritten tracks unacknowledged DATA bytes sent, for
// flow-control bookkeeping.
func (s *Stream) AddDataBytesWritten(n int) { s.numDataBytesWritten += uint64(n) }

func (s *Stream) NumDataBytesWritten() uint64 { return s.numDataBytesWritten }

func (s *Stream) StartTime() stdlibtime.Time { return s.startTime }

// Retain takes ownership of release, a cleanup callback for a
// library-managed buffer the stream holds a reference into. All
// registered releasers run, in registration order, when Close is
// called.
func (s *Stream) Retain(release func()) {
	s.releasers = append(s.releasers, release)
}

// Close releases every buffer reference the stream is holding. It is
// idempotent.
func (s *Stream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for _, release := range s.releasers {
		release()
	}
	s.releasers = nil
}
