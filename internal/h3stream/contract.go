// SPDX-License-Identifier: Apache-2.0

// Package h3stream models one HTTP/3 stream's per-transaction state:
// pseudo-header assembly, body accumulation, the end-of-stream latch, and
// timing. It is the direct analogue of the original's H3StreamState.
package h3stream

import (
	"strconv"
	stdlibtime "time"

	"github.com/replayverify/h3core/internal/txn"
)

type (
	// Role is immutable after construction: a stream either receives a
	// request (server side) or receives a response (client side).
	Role int

	// ErrKind enumerates stream-local error kinds: the StreamError
	// subkinds a caller cross-checks transaction results against.
	ErrKind int

	// Error is a stream-local error, recorded against the transaction
	// without being session-fatal.
	Error struct {
		StreamID int64
		Key      string
		Kind     ErrKind
	}

	// Stream is one HTTP/3 stream's transaction-scoped state.
	Stream struct {
		role Role

		streamID   int64
		haveStream bool

		key string

		composedURL string

		haveReceivedHeaders bool

		// specifiedRequest/specifiedResponse are borrowed: they alias the
		// scripted txn.Txn the caller owns, whose lifetime must outlive
		// the stream.
		specifiedRequest  *txn.Message
		specifiedResponse *txn.Message

		requestFromClient  txn.Message
		responseFromServer txn.Message
		trailers           txn.Message
		haveTrailers       bool

		bodyReceived []byte
		bodyToSend   []byte

		numDataBytesWritten uint64

		startTime stdlibtime.Time

		contentLengthMismatch bool

		// releasers holds cleanup callbacks for any library-owned buffers
		// the stream took a reference on — a stream-scoped arena of
		// release functions, run once from Close.
		releasers []func()
		closed    bool
	}
)

const (
	ReceivesRequest Role = iota
	ReceivesResponse
)

const (
	Aborted ErrKind = iota
	Reset
	Timeout
	ContentLengthMismatch
)

func (k ErrKind) String() string {
	switch k {
	case Aborted:
		return "Aborted"
	case Reset:
		return "Reset"
	case Timeout:
		return "Timeout"
	case ContentLengthMismatch:
		return "ContentLengthMismatch"
	default:
		return "Unknown"
	}
}

func (e *Error) Error() string {
	return "h3stream: stream " + strconv.FormatInt(e.StreamID, 10) + " (" + e.Key + "): " + e.Kind.String()
}
