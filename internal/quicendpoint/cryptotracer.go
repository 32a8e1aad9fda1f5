// SPDX-License-Identifier: Apache-2.0

package quicendpoint

import (
	"sync"

	"github.com/quic-go/quic-go/logging"

	"github.com/replayverify/h3core/internal/cryptobuffer"
)

// cryptoTracer accumulates CRYPTO frame bytes per encryption level into
// bounded cryptobuffer.Buffers, enforcing the 4 KiB per-level invariant.
// quic-go owns the TLS handshake internally, so this is observational
// bookkeeping hung off its logging.ConnectionTracer hook rather than the
// buffer the handshake itself reads from — the closest a caller of a real
// QUIC/TLS library can get to the original's "CryptoBuffer written by TLS
// callbacks, read by QUIC frame assembly" without reimplementing the
// handshake.
type cryptoTracer struct {
	buffers map[cryptobuffer.Level]*cryptobuffer.Buffer

	// mu guards overflow. quic-go invokes the ConnectionTracer callbacks
	// below from its own internal connection goroutine, not from whatever
	// goroutine called Endpoint.Drive or Open — a panic raised inside the
	// callback can only be recovered in that same goroutine, so it is
	// caught right here and latched instead of being left to crash the
	// process. Callers observe it later via TakeOverflow.
	mu       sync.Mutex
	overflow *cryptobuffer.Overflow
}

func newCryptoTracer() *cryptoTracer {
	return &cryptoTracer{
		buffers: map[cryptobuffer.Level]*cryptobuffer.Buffer{
			cryptobuffer.Initial:     cryptobuffer.New(cryptobuffer.Initial),
			cryptobuffer.ZeroRTT:     cryptobuffer.New(cryptobuffer.ZeroRTT),
			cryptobuffer.Handshake:   cryptobuffer.New(cryptobuffer.Handshake),
			cryptobuffer.Application: cryptobuffer.New(cryptobuffer.Application),
		},
	}
}

func encLevelOf(level logging.EncryptionLevel) cryptobuffer.Level {
	switch level {
	case logging.EncryptionInitial:
		return cryptobuffer.Initial
	case logging.Encryption0RTT:
		return cryptobuffer.ZeroRTT
	case logging.EncryptionHandshake:
		return cryptobuffer.Handshake
	default:
		return cryptobuffer.Application
	}
}

// TakeOverflow returns and clears the latched overflow, if any occurred
// since the last call.
func (t *cryptoTracer) TakeOverflow() *cryptobuffer.Overflow {
	t.mu.Lock()
	defer t.mu.Unlock()
	o := t.overflow
	t.overflow = nil

	return o
}

func (t *cryptoTracer) latchOverflow(o *cryptobuffer.Overflow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.overflow == nil {
		t.overflow = o
	}
}

// connectionTracer returns a logging.ConnectionTracer that records CRYPTO
// frame sizes into this tracer's buffers. quic-go invokes these callbacks
// synchronously from its own connection goroutine, so an overflow is
// recovered right here rather than relying on a recover() in some other
// goroutine's call stack, which would never see it.
func (t *cryptoTracer) connectionTracer() *logging.ConnectionTracer {
	record := func(level logging.EncryptionLevel, frame logging.Frame) {
		cf, ok := frame.(*logging.CryptoFrame)
		if !ok {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				if o, ok := r.(*cryptobuffer.Overflow); ok {
					t.latchOverflow(o)

					return
				}
				panic(r)
			}
		}()
		// logging.CryptoFrame only carries Offset/Length, not the frame's
		// payload bytes, so the accumulated buffer tracks CRYPTO byte
		// counts (and the 4 KiB overflow invariant) rather than the
		// original plaintext.
		t.buffers[encLevelOf(level)].Write(make([]byte, cf.Length))
	}

	return &logging.ConnectionTracer{
		SentLongHeaderPacket: func(hdr *logging.ExtendedHeader, _ logging.ByteCount, _ logging.ECN, _ *logging.AckFrame, frames []logging.Frame) {
			for _, f := range frames {
				record(encLevelFromPacketType(logging.PacketTypeFromHeader(&hdr.Header)), f)
			}
		},
		ReceivedLongHeaderPacket: func(hdr *logging.ExtendedHeader, _ logging.ByteCount, _ logging.ECN, frames []logging.Frame) {
			for _, f := range frames {
				record(encLevelFromPacketType(logging.PacketTypeFromHeader(&hdr.Header)), f)
			}
		},
	}
}

func encLevelFromPacketType(t logging.PacketType) logging.EncryptionLevel {
	switch t {
	case logging.PacketTypeInitial:
		return logging.EncryptionInitial
	case logging.PacketType0RTT:
		return logging.Encryption0RTT
	case logging.PacketTypeHandshake:
		return logging.EncryptionHandshake
	default:
		return logging.EncryptionLevel(0)
	}
}

// bufferFor returns the buffer tracking the CRYPTO bytes accumulated for
// level, for diagnostics and tests.
func (t *cryptoTracer) bufferFor(level cryptobuffer.Level) *cryptobuffer.Buffer {
	return t.buffers[level]
}
