// SPDX-License-Identifier: Apache-2.0

package h3session

import (
	"context"
	"net/http"

	"github.com/replayverify/h3core/internal/txn"
)

// unroutableDispatchKey buckets a stream whose headers could not even be
// parsed into a request, so no canonical key can be derived for it.
const unroutableDispatchKey = ""

// dispatchKeySep separates the method/scheme/authority/path components of
// a canonical dispatch key. NUL is not a legal character in a method,
// scheme, authority or path, so a well-formed component never contains
// it and components cannot collide across the separator.
const dispatchKeySep = "\x00"

// requestDispatchKey canonicalizes the four pseudo-headers that identify
// which scripted server-side transaction an inbound request belongs to,
// defaulting an empty method the same way packRequest does for the
// scripted side.
func requestDispatchKey(method, scheme, authority, path string) string {
	if method == "" {
		method = http.MethodGet
	}

	return method + dispatchKeySep + scheme + dispatchKeySep + authority + dispatchKeySep + path
}

func scriptedDispatchKey(expected txn.Message) string {
	return requestDispatchKey(expected.Pseudo[":method"], expected.Pseudo[":scheme"], expected.Pseudo[":authority"], expected.Pseudo[":path"])
}

func actualDispatchKey(req *http.Request) string {
	return requestDispatchKey(req.Method, req.URL.Scheme, req.Host, req.URL.RequestURI())
}

// startDispatchLoop starts the single goroutine that calls
// AcceptRequestStream, once per Session. Every runServerTransaction call
// races to start it; only the first succeeds, and all of them get the
// same loop draining the connection's inbound streams.
func (s *Session) startDispatchLoop(ctx context.Context) {
	s.dispatchOnce.Do(func() {
		s.dispatchMu.Lock()
		s.dispatchWaiters = make(map[string]chan serverDispatch)
		s.dispatchUnclaimed = make(map[string][]serverDispatch)
		s.dispatchMu.Unlock()
		go s.runDispatchLoop(ctx)
	})
}

// runDispatchLoop is the single reader of s.serverConn.AcceptRequestStream:
// it demuxes every accepted stream to the runServerTransaction call whose
// scripted request matches this one's :method/:scheme/:authority/:path,
// since RunTransactions launches one goroutine per transaction and they
// would otherwise race directly on AcceptRequestStream.
func (s *Session) runDispatchLoop(ctx context.Context) {
	for {
		reqStream, err := s.serverConn.AcceptRequestStream(ctx)
		if err != nil {
			s.failDispatch(errorAsNetwork(err))

			return
		}

		req, err := reqStream.ReadRequest()
		if err != nil {
			// The headers didn't parse, so no key can be derived; hand it
			// to one of the waiting transactions (see deliverUnroutable).
			s.deliverUnroutable(serverDispatch{reqStream: reqStream, err: errorAsProtocol(err, "request-headers")})

			continue
		}
		s.deliverDispatch(actualDispatchKey(req), serverDispatch{reqStream: reqStream, req: req})
	}
}

// awaitDispatch registers interest in key and blocks until the dispatch
// loop delivers a matching stream, a request already buffered under key
// (or under unroutableDispatchKey) is claimed immediately, ctx is done, or
// the loop has failed terminally.
func (s *Session) awaitDispatch(ctx context.Context, key string) (serverDispatch, error) {
	s.dispatchMu.Lock()
	if s.dispatchFatal != nil {
		err := s.dispatchFatal
		s.dispatchMu.Unlock()

		return serverDispatch{}, err
	}
	if disp, ok := s.popUnclaimed(key); ok {
		s.dispatchMu.Unlock()

		return disp, disp.err
	}
	if disp, ok := s.popUnclaimed(unroutableDispatchKey); ok {
		s.dispatchMu.Unlock()

		return disp, disp.err
	}

	ch := make(chan serverDispatch, 1)
	s.dispatchWaiters[key] = ch
	s.dispatchMu.Unlock()

	select {
	case disp := <-ch:
		return disp, disp.err
	case <-ctx.Done():
		s.dispatchMu.Lock()
		delete(s.dispatchWaiters, key)
		s.dispatchMu.Unlock()

		return serverDispatch{}, errorAsNetwork(ctx.Err())
	}
}

// popUnclaimed removes and returns the oldest buffered stream under key,
// if any. Callers must hold s.dispatchMu.
func (s *Session) popUnclaimed(key string) (serverDispatch, bool) {
	queued := s.dispatchUnclaimed[key]
	if len(queued) == 0 {
		return serverDispatch{}, false
	}
	s.dispatchUnclaimed[key] = queued[1:]

	return queued[0], true
}

// deliverDispatch hands disp to the waiter registered under key, or
// buffers it if no transaction has registered interest yet. Callers
// outside dispatch.go never call this directly.
func (s *Session) deliverDispatch(key string, disp serverDispatch) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	if ch, ok := s.dispatchWaiters[key]; ok {
		delete(s.dispatchWaiters, key)
		ch <- disp

		return
	}
	s.dispatchUnclaimed[key] = append(s.dispatchUnclaimed[key], disp)
}

// deliverUnroutable hands disp to one registered waiter, since a stream
// whose headers failed to parse carries no key to match against. The
// waiter is the first one met in map iteration order; registration order
// is not tracked, so with several waiters which one receives it is not
// defined. With no waiter registered yet, it buffers under
// unroutableDispatchKey for the next registration to claim.
func (s *Session) deliverUnroutable(disp serverDispatch) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	for key, ch := range s.dispatchWaiters {
		delete(s.dispatchWaiters, key)
		ch <- disp

		return
	}
	s.dispatchUnclaimed[unroutableDispatchKey] = append(s.dispatchUnclaimed[unroutableDispatchKey], disp)
}

// failDispatch latches a terminal AcceptRequestStream failure and
// broadcasts it to every currently registered waiter; every future
// awaitDispatch call observes it immediately via s.dispatchFatal.
func (s *Session) failDispatch(err error) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	if s.dispatchFatal != nil {
		return
	}
	s.dispatchFatal = err
	for key, ch := range s.dispatchWaiters {
		delete(s.dispatchWaiters, key)
		ch <- serverDispatch{err: err}
	}
}
