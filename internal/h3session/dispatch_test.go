// SPDX-License-Identifier: Apache-2.0

package h3session

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	stdlibtime "time"

	"github.com/stretchr/testify/require"

	"github.com/replayverify/h3core/internal/txn"
)

func newDispatchTestSession() *Session {
	return &Session{
		dispatchWaiters:   make(map[string]chan serverDispatch),
		dispatchUnclaimed: make(map[string][]serverDispatch),
	}
}

func fakeRequest(method, scheme, authority, path string) *http.Request {
	return &http.Request{Method: method, Host: authority, URL: &url.URL{Scheme: scheme, Path: path}}
}

func waitForWaiterCount(t *testing.T, s *Session, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.dispatchMu.Lock()
		defer s.dispatchMu.Unlock()

		return len(s.dispatchWaiters) == n
	}, stdlibtime.Second, stdlibtime.Millisecond)
}

// TestAwaitDispatchMatchesByKeyDespiteArrivalOrder is the regression test
// for the race two independent runServerTransaction goroutines used to
// have on a shared AcceptRequestStream call: delivering the streams in the
// opposite order from how the transactions registered interest must still
// route each stream to the transaction whose scripted request it matches.
func TestAwaitDispatchMatchesByKeyDespiteArrivalOrder(t *testing.T) {
	t.Parallel()
	s := newDispatchTestSession()

	reqA := fakeRequest(http.MethodGet, "https", "a.test", "/a")
	reqB := fakeRequest(http.MethodGet, "https", "b.test", "/b")
	keyA, keyB := actualDispatchKey(reqA), actualDispatchKey(reqB)
	require.NotEqual(t, keyA, keyB)

	resultA := make(chan serverDispatch, 1)
	resultB := make(chan serverDispatch, 1)
	go func() {
		disp, _ := s.awaitDispatch(context.Background(), keyA)
		resultA <- disp
	}()
	go func() {
		disp, _ := s.awaitDispatch(context.Background(), keyB)
		resultB <- disp
	}()

	waitForWaiterCount(t, s, 2)

	// Deliver in the reverse order from registration.
	s.deliverDispatch(keyB, serverDispatch{req: reqB})
	s.deliverDispatch(keyA, serverDispatch{req: reqA})

	select {
	case disp := <-resultA:
		require.Same(t, reqA, disp.req)
	case <-stdlibtime.After(stdlibtime.Second):
		t.Fatal("timed out waiting for keyA dispatch")
	}
	select {
	case disp := <-resultB:
		require.Same(t, reqB, disp.req)
	case <-stdlibtime.After(stdlibtime.Second):
		t.Fatal("timed out waiting for keyB dispatch")
	}
}

func TestAwaitDispatchClaimsBufferedStreamImmediately(t *testing.T) {
	t.Parallel()
	s := newDispatchTestSession()

	req := fakeRequest(http.MethodGet, "https", "example.test", "/a")
	key := actualDispatchKey(req)
	s.deliverDispatch(key, serverDispatch{req: req})

	disp, err := s.awaitDispatch(context.Background(), key)
	require.NoError(t, err)
	require.Same(t, req, disp.req)
}

func TestDeliverUnroutableGoesToRegisteredWaiter(t *testing.T) {
	t.Parallel()
	s := newDispatchTestSession()

	req := fakeRequest(http.MethodGet, "https", "a.test", "/a")
	key := actualDispatchKey(req)

	result := make(chan error, 1)
	go func() {
		_, err := s.awaitDispatch(context.Background(), key)
		result <- err
	}()
	waitForWaiterCount(t, s, 1)

	s.deliverUnroutable(serverDispatch{err: errorAsProtocol(errTestUnroutable, "request-headers")})

	select {
	case err := <-result:
		require.Error(t, err)
	case <-stdlibtime.After(stdlibtime.Second):
		t.Fatal("timed out waiting for unroutable dispatch")
	}
}

func TestFailDispatchBroadcastsToAllWaiters(t *testing.T) {
	t.Parallel()
	s := newDispatchTestSession()

	resultA := make(chan error, 1)
	resultB := make(chan error, 1)
	go func() { _, err := s.awaitDispatch(context.Background(), "keyA"); resultA <- err }()
	go func() { _, err := s.awaitDispatch(context.Background(), "keyB"); resultB <- err }()
	waitForWaiterCount(t, s, 2)

	s.failDispatch(errTestUnroutable)

	require.ErrorIs(t, <-resultA, errTestUnroutable)
	require.ErrorIs(t, <-resultB, errTestUnroutable)
}

func TestFailDispatchIsLatchedForFutureRegistrations(t *testing.T) {
	t.Parallel()
	s := newDispatchTestSession()
	s.failDispatch(errTestUnroutable)

	_, err := s.awaitDispatch(context.Background(), "keyA")
	require.ErrorIs(t, err, errTestUnroutable)
}

func TestScriptedAndActualDispatchKeysAgreeOnMethodDefaulting(t *testing.T) {
	t.Parallel()
	expected := txn.Message{Pseudo: map[string]string{":scheme": "https", ":authority": "example.test", ":path": "/a"}}
	req := fakeRequest(http.MethodGet, "https", "example.test", "/a")

	require.Equal(t, scriptedDispatchKey(expected), actualDispatchKey(req))
}

type testUnroutableError string

func (e testUnroutableError) Error() string { return string(e) }

var errTestUnroutable error = testUnroutableError("dispatch test: simulated AcceptRequestStream failure")
