// SPDX-License-Identifier: Apache-2.0

package h3session

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/replayverify/h3core/internal/txn"
)

func TestPackRequestDropsReservedFields(t *testing.T) {
	t.Parallel()
	tx := txn.Txn{
		Request: txn.Message{
			Pseudo: map[string]string{":method": "GET", ":scheme": "https", ":authority": "example.com", ":path": "/x"},
			Fields: []txn.Field{
				{Name: "Connection", Value: "keep-alive"},
				{Name: "X-Trace", Value: "abc"},
			},
		},
	}
	req, err := packRequest(tx, "https://example.com/x")
	require.NoError(t, err)
	require.Equal(t, "GET", req.Method)
	require.Equal(t, "https", req.URL.Scheme)
	require.Equal(t, "example.com", req.Host)
	require.Empty(t, req.Header.Get("Connection"))
	require.Equal(t, "abc", req.Header.Get("X-Trace"))
}

func TestPackRequestRejectsIllegalCharacters(t *testing.T) {
	t.Parallel()
	tx := txn.Txn{
		Request: txn.Message{
			Pseudo: map[string]string{":method": "GET", ":scheme": "https", ":authority": "example.com", ":path": "/"},
			Fields: []txn.Field{{Name: "x-injected", Value: "a\r\nSet-Cookie: evil=1"}},
		},
	}
	_, err := packRequest(tx, "https://example.com/")
	require.Error(t, err)
}

func TestPackResponseDefaultsTo200(t *testing.T) {
	t.Parallel()
	resp := packResponse(txn.Txn{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPackResponseHonorsScriptedStatus(t *testing.T) {
	t.Parallel()
	resp := packResponse(txn.Txn{Response: txn.Message{Pseudo: map[string]string{":status": "404"}}})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRequestToMessageLowercasesFieldNames(t *testing.T) {
	t.Parallel()
	req, err := http.NewRequest(http.MethodGet, "https://example.com/a", nil) //nolint:noctx
	require.NoError(t, err)
	req.Header.Set("X-Custom", "v")
	m := requestToMessage(req)
	require.Equal(t, "GET", m.Pseudo[":method"])
	got, ok := m.Get("x-custom")
	require.True(t, ok)
	require.Equal(t, "v", got)
}

func TestResponseToMessageCarriesStatus(t *testing.T) {
	t.Parallel()
	resp := &http.Response{StatusCode: 204, Header: http.Header{}}
	m := responseToMessage(resp)
	require.Equal(t, "204", m.Pseudo[":status"])
}

func TestMatchMessageComparesForwardedByParameter(t *testing.T) {
	t.Parallel()
	expected := txn.Message{Fields: []txn.Field{{Name: "Forwarded", Value: "proto=https;for=192.0.2.1"}}}
	actual := txn.Message{Fields: []txn.Field{{Name: "forwarded", Value: "for=192.0.2.1;proto=https"}}}
	require.NoError(t, matchMessage(expected, actual, nil, "k1"))
}

func TestMatchMessageCatchesForwardedParameterMismatch(t *testing.T) {
	t.Parallel()
	expected := txn.Message{Fields: []txn.Field{{Name: "Via", Value: "for=192.0.2.1"}}}
	actual := txn.Message{Fields: []txn.Field{{Name: "via", Value: "for=203.0.113.9"}}}
	require.Error(t, matchMessage(expected, actual, nil, "k1"))
}
