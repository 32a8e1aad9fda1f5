// SPDX-License-Identifier: Apache-2.0

package h3session

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/replayverify/h3core/internal/h3stream"
	"github.com/replayverify/h3core/internal/txn"
)

// forwardedStyleFields are compared by their parsed parameters rather than
// byte-for-byte: a PROXY-aware hop is free to reorder "for=;by=;host=" or
// change quoting without changing meaning.
var forwardedStyleFields = map[string]bool{"forwarded": true, "via": true}

// illegalHeaderChars are rejected from any packed field name or value: a
// NUL or a bare CR/LF would let a scripted fixture smuggle an extra
// pseudo-header or split the field section.
const illegalHeaderChars = "\x00\r\n"

// packRequest builds the wire request for a scripted transaction's
// request side: pseudo-headers fixed order, field names lowercased,
// reserved field names dropped. url is the caller's
// h3stream.Stream.ComposeURLFromPseudos result, so the stream's recorded
// composedURL and the request actually sent never diverge.
func packRequest(t txn.Txn, url string) (*http.Request, error) {
	method := t.Request.Pseudo[":method"]
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequest(method, url, nil) //nolint:noctx // body is attached by the caller via the stream, not here.
	if err != nil {
		return nil, err
	}

	for _, f := range t.Request.Fields {
		if err = addPackedHeader(req.Header, f); err != nil {
			return nil, err
		}
	}

	return req, nil
}

// packResponse builds the wire response for a scripted transaction's
// response side.
func packResponse(t txn.Txn) *http.Response {
	status := http.StatusOK
	if s := t.Response.Pseudo[":status"]; s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			status = n
		}
	}
	header := make(http.Header)
	for _, f := range t.Response.Fields {
		_ = addPackedHeader(header, f) //nolint:errcheck // an illegal scripted field fails the header-packing test, not the response write.
	}

	return &http.Response{StatusCode: status, Header: header}
}

func addPackedHeader(header http.Header, f txn.Field) error {
	name := strings.ToLower(f.Name)
	if _, reserved := reservedHeaders[name]; reserved {
		return nil
	}
	if strings.ContainsAny(name, illegalHeaderChars) || strings.ContainsAny(f.Value, illegalHeaderChars) {
		return &Error{Kind: ProtocolError, Which: "headers", Detail: "illegal character in field " + f.Name}
	}
	header.Add(name, f.Value)

	return nil
}

// requestToMessage converts a received wire request into the comparison
// shape used against a scripted expectation.
func requestToMessage(req *http.Request) txn.Message {
	m := txn.Message{
		Pseudo: map[string]string{
			":method":    req.Method,
			":scheme":    req.URL.Scheme,
			":authority": req.Host,
			":path":      req.URL.RequestURI(),
		},
	}
	for name, values := range req.Header {
		for _, v := range values {
			m.Fields = append(m.Fields, txn.Field{Name: strings.ToLower(name), Value: v})
		}
	}

	return m
}

// responseToMessage converts a received wire response into the
// comparison shape used against a scripted expectation.
func responseToMessage(resp *http.Response) txn.Message {
	m := txn.Message{
		Pseudo: map[string]string{":status": strconv.Itoa(resp.StatusCode)},
	}
	for name, values := range resp.Header {
		for _, v := range values {
			m.Fields = append(m.Fields, txn.Field{Name: strings.ToLower(name), Value: v})
		}
	}

	return m
}

// headerToMessage converts a trailer section (an http.Header arriving
// after the body, as opposed to the leading headers requestToMessage and
// responseToMessage convert) into the same comparison shape, with no
// pseudo-headers of its own.
func headerToMessage(header http.Header) txn.Message {
	var m txn.Message
	for name, values := range header {
		for _, v := range values {
			m.Fields = append(m.Fields, txn.Field{Name: strings.ToLower(name), Value: v})
		}
	}

	return m
}

// matchMessage checks a received message against its scripted
// expectation: every pseudo-header and field the fixture specifies must
// be present with an equal value, and the body must match byte-for-byte
// when the fixture specifies one. Unspecified pseudo-headers/fields are
// not checked, so a fixture can assert on a subset. A mismatch is
// reported as a non-fatal *MismatchError.
func matchMessage(expected, actual txn.Message, actualBody []byte, key string) error {
	for name, want := range expected.Pseudo {
		if got := actual.Pseudo[name]; got != want {
			return &MismatchError{Key: key, Detail: name + ": want " + want + ", got " + got}
		}
	}
	for _, wantField := range expected.Fields {
		got, ok := actual.Get(wantField.Name)
		if !ok {
			return &MismatchError{Key: key, Detail: "field " + wantField.Name + ": missing"}
		}
		if forwardedStyleFields[strings.ToLower(wantField.Name)] {
			if !forwardedParamsEqual(wantField.Value, got) {
				return &MismatchError{Key: key, Detail: "field " + wantField.Name + ": parameter mismatch, want " + wantField.Value + ", got " + got}
			}

			continue
		}
		if got != wantField.Value {
			return &MismatchError{Key: key, Detail: "field " + wantField.Name + ": want " + wantField.Value + ", got " + got}
		}
	}
	if expected.Body != nil && string(expected.Body) != string(actualBody) {
		return &MismatchError{Key: key, Detail: "body mismatch"}
	}

	return nil
}

// forwardedParamsEqual compares two Forwarded/Via header values by their
// parsed parameter sets rather than raw bytes.
func forwardedParamsEqual(want, got string) bool {
	wantParams := h3stream.ParseForwardedParameters(want)
	gotParams := h3stream.ParseForwardedParameters(got)
	if len(wantParams) != len(gotParams) {
		return false
	}
	for k, v := range wantParams {
		if gotParams[k] != v {
			return false
		}
	}

	return true
}

func errorAsNetwork(err error) error {
	return &Error{Kind: NetworkError, Detail: err.Error()}
}

func errorAsProtocol(err error, which string) error {
	return &Error{Kind: ProtocolError, Which: which, Detail: err.Error()}
}

func readAll(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, nil
	}

	return io.ReadAll(r)
}
