// SPDX-License-Identifier: Apache-2.0

// Package txn defines the pre-parsed transaction contract the session core
// consumes. Loading a Txn list from a YAML trace, the full HttpHeader value
// type with assertion/rule-check helpers, and rendering diagnostics back to
// the operator are all out of scope for this package — Txn and Field here
// are the minimal shape the session core needs, not a reimplementation of
// the external HttpHeader type.
package txn

import (
	"strings"
	stdlibtime "time"
)

type (
	// Field is one header field as it would appear on the wire: an ordered
	// name/value pair, byte-transparent except for the illegal-character
	// rejection applied when packing (no NUL, CR, or LF in values).
	Field struct {
		Name  string
		Value string
	}

	// Message is one side (request or response) of a scripted transaction:
	// its pseudo-headers (":method", ":scheme", ":authority", ":path" for
	// a request; ":status" for a response), its regular fields in script
	// order, and its body bytes.
	Message struct {
		Pseudo map[string]string
		Fields []Field
		Body   []byte
	}

	// Txn is one scripted HTTP transaction: a request the client sends (or
	// the server expects to receive) and the response the server sends
	// back (or the client expects to receive), correlated across the
	// session by Key.
	Txn struct {
		Key string

		// StartOffset is the scripted start time relative to the first
		// transaction, before RunTransactions' rate_multiplier is applied.
		StartOffset stdlibtime.Duration

		// DependsOn lists keys of transactions that must be in
		// H3Session's finished-streams set before this one is launched.
		DependsOn []string

		Request  Message
		Response Message
	}
)

// Get returns the first field value matching name (case-insensitive), and
// whether it was found.
func (m Message) Get(name string) (string, bool) {
	for _, f := range m.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}

	return "", false
}
