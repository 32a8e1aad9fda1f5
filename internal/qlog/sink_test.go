// SPDX-License-Identifier: Apache-2.0

package qlog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/logging"
	"github.com/stretchr/testify/require"

	"github.com/replayverify/h3core/internal/qlog"
)

func TestInertWhenUnconfigured(t *testing.T) {
	t.Parallel()
	sink := &qlog.Sink{}
	connID := quic.ConnectionIDFromBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	tracer, err := sink.NewConnectionTracer(logging.PerspectiveClient, connID)
	require.NoError(t, err)
	require.Nil(t, tracer)
}

func TestConfigureIsOneShot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	other := t.TempDir()
	sink := &qlog.Sink{}
	sink.Configure(dir)
	sink.Configure(other) // no-op: first call wins

	connID := quic.ConnectionIDFromBytes([]byte{9, 9, 9, 9, 9, 9, 9, 9})
	tracer, err := sink.NewConnectionTracer(logging.PerspectiveServer, connID)
	require.NoError(t, err)
	require.NotNil(t, tracer)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, filepath.Ext(entries[0].Name()) == ".sqlog")

	otherEntries, err := os.ReadDir(other)
	require.NoError(t, err)
	require.Empty(t, otherEntries)
}
