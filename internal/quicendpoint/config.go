// SPDX-License-Identifier: Apache-2.0

package quicendpoint

import (
	stdlibtime "time"

	"github.com/replayverify/h3core/cfg"
)

// LoadConfig reads this package's Config out of the process-wide YAML
// configuration, keyed by package path per cfg.MustGet's convention.
func LoadConfig() *Config {
	return cfg.MustGet[Config]()
}

// DefaultConfig returns the deterministic transport parameters used when
// no YAML configuration is supplied — fixed values, not auto-negotiated
// from local resource limits, so a replay run is reproducible.
func DefaultConfig() *Config {
	return &Config{
		MaxIdleTimeout:              30 * stdlibtime.Second,
		HandshakeIdleTimeout:        10 * stdlibtime.Second,
		MaxIncomingStreams:          100,
		InitialMaxData:              10 * 1024 * 1024,
		InitialStreamDataBidiLocal:  1024 * 1024,
		InitialStreamDataBidiRemote: 1024 * 1024,
	}
}
