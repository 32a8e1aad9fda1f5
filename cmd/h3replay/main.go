// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/replayverify/h3core/cfg"
	"github.com/replayverify/h3core/internal/h3session"
	"github.com/replayverify/h3core/internal/proxyprotocol"
	"github.com/replayverify/h3core/internal/quicendpoint"
)

// replayConfig is the YAML-configurable override of this package's flags,
// keyed by package path under cfg.MustGet's convention. The config file's
// qlogDir key is used when --qlog-dir is not set; the --qlog-dir flag
// always wins when set. The qlog directory of a run is chosen once, when
// the subcommand starts, so a later change to the file does not move the
// running session's qlog output.
type replayConfig struct {
	QlogDir string `yaml:"qlogDir"`
}

var (
	iface      string
	targetAddr string
	certPath   string
	keyPath    string
	qlogDir    string
	ppVersion  string
	configPath string

	liveQlogDirMu sync.Mutex
	liveQlogDir   string

	root = &cobra.Command{
		Use:              "h3replay",
		Short:            "h3replay drives or accepts one HTTP/3 session against a peer under test",
		PersistentPreRun: initConfig,
	}

	clientCmd = &cobra.Command{
		Use:   "client",
		Short: "connect to a peer and run no transactions beyond the handshake",
		Run:   runClient,
	}

	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "accept one connection from a peer under test",
		Run:   runServer,
	}
)

func init() {
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the h3replay YAML configuration file (supplies qlogDir and transport parameters)")
	for _, cmd := range []*cobra.Command{clientCmd, serverCmd} {
		cmd.Flags().StringVar(&iface, "iface", "", "local interface address to bind (any if empty)")
		cmd.Flags().StringVar(&qlogDir, "qlog-dir", "", "directory to write qlog JSON-line traces (disabled if empty); overrides the config file's qlogDir")
	}
	clientCmd.Flags().StringVar(&targetAddr, "target", "", "address of the peer to dial, host:port")
	clientCmd.Flags().StringVar(&ppVersion, "proxy-protocol", "", "PROXY protocol preamble to send ahead of the QUIC flow: v1, v2, or empty for none")
	_ = clientCmd.MarkFlagRequired("target")

	serverCmd.Flags().StringVar(&certPath, "cert", "", "path to the TLS certificate")
	serverCmd.Flags().StringVar(&keyPath, "key", "", "path to the TLS private key")
	_ = serverCmd.MarkFlagRequired("cert")
	_ = serverCmd.MarkFlagRequired("key")

	root.AddCommand(clientCmd, serverCmd)
}

func runClient(_ *cobra.Command, _ []string) {
	h3session.Init(runQlogDir())
	defer h3session.Terminate()

	target, err := net.ResolveUDPAddr("udp", targetAddr)
	if err != nil {
		log.Printf("ERROR: could not resolve target %q: %v", targetAddr, err)
		h3session.SetNonZeroExit()

		return
	}

	var preamble *proxyprotocol.Header
	if ppVersion != "" {
		preamble, err = preambleFor(ppVersion, target)
		if err != nil {
			log.Printf("ERROR: %v", err)
			h3session.SetNonZeroExit()

			return
		}
	}

	sess := h3session.NewClientSession(sessionConfig())
	if err = sess.Connect(context.Background(), iface, target, preamble); err != nil {
		log.Printf("ERROR: connect failed: %v", err)
		h3session.SetNonZeroExit()

		return
	}
	defer func() {
		if closeErr := sess.Close(); closeErr != nil {
			log.Printf("ERROR: close failed: %v", closeErr)
			h3session.SetNonZeroExit()
		}
	}()
}

func runServer(_ *cobra.Command, _ []string) {
	h3session.Init(runQlogDir())
	defer h3session.Terminate()

	sess := h3session.NewServerSession(sessionConfig())
	if err := sess.Accept(context.Background(), iface, nil, certPath, keyPath); err != nil {
		log.Printf("ERROR: accept failed: %v", err)
		h3session.SetNonZeroExit()

		return
	}
	defer func() {
		if closeErr := sess.Close(); closeErr != nil {
			log.Printf("ERROR: close failed: %v", closeErr)
			h3session.SetNonZeroExit()
		}
	}()
}

// sessionConfig returns the transport parameters for this run: the
// process-wide YAML configuration if --config loaded one, or the fixed
// DefaultConfig otherwise. Without --config, cfg.MustInit never ran, so
// LoadConfig would silently unmarshal into an unconfigured viper instance
// and hand back a zero-value Config instead of an error.
func sessionConfig() *quicendpoint.Config {
	if configPath == "" {
		return quicendpoint.DefaultConfig()
	}

	return quicendpoint.LoadConfig()
}

// initConfig loads --config, if given, records its qlogDir key, and starts
// a cfg.WatchFile watcher whose callback sets the recorded value again from
// cfg.MustGet on every write. cfg.MustGet reads the configuration loaded
// here and does not read the file again, and runQlogDir consults the value
// only once per run, so a write to the file does not change the qlog
// directory of the running process. Left a no-op when --config is empty,
// matching a plain flag-only invocation.
func initConfig(_ *cobra.Command, _ []string) {
	if configPath == "" {
		return
	}
	cfg.MustInit(configPath)
	setLiveQlogDir(cfg.MustGet[replayConfig]().QlogDir)

	if _, err := cfg.WatchFile(func(string) {
		setLiveQlogDir(cfg.MustGet[replayConfig]().QlogDir)
	}); err != nil {
		log.Printf("WARN: could not watch config file %q for qlog-dir changes: %v", configPath, err)
	}
}

func setLiveQlogDir(dir string) {
	liveQlogDirMu.Lock()
	defer liveQlogDirMu.Unlock()
	liveQlogDir = dir
}

func getLiveQlogDir() string {
	liveQlogDirMu.Lock()
	defer liveQlogDirMu.Unlock()

	return liveQlogDir
}

// runQlogDir namespaces this run's qlog output under a fresh UUID so
// concurrent client/server invocations sharing a qlog directory never
// clobber each other's connection traces. --qlog-dir always wins when set;
// otherwise the value recorded from --config's qlogDir key is used. It is
// called once, at the start of runClient/runServer.
func runQlogDir() string {
	dir := qlogDir
	if dir == "" {
		dir = getLiveQlogDir()
	}
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, uuid.NewString())
}

// preambleFor builds a minimal PROXY header stating target as both src and
// dst — loading the real observed client address is the CLI/trace-loading
// layer's job, out of scope here.
func preambleFor(version string, target *net.UDPAddr) (*proxyprotocol.Header, error) {
	ep := proxyprotocol.Endpoint{IP: target.IP, Port: uint16(target.Port)}
	switch version {
	case "v1":
		return &proxyprotocol.Header{Version: proxyprotocol.VersionV1, Src: ep, Dst: ep}, nil
	case "v2":
		return &proxyprotocol.Header{Version: proxyprotocol.VersionV2, Src: ep, Dst: ep}, nil
	default:
		return nil, errUnknownProxyVersion(version)
	}
}

type errUnknownProxyVersion string

func (e errUnknownProxyVersion) Error() string {
	return "unknown --proxy-protocol value: " + string(e)
}

func main() {
	if err := root.Execute(); err != nil {
		log.Panic(err)
	}
	if code := h3session.ExitCode(); code != 0 {
		log.Fatalf("exiting with code %d", code)
	}
}
