// Package config parses cmd/p2pnode's command-line flags into a single
// struct. It intentionally stays a thin wrapper over the standard flag
// package rather than a layered loader (env vars, files, flags) — a single
// binary with half a dozen flags doesn't need one, see DESIGN.md.
package config

import (
	"flag"
	"strings"
)

// repeatableFlag collects every occurrence of a flag passed multiple
// times, e.g. -connect host1:4000 -connect host2:4000.
type repeatableFlag []string

func (f *repeatableFlag) String() string { return strings.Join(*f, ",") }
func (f *repeatableFlag) Set(v string) error {
	*f = append(*f, v)
	return nil
}

// Config holds every flag cmd/p2pnode accepts.
type Config struct {
	ListenAddr    string
	ConnectAddrs  []string
	MetricsEnable bool
	MetricsAddr   string
	Verbose       bool
}

// Load defines and parses the process's flags into a Config. Each call uses
// its own FlagSet, so Load may be called more than once in a process.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("p2pnode", flag.ExitOnError)

	listenAddr := fs.String("listen", "0.0.0.0:4000", "address to listen on for inbound peers")
	metricsEnable := fs.Bool("metrics-enable", false, "enable prometheus metrics")
	metricsAddr := fs.String("metrics-addr", "localhost:0", "address to listen on for prometheus metrics")
	verbose := fs.Bool("v", false, "enable debug logging")

	var connectAddrs repeatableFlag
	fs.Var(&connectAddrs, "connect", "address of a peer to dial on startup (repeatable)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:    *listenAddr,
		ConnectAddrs:  connectAddrs,
		MetricsEnable: *metricsEnable,
		MetricsAddr:   *metricsAddr,
		Verbose:       *verbose,
	}, nil
}
