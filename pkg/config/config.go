// Package config parses and validates the process-level configuration
// a node needs at startup: its identity, its peers, the addresses it
// listens on, and its Raft timing knobs.
package config

import (
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	NodeID       string
	GRPCAddr     string
	HTTPAddr     string
	MetricsAddr  string
	Peers        map[string]string // peer id -> gRPC address, includes self
	WALDir       string
	SnapshotSize uint64

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration

	EnableMetrics bool
}

// Validate enforces the rules a misconfigured cluster would otherwise
// fail at in confusing ways much later: a non-empty node id, a real
// listen address, and an election/heartbeat relationship that can't
// produce spurious elections.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node id must not be empty")
	}
	if c.GRPCAddr == "" {
		return fmt.Errorf("config: grpc listen address must not be empty")
	}
	if _, port, err := net.SplitHostPort(c.GRPCAddr); err != nil {
		return fmt.Errorf("config: invalid grpc listen address %q: %w", c.GRPCAddr, err)
	} else if p, err := strconv.Atoi(port); err != nil || p <= 0 {
		return fmt.Errorf("config: grpc listen port must be a positive number, got %q", port)
	}
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax <= 0 {
		return fmt.Errorf("config: election timeouts must be positive")
	}
	if c.ElectionTimeoutMin >= c.ElectionTimeoutMax {
		return fmt.Errorf("config: election-min must be less than election-max")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat interval must be positive")
	}
	if c.HeartbeatInterval > c.ElectionTimeoutMin/3 {
		return fmt.Errorf("config: heartbeat interval must be at most a third of election-min")
	}
	if _, ok := c.Peers[c.NodeID]; !ok {
		return fmt.Errorf("config: peers must include this node's own id %q", c.NodeID)
	}
	return nil
}

// Load parses args against fs and returns a validated Config. fs lets
// tests supply an isolated FlagSet instead of flag.CommandLine.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	var (
		nodeID      = fs.String("id", "", "node id")
		grpcAddr    = fs.String("addr", "", "gRPC listen address (e.g. localhost:5000)")
		httpAddr    = fs.String("http", "", "HTTP API listen address (e.g. localhost:8000)")
		metricsAddr = fs.String("metrics-addr", "", "Prometheus metrics listen address")
		peers       = fs.String("peers", "", "comma-separated id=addr pairs, including this node")
		walDir      = fs.String("wal", "", "durable store directory")
		electionMin = fs.Duration("election-min", 150*time.Millisecond, "minimum election timeout")
		electionMax = fs.Duration("election-max", 300*time.Millisecond, "maximum election timeout")
		heartbeat   = fs.Duration("heartbeat", 50*time.Millisecond, "heartbeat interval")
	)

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}

	peerAddrs, err := parsePeers(*peers)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		NodeID:             *nodeID,
		GRPCAddr:           *grpcAddr,
		HTTPAddr:           *httpAddr,
		MetricsAddr:        *metricsAddr,
		Peers:              peerAddrs,
		WALDir:             *walDir,
		SnapshotSize:       1000,
		ElectionTimeoutMin: *electionMin,
		ElectionTimeoutMax: *electionMax,
		HeartbeatInterval:  *heartbeat,
		EnableMetrics:      *metricsAddr != "",
	}

	if cfg.WALDir == "" {
		cfg.WALDir = "raft-wal-" + cfg.NodeID
	}
	if _, ok := cfg.Peers[cfg.NodeID]; !ok && cfg.NodeID != "" {
		cfg.Peers[cfg.NodeID] = cfg.GRPCAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parsePeers(raw string) (map[string]string, error) {
	peers := make(map[string]string)
	if raw == "" {
		return peers, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("config: invalid peer entry %q, expected id=addr", pair)
		}
		peers[parts[0]] = parts[1]
	}
	return peers, nil
}

// PeerIDs returns every peer id other than self.
func (c *Config) PeerIDs() []string {
	ids := make([]string, 0, len(c.Peers)-1)
	for id := range c.Peers {
		if id != c.NodeID {
			ids = append(ids, id)
		}
	}
	return ids
}
