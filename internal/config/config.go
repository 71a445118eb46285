package config

import "time"

// Config holds the complete daemon configuration.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
	Raft    RaftConfig    `yaml:"raft"`
	API     APIConfig     `yaml:"api"`
	Logging LogConfig     `yaml:"logging"`
}

// NodeConfig identifies this server.
type NodeConfig struct {
	// ID is the server's unique id. It must never change once the node
	// has joined a cluster.
	ID uint64 `yaml:"id"`

	// DataDir holds the log segments, hard state and snapshots.
	DataDir string `yaml:"dataDir"`

	// Addr is the address the consensus transport listens on.
	Addr string `yaml:"addr"`
}

// ClusterConfig describes the initial cluster.
type ClusterConfig struct {
	// Bootstrap creates a fresh cluster from Peers on first start.
	// Later starts ignore it: membership then lives in the log.
	Bootstrap bool `yaml:"bootstrap"`

	// Peers are the initial voters, including this node.
	Peers []PeerConfig `yaml:"peers"`
}

// PeerConfig is one initial cluster member.
type PeerConfig struct {
	ID   uint64 `yaml:"id"`
	Addr string `yaml:"addr"`
}

// RaftConfig tunes the consensus core.
type RaftConfig struct {
	ElectionTimeoutMin     time.Duration `yaml:"electionTimeoutMin"`
	ElectionTimeoutMax     time.Duration `yaml:"electionTimeoutMax"`
	HeartbeatInterval      time.Duration `yaml:"heartbeatInterval"`
	MaxEntriesPerAppend    int           `yaml:"maxEntriesPerAppend"`
	MaxBytesPerAppend      int           `yaml:"maxBytesPerAppend"`
	SnapshotThreshold      uint64        `yaml:"snapshotThreshold"`
	SnapshotThresholdBytes uint64        `yaml:"snapshotThresholdBytes"`
	SnapshotChunkSize      int           `yaml:"snapshotChunkSize"`

	// ReadPolicy is "commit" (confirm leadership per read batch) or
	// "lease" (serve while the leader lease holds).
	ReadPolicy string `yaml:"readPolicy"`

	LeaseDuration      time.Duration `yaml:"leaseDuration"`
	ProposalQueueDepth int           `yaml:"proposalQueueDepth"`

	// ProposeTimeout bounds how long a client write may wait for
	// commitment before giving up.
	ProposeTimeout time.Duration `yaml:"proposeTimeout"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	CORSOrigins  []string      `yaml:"corsOrigins"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`

	// Rotation of file outputs; see the logging package.
	MaxSizeMB int  `yaml:"maxSizeMB"`
	Keep      int  `yaml:"keep"`
	Compress  bool `yaml:"compress"`
}
