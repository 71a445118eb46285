package config

import "time"

// DefaultConfig returns the configuration used when no file is given.
// Raft timings follow the consensus package defaults.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      0,
			DataDir: "./data",
			Addr:    "127.0.0.1:7400",
		},
		Cluster: ClusterConfig{
			Bootstrap: false,
			Peers:     nil,
		},
		Raft: RaftConfig{
			ElectionTimeoutMin:     150 * time.Millisecond,
			ElectionTimeoutMax:     300 * time.Millisecond,
			HeartbeatInterval:      50 * time.Millisecond,
			MaxEntriesPerAppend:    64,
			MaxBytesPerAppend:      1 << 20,
			SnapshotThreshold:      8192,
			SnapshotThresholdBytes: 64 << 20,
			SnapshotChunkSize:      1 << 20,
			ReadPolicy:             "commit",
			LeaseDuration:          100 * time.Millisecond,
			ProposalQueueDepth:     256,
			ProposeTimeout:         5 * time.Second,
		},
		API: APIConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			CORSOrigins:  []string{"*"},
		},
		Logging: LogConfig{
			Level:     "info",
			Format:    "text",
			Output:    "stdout",
			MaxSizeMB: 0,
			Keep:      0,
			Compress:  false,
		},
	}
}
