package config

import (
	"fmt"
	"net"
)

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidateConfig checks the configuration for errors. All problems are
// reported, not just the first.
func ValidateConfig(cfg *Config) []error {
	var errs []error

	if cfg.Node.ID == 0 {
		errs = append(errs, invalid("node.id", "must be non-zero"))
	}
	if cfg.Node.DataDir == "" {
		errs = append(errs, invalid("node.dataDir", "must not be empty"))
	}
	if err := validateAddress(cfg.Node.Addr); err != nil {
		errs = append(errs, invalid("node.addr", "%v", err))
	}

	errs = append(errs, validateCluster(cfg)...)
	errs = append(errs, validateRaft(&cfg.Raft)...)

	if err := validateAddress(cfg.API.Address); err != nil {
		errs = append(errs, invalid("api.address", "%v", err))
	}
	if cfg.API.ReadTimeout <= 0 {
		errs = append(errs, invalid("api.readTimeout", "must be positive"))
	}
	if cfg.API.WriteTimeout <= 0 {
		errs = append(errs, invalid("api.writeTimeout", "must be positive"))
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, invalid("logging.level", "unknown level %q", cfg.Logging.Level))
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, invalid("logging.format", "unknown format %q", cfg.Logging.Format))
	}
	if cfg.Logging.Output == "" {
		errs = append(errs, invalid("logging.output", "must not be empty"))
	}
	if cfg.Logging.MaxSizeMB < 0 {
		errs = append(errs, invalid("logging.maxSizeMB", "must not be negative"))
	}
	if cfg.Logging.Keep < 0 {
		errs = append(errs, invalid("logging.keep", "must not be negative"))
	}

	return errs
}

func validateCluster(cfg *Config) []error {
	var errs []error
	if cfg.Cluster.Bootstrap && len(cfg.Cluster.Peers) == 0 {
		errs = append(errs, invalid("cluster.peers", "bootstrap requires at least one peer"))
	}
	seen := make(map[uint64]bool, len(cfg.Cluster.Peers))
	self := false
	for i, p := range cfg.Cluster.Peers {
		field := fmt.Sprintf("cluster.peers[%d]", i)
		if p.ID == 0 {
			errs = append(errs, invalid(field+".id", "must be non-zero"))
		}
		if seen[p.ID] {
			errs = append(errs, invalid(field+".id", "duplicate id %d", p.ID))
		}
		seen[p.ID] = true
		if err := validateAddress(p.Addr); err != nil {
			errs = append(errs, invalid(field+".addr", "%v", err))
		}
		if p.ID == cfg.Node.ID {
			self = true
		}
	}
	if cfg.Cluster.Bootstrap && len(cfg.Cluster.Peers) > 0 && !self {
		errs = append(errs, invalid("cluster.peers", "bootstrap peers must include this node (id %d)", cfg.Node.ID))
	}
	return errs
}

func validateRaft(rc *RaftConfig) []error {
	var errs []error
	if rc.ElectionTimeoutMin <= 0 {
		errs = append(errs, invalid("raft.electionTimeoutMin", "must be positive"))
	}
	if rc.ElectionTimeoutMax < rc.ElectionTimeoutMin {
		errs = append(errs, invalid("raft.electionTimeoutMax", "must be >= electionTimeoutMin"))
	}
	if rc.HeartbeatInterval <= 0 {
		errs = append(errs, invalid("raft.heartbeatInterval", "must be positive"))
	} else if rc.ElectionTimeoutMin > 0 && rc.HeartbeatInterval >= rc.ElectionTimeoutMin {
		errs = append(errs, invalid("raft.heartbeatInterval", "must be below electionTimeoutMin"))
	}
	if rc.MaxEntriesPerAppend <= 0 {
		errs = append(errs, invalid("raft.maxEntriesPerAppend", "must be positive"))
	}
	if rc.MaxBytesPerAppend <= 0 {
		errs = append(errs, invalid("raft.maxBytesPerAppend", "must be positive"))
	}
	if rc.SnapshotThreshold == 0 {
		errs = append(errs, invalid("raft.snapshotThreshold", "must be non-zero"))
	}
	if rc.SnapshotChunkSize <= 0 {
		errs = append(errs, invalid("raft.snapshotChunkSize", "must be positive"))
	}
	switch rc.ReadPolicy {
	case "commit", "lease":
	default:
		errs = append(errs, invalid("raft.readPolicy", "unknown policy %q", rc.ReadPolicy))
	}
	if rc.ReadPolicy == "lease" {
		if rc.LeaseDuration <= 0 {
			errs = append(errs, invalid("raft.leaseDuration", "must be positive"))
		} else if rc.ElectionTimeoutMin > 0 && rc.LeaseDuration >= rc.ElectionTimeoutMin {
			errs = append(errs, invalid("raft.leaseDuration", "must be below electionTimeoutMin"))
		}
	}
	if rc.ProposalQueueDepth <= 0 {
		errs = append(errs, invalid("raft.proposalQueueDepth", "must be positive"))
	}
	if rc.ProposeTimeout <= 0 {
		errs = append(errs, invalid("raft.proposeTimeout", "must be positive"))
	}
	return errs
}

// validateAddress checks a listen or peer address of the form host:port.
func validateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("must not be empty")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q", addr)
	}
	if port == "" {
		return fmt.Errorf("missing port in %q", addr)
	}
	return nil
}
