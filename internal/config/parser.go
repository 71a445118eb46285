package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// envVarPattern matches ${VAR} and ${VAR:-default} references.
var envVarPattern = regexp.MustCompile(`\$\{(\w+)(?::-([^}]*))?\}`)

// LoadConfig reads and parses the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses configuration data on top of the defaults. Keys
// that are absent keep their default values.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	root, err := buildTree(substituteEnvVars(data))
	if err != nil {
		return nil, err
	}
	if err := applyNode(cfg, root.child("node")); err != nil {
		return nil, err
	}
	if err := applyCluster(cfg, root.child("cluster")); err != nil {
		return nil, err
	}
	if err := applyRaft(cfg, root.child("raft")); err != nil {
		return nil, err
	}
	if err := applyAPI(cfg, root.child("api")); err != nil {
		return nil, err
	}
	if err := applyLogging(cfg, root.child("logging")); err != nil {
		return nil, err
	}
	return cfg, nil
}

// substituteEnvVars expands ${VAR} and ${VAR:-default} references from
// the process environment before parsing.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := envVarPattern.FindSubmatch(match)
		if val, ok := os.LookupEnv(string(groups[1])); ok {
			return []byte(val)
		}
		return groups[2]
	})
}

// yamlNode is one node of the parsed configuration tree. A node holds
// either a scalar value, named children, or list items.
type yamlNode struct {
	value    string
	children map[string]*yamlNode
	list     []*yamlNode
}

func newYAMLNode() *yamlNode {
	return &yamlNode{children: make(map[string]*yamlNode)}
}

// child returns the named child, or nil. Safe on a nil receiver.
func (n *yamlNode) child(key string) *yamlNode {
	if n == nil {
		return nil
	}
	return n.children[key]
}

// scalar returns the named child's value and whether it was present.
func (n *yamlNode) scalar(key string) (string, bool) {
	c := n.child(key)
	if c == nil || c.value == "" {
		return "", false
	}
	return c.value, true
}

// buildTree parses the indentation-based configuration syntax into a
// node tree. Only the subset used by the config file is supported:
// nested mappings, lists of scalars, and lists of flat objects.
func buildTree(data []byte) (*yamlNode, error) {
	root := newYAMLNode()
	type frame struct {
		indent int
		node   *yamlNode
	}
	stack := []frame{{-1, root}}

	lines := strings.Split(string(data), "\n")
	for i, raw := range lines {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		indent := countIndent(raw)
		for len(stack) > 1 && indent <= stack[len(stack)-1].indent {
			stack = stack[:len(stack)-1]
		}
		parent := stack[len(stack)-1].node

		if strings.HasPrefix(trimmed, "- ") {
			item := strings.TrimSpace(trimmed[2:])
			child := newYAMLNode()
			if isListObject(item) {
				key, value := parseLine(item)
				if key == "" {
					return nil, fmt.Errorf("config: line %d: cannot parse list item %q", i+1, trimmed)
				}
				child.children[key] = &yamlNode{value: unquote(value)}
			} else {
				child.value = unquote(item)
			}
			parent.list = append(parent.list, child)
			stack = append(stack, frame{indent, child})
			continue
		}

		key, value := parseLine(trimmed)
		if key == "" {
			return nil, fmt.Errorf("config: line %d: cannot parse %q", i+1, trimmed)
		}
		child := newYAMLNode()
		child.value = unquote(value)
		parent.children[key] = child
		stack = append(stack, frame{indent, child})
	}
	return root, nil
}

// countIndent returns the number of leading spaces.
func countIndent(line string) int {
	n := 0
	for n < len(line) && line[n] == ' ' {
		n++
	}
	return n
}

// parseLine splits "key: value" at the first colon. The value may be
// empty ("key:" opens a nested section).
func parseLine(line string) (key, value string) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", ""
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:])
}

// isListObject reports whether a list item is a flat object rather
// than a scalar. Quoted items are always scalars, so addresses like
// "127.0.0.1:7400" parse as values.
func isListObject(item string) bool {
	if strings.HasPrefix(item, `"`) || strings.HasPrefix(item, `'`) {
		return false
	}
	return strings.Contains(item, ": ") || strings.HasSuffix(item, ":")
}

// unquote strips one matching pair of surrounding quotes.
func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// parseInlineArray parses "[a, b, c]" into its elements.
func parseInlineArray(s string) []string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return []string{}
	}
	parts := strings.Split(inner, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, unquote(strings.TrimSpace(p)))
	}
	return out
}

// parseDuration parses a duration value. Besides the standard units it
// accepts a "d" suffix for days.
func parseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err == nil {
			return time.Duration(days) * 24 * time.Hour, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// parseBool parses a boolean value. Accepts true/yes/1/on and
// false/no/0/off.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "yes", "1", "on":
		return true, nil
	case "false", "no", "0", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

// parseSize parses a byte size value such as "512", "64KB", "1MB" or
// "2GB".
func parseSize(s string) (uint64, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	mult := uint64(1)
	switch {
	case strings.HasSuffix(upper, "GB"):
		mult = 1 << 30
		upper = strings.TrimSuffix(upper, "GB")
	case strings.HasSuffix(upper, "MB"):
		mult = 1 << 20
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "KB"):
		mult = 1 << 10
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "B"):
		upper = strings.TrimSuffix(upper, "B")
	}
	n, err := strconv.ParseUint(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}

func applyNode(cfg *Config, n *yamlNode) error {
	if n == nil {
		return nil
	}
	if v, ok := n.scalar("id"); ok {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: node.id: invalid id %q", v)
		}
		cfg.Node.ID = id
	}
	if v, ok := n.scalar("dataDir"); ok {
		cfg.Node.DataDir = v
	}
	if v, ok := n.scalar("addr"); ok {
		cfg.Node.Addr = v
	}
	return nil
}

func applyCluster(cfg *Config, n *yamlNode) error {
	if n == nil {
		return nil
	}
	if v, ok := n.scalar("bootstrap"); ok {
		b, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("config: cluster.bootstrap: %v", err)
		}
		cfg.Cluster.Bootstrap = b
	}
	peersNode := n.child("peers")
	if peersNode == nil {
		return nil
	}
	peers := make([]PeerConfig, 0, len(peersNode.list))
	for i, item := range peersNode.list {
		var p PeerConfig
		v, ok := item.scalar("id")
		if !ok {
			return fmt.Errorf("config: cluster.peers[%d]: missing id", i)
		}
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: cluster.peers[%d].id: invalid id %q", i, v)
		}
		p.ID = id
		addr, ok := item.scalar("addr")
		if !ok {
			return fmt.Errorf("config: cluster.peers[%d]: missing addr", i)
		}
		p.Addr = addr
		peers = append(peers, p)
	}
	cfg.Cluster.Peers = peers
	return nil
}

func applyRaft(cfg *Config, n *yamlNode) error {
	if n == nil {
		return nil
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"electionTimeoutMin", &cfg.Raft.ElectionTimeoutMin},
		{"electionTimeoutMax", &cfg.Raft.ElectionTimeoutMax},
		{"heartbeatInterval", &cfg.Raft.HeartbeatInterval},
		{"leaseDuration", &cfg.Raft.LeaseDuration},
		{"proposeTimeout", &cfg.Raft.ProposeTimeout},
	}
	for _, d := range durations {
		if v, ok := n.scalar(d.key); ok {
			parsed, err := parseDuration(v)
			if err != nil {
				return fmt.Errorf("config: raft.%s: %v", d.key, err)
			}
			*d.dst = parsed
		}
	}
	if v, ok := n.scalar("maxEntriesPerAppend"); ok {
		count, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: raft.maxEntriesPerAppend: invalid count %q", v)
		}
		cfg.Raft.MaxEntriesPerAppend = count
	}
	if v, ok := n.scalar("maxBytesPerAppend"); ok {
		size, err := parseSize(v)
		if err != nil {
			return fmt.Errorf("config: raft.maxBytesPerAppend: %v", err)
		}
		cfg.Raft.MaxBytesPerAppend = int(size)
	}
	if v, ok := n.scalar("snapshotThreshold"); ok {
		count, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: raft.snapshotThreshold: invalid count %q", v)
		}
		cfg.Raft.SnapshotThreshold = count
	}
	if v, ok := n.scalar("snapshotThresholdBytes"); ok {
		size, err := parseSize(v)
		if err != nil {
			return fmt.Errorf("config: raft.snapshotThresholdBytes: %v", err)
		}
		cfg.Raft.SnapshotThresholdBytes = size
	}
	if v, ok := n.scalar("snapshotChunkSize"); ok {
		size, err := parseSize(v)
		if err != nil {
			return fmt.Errorf("config: raft.snapshotChunkSize: %v", err)
		}
		cfg.Raft.SnapshotChunkSize = int(size)
	}
	if v, ok := n.scalar("readPolicy"); ok {
		cfg.Raft.ReadPolicy = strings.ToLower(v)
	}
	if v, ok := n.scalar("proposalQueueDepth"); ok {
		depth, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: raft.proposalQueueDepth: invalid depth %q", v)
		}
		cfg.Raft.ProposalQueueDepth = depth
	}
	return nil
}

func applyAPI(cfg *Config, n *yamlNode) error {
	if n == nil {
		return nil
	}
	if v, ok := n.scalar("address"); ok {
		cfg.API.Address = v
	}
	if v, ok := n.scalar("readTimeout"); ok {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("config: api.readTimeout: %v", err)
		}
		cfg.API.ReadTimeout = d
	}
	if v, ok := n.scalar("writeTimeout"); ok {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("config: api.writeTimeout: %v", err)
		}
		cfg.API.WriteTimeout = d
	}
	if origins := n.child("corsOrigins"); origins != nil {
		if origins.value != "" {
			cfg.API.CORSOrigins = parseInlineArray(origins.value)
		} else if len(origins.list) > 0 {
			vals := make([]string, 0, len(origins.list))
			for _, item := range origins.list {
				vals = append(vals, item.value)
			}
			cfg.API.CORSOrigins = vals
		}
	}
	return nil
}

func applyLogging(cfg *Config, n *yamlNode) error {
	if n == nil {
		return nil
	}
	if v, ok := n.scalar("level"); ok {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v, ok := n.scalar("format"); ok {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v, ok := n.scalar("output"); ok {
		cfg.Logging.Output = v
	}
	if v, ok := n.scalar("maxSizeMB"); ok {
		size, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: logging.maxSizeMB: invalid size %q", v)
		}
		cfg.Logging.MaxSizeMB = size
	}
	if v, ok := n.scalar("keep"); ok {
		keep, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: logging.keep: invalid count %q", v)
		}
		cfg.Logging.Keep = keep
	}
	if v, ok := n.scalar("compress"); ok {
		b, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("config: logging.compress: %v", err)
		}
		cfg.Logging.Compress = b
	}
	return nil
}
