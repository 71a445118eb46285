package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const fullConfig = `# test node configuration
node:
  id: 2
  dataDir: /var/lib/kervan
  addr: "10.0.0.2:7400"

cluster:
  bootstrap: true
  peers:
    - id: 1
      addr: "10.0.0.1:7400"
    - id: 2
      addr: "10.0.0.2:7400"
    - id: 3
      addr: "10.0.0.3:7400"

raft:
  electionTimeoutMin: 200ms
  electionTimeoutMax: 400ms
  heartbeatInterval: 75ms
  maxEntriesPerAppend: 128
  maxBytesPerAppend: 2MB
  snapshotThreshold: 10000
  snapshotThresholdBytes: 128MB
  snapshotChunkSize: 512KB
  readPolicy: lease
  leaseDuration: 80ms
  proposalQueueDepth: 512
  proposeTimeout: 10s

api:
  address: ":9090"
  readTimeout: 15s
  writeTimeout: 20s
  corsOrigins:
    - "http://one.example.com"
    - "http://two.example.com"

logging:
  level: debug
  format: json
  output: /var/log/kervan.log
  maxSizeMB: 100
  keep: 5
  compress: true
`

// TestParseConfigFull tests that every section of a complete
// configuration file is parsed.
func TestParseConfigFull(t *testing.T) {
	cfg, err := ParseConfig([]byte(fullConfig))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}

	if cfg.Node.ID != 2 {
		t.Errorf("Node.ID = %d, want 2", cfg.Node.ID)
	}
	if cfg.Node.DataDir != "/var/lib/kervan" {
		t.Errorf("Node.DataDir = %q, want /var/lib/kervan", cfg.Node.DataDir)
	}
	if cfg.Node.Addr != "10.0.0.2:7400" {
		t.Errorf("Node.Addr = %q, want 10.0.0.2:7400", cfg.Node.Addr)
	}

	if !cfg.Cluster.Bootstrap {
		t.Error("Cluster.Bootstrap = false, want true")
	}
	if len(cfg.Cluster.Peers) != 3 {
		t.Fatalf("len(Cluster.Peers) = %d, want 3", len(cfg.Cluster.Peers))
	}
	for i, want := range []PeerConfig{
		{ID: 1, Addr: "10.0.0.1:7400"},
		{ID: 2, Addr: "10.0.0.2:7400"},
		{ID: 3, Addr: "10.0.0.3:7400"},
	} {
		if cfg.Cluster.Peers[i] != want {
			t.Errorf("Cluster.Peers[%d] = %+v, want %+v", i, cfg.Cluster.Peers[i], want)
		}
	}

	if cfg.Raft.ElectionTimeoutMin != 200*time.Millisecond {
		t.Errorf("Raft.ElectionTimeoutMin = %v, want 200ms", cfg.Raft.ElectionTimeoutMin)
	}
	if cfg.Raft.ElectionTimeoutMax != 400*time.Millisecond {
		t.Errorf("Raft.ElectionTimeoutMax = %v, want 400ms", cfg.Raft.ElectionTimeoutMax)
	}
	if cfg.Raft.HeartbeatInterval != 75*time.Millisecond {
		t.Errorf("Raft.HeartbeatInterval = %v, want 75ms", cfg.Raft.HeartbeatInterval)
	}
	if cfg.Raft.MaxEntriesPerAppend != 128 {
		t.Errorf("Raft.MaxEntriesPerAppend = %d, want 128", cfg.Raft.MaxEntriesPerAppend)
	}
	if cfg.Raft.MaxBytesPerAppend != 2<<20 {
		t.Errorf("Raft.MaxBytesPerAppend = %d, want %d", cfg.Raft.MaxBytesPerAppend, 2<<20)
	}
	if cfg.Raft.SnapshotThreshold != 10000 {
		t.Errorf("Raft.SnapshotThreshold = %d, want 10000", cfg.Raft.SnapshotThreshold)
	}
	if cfg.Raft.SnapshotThresholdBytes != 128<<20 {
		t.Errorf("Raft.SnapshotThresholdBytes = %d, want %d", cfg.Raft.SnapshotThresholdBytes, 128<<20)
	}
	if cfg.Raft.SnapshotChunkSize != 512<<10 {
		t.Errorf("Raft.SnapshotChunkSize = %d, want %d", cfg.Raft.SnapshotChunkSize, 512<<10)
	}
	if cfg.Raft.ReadPolicy != "lease" {
		t.Errorf("Raft.ReadPolicy = %q, want lease", cfg.Raft.ReadPolicy)
	}
	if cfg.Raft.LeaseDuration != 80*time.Millisecond {
		t.Errorf("Raft.LeaseDuration = %v, want 80ms", cfg.Raft.LeaseDuration)
	}
	if cfg.Raft.ProposalQueueDepth != 512 {
		t.Errorf("Raft.ProposalQueueDepth = %d, want 512", cfg.Raft.ProposalQueueDepth)
	}
	if cfg.Raft.ProposeTimeout != 10*time.Second {
		t.Errorf("Raft.ProposeTimeout = %v, want 10s", cfg.Raft.ProposeTimeout)
	}

	if cfg.API.Address != ":9090" {
		t.Errorf("API.Address = %q, want :9090", cfg.API.Address)
	}
	if cfg.API.ReadTimeout != 15*time.Second {
		t.Errorf("API.ReadTimeout = %v, want 15s", cfg.API.ReadTimeout)
	}
	if cfg.API.WriteTimeout != 20*time.Second {
		t.Errorf("API.WriteTimeout = %v, want 20s", cfg.API.WriteTimeout)
	}
	wantOrigins := []string{"http://one.example.com", "http://two.example.com"}
	if len(cfg.API.CORSOrigins) != len(wantOrigins) {
		t.Fatalf("len(API.CORSOrigins) = %d, want %d", len(cfg.API.CORSOrigins), len(wantOrigins))
	}
	for i, want := range wantOrigins {
		if cfg.API.CORSOrigins[i] != want {
			t.Errorf("API.CORSOrigins[%d] = %q, want %q", i, cfg.API.CORSOrigins[i], want)
		}
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "/var/log/kervan.log" {
		t.Errorf("Logging.Output = %q, want /var/log/kervan.log", cfg.Logging.Output)
	}
	if cfg.Logging.MaxSizeMB != 100 {
		t.Errorf("Logging.MaxSizeMB = %d, want 100", cfg.Logging.MaxSizeMB)
	}
	if cfg.Logging.Keep != 5 {
		t.Errorf("Logging.Keep = %d, want 5", cfg.Logging.Keep)
	}
	if !cfg.Logging.Compress {
		t.Error("Logging.Compress = false, want true")
	}
}

// TestParseConfigDefaults tests that an empty file yields the default
// configuration.
func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(nil)
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	def := DefaultConfig()
	if cfg.Raft.ElectionTimeoutMin != def.Raft.ElectionTimeoutMin {
		t.Errorf("ElectionTimeoutMin = %v, want %v", cfg.Raft.ElectionTimeoutMin, def.Raft.ElectionTimeoutMin)
	}
	if cfg.Raft.ReadPolicy != "commit" {
		t.Errorf("ReadPolicy = %q, want commit", cfg.Raft.ReadPolicy)
	}
	if cfg.API.Address != ":8080" {
		t.Errorf("API.Address = %q, want :8080", cfg.API.Address)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

// TestParseConfigPartial tests that a partial file only overrides the
// keys it names.
func TestParseConfigPartial(t *testing.T) {
	cfg, err := ParseConfig([]byte("raft:\n  heartbeatInterval: 25ms\n"))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if cfg.Raft.HeartbeatInterval != 25*time.Millisecond {
		t.Errorf("HeartbeatInterval = %v, want 25ms", cfg.Raft.HeartbeatInterval)
	}
	if cfg.Raft.ElectionTimeoutMin != 150*time.Millisecond {
		t.Errorf("ElectionTimeoutMin = %v, want default 150ms", cfg.Raft.ElectionTimeoutMin)
	}
}

// TestParseConfigInlineArray tests the inline list form for
// corsOrigins.
func TestParseConfigInlineArray(t *testing.T) {
	data := "api:\n  corsOrigins: [\"http://a\", \"http://b\"]\n"
	cfg, err := ParseConfig([]byte(data))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if len(cfg.API.CORSOrigins) != 2 || cfg.API.CORSOrigins[0] != "http://a" || cfg.API.CORSOrigins[1] != "http://b" {
		t.Errorf("CORSOrigins = %v, want [http://a http://b]", cfg.API.CORSOrigins)
	}
}

// TestSubstituteEnvVars tests ${VAR} and ${VAR:-default} expansion.
func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("KERVAN_TEST_DIR", "/data/from-env")
	os.Unsetenv("KERVAN_TEST_UNSET")

	data := "node:\n" +
		"  dataDir: ${KERVAN_TEST_DIR}\n" +
		"  addr: \"${KERVAN_TEST_UNSET:-127.0.0.1:7400}\"\n"
	cfg, err := ParseConfig([]byte(data))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if cfg.Node.DataDir != "/data/from-env" {
		t.Errorf("DataDir = %q, want /data/from-env", cfg.Node.DataDir)
	}
	if cfg.Node.Addr != "127.0.0.1:7400" {
		t.Errorf("Addr = %q, want fallback 127.0.0.1:7400", cfg.Node.Addr)
	}
}

// TestLoadConfig tests loading a configuration from disk.
func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kervan.yaml")
	if err := os.WriteFile(path, []byte("node:\n  id: 7\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Node.ID != 7 {
		t.Errorf("Node.ID = %d, want 7", cfg.Node.ID)
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("LoadConfig() on missing file expected error, got nil")
	}
}

// TestParseDuration tests duration parsing including the day suffix.
func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"500ms", 500 * time.Millisecond, false},
		{"2s", 2 * time.Second, false},
		{"1m", time.Minute, false},
		{"1h30m", 90 * time.Minute, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"fast", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDuration(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// TestParseSize tests byte size parsing.
func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"512", 512, false},
		{"100B", 100, false},
		{"64KB", 64 << 10, false},
		{"1MB", 1 << 20, false},
		{"2GB", 2 << 30, false},
		{"1mb", 1 << 20, false},
		{"big", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseSize(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

// TestParseBool tests boolean parsing.
func TestParseBool(t *testing.T) {
	trueValues := []string{"true", "yes", "1", "on", "TRUE", "Yes"}
	for _, v := range trueValues {
		got, err := parseBool(v)
		if err != nil || !got {
			t.Errorf("parseBool(%q) = %v, %v, want true, nil", v, got, err)
		}
	}
	falseValues := []string{"false", "no", "0", "off", "FALSE"}
	for _, v := range falseValues {
		got, err := parseBool(v)
		if err != nil || got {
			t.Errorf("parseBool(%q) = %v, %v, want false, nil", v, got, err)
		}
	}
	if _, err := parseBool("maybe"); err == nil {
		t.Error("parseBool(maybe) expected error, got nil")
	}
}

func validTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Node.ID = 1
	cfg.Node.DataDir = "/tmp/kervan"
	cfg.Node.Addr = "127.0.0.1:7400"
	cfg.Cluster.Bootstrap = true
	cfg.Cluster.Peers = []PeerConfig{
		{ID: 1, Addr: "127.0.0.1:7400"},
		{ID: 2, Addr: "127.0.0.1:7401"},
		{ID: 3, Addr: "127.0.0.1:7402"},
	}
	return cfg
}

// TestValidateConfig tests that a well-formed configuration passes.
func TestValidateConfig(t *testing.T) {
	if errs := ValidateConfig(validTestConfig()); len(errs) != 0 {
		t.Fatalf("ValidateConfig() = %v, want no errors", errs)
	}
}

// TestValidateConfigErrors tests that validation reports each invalid
// field.
func TestValidateConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero node id", func(c *Config) { c.Node.ID = 0 }, "node.id"},
		{"empty data dir", func(c *Config) { c.Node.DataDir = "" }, "node.dataDir"},
		{"bad node addr", func(c *Config) { c.Node.Addr = "nohost" }, "node.addr"},
		{"duplicate peer", func(c *Config) { c.Cluster.Peers[1].ID = 1 }, "cluster.peers[1].id"},
		{"zero peer id", func(c *Config) { c.Cluster.Peers[2].ID = 0 }, "cluster.peers[2].id"},
		{"bad peer addr", func(c *Config) { c.Cluster.Peers[0].Addr = "x" }, "cluster.peers[0].addr"},
		{"bootstrap without self", func(c *Config) { c.Node.ID = 9 }, "cluster.peers"},
		{"bootstrap without peers", func(c *Config) { c.Cluster.Peers = nil }, "cluster.peers"},
		{"heartbeat too long", func(c *Config) { c.Raft.HeartbeatInterval = c.Raft.ElectionTimeoutMin }, "raft.heartbeatInterval"},
		{"election max below min", func(c *Config) { c.Raft.ElectionTimeoutMax = c.Raft.ElectionTimeoutMin - 1 }, "raft.electionTimeoutMax"},
		{"unknown read policy", func(c *Config) { c.Raft.ReadPolicy = "eventual" }, "raft.readPolicy"},
		{"lease too long", func(c *Config) {
			c.Raft.ReadPolicy = "lease"
			c.Raft.LeaseDuration = c.Raft.ElectionTimeoutMin
		}, "raft.leaseDuration"},
		{"zero snapshot threshold", func(c *Config) { c.Raft.SnapshotThreshold = 0 }, "raft.snapshotThreshold"},
		{"bad api address", func(c *Config) { c.API.Address = "no-port" }, "api.address"},
		{"unknown log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			errs := ValidateConfig(cfg)
			if len(errs) == 0 {
				t.Fatalf("ValidateConfig() = no errors, want error on %s", tt.field)
			}
			found := false
			for _, err := range errs {
				var ve *ValidationError
				if vErr, ok := err.(*ValidationError); ok {
					ve = vErr
				}
				if ve != nil && ve.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("ValidateConfig() = %v, want error on field %s", errs, tt.field)
			}
		})
	}
}

// TestValidateConfigCollectsAll tests that multiple problems are all
// reported in one pass.
func TestValidateConfigCollectsAll(t *testing.T) {
	cfg := validTestConfig()
	cfg.Node.ID = 0
	cfg.Node.DataDir = ""
	cfg.Logging.Level = "loud"
	errs := ValidateConfig(cfg)
	if len(errs) < 3 {
		t.Fatalf("ValidateConfig() reported %d errors, want at least 3: %v", len(errs), errs)
	}
}

// TestBuildTreeErrors tests rejection of lines that are not key/value
// pairs.
func TestBuildTreeErrors(t *testing.T) {
	if _, err := ParseConfig([]byte("node\n")); err == nil {
		t.Error("ParseConfig() on bare word expected error, got nil")
	}
	if _, err := ParseConfig([]byte("raft:\n  heartbeatInterval: soon\n")); err == nil {
		t.Error("ParseConfig() on bad duration expected error, got nil")
	}
}

// TestParseInlineArrayForms tests inline array edge cases.
func TestParseInlineArrayForms(t *testing.T) {
	if got := parseInlineArray("[]"); len(got) != 0 {
		t.Errorf("parseInlineArray([]) = %v, want empty", got)
	}
	got := parseInlineArray(`["a", b, 'c']`)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("parseInlineArray() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("parseInlineArray()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if got := parseInlineArray("not an array"); got != nil {
		t.Errorf("parseInlineArray(not an array) = %v, want nil", got)
	}
}

// TestConfigComments tests that comment lines and blank lines are
// ignored.
func TestConfigComments(t *testing.T) {
	data := "# leading comment\n\nnode:\n  # nested comment\n  id: 4\n"
	cfg, err := ParseConfig([]byte(data))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if cfg.Node.ID != 4 {
		t.Errorf("Node.ID = %d, want 4", cfg.Node.ID)
	}
}
